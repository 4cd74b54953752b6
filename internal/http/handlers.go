package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/companion-matching/internal/config"
	"github.com/example/companion-matching/internal/dispatch"
	"github.com/example/companion-matching/internal/geocode"
	"github.com/example/companion-matching/internal/identity"
	"github.com/example/companion-matching/internal/ingest"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/payments"
	"github.com/example/companion-matching/internal/presence"
	"github.com/example/companion-matching/internal/route"
	"github.com/example/companion-matching/internal/sampler"
	"github.com/example/companion-matching/internal/session"
)

type Server struct {
	logger   *slog.Logger
	store    presence.Store
	profiles identity.Lookup
	geocoder geocode.Geocoder
	routes   route.Client
	splitter *payments.Splitter
	kafka    *ingest.KafkaProducer
	wsreg    *dispatch.WSRegistry
	sessions *SessionManager
	mux      *mux.Router
}

// NewServer wires the gateway from config with sensible fallbacks: a
// Redis presence store when REDIS_ADDR is set (in-memory otherwise),
// Postgres identity when PG_DSN is set, and optional Kafka, geocoding
// and payment collaborators.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) (*Server, error) {
	var store presence.Store
	if cfg.RedisAddr != "" {
		store = presence.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.PresenceStaleAfter)
	} else {
		store = presence.NewMemoryStore()
	}

	var profiles identity.Lookup
	if cfg.PGDSN != "" {
		pl, err := identity.NewPostgresLookup(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		profiles = pl
	} else {
		profiles = identity.NewMemoryLookup()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	var geocoder geocode.Geocoder
	if cfg.GeocodeEndpoint != "" {
		geocoder = geocode.NewORSGeocoder(cfg.GeocodeEndpoint, cfg.GeocodeAPIKey)
	}

	var splitter *payments.Splitter
	if os.Getenv("STRIPE_API_KEY") != "" {
		splitter = payments.NewSplitter(payments.NewStripeClient())
	}

	wsreg := dispatch.NewWSRegistry()
	s := &Server{
		logger:   logger,
		store:    store,
		profiles: profiles,
		geocoder: geocoder,
		routes:   route.NewOSRMClient(cfg.RouteEndpoint),
		splitter: splitter,
		kafka:    kp,
		wsreg:    wsreg,
		sessions: NewSessionManager(store, profiles, kp, wsreg, logger),
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	api := s.mux.PathPrefix("/api/v1/travelers/{traveler_id}").Subrouter()
	api.HandleFunc("/destination", s.handleSetDestination).Methods("POST")
	api.HandleFunc("/online", s.handleGoOnline).Methods("POST")
	api.HandleFunc("/offline", s.handleGoOffline).Methods("POST")
	api.HandleFunc("/location", s.handleLocation).Methods("POST")
	api.HandleFunc("/matches", s.handleMatches).Methods("GET")
	api.HandleFunc("/route", s.handleRoute).Methods("GET")
	api.HandleFunc("/split", s.handleSplit).Methods("POST")
	s.mux.HandleFunc("/api/v1/travelers/{traveler_id}", s.handleLogout).Methods("DELETE")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{traveler_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Shutdown logs out all active sessions.
func (s *Server) Shutdown(ctx context.Context) { s.sessions.Shutdown(ctx) }

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*travelerSession, bool) {
	id := mux.Vars(r)["traveler_id"]
	ts, err := s.sessions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, errUnknownTraveler) {
			http.Error(w, "unknown traveler", http.StatusNotFound)
		} else {
			http.Error(w, "identity lookup failed", http.StatusBadGateway)
		}
		return nil, false
	}
	return ts, true
}

type destinationRequest struct {
	Name  string             `json:"name"`
	Coord *models.Coordinate `json:"coord,omitempty"`
}

func (s *Server) handleSetDestination(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	var req destinationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Name == "" {
		http.Error(w, "name required", 400)
		return
	}
	dest := models.Destination{Name: req.Name}
	if req.Coord != nil {
		dest.Coord = *req.Coord
	} else {
		if s.geocoder == nil {
			http.Error(w, "coord required: geocoding not configured", 400)
			return
		}
		resolved, err := s.geocoder.Resolve(r.Context(), req.Name)
		if err != nil {
			http.Error(w, "geocode failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		dest = resolved
	}
	if err := ts.sess.SetDestination(dest); err != nil {
		s.writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, dest)
}

func (s *Server) handleGoOnline(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := ts.sess.GoOnline(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	state, loading, stale := ts.sess.Status()
	writeJSON(w, http.StatusOK, map[string]any{"state": state, "loading": loading, "stale": stale})
}

func (s *Server) handleGoOffline(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	if err := ts.sess.GoOffline(r.Context()); err != nil {
		s.writeSessionError(w, err)
		return
	}
	w.WriteHeader(204)
}

type locationRequest struct {
	Coord       models.Coordinate `json:"coord"`
	Heading     *float64          `json:"heading,omitempty"`
	At          time.Time         `json:"at"`
	ErrorReason string            `json:"error_reason,omitempty"`
}

// positionFailure maps a device-reported failure reason onto the
// sampler's error set.
func positionFailure(reason string) error {
	switch reason {
	case "permission_denied":
		return sampler.ErrPermissionDenied
	case "timeout":
		return sampler.ErrTimeout
	default:
		return sampler.ErrUnavailable
	}
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.ErrorReason != "" {
		// the device could not produce a fix; feed the failure through
		// the sampler so the session classifies and surfaces it
		ts.src.Fail(positionFailure(req.ErrorReason))
		w.WriteHeader(202)
		return
	}
	sample := models.Sample{Coord: req.Coord, Heading: req.Heading, At: req.At}
	if sample.At.IsZero() {
		sample.At = time.Now().UTC()
	}
	ts.setLastCoord(sample.Coord)
	// the session tracks position in every state; the sampler feed only
	// runs while online, so push through it when possible and fall back
	// to a direct update otherwise
	if !ts.src.Push(sample) {
		ts.sess.UpdatePosition(sample)
	}
	w.WriteHeader(202)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	state, loading, stale := ts.sess.Status()
	matches := ts.sess.Matches()
	if matches == nil {
		matches = []models.Candidate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"state":   state,
		"loading": loading,
		"stale":   stale,
		"matches": matches,
	})
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	matchID := r.URL.Query().Get("match")
	if matchID == "" {
		http.Error(w, "match query parameter required", 400)
		return
	}
	from, ok := ts.LastCoord()
	if !ok {
		http.Error(w, "no known position", http.StatusConflict)
		return
	}
	var target *models.Candidate
	for _, c := range ts.sess.Matches() {
		if c.TravelerID == matchID {
			cc := c
			target = &cc
			break
		}
	}
	if target == nil {
		http.Error(w, "match not found", http.StatusNotFound)
		return
	}
	leg, err := s.routes.Route(r.Context(), from, target.Record.CurrentCoord)
	if err != nil {
		http.Error(w, "route lookup failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, leg)
}

type splitRequest struct {
	MatchID     string `json:"match_id"`
	AmountCents int64  `json:"amount_cents"`
	Currency    string `json:"currency"`
}

func (s *Server) handleSplit(w http.ResponseWriter, r *http.Request) {
	if s.splitter == nil {
		http.Error(w, "payments not configured", http.StatusServiceUnavailable)
		return
	}
	ts, ok := s.session(w, r)
	if !ok {
		return
	}
	var req splitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.MatchID == "" || req.AmountCents <= 0 {
		http.Error(w, "match_id and positive amount_cents required", 400)
		return
	}
	listed := false
	for _, c := range ts.sess.Matches() {
		if c.TravelerID == req.MatchID {
			listed = true
			break
		}
	}
	if !listed {
		http.Error(w, "match not found", http.StatusNotFound)
		return
	}
	if req.Currency == "" {
		req.Currency = "usd"
	}
	split, err := s.splitter.Split(r.Context(), mux.Vars(r)["traveler_id"], req.MatchID, req.AmountCents, req.Currency)
	if err != nil {
		http.Error(w, "split failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, split)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["traveler_id"]
	if err := s.sessions.Remove(r.Context(), id); err != nil {
		s.writeSessionError(w, err)
		return
	}
	s.wsreg.Remove(id)
	w.WriteHeader(204)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["traveler_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", 400)
		return
	}
	s.wsreg.Add(id, conn)
}

func (s *Server) writeSessionError(w http.ResponseWriter, err error) {
	var pre *session.PreconditionError
	var pub *session.PublishError
	var sub *session.SubscriptionError
	var pos *session.PositionError
	switch {
	case errors.As(err, &pre):
		http.Error(w, pre.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, session.ErrNotOffline):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrCanceled):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrClosed):
		http.Error(w, err.Error(), http.StatusGone)
	case errors.As(err, &pub), errors.As(err, &sub):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.As(err, &pos):
		http.Error(w, err.Error(), http.StatusFailedDependency)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
