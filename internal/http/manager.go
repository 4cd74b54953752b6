package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/companion-matching/internal/dispatch"
	"github.com/example/companion-matching/internal/identity"
	"github.com/example/companion-matching/internal/ingest"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/presence"
	"github.com/example/companion-matching/internal/sampler"
	"github.com/example/companion-matching/internal/session"
)

var errUnknownTraveler = errors.New("unknown traveler")

// travelerSession bundles one traveler's state machine with the
// push-driven position source backing its sampler feed.
type travelerSession struct {
	sess *session.Session
	src  *sampler.ManualSource

	mu        sync.Mutex
	lastCoord *models.Coordinate
}

func (t *travelerSession) setLastCoord(c models.Coordinate) {
	t.mu.Lock()
	t.lastCoord = &c
	t.mu.Unlock()
}

func (t *travelerSession) LastCoord() (models.Coordinate, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastCoord == nil {
		return models.Coordinate{}, false
	}
	return *t.lastCoord, true
}

// SessionManager lazily creates one session per traveler id and routes
// device reports and match pushes to it.
type SessionManager struct {
	store    presence.Store
	profiles identity.Lookup
	kafka    *ingest.KafkaProducer
	wsreg    *dispatch.WSRegistry
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*travelerSession
}

func NewSessionManager(store presence.Store, profiles identity.Lookup, kafka *ingest.KafkaProducer, wsreg *dispatch.WSRegistry, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		store:    store,
		profiles: profiles,
		kafka:    kafka,
		wsreg:    wsreg,
		logger:   logger,
		sessions: make(map[string]*travelerSession),
	}
}

// Get returns the traveler's session, creating it on first use. Creation
// resolves the profile so an unknown traveler id fails here rather than
// at go-online time.
func (m *SessionManager) Get(ctx context.Context, travelerID string) (*travelerSession, error) {
	m.mu.Lock()
	if ts, ok := m.sessions[travelerID]; ok {
		m.mu.Unlock()
		return ts, nil
	}
	m.mu.Unlock()

	found, err := m.profiles.GetProfiles(ctx, []string{travelerID})
	if err != nil {
		return nil, err
	}
	profile, ok := found[travelerID]
	if !ok {
		return nil, errUnknownTraveler
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.sessions[travelerID]; ok {
		return ts, nil
	}

	ts := &travelerSession{src: sampler.NewManualSource()}
	feed := sampler.New(ts.src, m.publishFunc(profile), m.logger)
	ts.sess = session.New(session.Config{
		Profile:  profile,
		Store:    m.store,
		Profiles: m.profiles,
		Feed:     feed,
		Logger:   m.logger,
		OnMatchesChanged: func(matches []models.Candidate) {
			if err := m.wsreg.PushMatches(travelerID, matches); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
				m.logger.Warn("ws push failed", "traveler_id", travelerID, "error", err.Error())
			}
		},
		OnLocationError: func(err error) {
			reason := string(session.PositionUnavailable)
			var perr *session.PositionError
			if errors.As(err, &perr) {
				reason = string(perr.Reason)
			}
			m.logger.Warn("position feed failed", "traveler_id", travelerID, "reason", reason)
			if werr := m.wsreg.PushLocationAlert(travelerID, reason); werr != nil && !errors.Is(werr, dispatch.ErrNoSession) {
				m.logger.Warn("ws push failed", "traveler_id", travelerID, "error", werr.Error())
			}
		},
	})
	m.sessions[travelerID] = ts
	return ts, nil
}

// publishFunc forwards throttle-passing samples to the presence store
// and tees them onto Kafka when a producer is configured. A missing
// record is tolerated; it means the traveler went offline mid-flight.
func (m *SessionManager) publishFunc(profile models.Profile) sampler.PublishFunc {
	return func(ctx context.Context, sample models.Sample) error {
		if m.kafka != nil {
			report := models.LocationReport{
				TravelerID: profile.TravelerID,
				CohortTag:  profile.CohortTag,
				Coord:      sample.Coord,
				Heading:    sample.Heading,
				At:         sample.At,
			}
			if err := m.kafka.PublishLocation(report); err != nil {
				m.logger.Warn("kafka publish failed", "traveler_id", profile.TravelerID, "error", err.Error())
			}
		}
		err := m.store.UpdateLocation(ctx, profile.TravelerID, profile.CohortTag, sample.Coord)
		if errors.Is(err, presence.ErrRecordNotFound) {
			return nil
		}
		return err
	}
}

// Remove logs the traveler's session out and forgets it. A traveler
// with no session logs out trivially.
func (m *SessionManager) Remove(ctx context.Context, travelerID string) error {
	m.mu.Lock()
	ts, ok := m.sessions[travelerID]
	if ok {
		delete(m.sessions, travelerID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return ts.sess.Logout(ctx)
}

// Shutdown logs out every session, deleting presence records so peers
// stop seeing travelers whose gateway went away.
func (m *SessionManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*travelerSession, 0, len(m.sessions))
	for _, ts := range m.sessions {
		sessions = append(sessions, ts)
	}
	m.sessions = make(map[string]*travelerSession)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, ts := range sessions {
		wg.Add(1)
		go func(ts *travelerSession) {
			defer wg.Done()
			_ = ts.sess.Logout(ctx)
		}(ts)
	}
	wg.Wait()
}
