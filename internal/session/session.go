package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/companion-matching/internal/identity"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/observability"
	"github.com/example/companion-matching/internal/presence"
	"github.com/example/companion-matching/internal/sampler"
)

type State string

const (
	StateOffline      State = "offline"
	StateGoingOnline  State = "going_online"
	StateOnline       State = "online"
	StateGoingOffline State = "going_offline"
)

const (
	storeTimeout  = 5 * time.Second
	lookupTimeout = 3 * time.Second

	defaultResubscribeBase = time.Second
	defaultResubscribeMax  = 30 * time.Second
)

// Feed is the session's handle on its Location Sampler. Start is cheap
// (no I/O) and Stop is idempotent.
type Feed interface {
	Start(onSample func(models.Sample), onError func(error)) error
	Stop()
}

type Config struct {
	Profile  models.Profile
	Store    presence.Store
	Profiles identity.Lookup
	Feed     Feed
	Logger   *slog.Logger

	// OnMatchesChanged receives a copy of the match list after every
	// recomputation. Invoked from the session's own goroutine; keep it
	// quick.
	OnMatchesChanged func([]models.Candidate)

	// OnLocationError receives classified position source failures.
	OnLocationError func(error)

	ResubscribeBase time.Duration
	ResubscribeMax  time.Duration
}

// Session is the per-traveler matching state machine. All state lives
// on a single run loop; the two asynchronous inputs (position samples
// and cohort snapshots) are serialized onto it through the event queue,
// so no locking is needed around destination/position/candidate state.
type Session struct {
	cfg       Config
	events    chan func()
	done      chan struct{}
	closeOnce sync.Once

	// run-loop state
	state        State
	dest         *models.Destination
	pos          *models.Coordinate
	records      []models.ActiveRecord
	profileCache map[string]models.Profile
	matches      []models.Candidate
	loading      bool
	stale        bool
	sub          presence.Subscription
	backoff      time.Duration

	// epoch invalidates async completions from a superseded online
	// cycle (e.g. a publish that finishes after the user canceled)
	epoch int

	// feedGen numbers subscribe attempts within a cycle so a dead
	// subscription's late error cannot poison its replacement. feedDead
	// records a drop that arrived before the attempt's handle was
	// installed; whoever installs it checks the flag and recovers.
	feedGen      int
	feedDead     bool
	resubPending bool
	resubTimer   *time.Timer
}

func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ResubscribeBase <= 0 {
		cfg.ResubscribeBase = defaultResubscribeBase
	}
	if cfg.ResubscribeMax <= 0 {
		cfg.ResubscribeMax = defaultResubscribeMax
	}
	cfg.Logger = cfg.Logger.With("traveler_id", cfg.Profile.TravelerID)
	s := &Session{
		cfg:          cfg,
		events:       make(chan func(), 128),
		done:         make(chan struct{}),
		state:        StateOffline,
		profileCache: make(map[string]models.Profile),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

func (s *Session) enqueue(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// SetDestination stages where the traveler is heading. Only allowed
// while offline; going online snapshots the staged value into the
// published ActiveRecord.
func (s *Session) SetDestination(d models.Destination) error {
	reply := make(chan error, 1)
	if !s.enqueue(func() {
		if s.state != StateOffline {
			reply <- ErrNotOffline
			return
		}
		s.dest = &d
		reply <- nil
	}) {
		return ErrClosed
	}
	return <-reply
}

// UpdatePosition applies a position sample locally. Always accepted in
// any state so the on-screen position stays responsive; while online it
// also re-derives distances for the held candidates.
func (s *Session) UpdatePosition(sample models.Sample) {
	s.enqueue(func() {
		c := sample.Coord
		s.pos = &c
		if s.state == StateOnline {
			s.recompute()
		}
	})
}

// GoOnline publishes the ActiveRecord, opens the cohort feed and starts
// the sampler feed. It blocks the caller (never the session loop) until
// the transition resolves. A missing destination or position fails fast
// with PreconditionError; a failed publish aborts back to offline with
// PublishError and is not retried.
func (s *Session) GoOnline(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.enqueue(func() { s.goOnline(reply) }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) goOnline(reply chan<- error) {
	if s.state != StateOffline {
		reply <- ErrNotOffline
		return
	}
	if s.dest == nil {
		reply <- &PreconditionError{Missing: "destination"}
		return
	}
	if s.pos == nil {
		reply <- &PreconditionError{Missing: "current position"}
		return
	}
	s.state = StateGoingOnline
	s.loading = true
	s.epoch++
	e := s.epoch
	s.feedGen++
	gen := s.feedGen
	s.feedDead = false
	now := time.Now().UTC()
	rec := models.ActiveRecord{
		TravelerID:   s.cfg.Profile.TravelerID,
		CohortTag:    s.cfg.Profile.CohortTag,
		Destination:  *s.dest,
		CurrentCoord: *s.pos,
		ContactRef:   s.cfg.Profile.ContactRef,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := s.cfg.Store.Publish(ctx, rec); err != nil {
			s.enqueue(func() { s.setupDone(e, nil, &PublishError{Err: err}, reply) })
			return
		}
		sub, err := s.cfg.Store.Subscribe(context.Background(), rec.CohortTag, s.onCohortSnapshot(e), s.onCohortError(e, gen))
		if err != nil {
			s.bestEffortDelete()
			s.enqueue(func() { s.setupDone(e, nil, &SubscriptionError{Err: err}, reply) })
			return
		}
		if !s.enqueue(func() { s.setupDone(e, sub, nil, reply) }) {
			_ = sub.Close()
			s.bestEffortDelete()
		}
	}()
}

func (s *Session) setupDone(e int, sub presence.Subscription, err error, reply chan<- error) {
	if e != s.epoch || s.state != StateGoingOnline {
		// canceled mid-flight: roll back whatever the setup goroutine
		// managed to finish
		if sub != nil {
			go func() { _ = sub.Close() }()
		}
		if err == nil {
			go s.bestEffortDelete()
		}
		reply <- ErrCanceled
		return
	}
	if err != nil {
		s.state = StateOffline
		s.loading = false
		reply <- err
		return
	}
	s.sub = sub
	if ferr := s.cfg.Feed.Start(s.feedSample, s.feedError); ferr != nil {
		s.sub = nil
		go func() { _ = sub.Close() }()
		go s.bestEffortDelete()
		s.state = StateOffline
		s.loading = false
		reply <- classifyPositionError(ferr)
		return
	}
	s.state = StateOnline
	s.backoff = 0
	observability.TravelersOnline.Inc()
	if s.feedDead {
		// the feed died before setup finished; drop the dead handle and
		// recover on the backoff schedule
		dead := s.sub
		s.sub = nil
		go func() { _ = dead.Close() }()
		s.stale = true
		s.scheduleResubscribe(e)
	}
	s.cfg.Logger.Info("session online", "destination", s.dest.Name)
	reply <- nil
}

// GoOffline tears the session down to offline. Safe to call in any
// state, including mid GoOnline. A failed record delete is logged and
// tolerated: local state clears regardless and the stale remote record
// ages out via the store's freshness window.
func (s *Session) GoOffline(ctx context.Context) error {
	reply := make(chan error, 1)
	if !s.enqueue(func() { s.goOffline(reply) }) {
		return ErrClosed
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) goOffline(reply chan<- error) {
	switch s.state {
	case StateOffline, StateGoingOffline:
		reply <- nil
	case StateGoingOnline:
		// cancel before setup finished; the pending setupDone sees the
		// bumped epoch and rolls back whatever exists remotely
		s.epoch++
		s.teardownLocal()
		s.cfg.Logger.Info("session online canceled")
		reply <- nil
	case StateOnline:
		s.epoch++
		e := s.epoch
		s.state = StateGoingOffline
		s.cfg.Feed.Stop()
		if s.sub != nil {
			sub := s.sub
			s.sub = nil
			go func() { _ = sub.Close() }()
		}
		observability.TravelersOnline.Dec()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			defer cancel()
			err := s.cfg.Store.Delete(ctx, s.cfg.Profile.TravelerID, s.cfg.Profile.CohortTag)
			s.enqueue(func() { s.deleteDone(e, err, reply) })
		}()
	}
}

func (s *Session) deleteDone(e int, err error, reply chan<- error) {
	if err != nil {
		s.cfg.Logger.Warn("presence delete failed, stale record remains",
			"error", (&DeleteError{Err: err}).Error())
	}
	if e == s.epoch && s.state == StateGoingOffline {
		s.teardownLocal()
		s.cfg.Logger.Info("session offline")
	}
	reply <- nil
}

func (s *Session) teardownLocal() {
	s.cfg.Feed.Stop()
	if s.sub != nil {
		sub := s.sub
		s.sub = nil
		go func() { _ = sub.Close() }()
	}
	if s.resubTimer != nil {
		s.resubTimer.Stop()
		s.resubTimer = nil
	}
	s.resubPending = false
	s.feedDead = false
	s.state = StateOffline
	s.dest = nil
	s.records = nil
	s.loading = false
	s.stale = false
	s.backoff = 0
	if s.matches != nil {
		s.matches = nil
		s.notifyMatches()
	}
}

// Logout forces the full offline sequence and then stops the run loop.
// It does not return until cleanup has completed. Safe to call twice.
func (s *Session) Logout(ctx context.Context) error {
	err := s.GoOffline(ctx)
	if errors.Is(err, ErrClosed) {
		err = nil
	}
	s.Close()
	return err
}

// Close stops the run loop without remote cleanup. Prefer Logout.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// Matches returns the current ordered candidate list.
func (s *Session) Matches() []models.Candidate {
	reply := make(chan []models.Candidate, 1)
	if !s.enqueue(func() {
		out := make([]models.Candidate, len(s.matches))
		copy(out, s.matches)
		reply <- out
	}) {
		return nil
	}
	return <-reply
}

// Status reports the lifecycle state, whether the first cohort snapshot
// is still pending, and whether the held match list is stale due to a
// dropped feed.
func (s *Session) Status() (state State, loading, stale bool) {
	type status struct {
		state          State
		loading, stale bool
	}
	reply := make(chan status, 1)
	if !s.enqueue(func() {
		reply <- status{s.state, s.loading, s.stale}
	}) {
		return StateOffline, false, false
	}
	st := <-reply
	return st.state, st.loading, st.stale
}

func (s *Session) feedSample(sample models.Sample) { s.UpdatePosition(sample) }

func (s *Session) feedError(err error) {
	perr := classifyPositionError(err)
	s.enqueue(func() {
		s.cfg.Logger.Warn("position source error", "reason", string(perr.Reason), "error", err.Error())
		if s.cfg.OnLocationError != nil {
			s.cfg.OnLocationError(perr)
		}
	})
}

func (s *Session) onCohortSnapshot(e int) func([]models.ActiveRecord) {
	return func(recs []models.ActiveRecord) {
		s.enqueue(func() {
			if e != s.epoch {
				return
			}
			if s.state != StateOnline && s.state != StateGoingOnline {
				return
			}
			s.records = recs
			s.loading = false
			s.stale = false
			s.fetchMissingProfiles(e)
			s.recompute()
		})
	}
}

func (s *Session) onCohortError(e, gen int) func(error) {
	return func(err error) {
		s.enqueue(func() {
			if e != s.epoch || gen != s.feedGen {
				return
			}
			if s.state != StateOnline && s.state != StateGoingOnline {
				return
			}
			s.feedDead = true
			if s.sub != nil {
				sub := s.sub
				s.sub = nil
				go func() { _ = sub.Close() }()
			}
			observability.SubscriptionDropsTotal.Inc()
			s.cfg.Logger.Warn("cohort feed dropped", "error", (&SubscriptionError{Err: err}).Error())
			if s.state == StateOnline {
				// hold the current list rather than clearing it; it is
				// stale, not wrong
				s.stale = true
				s.scheduleResubscribe(e)
			}
			// mid going-online the handle is not installed yet;
			// setupDone sees feedDead and schedules the recovery
		})
	}
}

func (s *Session) scheduleResubscribe(e int) {
	if s.resubPending {
		return
	}
	s.resubPending = true
	if s.backoff <= 0 {
		s.backoff = s.cfg.ResubscribeBase
	}
	d := s.backoff
	s.backoff *= 2
	if s.backoff > s.cfg.ResubscribeMax {
		s.backoff = s.cfg.ResubscribeMax
	}
	s.resubTimer = time.AfterFunc(d, func() {
		s.enqueue(func() {
			s.resubPending = false
			s.resubscribe(e)
		})
	})
}

func (s *Session) resubscribe(e int) {
	if e != s.epoch || s.state != StateOnline || s.sub != nil {
		return
	}
	s.feedGen++
	gen := s.feedGen
	s.feedDead = false
	go func() {
		sub, err := s.cfg.Store.Subscribe(context.Background(), s.cfg.Profile.CohortTag, s.onCohortSnapshot(e), s.onCohortError(e, gen))
		s.enqueue(func() {
			if e != s.epoch || gen != s.feedGen || s.state != StateOnline {
				if sub != nil {
					go func() { _ = sub.Close() }()
				}
				return
			}
			if err != nil {
				s.scheduleResubscribe(e)
				return
			}
			if s.feedDead {
				// dropped again before the handle landed
				go func() { _ = sub.Close() }()
				s.scheduleResubscribe(e)
				return
			}
			s.sub = sub
			s.backoff = 0
			s.cfg.Logger.Info("cohort feed restored")
			// stale clears when the fresh snapshot lands
		})
	}()
}

func (s *Session) fetchMissingProfiles(e int) {
	var missing []string
	for _, rec := range s.records {
		if rec.TravelerID == s.cfg.Profile.TravelerID {
			continue
		}
		if _, ok := s.profileCache[rec.TravelerID]; !ok {
			missing = append(missing, rec.TravelerID)
		}
	}
	if len(missing) == 0 {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		found, err := s.cfg.Profiles.GetProfiles(ctx, missing)
		if err != nil {
			s.cfg.Logger.Warn("profile lookup failed", "error", err.Error())
			return
		}
		s.enqueue(func() {
			if e != s.epoch {
				return
			}
			for id, p := range found {
				s.profileCache[id] = p
			}
			if s.state == StateOnline || s.state == StateGoingOnline {
				s.recompute()
			}
		})
	}()
}

func (s *Session) recompute() {
	if s.pos == nil || s.dest == nil {
		return
	}
	s.matches = Recompute(s.cfg.Profile.TravelerID, *s.pos, s.dest.Coord, s.records, s.profileCache)
	observability.RecomputesTotal.Inc()
	s.notifyMatches()
}

func (s *Session) notifyMatches() {
	if s.cfg.OnMatchesChanged == nil {
		return
	}
	out := make([]models.Candidate, len(s.matches))
	copy(out, s.matches)
	s.cfg.OnMatchesChanged(out)
}

func (s *Session) bestEffortDelete() {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.cfg.Store.Delete(ctx, s.cfg.Profile.TravelerID, s.cfg.Profile.CohortTag); err != nil {
		s.cfg.Logger.Warn("rollback delete failed", "error", err.Error())
	}
}

func classifyPositionError(err error) *PositionError {
	switch {
	case errors.Is(err, sampler.ErrPermissionDenied):
		return &PositionError{Reason: PositionPermissionDenied, Err: err}
	case errors.Is(err, sampler.ErrTimeout):
		return &PositionError{Reason: PositionTimeout, Err: err}
	default:
		return &PositionError{Reason: PositionUnavailable, Err: err}
	}
}
