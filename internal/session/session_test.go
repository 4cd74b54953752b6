package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/example/companion-matching/internal/identity"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/presence"
	"github.com/example/companion-matching/internal/sampler"
)

// fakeStore implements presence.Store with hooks for failure injection
// and manual snapshot delivery.
type fakeStore struct {
	mu           sync.Mutex
	publishErr   error
	subscribeErr error
	deleteErr    error

	dropFirstFeed bool // fail the first subscription as soon as it is handed out

	published     []models.ActiveRecord
	deletes       int
	subscribes    int
	subsClosed    int
	onChange      func([]models.ActiveRecord)
	onError       func(error)
	subscribeGate chan struct{} // when set, Subscribe blocks until closed
}

func (f *fakeStore) Publish(ctx context.Context, rec models.ActiveRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, rec)
	return nil
}

func (f *fakeStore) UpdateLocation(ctx context.Context, travelerID, cohortTag string, c models.Coordinate) error {
	return nil
}

func (f *fakeStore) Delete(ctx context.Context, travelerID, cohortTag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	return f.deleteErr
}

func (f *fakeStore) Snapshot(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error) {
	return nil, nil
}

func (f *fakeStore) Subscribe(ctx context.Context, cohortTag string, onChange func([]models.ActiveRecord), onError func(error)) (presence.Subscription, error) {
	f.mu.Lock()
	gate := f.subscribeGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	f.subscribes++
	n := f.subscribes
	if f.subscribeErr != nil {
		f.mu.Unlock()
		return nil, f.subscribeErr
	}
	f.onChange = onChange
	f.onError = onError
	f.mu.Unlock()
	if f.dropFirstFeed && n == 1 {
		onError(errors.New("feed dropped at birth"))
	}
	return &fakeSub{store: f}, nil
}

func (f *fakeStore) emit(recs ...models.ActiveRecord) {
	f.mu.Lock()
	h := f.onChange
	f.mu.Unlock()
	if h != nil {
		h(recs)
	}
}

func (f *fakeStore) fail(err error) {
	f.mu.Lock()
	h := f.onError
	f.mu.Unlock()
	if h != nil {
		h(err)
	}
}

func (f *fakeStore) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deletes
}

func (f *fakeStore) closedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subsClosed
}

type fakeSub struct {
	store *fakeStore
	once  sync.Once
}

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.store.mu.Lock()
		s.store.subsClosed++
		s.store.mu.Unlock()
	})
	return nil
}

// fakeFeed implements Feed and counts starts/stops.
type fakeFeed struct {
	mu       sync.Mutex
	starts   int
	stops    int
	startErr error
	onError  func(error)
}

func (f *fakeFeed) Start(onSample func(models.Sample), onError func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.starts++
	f.onError = onError
	return nil
}

func (f *fakeFeed) fail(err error) {
	f.mu.Lock()
	onError := f.onError
	f.mu.Unlock()
	if onError != nil {
		onError(err)
	}
}

func (f *fakeFeed) Stop() {
	f.mu.Lock()
	f.stops++
	f.mu.Unlock()
}

func record(id string, pos, dest models.Coordinate) models.ActiveRecord {
	now := time.Now().UTC()
	return models.ActiveRecord{
		TravelerID:   id,
		CohortTag:    "campus-a",
		Destination:  models.Destination{Name: "library", Coord: dest},
		CurrentCoord: pos,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

func newTestSession(t *testing.T, st *fakeStore) *Session {
	t.Helper()
	s := New(Config{
		Profile:         models.Profile{TravelerID: "self", DisplayName: "Self", CohortTag: "campus-a"},
		Store:           st,
		Profiles:        identity.NewMemoryLookup(),
		Feed:            &fakeFeed{},
		ResubscribeBase: 10 * time.Millisecond,
		ResubscribeMax:  50 * time.Millisecond,
	})
	t.Cleanup(s.Close)
	return s
}

func goOnlineAt(t *testing.T, s *Session, pos, dest models.Coordinate) {
	t.Helper()
	if err := s.SetDestination(models.Destination{Name: "library", Coord: dest}); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	s.UpdatePosition(models.Sample{Coord: pos, At: time.Now()})
	if err := s.GoOnline(context.Background()); err != nil {
		t.Fatalf("go online: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestGoOnlinePreconditions(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	var pre *PreconditionError
	if err := s.GoOnline(context.Background()); !errors.As(err, &pre) || pre.Missing != "destination" {
		t.Fatalf("expected missing destination, got %v", err)
	}
	if err := s.SetDestination(models.Destination{Name: "library"}); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	if err := s.GoOnline(context.Background()); !errors.As(err, &pre) || pre.Missing != "current position" {
		t.Fatalf("expected missing position, got %v", err)
	}
}

func TestSetDestinationWhileOnlineRejected(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)
	goOnlineAt(t, s, models.Coordinate{}, models.Coordinate{Lng: 0.01})

	if err := s.SetDestination(models.Destination{Name: "cafe"}); !errors.Is(err, ErrNotOffline) {
		t.Fatalf("expected ErrNotOffline, got %v", err)
	}
}

func TestMatchesExcludeSelfAndSortByDistance(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)

	// ~11m and ~111m north of the local position, same destination
	st.emit(
		record("self", models.Coordinate{}, dest),
		record("far", models.Coordinate{Lat: 0.001}, dest),
		record("near", models.Coordinate{Lat: 0.0001}, dest),
	)

	waitFor(t, "two matches", func() bool { return len(s.Matches()) == 2 })
	m := s.Matches()
	if m[0].TravelerID != "near" || m[1].TravelerID != "far" {
		t.Fatalf("unexpected order: %s, %s", m[0].TravelerID, m[1].TravelerID)
	}
	if m[0].Zone != "very_close" || !m[0].IsNear {
		t.Fatalf("expected very_close near candidate, got zone=%s near=%v", m[0].Zone, m[0].IsNear)
	}
	for _, c := range m {
		if c.TravelerID == "self" {
			t.Fatal("own record must never appear as a match")
		}
	}
}

func TestDestinationOffsetBeyond500mExcluded(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)

	// ~600m destination offset: not the same destination
	otherDest := models.Coordinate{Lng: 0.01, Lat: 0.0054}
	st.emit(
		record("same", models.Coordinate{Lat: 0.0001}, dest),
		record("other", models.Coordinate{Lat: 0.0002}, otherDest),
	)

	waitFor(t, "one match", func() bool { return len(s.Matches()) == 1 })
	if m := s.Matches(); m[0].TravelerID != "same" {
		t.Fatalf("expected only the same-destination candidate, got %s", m[0].TravelerID)
	}
}

func TestEmptyCohortClearsLoading(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)

	if _, loading, _ := s.Status(); !loading {
		t.Fatal("expected loading before the first snapshot")
	}
	st.emit(record("self", models.Coordinate{}, dest))
	waitFor(t, "loading cleared", func() bool {
		_, loading, _ := s.Status()
		return !loading
	})
	if m := s.Matches(); len(m) != 0 {
		t.Fatalf("expected empty match list, got %d", len(m))
	}
}

func TestPositionUpdateReordersMatches(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)
	st.emit(
		record("self", models.Coordinate{}, dest),
		record("a", models.Coordinate{Lat: 0.0001}, dest),
		record("b", models.Coordinate{Lat: 0.001}, dest),
	)
	waitFor(t, "initial order", func() bool {
		m := s.Matches()
		return len(m) == 2 && m[0].TravelerID == "a"
	})

	// move next to b; the order flips without a new snapshot
	s.UpdatePosition(models.Sample{Coord: models.Coordinate{Lat: 0.001}, At: time.Now()})
	waitFor(t, "reordered matches", func() bool {
		m := s.Matches()
		return len(m) == 2 && m[0].TravelerID == "b"
	})
}

func TestPublishFailureAbortsToOffline(t *testing.T) {
	st := &fakeStore{publishErr: errors.New("redis down")}
	s := newTestSession(t, st)

	if err := s.SetDestination(models.Destination{Name: "library", Coord: models.Coordinate{Lng: 0.01}}); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	s.UpdatePosition(models.Sample{Coord: models.Coordinate{}, At: time.Now()})

	var perr *PublishError
	if err := s.GoOnline(context.Background()); !errors.As(err, &perr) {
		t.Fatalf("expected PublishError, got %v", err)
	}
	if state, _, _ := s.Status(); state != StateOffline {
		t.Fatalf("expected offline after failed publish, got %s", state)
	}
}

func TestGoOfflineDuringGoingOnlineCancels(t *testing.T) {
	gate := make(chan struct{})
	st := &fakeStore{subscribeGate: gate}
	s := newTestSession(t, st)

	if err := s.SetDestination(models.Destination{Name: "library", Coord: models.Coordinate{Lng: 0.01}}); err != nil {
		t.Fatalf("set destination: %v", err)
	}
	s.UpdatePosition(models.Sample{Coord: models.Coordinate{}, At: time.Now()})

	result := make(chan error, 1)
	go func() { result <- s.GoOnline(context.Background()) }()

	// wait for the publish to land, then cancel while Subscribe blocks
	waitFor(t, "publish", func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.published) == 1
	})
	if err := s.GoOffline(context.Background()); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	close(gate)

	if err := <-result; !errors.Is(err, ErrCanceled) {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if state, _, _ := s.Status(); state != StateOffline {
		t.Fatalf("expected offline, got %s", state)
	}
	// the rolled-back cycle must not leave a live subscription or record
	waitFor(t, "subscription closed", func() bool { return st.closedCount() == 1 })
	waitFor(t, "record deleted", func() bool { return st.deleteCount() >= 1 })
}

func TestGoOfflineToleratesDeleteFailure(t *testing.T) {
	st := &fakeStore{deleteErr: errors.New("redis down")}
	s := newTestSession(t, st)
	goOnlineAt(t, s, models.Coordinate{}, models.Coordinate{Lng: 0.01})

	if err := s.GoOffline(context.Background()); err != nil {
		t.Fatalf("expected delete failure to be tolerated, got %v", err)
	}
	if state, _, _ := s.Status(); state != StateOffline {
		t.Fatalf("expected offline, got %s", state)
	}
}

func TestGoOfflineClearsMatchesAndDestination(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)
	st.emit(record("a", models.Coordinate{Lat: 0.0001}, dest))
	waitFor(t, "match", func() bool { return len(s.Matches()) == 1 })

	if err := s.GoOffline(context.Background()); err != nil {
		t.Fatalf("go offline: %v", err)
	}
	if m := s.Matches(); len(m) != 0 {
		t.Fatalf("expected cleared matches, got %d", len(m))
	}
	// destination does not survive the offline transition
	var pre *PreconditionError
	s.UpdatePosition(models.Sample{Coord: models.Coordinate{}, At: time.Now()})
	if err := s.GoOnline(context.Background()); !errors.As(err, &pre) || pre.Missing != "destination" {
		t.Fatalf("expected missing destination after offline, got %v", err)
	}
}

func TestSubscriptionDropMarksStaleThenRecovers(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)
	st.emit(
		record("a", models.Coordinate{Lat: 0.0001}, dest),
	)
	waitFor(t, "match", func() bool { return len(s.Matches()) == 1 })

	st.fail(errors.New("pubsub closed"))
	waitFor(t, "stale flag", func() bool {
		_, _, stale := s.Status()
		return stale
	})
	// the held list is stale, not cleared
	if m := s.Matches(); len(m) != 1 {
		t.Fatalf("expected held matches while stale, got %d", len(m))
	}

	// backoff resubscribe lands; a fresh snapshot clears the flag
	waitFor(t, "resubscribe", func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.subscribes >= 2
	})
	st.emit(record("a", models.Coordinate{Lat: 0.0001}, dest))
	waitFor(t, "stale cleared", func() bool {
		_, _, stale := s.Status()
		return !stale
	})
}

func TestPositionFailuresClassifiedAndSurfaced(t *testing.T) {
	st := &fakeStore{}
	feed := &fakeFeed{}
	var mu sync.Mutex
	var reasons []PositionReason
	s := New(Config{
		Profile:         models.Profile{TravelerID: "self", DisplayName: "Self", CohortTag: "campus-a"},
		Store:           st,
		Profiles:        identity.NewMemoryLookup(),
		Feed:            feed,
		ResubscribeBase: 10 * time.Millisecond,
		ResubscribeMax:  50 * time.Millisecond,
		OnLocationError: func(err error) {
			var perr *PositionError
			if !errors.As(err, &perr) {
				t.Errorf("expected *PositionError, got %T", err)
				return
			}
			mu.Lock()
			reasons = append(reasons, perr.Reason)
			mu.Unlock()
		},
	})
	t.Cleanup(s.Close)

	goOnlineAt(t, s, models.Coordinate{}, models.Coordinate{Lng: 0.01})

	feed.fail(sampler.ErrPermissionDenied)
	feed.fail(fmt.Errorf("gps: %w", sampler.ErrTimeout))
	feed.fail(errors.New("no fix"))

	waitFor(t, "classified failures", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(reasons) == 3
	})
	mu.Lock()
	got := append([]PositionReason(nil), reasons...)
	mu.Unlock()
	want := []PositionReason{PositionPermissionDenied, PositionTimeout, PositionUnavailable}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reason %d: got %q want %q", i, got[i], want[i])
		}
	}
	if state, _, _ := s.Status(); state != StateOnline {
		t.Fatalf("position failure must not change state, got %s", state)
	}
}

func TestFeedDropBeforeSetupStillRecovers(t *testing.T) {
	st := &fakeStore{dropFirstFeed: true}
	s := newTestSession(t, st)

	dest := models.Coordinate{Lng: 0.01}
	goOnlineAt(t, s, models.Coordinate{}, dest)

	// the dead handle must not wedge the session; a replacement
	// subscription arrives on the backoff schedule
	waitFor(t, "replacement subscription", func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.subscribes >= 2
	})
	waitFor(t, "dead handle closed", func() bool { return st.closedCount() >= 1 })

	st.emit(record("a", models.Coordinate{Lat: 0.0001}, dest))
	waitFor(t, "fresh snapshot", func() bool {
		_, loading, stale := s.Status()
		return !loading && !stale && len(s.Matches()) == 1
	})
}

func TestLogoutIdempotent(t *testing.T) {
	st := &fakeStore{}
	s := newTestSession(t, st)
	goOnlineAt(t, s, models.Coordinate{}, models.Coordinate{Lng: 0.01})

	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := s.Logout(context.Background()); err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if err := s.SetDestination(models.Destination{Name: "cafe"}); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after logout, got %v", err)
	}
}
