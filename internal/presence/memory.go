package presence

import (
	"context"
	"sync"
	"time"

	"github.com/example/companion-matching/internal/models"
)

// MemoryStore is a full in-process Store used in tests and single-node
// runs. Each subscription drains snapshots from its own buffered queue
// on a dedicated goroutine, so delivery order per subscriber matches
// mutation order.
type MemoryStore struct {
	mu         sync.Mutex
	cohorts    map[string]map[string]models.ActiveRecord
	subs       map[string][]*memorySubscription
	staleAfter time.Duration
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cohorts:    make(map[string]map[string]models.ActiveRecord),
		subs:       make(map[string][]*memorySubscription),
		staleAfter: DefaultStaleAfter,
	}
}

func (s *MemoryStore) Publish(ctx context.Context, rec models.ActiveRecord) error {
	s.mu.Lock()
	m := s.cohorts[rec.CohortTag]
	if m == nil {
		m = make(map[string]models.ActiveRecord)
		s.cohorts[rec.CohortTag] = m
	}
	m[rec.TravelerID] = rec
	s.broadcastLocked(rec.CohortTag)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) UpdateLocation(ctx context.Context, travelerID, cohortTag string, c models.Coordinate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.cohorts[cohortTag]
	rec, ok := m[travelerID]
	if !ok {
		return ErrRecordNotFound
	}
	rec.CurrentCoord = c
	rec.UpdatedAt = time.Now().UTC()
	m[travelerID] = rec
	s.broadcastLocked(cohortTag)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, travelerID, cohortTag string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m := s.cohorts[cohortTag]; m != nil {
		delete(m, travelerID)
	}
	s.broadcastLocked(cohortTag)
	return nil
}

func (s *MemoryStore) Snapshot(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(cohortTag), nil
}

func (s *MemoryStore) snapshotLocked(cohortTag string) []models.ActiveRecord {
	cutoff := time.Now().Add(-s.staleAfter)
	out := make([]models.ActiveRecord, 0, len(s.cohorts[cohortTag]))
	for _, rec := range s.cohorts[cohortTag] {
		if rec.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

func (s *MemoryStore) broadcastLocked(cohortTag string) {
	snap := s.snapshotLocked(cohortTag)
	for _, sub := range s.subs[cohortTag] {
		sub.push(snap)
	}
}

func (s *MemoryStore) Subscribe(ctx context.Context, cohortTag string, onChange func([]models.ActiveRecord), onError func(error)) (Subscription, error) {
	sub := &memorySubscription{
		store:    s,
		cohort:   cohortTag,
		onChange: onChange,
		queue:    make(chan []models.ActiveRecord, 64),
		done:     make(chan struct{}),
	}
	s.mu.Lock()
	s.subs[cohortTag] = append(s.subs[cohortTag], sub)
	// queue the initial snapshot before releasing the lock so a racing
	// broadcast cannot slot an older view ahead of it
	sub.push(s.snapshotLocked(cohortTag))
	s.mu.Unlock()

	go sub.run()
	return sub, nil
}

type memorySubscription struct {
	store    *MemoryStore
	cohort   string
	onChange func([]models.ActiveRecord)
	queue    chan []models.ActiveRecord
	done     chan struct{}
	once     sync.Once
}

func (m *memorySubscription) push(snap []models.ActiveRecord) {
	select {
	case m.queue <- snap:
	case <-m.done:
	}
}

func (m *memorySubscription) run() {
	for {
		select {
		case snap := <-m.queue:
			m.onChange(snap)
		case <-m.done:
			return
		}
	}
}

func (m *memorySubscription) Close() error {
	m.once.Do(func() {
		close(m.done)
		s := m.store
		s.mu.Lock()
		subs := s.subs[m.cohort]
		for i, sub := range subs {
			if sub == m {
				s.subs[m.cohort] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
	})
	return nil
}
