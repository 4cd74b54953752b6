package identity

import (
	"context"
	"sync"

	"github.com/example/companion-matching/internal/models"
)

// Lookup resolves traveler ids to display profiles. Missing ids are
// simply absent from the result map, not an error.
type Lookup interface {
	GetProfiles(ctx context.Context, ids []string) (map[string]models.Profile, error)
}

// MemoryLookup backs Lookup with a fixed map, for tests and local runs.
type MemoryLookup struct {
	mu       sync.RWMutex
	profiles map[string]models.Profile
}

func NewMemoryLookup(profiles ...models.Profile) *MemoryLookup {
	m := &MemoryLookup{profiles: make(map[string]models.Profile, len(profiles))}
	for _, p := range profiles {
		m.profiles[p.TravelerID] = p
	}
	return m
}

func (m *MemoryLookup) Put(p models.Profile) {
	m.mu.Lock()
	m.profiles[p.TravelerID] = p
	m.mu.Unlock()
}

func (m *MemoryLookup) GetProfiles(ctx context.Context, ids []string) (map[string]models.Profile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]models.Profile, len(ids))
	for _, id := range ids {
		if p, ok := m.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
