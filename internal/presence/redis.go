package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/companion-matching/internal/models"
)

// RedisStore keeps each cohort's ActiveRecords in a hash keyed by
// traveler id, mirrors positions into a GEO index for map layers, and
// signals changes over a per-cohort pub/sub channel. Subscribers
// re-read the full hash on every signal, so notifications carry no
// payload beyond the traveler id that changed.
type RedisStore struct {
	client     *redis.Client
	staleAfter time.Duration
}

func NewRedisStore(addr, password string, staleAfter time.Duration) *RedisStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisStore{client: c, staleAfter: staleAfter}
}

// NewRedisStoreWithClient wraps an existing client, for sharing a
// connection pool with other components.
func NewRedisStoreWithClient(client *redis.Client, staleAfter time.Duration) *RedisStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RedisStore{client: client, staleAfter: staleAfter}
}

func recordsKey(cohort string) string { return "presence:records:" + cohort }
func geoKey(cohort string) string     { return "presence:geo:" + cohort }
func eventsChannel(cohort string) string {
	return "presence:events:" + cohort
}

func (s *RedisStore) Close() error { return s.client.Close() }

func (s *RedisStore) Publish(ctx context.Context, rec models.ActiveRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}
	// HSET on the same field replaces, which gives the one-record-per-
	// traveler guarantee for free.
	if err := s.client.HSet(ctx, recordsKey(rec.CohortTag), rec.TravelerID, b).Err(); err != nil {
		return fmt.Errorf("presence: publish record: %w", err)
	}
	if err := s.client.GeoAdd(ctx, geoKey(rec.CohortTag), &redis.GeoLocation{
		Name:      rec.TravelerID,
		Longitude: rec.CurrentCoord.Lng,
		Latitude:  rec.CurrentCoord.Lat,
	}).Err(); err != nil {
		return fmt.Errorf("presence: geo add: %w", err)
	}
	return s.notify(ctx, rec.CohortTag, rec.TravelerID)
}

func (s *RedisStore) UpdateLocation(ctx context.Context, travelerID, cohortTag string, c models.Coordinate) error {
	raw, err := s.client.HGet(ctx, recordsKey(cohortTag), travelerID).Bytes()
	if err == redis.Nil {
		return ErrRecordNotFound
	}
	if err != nil {
		return fmt.Errorf("presence: read record: %w", err)
	}
	var rec models.ActiveRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("presence: decode record: %w", err)
	}
	rec.CurrentCoord = c
	rec.UpdatedAt = time.Now().UTC()
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("presence: marshal record: %w", err)
	}
	if err := s.client.HSet(ctx, recordsKey(cohortTag), travelerID, b).Err(); err != nil {
		return fmt.Errorf("presence: update record: %w", err)
	}
	if err := s.client.GeoAdd(ctx, geoKey(cohortTag), &redis.GeoLocation{
		Name:      travelerID,
		Longitude: c.Lng,
		Latitude:  c.Lat,
	}).Err(); err != nil {
		return fmt.Errorf("presence: geo add: %w", err)
	}
	return s.notify(ctx, cohortTag, travelerID)
}

func (s *RedisStore) Delete(ctx context.Context, travelerID, cohortTag string) error {
	if err := s.client.HDel(ctx, recordsKey(cohortTag), travelerID).Err(); err != nil {
		return fmt.Errorf("presence: delete record: %w", err)
	}
	if err := s.client.ZRem(ctx, geoKey(cohortTag), travelerID).Err(); err != nil {
		return fmt.Errorf("presence: geo remove: %w", err)
	}
	return s.notify(ctx, cohortTag, travelerID)
}

func (s *RedisStore) Snapshot(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error) {
	raw, err := s.client.HGetAll(ctx, recordsKey(cohortTag)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: snapshot: %w", err)
	}
	cutoff := time.Now().Add(-s.staleAfter)
	out := make([]models.ActiveRecord, 0, len(raw))
	for _, v := range raw {
		var rec models.ActiveRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue // skip corrupt fields, the sweeper collects them
		}
		if rec.UpdatedAt.Before(cutoff) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Stale returns records past the freshness window, for the sweeper.
func (s *RedisStore) Stale(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error) {
	raw, err := s.client.HGetAll(ctx, recordsKey(cohortTag)).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: stale scan: %w", err)
	}
	cutoff := time.Now().Add(-s.staleAfter)
	var out []models.ActiveRecord
	for _, v := range raw {
		var rec models.ActiveRecord
		if err := json.Unmarshal([]byte(v), &rec); err != nil {
			continue
		}
		if rec.UpdatedAt.Before(cutoff) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *RedisStore) notify(ctx context.Context, cohortTag, travelerID string) error {
	if err := s.client.Publish(ctx, eventsChannel(cohortTag), travelerID).Err(); err != nil {
		return fmt.Errorf("presence: notify cohort: %w", err)
	}
	return nil
}

func (s *RedisStore) Subscribe(ctx context.Context, cohortTag string, onChange func([]models.ActiveRecord), onError func(error)) (Subscription, error) {
	ps := s.client.Subscribe(ctx, eventsChannel(cohortTag))
	// force the SUBSCRIBE round trip so a bad connection fails here,
	// not on the first receive
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("presence: subscribe cohort %s: %w", cohortTag, err)
	}

	sub := &redisSubscription{ps: ps}
	go func() {
		// initial full set so the subscriber can render before the
		// first change arrives
		if recs, err := s.Snapshot(ctx, cohortTag); err == nil {
			onChange(recs)
		} else if onError != nil {
			onError(err)
			return
		}
		ch := ps.Channel()
		for range ch {
			recs, err := s.Snapshot(ctx, cohortTag)
			if err != nil {
				if onError != nil {
					onError(err)
				}
				return
			}
			onChange(recs)
		}
		// channel closed: deliberate Close is silent, anything else is
		// a dropped feed
		sub.mu.Lock()
		closed := sub.closed
		sub.mu.Unlock()
		if !closed && onError != nil {
			onError(fmt.Errorf("presence: cohort %s feed closed", cohortTag))
		}
	}()
	return sub, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	mu     sync.Mutex
	closed bool
}

func (r *redisSubscription) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.ps.Close()
}
