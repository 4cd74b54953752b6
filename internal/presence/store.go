package presence

import (
	"context"
	"errors"
	"time"

	"github.com/example/companion-matching/internal/models"
)

// DefaultStaleAfter is the freshness window: records whose updated_at
// is older than this are treated as residue from an unclean shutdown
// and excluded from snapshots until the sweeper removes them.
const DefaultStaleAfter = 5 * time.Minute

var ErrRecordNotFound = errors.New("presence: record not found")

// Store is the external presence collaborator: one ActiveRecord per
// online traveler, plus per-cohort change notifications. Implementations
// must be safe for concurrent use.
type Store interface {
	// Publish creates the traveler's ActiveRecord, replacing any
	// existing record for the same traveler id.
	Publish(ctx context.Context, rec models.ActiveRecord) error

	// UpdateLocation mutates current_coord and updated_at on an
	// existing record. Returns ErrRecordNotFound if the traveler is
	// not online.
	UpdateLocation(ctx context.Context, travelerID, cohortTag string, c models.Coordinate) error

	// Delete removes the traveler's record. Deleting an absent record
	// is not an error.
	Delete(ctx context.Context, travelerID, cohortTag string) error

	// Snapshot returns the full current set of fresh records for a
	// cohort.
	Snapshot(ctx context.Context, cohortTag string) ([]models.ActiveRecord, error)

	// Subscribe opens a cohort change feed. onChange receives the full
	// current record set (not a diff): once immediately after
	// subscribing, then after every change. onError reports a dropped
	// feed; the subscription is dead after that and must be reopened
	// by the caller.
	Subscribe(ctx context.Context, cohortTag string, onChange func([]models.ActiveRecord), onError func(error)) (Subscription, error)
}

// Subscription is one session's handle on a cohort feed. Close is
// idempotent.
type Subscription interface {
	Close() error
}
