package session

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned when a call races session teardown.
	ErrClosed = errors.New("session: closed")

	// ErrNotOffline is returned by staging/transition calls that
	// require the session to be offline first.
	ErrNotOffline = errors.New("session: not offline")

	// ErrCanceled is returned from GoOnline when the user went offline
	// or logged out before the transition finished.
	ErrCanceled = errors.New("session: transition canceled")
)

// PreconditionError reports a go-online attempt without a staged
// destination or known position. The caller must correct and retry;
// the session does not retry on its own.
type PreconditionError struct {
	Missing string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("session: cannot go online without a %s", e.Missing)
}

// PublishError wraps a failed ActiveRecord publish. The go-online
// transition aborts back to offline when this is returned.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return "session: publish presence: " + e.Err.Error() }
func (e *PublishError) Unwrap() error { return e.Err }

// DeleteError wraps a failed ActiveRecord delete during go-offline.
// It is logged and tolerated: local state is cleared regardless and the
// stale remote record ages out of snapshots via the freshness window.
type DeleteError struct {
	Err error
}

func (e *DeleteError) Error() string { return "session: delete presence: " + e.Err.Error() }
func (e *DeleteError) Unwrap() error { return e.Err }

// SubscriptionError wraps a dropped cohort feed. The session
// resubscribes with backoff; the match list is held stale, not cleared.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string { return "session: cohort feed: " + e.Err.Error() }
func (e *SubscriptionError) Unwrap() error { return e.Err }

// PositionReason classifies position source failures so the consumer
// can show a distinct message per cause.
type PositionReason string

const (
	PositionPermissionDenied PositionReason = "permission_denied"
	PositionUnavailable      PositionReason = "unavailable"
	PositionTimeout          PositionReason = "timeout"
)

// PositionError wraps a position source failure. The matching loop
// keeps running on the last known position.
type PositionError struct {
	Reason PositionReason
	Err    error
}

func (e *PositionError) Error() string {
	return fmt.Sprintf("session: position source %s: %v", e.Reason, e.Err)
}

func (e *PositionError) Unwrap() error { return e.Err }
