package sampler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/companion-matching/internal/geo"
	"github.com/example/companion-matching/internal/models"
	"github.com/example/companion-matching/internal/observability"
)

const (
	// MinPublishMoveMeters and MaxPublishGap form the publish throttle:
	// a sample reaches the presence store only if the traveler moved
	// more than 10 m since the last published point, or more than 2 s
	// passed since the last publish. Everything else stays local.
	MinPublishMoveMeters = 10.0
	MaxPublishGap        = 2000 * time.Millisecond

	publishTimeout = 5 * time.Second
)

var (
	ErrPermissionDenied = errors.New("sampler: position permission denied")
	ErrUnavailable      = errors.New("sampler: position source unavailable")
	ErrTimeout          = errors.New("sampler: position read timed out")
)

// PositionSource is the device-side collaborator producing samples.
// Implementations deliver samples in arrival order on one goroutine.
type PositionSource interface {
	Start(onSample func(models.Sample), onError func(error)) error
	Stop()
}

// PublishFunc forwards a throttle-passing sample to the presence store
// (and any side pipelines, e.g. the Kafka tee).
type PublishFunc func(ctx context.Context, sample models.Sample) error

// Sampler wraps a PositionSource, feeding every sample to the session
// and only throttle-passing samples to the store. Samples are handled
// in arrival order; duplicates and out-of-order timestamps are not
// reordered, last write wins.
type Sampler struct {
	src     PositionSource
	publish PublishFunc
	logger  *slog.Logger
	now     func() time.Time

	mu        sync.Mutex
	running   bool
	lastPub   *models.Coordinate
	lastPubAt time.Time
}

func New(src PositionSource, publish PublishFunc, logger *slog.Logger) *Sampler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sampler{src: src, publish: publish, logger: logger, now: time.Now}
}

func (s *Sampler) Start(onSample func(models.Sample), onError func(error)) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.lastPub = nil
	s.lastPubAt = time.Time{}
	s.mu.Unlock()
	return s.src.Start(func(sample models.Sample) {
		s.handle(sample, onSample)
	}, onError)
}

// Stop is idempotent and drops the throttle baseline so a later Start
// publishes its first sample immediately.
func (s *Sampler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()
	s.src.Stop()
}

func (s *Sampler) handle(sample models.Sample, onSample func(models.Sample)) {
	// local state first: the map should track even when nothing is
	// worth publishing
	onSample(sample)

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	now := s.now()
	publish := s.lastPub == nil ||
		geo.Distance(*s.lastPub, sample.Coord) > MinPublishMoveMeters ||
		now.Sub(s.lastPubAt) > MaxPublishGap
	if publish {
		c := sample.Coord
		s.lastPub = &c
		s.lastPubAt = now
	}
	s.mu.Unlock()

	if !publish {
		observability.SamplesThrottledTotal.Inc()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := s.publish(ctx, sample); err != nil {
		s.logger.Warn("location publish failed", "error", err.Error())
		return
	}
	observability.SamplesPublishedTotal.Inc()
}

// ManualSource is a push-driven PositionSource: callers hand it samples
// (e.g. the gateway's device report endpoint) and it forwards them to
// the registered handlers while started.
type ManualSource struct {
	mu       sync.Mutex
	onSample func(models.Sample)
	onError  func(error)
}

func NewManualSource() *ManualSource { return &ManualSource{} }

func (m *ManualSource) Start(onSample func(models.Sample), onError func(error)) error {
	m.mu.Lock()
	m.onSample = onSample
	m.onError = onError
	m.mu.Unlock()
	return nil
}

func (m *ManualSource) Stop() {
	m.mu.Lock()
	m.onSample = nil
	m.onError = nil
	m.mu.Unlock()
}

// Push delivers a sample if the source is started, and reports whether
// it was delivered.
func (m *ManualSource) Push(sample models.Sample) bool {
	m.mu.Lock()
	h := m.onSample
	m.mu.Unlock()
	if h == nil {
		return false
	}
	h(sample)
	return true
}

// Fail delivers a source error if the source is started.
func (m *ManualSource) Fail(err error) {
	m.mu.Lock()
	h := m.onError
	m.mu.Unlock()
	if h != nil {
		h(err)
	}
}
