package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// BreakerState names one of the three breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	FailureThreshold int
	OpenTimeout      time.Duration
	// HalfOpenTimeout bounds how long a half-open probe may stay in
	// flight before another call is allowed to take its place. A probe
	// whose caller never reports back would otherwise wedge the breaker
	// half-open forever. Defaults to OpenTimeout when zero.
	HalfOpenTimeout time.Duration
}

// DefaultBreakerConfig returns the standard breaker settings.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

func (c BreakerConfig) normalized() BreakerConfig {
	if c.FailureThreshold < 1 {
		c.FailureThreshold = 1
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.HalfOpenTimeout <= 0 {
		c.HalfOpenTimeout = c.OpenTimeout
	}
	return c
}

// BreakerSnapshot is a point-in-time view of a breaker for the
// observation API.
type BreakerSnapshot struct {
	Name         string       `json:"name"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	OpenedAt     *time.Time   `json:"opened_at,omitempty"`
	TotalCalls   uint64       `json:"total_calls"`
	Rejections   uint64       `json:"rejections"`
	Opens        uint64       `json:"opens"`
	Closes       uint64       `json:"closes"`
}

// Breaker is a circuit breaker for one named external dependency. All
// callers of that dependency share the same breaker; its state is
// guarded by its own mutex so unrelated dependencies never contend.
type Breaker struct {
	name    string
	cfg     BreakerConfig
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu             sync.Mutex
	state          BreakerState
	failureCount   int
	openedAt       time.Time
	probing        bool
	probeStartedAt time.Time

	totalCalls uint64
	rejections uint64
	opens      uint64
	closes     uint64

	// now is replaceable in tests.
	now func() time.Time
}

// NewBreaker creates a closed breaker for the named dependency.
func NewBreaker(name string, cfg BreakerConfig, metrics ports.MetricsCollector, logger *zap.Logger) *Breaker {
	return &Breaker{
		name:    name,
		cfg:     cfg.normalized(),
		logger:  logger,
		metrics: metrics,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// Call runs op behind the breaker. While the breaker is open, or while a
// half-open probe is in flight, the call is rejected with
// domain.ErrCircuitOpen without invoking op.
func (b *Breaker) Call(ctx context.Context, op Operation) error {
	probe, err := b.admit()
	if err != nil {
		return err
	}

	opErr := op(ctx)
	if opErr != nil {
		b.recordFailure(probe)
		return opErr
	}
	b.recordSuccess(probe)
	return nil
}

// admit decides whether a call may proceed. It returns whether the
// admitted call is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	switch b.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenTimeout {
			b.rejections++
			b.metrics.RecordBreakerRejection(b.name)
			return false, fmt.Errorf("%s: %w", b.name, domain.ErrCircuitOpen)
		}
		b.state = StateHalfOpen
		b.probing = true
		b.probeStartedAt = b.now()
		b.metrics.RecordBreakerTransition(b.name, string(StateHalfOpen))
		b.logger.Info("circuit breaker half-open, sending probe",
			zap.String("breaker", b.name))
		return true, nil

	case StateHalfOpen:
		// A probe older than HalfOpenTimeout is presumed lost; the next
		// caller becomes the new probe.
		if b.probing && b.now().Sub(b.probeStartedAt) < b.cfg.HalfOpenTimeout {
			b.rejections++
			b.metrics.RecordBreakerRejection(b.name)
			return false, fmt.Errorf("%s: probe in flight: %w", b.name, domain.ErrCircuitOpen)
		}
		b.probing = true
		b.probeStartedAt = b.now()
		return true, nil
	}
	return false, nil
}

func (b *Breaker) recordSuccess(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe || b.state == StateHalfOpen {
		b.state = StateClosed
		b.probing = false
		b.failureCount = 0
		b.closes++
		b.metrics.RecordBreakerTransition(b.name, string(StateClosed))
		b.logger.Info("circuit breaker closed after successful probe",
			zap.String("breaker", b.name))
		return
	}
	b.failureCount = 0
}

func (b *Breaker) recordFailure(probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			b.opens++
			b.metrics.RecordBreakerTransition(b.name, string(StateOpen))
			b.logger.Warn("circuit breaker opened",
				zap.String("breaker", b.name),
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.cfg.FailureThreshold))
		}

	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = b.now()
		b.probing = false
		b.failureCount++
		b.opens++
		b.metrics.RecordBreakerTransition(b.name, string(StateOpen))
		b.logger.Warn("circuit breaker reopened after failed probe",
			zap.String("breaker", b.name),
			zap.Int("failure_count", b.failureCount))
	}
}

// Snapshot returns the current breaker state and counters.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap := BreakerSnapshot{
		Name:         b.name,
		State:        b.state,
		FailureCount: b.failureCount,
		TotalCalls:   b.totalCalls,
		Rejections:   b.rejections,
		Opens:        b.opens,
		Closes:       b.closes,
	}
	if b.state != StateClosed {
		openedAt := b.openedAt
		snap.OpenedAt = &openedAt
	}
	return snap
}
