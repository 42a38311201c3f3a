package simulated

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/domain"
)

// Config tunes the simulated executor.
type Config struct {
	// MaxConcurrent bounds parallel simulations.
	MaxConcurrent int
	// BaseLatency is applied when the payload carries no duration.
	BaseLatency time.Duration
	// FailureRate in [0,1] injects random failures on top of payload
	// directives.
	FailureRate float64
}

func (c Config) normalized() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 16
	}
	if c.BaseLatency <= 0 {
		c.BaseLatency = 10 * time.Millisecond
	}
	if c.FailureRate < 0 {
		c.FailureRate = 0
	}
	if c.FailureRate > 1 {
		c.FailureRate = 1
	}
	return c
}

// Backend emulates task execution with configurable latency and
// failure injection. Payload directives:
//
//	duration_ms: latency for this task (number)
//	fail:        force a recoverable failure (bool)
//	fail_rate:   per-task failure probability (number in [0,1])
//
// Used for dry runs and load tests without touching real executors.
type Backend struct {
	cfg      Config
	logger   *zap.Logger
	inFlight atomic.Int32

	// randFloat and sleep are replaceable in tests.
	randFloat func() float64
	sleep     func(ctx context.Context, d time.Duration) error
}

// New creates a simulated backend.
func New(cfg Config, logger *zap.Logger) *Backend {
	return &Backend{
		cfg:       cfg.normalized(),
		logger:    logger,
		randFloat: rand.Float64,
		sleep:     sleepContext,
	}
}

// Name implements ports.Backend.
func (b *Backend) Name() string { return "simulated" }

// Type implements ports.Backend.
func (b *Backend) Type() domain.ExecutionType { return domain.ExecutionSimulated }

// Capacity implements ports.Backend.
func (b *Backend) Capacity() int { return b.cfg.MaxConcurrent }

// InFlight implements ports.Backend.
func (b *Backend) InFlight() int { return int(b.inFlight.Load()) }

// Execute implements ports.Backend.
func (b *Backend) Execute(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	startedAt := time.Now()
	latency := b.latency(task)
	if err := b.sleep(ctx, latency); err != nil {
		return nil, err
	}

	if fail, reason := b.shouldFail(task); fail {
		errCtx := domain.NewErrorContext("simulate", "simulated").
			WithMetadata("task_id", task.ID.String())
		b.logger.Debug("simulated failure",
			zap.String("task_id", task.ID.String()),
			zap.String("reason", reason))
		return nil, domain.NewExternalError(errCtx, "simulated failure", fmt.Errorf("%s", reason))
	}

	return &domain.TaskResult{
		TaskID:  task.ID,
		Backend: b.Name(),
		Output: map[string]interface{}{
			"simulated":  true,
			"latency_ms": latency.Milliseconds(),
		},
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}, nil
}

func (b *Backend) latency(task *domain.TaskNode) time.Duration {
	if v, ok := task.Payload["duration_ms"]; ok {
		if ms, ok := asFloat(v); ok && ms >= 0 {
			return time.Duration(ms * float64(time.Millisecond))
		}
	}
	return b.cfg.BaseLatency
}

func (b *Backend) shouldFail(task *domain.TaskNode) (bool, string) {
	if v, ok := task.Payload["fail"]; ok {
		if forced, ok := v.(bool); ok && forced {
			return true, "forced by payload"
		}
	}
	rate := b.cfg.FailureRate
	if v, ok := task.Payload["fail_rate"]; ok {
		if r, ok := asFloat(v); ok {
			rate = r
		}
	}
	if rate > 0 && b.randFloat() < rate {
		return true, fmt.Sprintf("injected at rate %.2f", rate)
	}
	return false, ""
}

// asFloat accepts the numeric types JSON decoding can produce.
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
