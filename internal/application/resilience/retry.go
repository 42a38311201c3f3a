package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// RetryConfig controls the backoff schedule of a RetryManager.
type RetryConfig struct {
	MaxAttempts     int
	ExponentialBase float64
	BaseDelay       time.Duration
	JitterFactor    float64
}

// DefaultRetryConfig returns the standard schedule: 3 attempts, base 2.0,
// 100ms initial delay, ±10% jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		ExponentialBase: 2.0,
		BaseDelay:       100 * time.Millisecond,
		JitterFactor:    0.1,
	}
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts < 1 {
		c.MaxAttempts = 1
	}
	if c.ExponentialBase <= 0 {
		c.ExponentialBase = 2.0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.JitterFactor < 0 {
		c.JitterFactor = 0
	}
	return c
}

// RetryState tracks the attempt loop of one retried operation. Created
// fresh per operation and discarded on terminal success or exhaustion.
type RetryState struct {
	Attempt         int
	MaxAttempts     int
	LastAttemptAt   time.Time
	NextRetryAt     time.Time
	BackoffDuration time.Duration
	ExponentialBase float64
	JitterFactor    float64
}

// Operation is a fallible unit of work run under retry.
type Operation func(ctx context.Context) error

// RetryManager wraps fallible operations with exponential backoff.
// Aggregate counters flow to the metrics collector.
type RetryManager struct {
	cfg     RetryConfig
	logger  *zap.Logger
	metrics ports.MetricsCollector

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
	// randFloat returns a uniform value in [0,1).
	randFloat func() float64
}

// NewRetryManager creates a retry manager with the given defaults.
func NewRetryManager(cfg RetryConfig, metrics ports.MetricsCollector, logger *zap.Logger) *RetryManager {
	return &RetryManager{
		cfg:       cfg.normalized(),
		logger:    logger,
		metrics:   metrics,
		sleep:     sleepContext,
		randFloat: rand.Float64,
	}
}

// Do runs op until it succeeds, a non-recoverable failure occurs, or the
// attempt budget is exhausted. maxAttempts overrides the configured
// default when > 0. The last failure is returned unchanged; an open
// circuit breaker short-circuits immediately without backoff.
func (r *RetryManager) Do(ctx context.Context, errCtx domain.ErrorContext, maxAttempts int, op Operation) error {
	cfg := r.cfg
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}

	state := RetryState{
		MaxAttempts:     cfg.MaxAttempts,
		ExponentialBase: cfg.ExponentialBase,
		JitterFactor:    cfg.JitterFactor,
	}

	for {
		state.Attempt++
		state.LastAttemptAt = time.Now()
		r.metrics.RecordRetryAttempt()

		err := op(ctx)
		if err == nil {
			if state.Attempt > 1 {
				r.metrics.RecordRetrySuccess()
				r.logger.Info("operation succeeded after retry",
					zap.String("operation", errCtx.Operation),
					zap.String("component", errCtx.Component),
					zap.String("trace_id", errCtx.TraceID),
					zap.Int("attempt", state.Attempt))
			}
			return nil
		}

		if errors.Is(err, domain.ErrCircuitOpen) {
			// Fail fast: an open breaker must not incur backoff delay.
			r.logger.Warn("circuit open, not retrying",
				zap.String("operation", errCtx.Operation),
				zap.String("trace_id", errCtx.TraceID))
			return err
		}
		if !domain.IsRecoverable(err) || state.Attempt >= state.MaxAttempts {
			if state.Attempt > 1 {
				r.metrics.RecordRetryFailure()
			}
			r.logger.Warn("operation failed permanently",
				zap.String("operation", errCtx.Operation),
				zap.String("component", errCtx.Component),
				zap.String("trace_id", errCtx.TraceID),
				zap.Int("attempt", state.Attempt),
				zap.Int("max_attempts", state.MaxAttempts),
				zap.Bool("recoverable", domain.IsRecoverable(err)),
				zap.Error(err))
			return err
		}

		state.BackoffDuration = r.backoff(cfg, state.Attempt)
		state.NextRetryAt = state.LastAttemptAt.Add(state.BackoffDuration)

		r.logger.Info("operation failed, will retry",
			zap.String("operation", errCtx.Operation),
			zap.String("trace_id", errCtx.TraceID),
			zap.Int("attempt", state.Attempt),
			zap.Duration("backoff", state.BackoffDuration),
			zap.Error(err))

		if serr := r.sleep(ctx, state.BackoffDuration); serr != nil {
			return serr
		}
	}
}

// backoff computes the delay after attempt k (k >= 1):
// baseDelay * base^(k-1) * uniform(1-jitter, 1+jitter).
func (r *RetryManager) backoff(cfg RetryConfig, attempt int) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.ExponentialBase, float64(attempt-1))
	if cfg.JitterFactor > 0 {
		delay *= 1 - cfg.JitterFactor + 2*cfg.JitterFactor*r.randFloat()
	}
	return time.Duration(delay)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
