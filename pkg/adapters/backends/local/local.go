package local

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// Config sizes the in-process worker pool.
type Config struct {
	PoolSize            int
	HealthCheckInterval time.Duration
}

func (c Config) normalized() Config {
	if c.PoolSize < 1 {
		c.PoolSize = 4
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	return c
}

// WorkerStatus represents worker status.
type WorkerStatus string

const (
	WorkerStatusIdle    WorkerStatus = "idle"
	WorkerStatusBusy    WorkerStatus = "busy"
	WorkerStatusStopped WorkerStatus = "stopped"
)

type job struct {
	ctx  context.Context
	task *domain.TaskNode
	done chan jobResult
}

type jobResult struct {
	output map[string]interface{}
	err    error
}

// Backend runs tasks on a fixed pool of in-process workers. The work
// itself is delegated to a TaskRunner so callers decide what a task
// payload means.
type Backend struct {
	cfg     Config
	runner  ports.TaskRunner
	metrics ports.MetricsCollector
	logger  *zap.Logger
	health  *HealthMonitor

	jobs     chan *job
	workers  []*worker
	inFlight atomic.Int32

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// worker is a single pool goroutine.
type worker struct {
	id      string
	backend *Backend

	mu      sync.RWMutex
	status  WorkerStatus
	lastJob time.Time
}

// New creates a local backend. runner must not be nil.
func New(cfg Config, runner ports.TaskRunner, metrics ports.MetricsCollector, logger *zap.Logger) *Backend {
	cfg = cfg.normalized()
	ctx, cancel := context.WithCancel(context.Background())

	b := &Backend{
		cfg:     cfg,
		runner:  runner,
		metrics: metrics,
		logger:  logger,
		jobs:    make(chan *job),
		workers: make([]*worker, cfg.PoolSize),
		ctx:     ctx,
		cancel:  cancel,
	}
	b.health = NewHealthMonitor(b, cfg.HealthCheckInterval, logger)
	return b
}

// Name implements ports.Backend.
func (b *Backend) Name() string { return "local" }

// Type implements ports.Backend.
func (b *Backend) Type() domain.ExecutionType { return domain.ExecutionLocal }

// Capacity implements ports.Backend.
func (b *Backend) Capacity() int { return b.cfg.PoolSize }

// InFlight implements ports.Backend.
func (b *Backend) InFlight() int { return int(b.inFlight.Load()) }

// Start launches the workers and the health monitor.
func (b *Backend) Start() error {
	b.logger.Info("starting local worker pool", zap.Int("size", b.cfg.PoolSize))

	for i := 0; i < b.cfg.PoolSize; i++ {
		w := &worker{
			id:      fmt.Sprintf("worker-%d", i),
			backend: b,
			status:  WorkerStatusIdle,
			lastJob: time.Now(),
		}
		b.workers[i] = w

		b.wg.Add(1)
		go w.run(b.ctx)
	}
	b.health.Start()

	b.logger.Info("local worker pool started", zap.Int("workers", b.cfg.PoolSize))
	return nil
}

// Shutdown stops the workers, bounded by ctx.
func (b *Backend) Shutdown(ctx context.Context) error {
	b.logger.Info("shutting down local worker pool")
	b.health.Stop()
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.logger.Info("local worker pool shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown timeout")
	}
}

// Execute hands the task to a pool worker and waits for the outcome.
func (b *Backend) Execute(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	j := &job{ctx: ctx, task: task, done: make(chan jobResult, 1)}
	startedAt := time.Now()

	select {
	case b.jobs <- j:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.ctx.Done():
		return nil, fmt.Errorf("local backend stopped")
	}

	select {
	case res := <-j.done:
		if res.err != nil {
			return nil, res.err
		}
		return &domain.TaskResult{
			TaskID:      task.ID,
			Backend:     b.Name(),
			Output:      res.output,
			StartedAt:   startedAt,
			CompletedAt: time.Now(),
		}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Health exposes the pool's health monitor.
func (b *Backend) Health() *HealthMonitor { return b.health }

// WorkerStatuses returns the status of every worker keyed by id.
func (b *Backend) WorkerStatuses() map[string]WorkerStatus {
	status := make(map[string]WorkerStatus, len(b.workers))
	for _, w := range b.workers {
		if w == nil {
			continue
		}
		w.mu.RLock()
		status[w.id] = w.status
		w.mu.RUnlock()
	}
	return status
}

// run is the main worker loop.
func (w *worker) run(ctx context.Context) {
	defer w.backend.wg.Done()

	w.backend.logger.Info("worker started", zap.String("worker_id", w.id))

	for {
		select {
		case <-ctx.Done():
			w.mu.Lock()
			w.status = WorkerStatusStopped
			w.mu.Unlock()
			w.backend.logger.Info("worker stopped", zap.String("worker_id", w.id))
			return

		case j := <-w.backend.jobs:
			w.mu.Lock()
			w.status = WorkerStatusBusy
			w.lastJob = time.Now()
			w.mu.Unlock()

			output, err := w.execute(j)
			j.done <- jobResult{output: output, err: err}

			w.mu.Lock()
			w.status = WorkerStatusIdle
			w.mu.Unlock()
		}
	}
}

// execute runs the task runner with panic containment: a panicking
// payload fails its own task, never the worker.
func (w *worker) execute(j *job) (output map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			errCtx := domain.NewErrorContext("execute", "local").
				WithMetadata("worker_id", w.id).
				WithMetadata("task_id", j.task.ID.String())
			err = domain.NewPanicError(errCtx, r)
			w.backend.logger.Error("task panicked",
				zap.String("worker_id", w.id),
				zap.String("task_id", j.task.ID.String()),
				zap.Any("panic", r))
		}
	}()

	w.backend.logger.Debug("executing task",
		zap.String("worker_id", w.id),
		zap.String("task_id", j.task.ID.String()),
		zap.String("name", j.task.Name))

	return w.backend.runner(j.ctx, j.task)
}
