package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/resilience"
	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// Config bounds the dispatcher.
type Config struct {
	// MaxConcurrentTasks limits in-flight executions across all backends.
	MaxConcurrentTasks int
	// FallbackBackend names the in-process backend used when no backend
	// matches the task's execution type.
	FallbackBackend string
}

// Dispatcher routes ready tasks to execution backends. Selection never
// blocks: when no backend has spare capacity the task stays queued and
// the caller retries on the next scheduling pass.
type Dispatcher struct {
	cfg     Config
	retry   *resilience.RetryManager
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu        sync.Mutex
	backends  map[string]ports.Backend
	byType    map[domain.ExecutionType][]string
	inFlight  int
	resources map[string]domain.TaskID
}

// New creates a dispatcher with no backends registered.
func New(cfg Config, retry *resilience.RetryManager, metrics ports.MetricsCollector, logger *zap.Logger) *Dispatcher {
	if cfg.MaxConcurrentTasks < 1 {
		cfg.MaxConcurrentTasks = 1
	}
	return &Dispatcher{
		cfg:       cfg,
		retry:     retry,
		logger:    logger,
		metrics:   metrics,
		backends:  make(map[string]ports.Backend),
		byType:    make(map[domain.ExecutionType][]string),
		resources: make(map[string]domain.TaskID),
	}
}

// Register adds an execution backend. Out-of-scope subsystems register
// through this same contract and stay opaque to the core.
func (d *Dispatcher) Register(backend ports.Backend) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.backends[backend.Name()] = backend
	d.byType[backend.Type()] = append(d.byType[backend.Type()], backend.Name())
	d.logger.Info("backend registered",
		zap.String("backend", backend.Name()),
		zap.String("type", string(backend.Type())),
		zap.Int("capacity", backend.Capacity()))
}

// Backends returns the registered backends keyed by name.
func (d *Dispatcher) Backends() map[string]ports.Backend {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]ports.Backend, len(d.backends))
	for name, b := range d.backends {
		out[name] = b
	}
	return out
}

// Dispatch acquires a slot and runs the task in one call. Convenience
// for callers that do not observe the Ready/Running boundary.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.TaskNode, resourceGroups []string) (*domain.TaskResult, error) {
	backend, release, err := d.Acquire(task, resourceGroups)
	if err != nil {
		return nil, err
	}
	defer release()
	return d.Run(ctx, backend, task)
}

// Run executes the task on an already acquired backend, wrapped by the
// retry manager with the task's attempt budget.
func (d *Dispatcher) Run(ctx context.Context, backend ports.Backend, task *domain.TaskNode) (*domain.TaskResult, error) {
	errCtx := domain.NewErrorContext("execute", "dispatcher").
		WithMetadata("task_id", task.ID.String()).
		WithMetadata("backend", backend.Name())

	var result *domain.TaskResult
	err := d.retry.Do(ctx, errCtx, task.RetryAttempts, func(ctx context.Context) error {
		res, execErr := backend.Execute(ctx, task)
		if execErr != nil {
			return execErr
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Acquire reserves a global slot, the task's resource groups and a
// backend, all under one lock so a failed reservation changes nothing.
// It returns domain.ErrNoCapacity without blocking when the global
// bound is reached, a resource group is busy, or no backend has a
// spare slot. The release func must be called exactly once.
func (d *Dispatcher) Acquire(task *domain.TaskNode, groups []string) (ports.Backend, func(), error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.inFlight >= d.cfg.MaxConcurrentTasks {
		return nil, nil, fmt.Errorf("global limit %d reached: %w", d.cfg.MaxConcurrentTasks, domain.ErrNoCapacity)
	}
	for _, g := range groups {
		if holder, busy := d.resources[g]; busy {
			return nil, nil, fmt.Errorf("resource %q held by task %s: %w", g, holder, domain.ErrNoCapacity)
		}
	}

	backend := d.selectLocked(task)
	if backend == nil {
		return nil, nil, fmt.Errorf("task %s (%s): %w", task.ID, task.ExecutionType, domain.ErrNoCapacity)
	}

	d.inFlight++
	d.metrics.SetTasksInFlight(d.inFlight)
	for _, g := range groups {
		d.resources[g] = task.ID
	}

	release := func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		d.inFlight--
		d.metrics.SetTasksInFlight(d.inFlight)
		for _, g := range groups {
			delete(d.resources, g)
		}
	}
	return backend, release, nil
}

// selectLocked prefers a backend matching the task's execution type with
// spare capacity, then falls back to the configured in-process backend.
func (d *Dispatcher) selectLocked(task *domain.TaskNode) ports.Backend {
	for _, name := range d.byType[task.ExecutionType] {
		if b := d.backends[name]; b.InFlight() < b.Capacity() {
			return b
		}
	}
	if fallback, ok := d.backends[d.cfg.FallbackBackend]; ok && fallback.InFlight() < fallback.Capacity() {
		return fallback
	}
	return nil
}
