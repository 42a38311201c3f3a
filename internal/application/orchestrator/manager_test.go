package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/dispatcher"
	"github.com/taskmesh/meshd/internal/application/graph"
	"github.com/taskmesh/meshd/internal/application/resilience"
	memoryevents "github.com/taskmesh/meshd/pkg/adapters/events/memory"
	"github.com/taskmesh/meshd/pkg/adapters/metrics/noop"
	memorystorage "github.com/taskmesh/meshd/pkg/adapters/storage/memory"
	"github.com/taskmesh/meshd/pkg/domain"
)

type stubBackend struct {
	name     string
	capacity int
	inFlight atomic.Int32
	execute  func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error)
}

func (b *stubBackend) Name() string               { return b.name }
func (b *stubBackend) Type() domain.ExecutionType { return domain.ExecutionLocal }
func (b *stubBackend) Capacity() int              { return b.capacity }
func (b *stubBackend) InFlight() int              { return int(b.inFlight.Load()) }

func (b *stubBackend) Execute(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	if b.execute != nil {
		return b.execute(ctx, task)
	}
	return &domain.TaskResult{TaskID: task.ID, Backend: b.name}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) handler(ctx context.Context, event domain.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *eventLog) typesFor(id domain.TaskID) []domain.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.EventType
	for _, e := range l.events {
		if e.TaskID == id {
			out = append(out, e.Type)
		}
	}
	return out
}

type harness struct {
	mgr     *Manager
	storage *memorystorage.InMemoryTaskStorage
	log     *eventLog
}

type harnessOptions struct {
	maxConcurrent int
	execTimeout   time.Duration
}

func newHarness(t *testing.T, execute func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error)) *harness {
	t.Helper()
	return newHarnessWith(t, harnessOptions{}, execute)
}

func newHarnessWith(t *testing.T, opts harnessOptions, execute func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error)) *harness {
	t.Helper()
	logger := zap.NewNop()
	metrics := noop.NewCollector()

	if opts.maxConcurrent == 0 {
		opts.maxConcurrent = 8
	}

	retry := resilience.NewRetryManager(resilience.RetryConfig{
		MaxAttempts:     1,
		ExponentialBase: 2.0,
		BaseDelay:       time.Millisecond,
	}, metrics, logger)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), metrics, logger)

	disp := dispatcher.New(dispatcher.Config{
		MaxConcurrentTasks: opts.maxConcurrent,
		FallbackBackend:    "local",
	}, retry, metrics, logger)
	disp.Register(&stubBackend{name: "local", capacity: 8, execute: execute})

	bus := memoryevents.NewInMemoryEventBus()
	log := &eventLog{}
	if err := bus.Subscribe(context.Background(), EventTopic, log.handler); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}
	storage := memorystorage.NewInMemoryTaskStorage()

	mgr := NewManager(Config{
		DefaultRetryAttempts: 2,
		SchedulerInterval:    10 * time.Millisecond,
		TaskExecutionTimeout: opts.execTimeout,
	}, graph.NewMesh(), disp, NewValidator(), bus, storage, metrics, breakers, logger)
	mgr.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := mgr.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return &harness{mgr: mgr, storage: storage, log: log}
}

func submit(t *testing.T, mgr *Manager, desc *TaskDescriptor) domain.TaskID {
	t.Helper()
	id, err := mgr.SubmitTask(context.Background(), desc)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	return id
}

func waitForStatus(t *testing.T, mgr *Manager, id domain.TaskID, status domain.TaskStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if task, err := mgr.Task(id); err == nil && task.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	current := domain.TaskStatus("missing")
	if task, err := mgr.Task(id); err == nil {
		current = task.Status
	}
	t.Fatalf("task %s never reached %s, stuck at %s", id, status, current)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	h := newHarness(t, nil)

	id := submit(t, h.mgr, &TaskDescriptor{Name: "build"})
	waitForStatus(t, h.mgr, id, domain.StatusCompleted)

	// The persisted snapshot tracks the final state.
	stored, err := h.storage.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("stored snapshot missing: %v", err)
	}
	if stored.Status != domain.StatusCompleted {
		t.Fatalf("stored status %s, want completed", stored.Status)
	}

	want := []domain.EventType{
		domain.EventTypeTaskSubmitted,
		domain.EventTypeTaskReady,
		domain.EventTypeTaskStarted,
		domain.EventTypeTaskCompleted,
	}
	got := h.log.typesFor(id)
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestDependentWaitsForDependency(t *testing.T) {
	gate := make(chan struct{})
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		if task.Name == "upstream" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	up := submit(t, h.mgr, &TaskDescriptor{Name: "upstream"})
	down := submit(t, h.mgr, &TaskDescriptor{Name: "downstream", Dependencies: []DependencySpec{
		{Source: up.String(), Type: "hard"},
	}})

	waitForStatus(t, h.mgr, up, domain.StatusRunning)

	// Several scheduler passes go by; the dependent must not move.
	time.Sleep(50 * time.Millisecond)
	task, err := h.mgr.Task(down)
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("dependent moved to %s before its dependency finished", task.Status)
	}

	close(gate)
	waitForStatus(t, h.mgr, down, domain.StatusCompleted)
}

func TestFailedDependencyStarvesDependent(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		if task.Name == "upstream" {
			return nil, domain.NewRuntimeError(
				domain.NewErrorContext("execute", "test"), "broken", errors.New("boom"))
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	up := submit(t, h.mgr, &TaskDescriptor{Name: "upstream"})
	down := submit(t, h.mgr, &TaskDescriptor{Name: "downstream", Dependencies: []DependencySpec{
		{Source: up.String(), Type: "data"},
	}})

	waitForStatus(t, h.mgr, up, domain.StatusFailed)

	time.Sleep(50 * time.Millisecond)
	task, err := h.mgr.Task(down)
	if err != nil {
		t.Fatalf("task lookup failed: %v", err)
	}
	if task.Status != domain.StatusPending {
		t.Fatalf("dependent of a failed task must stay pending, got %s", task.Status)
	}
}

func TestSubmitRejectsUnknownDependencySource(t *testing.T) {
	h := newHarness(t, nil)

	ghost := domain.NewTaskNode("ghost").ID
	_, err := h.mgr.SubmitTask(context.Background(), &TaskDescriptor{
		Name:         "orphan",
		Dependencies: []DependencySpec{{Source: ghost.String(), Type: "hard"}},
	})
	if !errors.Is(err, domain.ErrUnknownTask) {
		t.Fatalf("expected unknown task error, got %v", err)
	}
	if len(h.mgr.Tasks()) != 0 {
		t.Fatal("rejected submission must leave the mesh untouched")
	}
}

func TestSubmitRejectsMalformedDescriptor(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.mgr.SubmitTask(context.Background(), &TaskDescriptor{Priority: "high"})
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCancelPendingTask(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		if task.Name == "upstream" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	up := submit(t, h.mgr, &TaskDescriptor{Name: "upstream"})
	down := submit(t, h.mgr, &TaskDescriptor{Name: "downstream", Dependencies: []DependencySpec{
		{Source: up.String(), Type: "hard"},
	}})
	waitForStatus(t, h.mgr, up, domain.StatusRunning)

	if err := h.mgr.CancelTask(context.Background(), down); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	waitForStatus(t, h.mgr, down, domain.StatusCancelled)

	// Cancelling twice is rejected as a terminal-state operation.
	if err := h.mgr.CancelTask(context.Background(), down); err == nil {
		t.Fatal("expected error cancelling a cancelled task")
	}
}

func TestCancelRunningTaskSignalsExecution(t *testing.T) {
	observed := make(chan error, 1)
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	})

	id := submit(t, h.mgr, &TaskDescriptor{Name: "long"})
	waitForStatus(t, h.mgr, id, domain.StatusRunning)

	if err := h.mgr.CancelTask(context.Background(), id); err != nil {
		t.Fatalf("cancel failed: %v", err)
	}

	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected cancellation, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("execution never observed the cancel")
	}

	// The cancel already settled the status; the outcome must not flip it.
	waitForStatus(t, h.mgr, id, domain.StatusCancelled)
	time.Sleep(30 * time.Millisecond)
	task, _ := h.mgr.Task(id)
	if task.Status != domain.StatusCancelled {
		t.Fatalf("status flipped to %s after cancel", task.Status)
	}
}

func TestBlockingEdgeRequiresPendingTarget(t *testing.T) {
	h := newHarness(t, nil)

	first := submit(t, h.mgr, &TaskDescriptor{Name: "first"})
	waitForStatus(t, h.mgr, first, domain.StatusCompleted)
	second := submit(t, h.mgr, &TaskDescriptor{Name: "second"})
	waitForStatus(t, h.mgr, second, domain.StatusCompleted)

	_, err := h.mgr.AddDependency(context.Background(), first, second, domain.DependencyHard, 1)
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindValidation {
		t.Fatalf("expected validation error for a completed target, got %v", err)
	}

	// Advisory edges are accepted regardless of target status.
	if _, err := h.mgr.AddDependency(context.Background(), first, second, domain.DependencySoft, 1); err != nil {
		t.Fatalf("soft edge rejected: %v", err)
	}
}

func TestCircuitOpenRequeuesWithinBudget(t *testing.T) {
	var attempts atomic.Int32
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		if attempts.Add(1) == 1 {
			return nil, domain.ErrCircuitOpen
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	id := submit(t, h.mgr, &TaskDescriptor{Name: "guarded"})
	waitForStatus(t, h.mgr, id, domain.StatusCompleted)

	if got := attempts.Load(); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}

	requeued := false
	for _, et := range h.log.typesFor(id) {
		if et == domain.EventTypeTaskRequeued {
			requeued = true
		}
	}
	if !requeued {
		t.Fatal("expected a requeue event for the open-circuit attempt")
	}
}

func TestCircuitOpenExhaustsBudgetToFailed(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		return nil, domain.ErrCircuitOpen
	})

	attempts := 1
	id := submit(t, h.mgr, &TaskDescriptor{Name: "walled", RetryAttempts: &attempts})
	waitForStatus(t, h.mgr, id, domain.StatusFailed)
}

func TestDependentNeverDispatchedBeforeItsEdge(t *testing.T) {
	gate := make(chan struct{})
	var dependentRuns atomic.Int32
	h := newHarness(t, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		if task.Name == "blocker" {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		} else {
			dependentRuns.Add(1)
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	// Submissions race the scheduler passes; a dependent observed without
	// its hard edge would dispatch while the blocker still runs.
	blocker := submit(t, h.mgr, &TaskDescriptor{Name: "blocker"})
	deps := []DependencySpec{{Source: blocker.String(), Type: "hard"}}
	var last domain.TaskID
	for i := 0; i < 200; i++ {
		last = submit(t, h.mgr, &TaskDescriptor{Name: "dependent", Dependencies: deps})
	}

	time.Sleep(100 * time.Millisecond)
	if got := dependentRuns.Load(); got != 0 {
		t.Fatalf("%d dependents ran before their dependency completed", got)
	}

	close(gate)
	waitForStatus(t, h.mgr, last, domain.StatusCompleted)
}

func TestExecutionTimeoutFailsTask(t *testing.T) {
	h := newHarnessWith(t, harnessOptions{execTimeout: 30 * time.Millisecond}, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})

	id := submit(t, h.mgr, &TaskDescriptor{Name: "stuck"})
	waitForStatus(t, h.mgr, id, domain.StatusFailed)

	// Overrunning the execution budget is terminal, never a requeue.
	for _, et := range h.log.typesFor(id) {
		if et == domain.EventTypeTaskRequeued {
			t.Fatal("timed out task was requeued")
		}
	}
}

func TestConcurrencyBoundDefersThirdTask(t *testing.T) {
	release := make(chan struct{})
	var entered atomic.Int32
	h := newHarnessWith(t, harnessOptions{maxConcurrent: 2}, func(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
		entered.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return &domain.TaskResult{TaskID: task.ID, Backend: "local"}, nil
	})

	ids := []domain.TaskID{
		submit(t, h.mgr, &TaskDescriptor{Name: "a"}),
		submit(t, h.mgr, &TaskDescriptor{Name: "b"}),
		submit(t, h.mgr, &TaskDescriptor{Name: "c"}),
	}

	deadline := time.Now().Add(2 * time.Second)
	for entered.Load() != 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// Scheduler passes keep firing; the third slot must not open.
	time.Sleep(50 * time.Millisecond)
	if got := entered.Load(); got != 2 {
		t.Fatalf("expected exactly 2 executions started, got %d", got)
	}
	counts := make(map[domain.TaskStatus]int)
	for _, id := range ids {
		task, err := h.mgr.Task(id)
		if err != nil {
			t.Fatalf("task lookup failed: %v", err)
		}
		counts[task.Status]++
	}
	if counts[domain.StatusRunning] != 2 || counts[domain.StatusReady] != 1 {
		t.Fatalf("expected 2 running and 1 ready, got %v", counts)
	}

	// One completion frees the slot for the held task.
	release <- struct{}{}
	deadline = time.Now().Add(2 * time.Second)
	for entered.Load() != 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if entered.Load() != 3 {
		t.Fatal("third task never started after a slot freed")
	}

	close(release)
	for _, id := range ids {
		waitForStatus(t, h.mgr, id, domain.StatusCompleted)
	}
}
