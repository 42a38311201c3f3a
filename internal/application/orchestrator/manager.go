package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/dispatcher"
	"github.com/taskmesh/meshd/internal/application/graph"
	"github.com/taskmesh/meshd/internal/application/resilience"
	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// EventTopic is the stream all task lifecycle events are published to.
const EventTopic = "task.events"

// Config tunes the orchestrator.
type Config struct {
	// DefaultRetryAttempts is applied to tasks submitted without an
	// explicit attempt budget.
	DefaultRetryAttempts int
	// SchedulerInterval bounds how long a ready task waits for a pass
	// when no completion wakes the scheduler first.
	SchedulerInterval time.Duration
	// TaskExecutionTimeout bounds one backend execution, retries
	// included. A task that overruns it fails.
	TaskExecutionTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.DefaultRetryAttempts < 1 {
		c.DefaultRetryAttempts = 3
	}
	if c.SchedulerInterval <= 0 {
		c.SchedulerInterval = 200 * time.Millisecond
	}
	if c.TaskExecutionTimeout <= 0 {
		c.TaskExecutionTimeout = 300 * time.Second
	}
	return c
}

// Manager owns the task lifecycle. It is the only component that
// mutates task status: submissions, scheduling passes, execution
// outcomes and cancellations all funnel through its per-task locks, so
// events for one task are published in transition order.
type Manager struct {
	cfg        Config
	mesh       *graph.Mesh
	dispatcher *dispatcher.Dispatcher
	validator  *Validator
	eventBus   ports.EventBus
	storage    ports.StateStorage
	metrics    ports.MetricsCollector
	breakers   *resilience.Registry
	logger     *zap.Logger

	// locks serializes transitions per task id.
	locks sync.Map // map[domain.TaskID]*sync.Mutex
	// launching guards against double-dispatch of one ready task.
	launching sync.Map // map[domain.TaskID]struct{}
	// cancels holds the context cancel func of each running execution.
	cancels sync.Map // map[domain.TaskID]context.CancelFunc

	runCtx context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup
}

// NewManager wires the orchestrator. Backends must be registered with
// the dispatcher before Start.
func NewManager(
	cfg Config,
	mesh *graph.Mesh,
	disp *dispatcher.Dispatcher,
	validator *Validator,
	eventBus ports.EventBus,
	storage ports.StateStorage,
	metrics ports.MetricsCollector,
	breakers *resilience.Registry,
	logger *zap.Logger,
) *Manager {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg.normalized(),
		mesh:       mesh,
		dispatcher: disp,
		validator:  validator,
		eventBus:   eventBus,
		storage:    storage,
		metrics:    metrics,
		breakers:   breakers,
		logger:     logger,
		runCtx:     runCtx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
	}
}

// Start launches the scheduling loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.loop()
	m.logger.Info("orchestrator started",
		zap.Duration("scheduler_interval", m.cfg.SchedulerInterval),
		zap.Int("default_retry_attempts", m.cfg.DefaultRetryAttempts))
}

// Shutdown cancels running executions and waits for in-flight work,
// bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("orchestrator shutting down")
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("orchestrator shut down")
		return nil
	case <-ctx.Done():
		m.logger.Warn("orchestrator shutdown timed out")
		return ctx.Err()
	}
}

// SubmitTask validates the descriptor, inserts the task and its
// declared dependencies, and wakes the scheduler. The task id is
// returned immediately; execution is asynchronous.
func (m *Manager) SubmitTask(ctx context.Context, desc *TaskDescriptor) (domain.TaskID, error) {
	if err := m.validator.Validate(desc); err != nil {
		m.metrics.RecordTaskSubmitted("rejected")
		return domain.TaskID{}, err
	}

	// Sources must exist before the node is inserted so a bad
	// descriptor leaves the mesh untouched.
	deps := make([]struct {
		source  domain.TaskID
		depType domain.DependencyType
		weight  float64
	}, 0, len(desc.Dependencies))
	for _, d := range desc.Dependencies {
		source := uuid.MustParse(d.Source)
		if _, err := m.mesh.Task(source); err != nil {
			m.metrics.RecordTaskSubmitted("rejected")
			return domain.TaskID{}, err
		}
		depType, _ := domain.ParseDependencyType(d.Type)
		deps = append(deps, struct {
			source  domain.TaskID
			depType domain.DependencyType
			weight  float64
		}{source, depType, d.Weight})
	}

	task := domain.NewTaskNode(desc.Name)
	task.Description = desc.Description
	task.Priority, _ = domain.ParsePriority(desc.Priority)
	if desc.ExecutionType != "" {
		task.ExecutionType = domain.ExecutionType(desc.ExecutionType)
	}
	task.ResourceTags = desc.ResourceTags
	task.RetryAttempts = m.cfg.DefaultRetryAttempts
	if desc.RetryAttempts != nil {
		task.RetryAttempts = *desc.RetryAttempts
	}
	task.Payload = desc.Payload

	// Insertion, edge setup and the submitted event happen under the
	// task lock so a concurrent scheduling pass cannot observe the node
	// without its declared edges and promote it early.
	lock := m.taskLock(task.ID)
	lock.Lock()
	m.mesh.AddTask(task)
	for _, d := range deps {
		if _, err := m.mesh.AddDependency(d.source, task.ID, d.depType, d.weight); err != nil {
			lock.Unlock()
			m.metrics.RecordTaskSubmitted("rejected")
			return domain.TaskID{}, err
		}
	}
	m.publish(domain.NewStatusEvent(task.ID, "", domain.StatusPending))
	m.persist(task.ID)
	lock.Unlock()
	m.metrics.RecordTaskSubmitted("accepted")
	m.logger.Info("task submitted",
		zap.String("task_id", task.ID.String()),
		zap.String("name", task.Name),
		zap.String("priority", task.Priority.String()),
		zap.Int("dependencies", len(deps)))

	m.kick()
	return task.ID, nil
}

// AddDependency inserts an edge making target depend on source.
// Blocking edges are accepted only while the target has not been
// scheduled yet; soft and resource edges may be added at any time.
func (m *Manager) AddDependency(ctx context.Context, source, target domain.TaskID, depType domain.DependencyType, weight float64) (domain.EdgeID, error) {
	if !depType.Blocking() {
		return m.mesh.AddDependency(source, target, depType, weight)
	}

	// Held across the check and the insert so a concurrent scheduling
	// pass cannot promote the target in between.
	lock := m.taskLock(target)
	lock.Lock()
	defer lock.Unlock()

	t, err := m.mesh.Task(target)
	if err != nil {
		return domain.EdgeID{}, err
	}
	if t.Status != domain.StatusPending {
		errCtx := domain.NewErrorContext("add_dependency", "orchestrator").
			WithMetadata("target", target.String())
		return domain.EdgeID{}, domain.NewValidationError(errCtx,
			fmt.Sprintf("target is %s, blocking dependencies require a pending task", t.Status))
	}
	return m.mesh.AddDependency(source, target, depType, weight)
}

// CancelTask moves a non-terminal task to cancelled and signals its
// execution context if it is running. It never waits for the backend.
func (m *Manager) CancelTask(ctx context.Context, id domain.TaskID) error {
	task, err := m.mesh.Task(id)
	if err != nil {
		return err
	}
	if task.Status.Terminal() {
		errCtx := domain.NewErrorContext("cancel", "orchestrator").
			WithMetadata("task_id", id.String())
		return domain.NewValidationError(errCtx,
			fmt.Sprintf("task already %s", task.Status))
	}

	if !m.transitionIf(id,
		[]domain.TaskStatus{domain.StatusPending, domain.StatusReady, domain.StatusRunning},
		domain.StatusCancelled, "") {
		return fmt.Errorf("task %s reached a terminal state concurrently", id)
	}

	if v, ok := m.cancels.Load(id); ok {
		v.(context.CancelFunc)()
	}
	m.metrics.RecordTaskCompleted(string(domain.StatusCancelled), 0)
	m.logger.Info("task cancelled", zap.String("task_id", id.String()))
	return nil
}

// Task returns a snapshot of one task.
func (m *Manager) Task(id domain.TaskID) (*domain.TaskNode, error) {
	return m.mesh.Task(id)
}

// Tasks returns snapshots of all tasks in submission order.
func (m *Manager) Tasks() []*domain.TaskNode {
	return m.mesh.Tasks()
}

// ReadyTasks returns the ids of unblocked pending tasks in dispatch
// order.
func (m *Manager) ReadyTasks() []domain.TaskID {
	return m.mesh.ReadyTasks()
}

// Dependencies returns the blocking dependencies of a task.
func (m *Manager) Dependencies(id domain.TaskID) []domain.TaskID {
	return m.mesh.Dependencies(id)
}

// Dependents returns the tasks blocked behind a task.
func (m *Manager) Dependents(id domain.TaskID) []domain.TaskID {
	return m.mesh.Dependents(id)
}

// TopologicalOrder returns a deterministic linearization of the mesh.
func (m *Manager) TopologicalOrder() []domain.TaskID {
	return m.mesh.TopologicalOrder()
}

// CriticalPath returns the heaviest blocking chain and its weight.
func (m *Manager) CriticalPath() ([]domain.TaskID, float64) {
	return m.mesh.CriticalPath()
}

// Stats summarizes the mesh.
func (m *Manager) Stats() graph.Statistics {
	return m.mesh.Stats()
}

// BreakerSnapshots reports the state of every circuit breaker.
func (m *Manager) BreakerSnapshots() []resilience.BreakerSnapshot {
	return m.breakers.Snapshots()
}

func (m *Manager) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.runCtx.Done():
			return
		case <-m.wake:
			m.schedulePass()
		case <-ticker.C:
			m.schedulePass()
		}
	}
}

// kick wakes the scheduler without blocking.
func (m *Manager) kick() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// schedulePass promotes unblocked pending tasks to ready, then tries to
// start every ready task in priority order. Tasks that find no capacity
// stay ready for the next pass.
func (m *Manager) schedulePass() {
	for _, id := range m.mesh.ReadyTasks() {
		m.promote(id)
	}

	var ready []*domain.TaskNode
	for _, t := range m.mesh.Tasks() {
		if t.Status == domain.StatusReady {
			ready = append(ready, t)
		}
	}
	sort.SliceStable(ready, func(i, j int) bool {
		return ready[i].Priority > ready[j].Priority
	})

	for _, t := range ready {
		id := t.ID
		if _, loaded := m.launching.LoadOrStore(id, struct{}{}); loaded {
			continue
		}
		m.wg.Add(1)
		go m.runTask(id)
	}
}

// promote moves one pending task to ready. Blockedness is rechecked
// under the task lock so an edge added concurrently is honored.
func (m *Manager) promote(id domain.TaskID) {
	lock := m.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := m.mesh.Task(id)
	if err != nil || task.Status != domain.StatusPending {
		return
	}
	if blocked, err := m.mesh.Blocked(id); err != nil || blocked {
		return
	}
	from, _ := m.mesh.Transition(id, domain.StatusReady)
	m.publish(domain.NewStatusEvent(id, from, domain.StatusReady))
	m.persist(id)
}

// runTask acquires capacity for one ready task, runs it and applies the
// outcome. An acquisition failure leaves the task ready.
func (m *Manager) runTask(id domain.TaskID) {
	defer m.wg.Done()
	defer m.launching.Delete(id)

	task, err := m.mesh.Task(id)
	if err != nil || task.Status != domain.StatusReady {
		return
	}
	groups := m.mesh.ResourceGroups(id)

	backend, release, err := m.dispatcher.Acquire(task, groups)
	if err != nil {
		if !errors.Is(err, domain.ErrNoCapacity) {
			m.logger.Error("dispatch failed",
				zap.String("task_id", id.String()),
				zap.Error(err))
		}
		return
	}
	defer release()

	if !m.transitionIf(id, []domain.TaskStatus{domain.StatusReady}, domain.StatusRunning, "") {
		return
	}
	m.mesh.RecordStart(id, time.Now())

	execCtx, cancelExec := context.WithTimeout(m.runCtx, m.cfg.TaskExecutionTimeout)
	m.cancels.Store(id, cancelExec)
	result, execErr := m.dispatcher.Run(execCtx, backend, task)
	m.cancels.Delete(id)
	cancelExec()

	m.finish(id, backend.Name(), result, execErr, execCtx)
	m.kick()
}

// finish applies the outcome of one execution attempt.
func (m *Manager) finish(id domain.TaskID, backend string, result *domain.TaskResult, execErr error, execCtx context.Context) {
	now := time.Now()

	if execErr == nil {
		m.mesh.RecordFinish(id, now, "")
		if !m.transitionIf(id, []domain.TaskStatus{domain.StatusRunning}, domain.StatusCompleted, "") {
			return
		}
		task, err := m.mesh.Task(id)
		if err != nil {
			return
		}
		m.metrics.RecordTaskCompleted(string(domain.StatusCompleted), task.Metrics.Duration)
		m.logger.Info("task completed",
			zap.String("task_id", id.String()),
			zap.String("backend", backend),
			zap.Duration("duration", task.Metrics.Duration),
			zap.Int("output_keys", len(resultOutput(result))))
		return
	}

	m.mesh.RecordFinish(id, now, execErr.Error())

	// A task that overran its execution budget fails; a cancelled
	// execution context means either an external cancel, which already
	// moved the task to cancelled, or shutdown, where the task goes back
	// to ready so a restart picks it up from storage.
	if execCtx.Err() != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			if m.transitionIf(id, []domain.TaskStatus{domain.StatusRunning}, domain.StatusFailed, "") {
				task, err := m.mesh.Task(id)
				if err != nil {
					return
				}
				m.metrics.RecordTaskCompleted(string(domain.StatusFailed), task.Metrics.Duration)
				m.logger.Error("task timed out",
					zap.String("task_id", id.String()),
					zap.String("backend", backend),
					zap.Duration("timeout", m.cfg.TaskExecutionTimeout))
			}
			return
		}
		if m.transitionIf(id, []domain.TaskStatus{domain.StatusRunning}, domain.StatusReady, domain.EventTypeTaskRequeued) {
			m.metrics.RecordTaskRequeued()
		}
		return
	}

	// An open breaker aborts the attempt without consuming backoff;
	// the task requeues until its attempt budget runs out.
	if errors.Is(execErr, domain.ErrCircuitOpen) {
		task, err := m.mesh.Task(id)
		if err == nil && task.Metrics.RetryCount < task.RetryAttempts {
			m.mesh.IncrementRetry(id)
			if m.transitionIf(id, []domain.TaskStatus{domain.StatusRunning}, domain.StatusReady, domain.EventTypeTaskRequeued) {
				m.metrics.RecordTaskRequeued()
				m.logger.Warn("task requeued, circuit open",
					zap.String("task_id", id.String()),
					zap.Int("requeue_count", task.Metrics.RetryCount+1),
					zap.Error(execErr))
			}
			return
		}
	}

	if !m.transitionIf(id, []domain.TaskStatus{domain.StatusRunning}, domain.StatusFailed, "") {
		return
	}
	task, err := m.mesh.Task(id)
	if err != nil {
		return
	}
	m.metrics.RecordTaskCompleted(string(domain.StatusFailed), task.Metrics.Duration)
	m.logger.Error("task failed",
		zap.String("task_id", id.String()),
		zap.String("backend", backend),
		zap.Error(execErr))
}

// transitionIf moves the task to status to if its current status is in
// from, publishing the transition event under the task lock. eventType
// overrides the default event type when non-empty.
func (m *Manager) transitionIf(id domain.TaskID, from []domain.TaskStatus, to domain.TaskStatus, eventType domain.EventType) bool {
	lock := m.taskLock(id)
	lock.Lock()
	defer lock.Unlock()

	task, err := m.mesh.Task(id)
	if err != nil {
		return false
	}
	allowed := false
	for _, s := range from {
		if task.Status == s {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}

	prev, err := m.mesh.Transition(id, to)
	if err != nil {
		return false
	}
	event := domain.NewStatusEvent(id, prev, to)
	if eventType != "" {
		event.Type = eventType
	}
	m.publish(event)
	m.persist(id)
	return true
}

func (m *Manager) taskLock(id domain.TaskID) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// publish sends one event to the bus. Delivery failures are logged and
// never block a transition.
func (m *Manager) publish(event domain.Event) {
	if err := m.eventBus.Publish(m.runCtx, EventTopic, event); err != nil {
		m.logger.Error("event publish failed",
			zap.String("task_id", event.TaskID.String()),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

// persist saves the current task snapshot. Storage is observational;
// failures are logged and the transition stands.
func (m *Manager) persist(id domain.TaskID) {
	task, err := m.mesh.Task(id)
	if err != nil {
		return
	}
	if err := m.storage.SaveTask(m.runCtx, task); err != nil {
		m.logger.Error("state save failed",
			zap.String("task_id", id.String()),
			zap.Error(err))
	}
}

func resultOutput(result *domain.TaskResult) map[string]interface{} {
	if result == nil {
		return nil
	}
	return result.Output
}
