package ports

import (
	"context"
	"time"

	"github.com/taskmesh/meshd/pkg/domain"
)

// EventHandler processes one event delivered by an EventBus.
type EventHandler func(ctx context.Context, event domain.Event) error

// EventBus publishes lifecycle events to external collaborators.
// Implementations must deliver at-least-once and preserve publish order
// within a single topic partition (per task in practice).
type EventBus interface {
	Publish(ctx context.Context, topic string, event domain.Event) error
	Subscribe(ctx context.Context, topic string, handler EventHandler) error
	Close() error
}

// StateStorage persists task snapshots so excluded collaborators can
// observe state without touching the live graph.
type StateStorage interface {
	SaveTask(ctx context.Context, task *domain.TaskNode) error
	GetTask(ctx context.Context, id domain.TaskID) (*domain.TaskNode, error)
	DeleteTask(ctx context.Context, id domain.TaskID) error
	ListTasks(ctx context.Context) ([]*domain.TaskNode, error)
}

// MetricsCollector receives counters and timings from the core. The core
// never blocks on it.
type MetricsCollector interface {
	RecordTaskSubmitted(status string)
	RecordTaskCompleted(status string, duration time.Duration)
	RecordTaskRequeued()
	RecordRetryAttempt()
	RecordRetrySuccess()
	RecordRetryFailure()
	RecordBreakerTransition(name, state string)
	RecordBreakerRejection(name string)
	SetTasksInFlight(count int)
	RecordWorkerPoolStatus(idle, busy, stopped int)
}

// TaskRunner is the unit of work a backend executes for a task.
type TaskRunner func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error)

// Backend executes tasks. Implementations are registered with the
// dispatcher and report their own capacity; Execute must honor context
// cancellation best-effort.
type Backend interface {
	Name() string
	Type() domain.ExecutionType
	Capacity() int
	InFlight() int
	Execute(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error)
}
