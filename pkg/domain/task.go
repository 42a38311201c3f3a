package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TaskID uniquely identifies a task for its whole lifetime.
type TaskID = uuid.UUID

// EdgeID uniquely identifies a dependency edge.
type EdgeID = uuid.UUID

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// StatusPending means the task is created but its dependencies are not satisfied.
	StatusPending TaskStatus = "pending"
	// StatusReady means all blocking dependencies are satisfied and the task awaits a dispatch slot.
	StatusReady TaskStatus = "ready"
	// StatusRunning means the task has been handed to an execution backend.
	StatusRunning TaskStatus = "running"
	// StatusCompleted is terminal; the task succeeded and unlocks its dependents.
	StatusCompleted TaskStatus = "completed"
	// StatusFailed is terminal; dependents of a failed task stay pending.
	StatusFailed TaskStatus = "failed"
	// StatusCancelled is terminal; set by an external cancellation request.
	StatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// TaskPriority orders tasks for scheduling tie-breaks.
type TaskPriority int

const (
	PriorityLow      TaskPriority = 1
	PriorityMedium   TaskPriority = 2
	PriorityHigh     TaskPriority = 3
	PriorityCritical TaskPriority = 4
)

func (p TaskPriority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityMedium:
		return "medium"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ParsePriority converts a textual priority into a TaskPriority.
func ParsePriority(s string) (TaskPriority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "medium", "":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	}
	return 0, fmt.Errorf("unknown priority: %q", s)
}

// ExecutionType tags the preferred backend category for a task.
type ExecutionType string

const (
	ExecutionLocal     ExecutionType = "local"
	ExecutionRemote    ExecutionType = "remote"
	ExecutionSimulated ExecutionType = "simulated"
)

// TaskMetrics records execution measurements. Written only by the
// orchestrator during status transitions.
type TaskMetrics struct {
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration"`
	RetryCount  int           `json:"retry_count"`
	LastError   string        `json:"last_error,omitempty"`
}

// TaskNode is a node of the task mesh. It is owned exclusively by the
// graph; other components reference it by ID and work on snapshots.
type TaskNode struct {
	ID            TaskID                 `json:"id"`
	Name          string                 `json:"name"`
	Description   string                 `json:"description,omitempty"`
	Status        TaskStatus             `json:"status"`
	Priority      TaskPriority           `json:"priority"`
	ExecutionType ExecutionType          `json:"execution_type"`
	ResourceTags  []string               `json:"resource_tags,omitempty"`
	RetryAttempts int                    `json:"retry_attempts"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Metrics       TaskMetrics            `json:"metrics"`
}

// NewTaskNode creates a pending task with default priority and the
// in-process execution type.
func NewTaskNode(name string) *TaskNode {
	now := time.Now()
	return &TaskNode{
		ID:            uuid.New(),
		Name:          name,
		Status:        StatusPending,
		Priority:      PriorityMedium,
		ExecutionType: ExecutionLocal,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep copy of the node, safe to hand across goroutines.
func (t *TaskNode) Clone() *TaskNode {
	cp := *t
	if t.ResourceTags != nil {
		cp.ResourceTags = append([]string(nil), t.ResourceTags...)
	}
	if t.Payload != nil {
		cp.Payload = make(map[string]interface{}, len(t.Payload))
		for k, v := range t.Payload {
			cp.Payload[k] = v
		}
	}
	return &cp
}

// DependencyType classifies a dependency edge.
type DependencyType string

const (
	// DependencyHard blocks the target until the source completes.
	DependencyHard DependencyType = "hard"
	// DependencySoft is an advisory ordering hint; it never blocks.
	DependencySoft DependencyType = "soft"
	// DependencyResource marks mutual exclusion on a shared resource.
	DependencyResource DependencyType = "resource"
	// DependencyData implies an output/input binding; blocking like hard.
	DependencyData DependencyType = "data"
)

// Blocking reports whether the edge participates in readiness and cycle
// checks. Soft and resource edges are advisory only.
func (d DependencyType) Blocking() bool {
	return d == DependencyHard || d == DependencyData
}

// ParseDependencyType converts a textual dependency type.
func ParseDependencyType(s string) (DependencyType, error) {
	switch s {
	case "hard", "":
		return DependencyHard, nil
	case "soft":
		return DependencySoft, nil
	case "resource":
		return DependencyResource, nil
	case "data":
		return DependencyData, nil
	}
	return "", fmt.Errorf("unknown dependency type: %q", s)
}

// DependencyEdge connects two tasks: the target depends on the source.
type DependencyEdge struct {
	ID        EdgeID         `json:"id"`
	Source    TaskID         `json:"source"`
	Target    TaskID         `json:"target"`
	Type      DependencyType `json:"type"`
	Weight    float64        `json:"weight"`
	CreatedAt time.Time      `json:"created_at"`
}

// TaskResult is what a backend returns for a successful execution.
type TaskResult struct {
	TaskID      TaskID                 `json:"task_id"`
	Backend     string                 `json:"backend"`
	Output      map[string]interface{} `json:"output,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	CompletedAt time.Time              `json:"completed_at"`
}
