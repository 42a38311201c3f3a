package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventTypeTaskSubmitted EventType = "task.submitted"
	EventTypeTaskReady     EventType = "task.ready"
	EventTypeTaskStarted   EventType = "task.started"
	EventTypeTaskCompleted EventType = "task.completed"
	EventTypeTaskFailed    EventType = "task.failed"
	EventTypeTaskCancelled EventType = "task.cancelled"
	EventTypeTaskRequeued  EventType = "task.requeued"
)

// Event is one lifecycle transition published to external collaborators.
// Delivery is at-least-once; ordering is guaranteed per task only.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	TaskID    TaskID                 `json:"task_id"`
	From      TaskStatus             `json:"from_status,omitempty"`
	To        TaskStatus             `json:"to_status"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// NewStatusEvent builds the event for a status transition.
func NewStatusEvent(taskID TaskID, from, to TaskStatus) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventTypeFor(to),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Timestamp: time.Now(),
	}
}

func eventTypeFor(to TaskStatus) EventType {
	switch to {
	case StatusPending:
		return EventTypeTaskSubmitted
	case StatusReady:
		return EventTypeTaskReady
	case StatusRunning:
		return EventTypeTaskStarted
	case StatusCompleted:
		return EventTypeTaskCompleted
	case StatusFailed:
		return EventTypeTaskFailed
	case StatusCancelled:
		return EventTypeTaskCancelled
	}
	return EventTypeTaskSubmitted
}
