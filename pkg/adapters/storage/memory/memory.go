package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/taskmesh/meshd/pkg/domain"
)

// InMemoryTaskStorage implements ports.StateStorage with a map.
// This is for testing and single-process deployments.
type InMemoryTaskStorage struct {
	mu    sync.RWMutex
	tasks map[domain.TaskID]*domain.TaskNode
}

// NewInMemoryTaskStorage creates an in-memory task storage.
func NewInMemoryTaskStorage() *InMemoryTaskStorage {
	return &InMemoryTaskStorage{
		tasks: make(map[domain.TaskID]*domain.TaskNode),
	}
}

// SaveTask stores a copy of the task snapshot.
func (s *InMemoryTaskStorage) SaveTask(ctx context.Context, task *domain.TaskNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetTask retrieves a copy of the stored snapshot.
func (s *InMemoryTaskStorage) GetTask(ctx context.Context, id domain.TaskID) (*domain.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
	}
	return task.Clone(), nil
}

// DeleteTask removes a stored snapshot.
func (s *InMemoryTaskStorage) DeleteTask(ctx context.Context, id domain.TaskID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.tasks, id)
	return nil
}

// ListTasks returns copies of every stored snapshot.
func (s *InMemoryTaskStorage) ListTasks(ctx context.Context) ([]*domain.TaskNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*domain.TaskNode, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task.Clone())
	}
	return tasks, nil
}
