package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/domain"
)

// TaskStorage implements ports.StateStorage on Redis. Snapshots expire
// after the configured TTL, so storage never grows with dead tasks.
type TaskStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewTaskStorage creates a Redis task storage.
func NewTaskStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *TaskStorage {
	return &TaskStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// SaveTask persists a task snapshot with the configured TTL.
func (s *TaskStorage) SaveTask(ctx context.Context, task *domain.TaskNode) error {
	key := getTaskKey(task.ID)

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save task: %w", err)
	}

	s.logger.Debug("task saved",
		zap.String("task_id", task.ID.String()),
		zap.String("status", string(task.Status)))
	return nil
}

// GetTask retrieves a task snapshot.
func (s *TaskStorage) GetTask(ctx context.Context, id domain.TaskID) (*domain.TaskNode, error) {
	key := getTaskKey(id)

	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrUnknownTask)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var task domain.TaskNode
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	return &task, nil
}

// DeleteTask removes a task snapshot.
func (s *TaskStorage) DeleteTask(ctx context.Context, id domain.TaskID) error {
	if err := s.client.Del(ctx, getTaskKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	s.logger.Debug("task deleted", zap.String("task_id", id.String()))
	return nil
}

// ListTasks returns every stored task snapshot.
func (s *TaskStorage) ListTasks(ctx context.Context) ([]*domain.TaskNode, error) {
	pattern := "meshd:task:*"

	var cursor uint64
	var keys []string
	for {
		var batch []string
		var err error
		batch, cursor, err = s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}
		keys = append(keys, batch...)
		if cursor == 0 {
			break
		}
	}

	tasks := make([]*domain.TaskNode, 0, len(keys))
	for _, key := range keys {
		data, err := s.client.Get(ctx, key).Bytes()
		if err != nil {
			// Key expired between scan and get.
			continue
		}
		var task domain.TaskNode
		if err := json.Unmarshal(data, &task); err != nil {
			s.logger.Warn("skipping unreadable task snapshot",
				zap.String("key", key),
				zap.Error(err))
			continue
		}
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

func getTaskKey(id domain.TaskID) string {
	return fmt.Sprintf("meshd:task:%s", id)
}
