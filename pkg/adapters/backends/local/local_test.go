package local

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/adapters/metrics/noop"
	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

func startBackend(t *testing.T, runner ports.TaskRunner) *Backend {
	t.Helper()
	b := New(Config{PoolSize: 2, HealthCheckInterval: time.Hour}, runner, noop.NewCollector(), zap.NewNop())
	if err := b.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := b.Shutdown(ctx); err != nil {
			t.Errorf("shutdown failed: %v", err)
		}
	})
	return b
}

func TestExecuteRunsTask(t *testing.T) {
	b := startBackend(t, func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		return map[string]interface{}{"echo": task.Name}, nil
	})

	task := domain.NewTaskNode("hello")
	result, err := b.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Backend != "local" {
		t.Fatalf("unexpected backend %s", result.Backend)
	}
	if result.Output["echo"] != "hello" {
		t.Fatalf("unexpected output %v", result.Output)
	}
}

func TestExecutePropagatesRunnerError(t *testing.T) {
	boom := errors.New("runner broke")
	b := startBackend(t, func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		return nil, boom
	})

	if _, err := b.Execute(context.Background(), domain.NewTaskNode("t")); !errors.Is(err, boom) {
		t.Fatalf("expected runner error, got %v", err)
	}
}

func TestExecuteContainsPanics(t *testing.T) {
	b := startBackend(t, func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		panic("payload exploded")
	})

	_, err := b.Execute(context.Background(), domain.NewTaskNode("t"))
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindPanic {
		t.Fatalf("expected panic error, got %v", err)
	}
	if domain.IsRecoverable(err) {
		t.Fatal("panics must not be retried")
	}

	// The worker survives and takes the next task.
	for id, status := range b.WorkerStatuses() {
		if status == WorkerStatusStopped {
			t.Fatalf("worker %s stopped after panic", id)
		}
	}
}

func TestExecuteHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := startBackend(t, func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		<-release
		return nil, nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	if _, err := b.Execute(ctx, domain.NewTaskNode("t")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
}

func TestHealthReportsBusyPool(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	b := startBackend(t, func(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
		<-release
		return nil, nil
	})

	if !b.Health().IsHealthy() {
		t.Fatal("idle pool should be healthy")
	}

	for i := 0; i < 2; i++ {
		go b.Execute(context.Background(), domain.NewTaskNode("t"))
	}
	deadline := time.Now().Add(2 * time.Second)
	for b.InFlight() < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if b.InFlight() != 2 {
		t.Fatalf("expected 2 in flight, got %d", b.InFlight())
	}
}
