package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/taskmesh/meshd/pkg/domain"
)

func TestSaveAndGetReturnCopies(t *testing.T) {
	s := NewInMemoryTaskStorage()
	ctx := context.Background()

	task := domain.NewTaskNode("t")
	task.Payload = map[string]interface{}{"key": "v1"}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	// Mutating the original must not leak into the stored snapshot.
	task.Payload["key"] = "v2"
	task.Status = domain.StatusRunning

	stored, err := s.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.Payload["key"] != "v1" {
		t.Fatalf("stored payload mutated: %v", stored.Payload)
	}
	if stored.Status != domain.StatusPending {
		t.Fatalf("stored status mutated: %s", stored.Status)
	}
}

func TestGetUnknownTask(t *testing.T) {
	s := NewInMemoryTaskStorage()
	ghost := domain.NewTaskNode("ghost").ID

	if _, err := s.GetTask(context.Background(), ghost); !errors.Is(err, domain.ErrUnknownTask) {
		t.Fatalf("expected unknown task error, got %v", err)
	}
}

func TestDeleteAndList(t *testing.T) {
	s := NewInMemoryTaskStorage()
	ctx := context.Background()

	a := domain.NewTaskNode("a")
	b := domain.NewTaskNode("b")
	s.SaveTask(ctx, a)
	s.SaveTask(ctx, b)

	if err := s.DeleteTask(ctx, a.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	tasks, err := s.ListTasks(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != b.ID {
		t.Fatalf("unexpected listing: %v", tasks)
	}
}
