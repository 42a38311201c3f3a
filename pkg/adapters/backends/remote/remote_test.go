package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/resilience"
	"github.com/taskmesh/meshd/pkg/adapters/metrics/noop"
	"github.com/taskmesh/meshd/pkg/domain"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc, threshold int) *Backend {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		FailureThreshold: threshold,
		OpenTimeout:      time.Minute,
	}, noop.NewCollector(), zap.NewNop())

	return New(Config{
		Name:     "executor",
		Endpoint: server.URL,
	}, breakers, zap.NewNop())
}

func TestExecuteRoundTrip(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req.Name != "deploy" {
			t.Errorf("unexpected task name %q", req.Name)
		}
		json.NewEncoder(w).Encode(response{Output: map[string]interface{}{"ok": true}})
	}, 5)

	task := domain.NewTaskNode("deploy")
	task.Payload = map[string]interface{}{"env": "staging"}

	result, err := b.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	if result.Backend != "executor" {
		t.Fatalf("unexpected backend %s", result.Backend)
	}
	if result.Output["ok"] != true {
		t.Fatalf("unexpected output %v", result.Output)
	}
}

func TestExecuteClientErrorIsPermanent(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
	}, 5)

	_, err := b.Execute(context.Background(), domain.NewTaskNode("t"))
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindRuntime {
		t.Fatalf("expected runtime error for 4xx, got %v", err)
	}
	if domain.IsRecoverable(err) {
		t.Fatal("client errors must not be retried")
	}
}

func TestExecuteServerErrorIsRecoverable(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 5)

	_, err := b.Execute(context.Background(), domain.NewTaskNode("t"))
	var de *domain.Error
	if !errors.As(err, &de) || de.Kind != domain.KindExternal {
		t.Fatalf("expected external error for 5xx, got %v", err)
	}
	if !domain.IsRecoverable(err) {
		t.Fatal("server errors should be retried")
	}
}

func TestExecuteReportedFailureIsRecoverable(t *testing.T) {
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{Error: "executor out of disk"})
	}, 5)

	_, err := b.Execute(context.Background(), domain.NewTaskNode("t"))
	if err == nil || !domain.IsRecoverable(err) {
		t.Fatalf("expected recoverable failure, got %v", err)
	}
}

func TestBreakerShieldsDeadExecutor(t *testing.T) {
	var hits atomic.Int32
	b := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, 2)

	task := domain.NewTaskNode("t")
	for i := 0; i < 2; i++ {
		if _, err := b.Execute(context.Background(), task); err == nil {
			t.Fatal("expected failure")
		}
	}

	// Past the threshold the breaker rejects before the wire.
	if _, err := b.Execute(context.Background(), task); !errors.Is(err, domain.ErrCircuitOpen) {
		t.Fatalf("expected circuit open, got %v", err)
	}
	if hits.Load() != 2 {
		t.Fatalf("open breaker still hit the executor: %d requests", hits.Load())
	}
}
