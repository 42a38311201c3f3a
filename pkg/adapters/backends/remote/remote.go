package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/internal/application/resilience"
	"github.com/taskmesh/meshd/pkg/domain"
)

// Config describes one remote execution endpoint.
type Config struct {
	// Name identifies the backend and its circuit breaker.
	Name string
	// Endpoint receives task execution requests via POST.
	Endpoint string
	// MaxConcurrent bounds in-flight requests to the endpoint.
	MaxConcurrent int
	// RequestTimeout bounds one HTTP round trip.
	RequestTimeout time.Duration
}

func (c Config) normalized() Config {
	if c.Name == "" {
		c.Name = "remote"
	}
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 8
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	return c
}

// request is the wire format sent to the remote executor.
type request struct {
	TaskID        string                 `json:"task_id"`
	Name          string                 `json:"name"`
	ExecutionType string                 `json:"execution_type"`
	Payload       map[string]interface{} `json:"payload,omitempty"`
}

// response is the wire format returned by the remote executor.
type response struct {
	Output map[string]interface{} `json:"output,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// Backend forwards tasks to a remote executor over HTTP. Every call
// goes through the endpoint's circuit breaker, so a dead executor is
// rejected fast instead of timing out for each task.
type Backend struct {
	cfg      Config
	client   *http.Client
	breaker  *resilience.Breaker
	logger   *zap.Logger
	inFlight atomic.Int32
}

// New creates a remote backend. Its breaker is drawn from the registry
// under the backend name.
func New(cfg Config, breakers *resilience.Registry, logger *zap.Logger) *Backend {
	cfg = cfg.normalized()
	return &Backend{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breakers.Get(cfg.Name),
		logger:  logger,
	}
}

// Name implements ports.Backend.
func (b *Backend) Name() string { return b.cfg.Name }

// Type implements ports.Backend.
func (b *Backend) Type() domain.ExecutionType { return domain.ExecutionRemote }

// Capacity implements ports.Backend.
func (b *Backend) Capacity() int { return b.cfg.MaxConcurrent }

// InFlight implements ports.Backend.
func (b *Backend) InFlight() int { return int(b.inFlight.Load()) }

// Execute implements ports.Backend.
func (b *Backend) Execute(ctx context.Context, task *domain.TaskNode) (*domain.TaskResult, error) {
	b.inFlight.Add(1)
	defer b.inFlight.Add(-1)

	startedAt := time.Now()
	var output map[string]interface{}

	err := b.breaker.Call(ctx, func(ctx context.Context) error {
		out, callErr := b.post(ctx, task)
		if callErr != nil {
			return callErr
		}
		output = out
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &domain.TaskResult{
		TaskID:      task.ID,
		Backend:     b.cfg.Name,
		Output:      output,
		StartedAt:   startedAt,
		CompletedAt: time.Now(),
	}, nil
}

func (b *Backend) post(ctx context.Context, task *domain.TaskNode) (map[string]interface{}, error) {
	errCtx := domain.NewErrorContext("post", "remote").
		WithMetadata("backend", b.cfg.Name).
		WithMetadata("task_id", task.ID.String())

	body, err := json.Marshal(request{
		TaskID:        task.ID.String(),
		Name:          task.Name,
		ExecutionType: string(task.ExecutionType),
		Payload:       task.Payload,
	})
	if err != nil {
		return nil, domain.NewRuntimeError(errCtx, "encode request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewRuntimeError(errCtx, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, domain.NewExternalError(errCtx, "executor unreachable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, domain.NewExternalError(errCtx, "read response", err)
	}

	if resp.StatusCode != http.StatusOK {
		b.logger.Warn("remote executor rejected task",
			zap.String("backend", b.cfg.Name),
			zap.String("task_id", task.ID.String()),
			zap.Int("status", resp.StatusCode))
		external := domain.NewExternalError(errCtx.WithMetadata("status", resp.Status),
			"executor returned non-200", fmt.Errorf("status %d", resp.StatusCode))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			// Client errors do not heal on retry.
			return nil, domain.NewRuntimeError(errCtx, "executor rejected request",
				fmt.Errorf("status %d", resp.StatusCode))
		}
		return nil, external
	}

	var decoded response
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, domain.NewExternalError(errCtx, "decode response", err)
	}
	if decoded.Error != "" {
		return nil, domain.NewExternalError(errCtx, "executor reported failure",
			fmt.Errorf("%s", decoded.Error))
	}
	return decoded.Output, nil
}
