package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors returned by the graph, dispatcher and breakers.
var (
	// ErrCycleDetected is returned when an edge would close a cycle over
	// blocking edges. It is a validation error, never logged as a defect.
	ErrCycleDetected = errors.New("dependency would create a cycle")
	// ErrUnknownTask is returned when an operation references a task id
	// that is not in the graph.
	ErrUnknownTask = errors.New("unknown task")
	// ErrCircuitOpen is returned without calling the dependency while its
	// circuit breaker is open or a half-open probe is already in flight.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrNoCapacity means no backend had a spare slot; the task stays queued.
	ErrNoCapacity = errors.New("no backend capacity available")
)

// ErrorKind classifies an error for recovery decisions.
type ErrorKind string

const (
	// KindValidation covers malformed input; never retried.
	KindValidation ErrorKind = "validation"
	// KindRuntime covers failures inside the orchestrator's own logic.
	KindRuntime ErrorKind = "runtime"
	// KindExternal covers backend and remote dependency failures;
	// recoverable by default.
	KindExternal ErrorKind = "external"
	// KindPanic covers recovered panics; never retried.
	KindPanic ErrorKind = "panic"
)

// MetaPair is one ordered metadata entry of an ErrorContext.
type MetaPair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ErrorContext carries the call-site context of an error. Values are
// immutable once constructed; With* methods return extended copies.
type ErrorContext struct {
	Operation string     `json:"operation"`
	Component string     `json:"component"`
	Timestamp time.Time  `json:"timestamp"`
	Metadata  []MetaPair `json:"metadata,omitempty"`
	TraceID   string     `json:"trace_id"`
	SpanID    string     `json:"span_id,omitempty"`
	UserID    string     `json:"user_id,omitempty"`
	RequestID string     `json:"request_id,omitempty"`
}

// NewErrorContext creates a context with a fresh trace id.
func NewErrorContext(operation, component string) ErrorContext {
	return ErrorContext{
		Operation: operation,
		Component: component,
		Timestamp: time.Now(),
		TraceID:   uuid.New().String(),
	}
}

// WithMetadata returns a copy with one more metadata pair appended.
func (c ErrorContext) WithMetadata(key, value string) ErrorContext {
	meta := make([]MetaPair, len(c.Metadata), len(c.Metadata)+1)
	copy(meta, c.Metadata)
	c.Metadata = append(meta, MetaPair{Key: key, Value: value})
	return c
}

// WithTrace returns a copy bound to an existing trace.
func (c ErrorContext) WithTrace(traceID, spanID string) ErrorContext {
	c.TraceID = traceID
	c.SpanID = spanID
	return c
}

// WithRequest returns a copy carrying the request id.
func (c ErrorContext) WithRequest(requestID string) ErrorContext {
	c.RequestID = requestID
	return c
}

// WithUser returns a copy carrying the user id.
func (c ErrorContext) WithUser(userID string) ErrorContext {
	c.UserID = userID
	return c
}

// Error is the orchestrator's classified error. It wraps an underlying
// cause and carries the context of the call chain that produced it.
type Error struct {
	Kind        ErrorKind
	Message     string
	Context     ErrorContext
	Err         error
	recoverable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s error in %s.%s: %s: %v",
			e.Kind, e.Context.Component, e.Context.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("%s error in %s.%s: %s",
		e.Kind, e.Context.Component, e.Context.Operation, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Recoverable reports whether retrying the failed operation may succeed.
func (e *Error) Recoverable() bool { return e.recoverable }

// NewValidationError builds a non-recoverable validation error.
func NewValidationError(ctx ErrorContext, message string) *Error {
	return &Error{Kind: KindValidation, Message: message, Context: ctx}
}

// NewRuntimeError builds a runtime error. Runtime errors are fatal to the
// affected task unless the failing component marks them recoverable.
func NewRuntimeError(ctx ErrorContext, message string, err error) *Error {
	return &Error{Kind: KindRuntime, Message: message, Context: ctx, Err: err}
}

// NewExternalError wraps a backend or remote dependency failure.
// External errors are recoverable by default.
func NewExternalError(ctx ErrorContext, message string, err error) *Error {
	return &Error{Kind: KindExternal, Message: message, Context: ctx, Err: err, recoverable: true}
}

// NewPanicError wraps a recovered panic. Never retried.
func NewPanicError(ctx ErrorContext, recovered interface{}) *Error {
	return &Error{
		Kind:    KindPanic,
		Message: fmt.Sprintf("recovered panic: %v", recovered),
		Context: ctx,
	}
}

// MarkRecoverable returns a copy explicitly flagged as retryable.
func (e *Error) MarkRecoverable() *Error {
	cp := *e
	cp.recoverable = true
	return &cp
}

// IsRecoverable decides whether an error is worth retrying. Classified
// errors answer for themselves; sentinels from the graph and breakers are
// terminal for the attempt loop; anything else came from an external
// collaborator and is treated as transient.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCycleDetected) || errors.Is(err, ErrUnknownTask) || errors.Is(err, ErrCircuitOpen) {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Recoverable()
	}
	return true
}
