package memory

import (
	"context"
	"sync"

	"github.com/taskmesh/meshd/pkg/domain"
	"github.com/taskmesh/meshd/pkg/ports"
)

// subscription ties a handler to the context it was registered with.
// Once the context is done the subscription is dead and gets dropped
// on the next publish to its topic.
type subscription struct {
	ctx     context.Context
	handler ports.EventHandler
}

// InMemoryEventBus implements ports.EventBus with in-process handlers.
// Delivery is synchronous so subscribers observe events in publish
// order, which the per-task ordering guarantee depends on. Used in
// tests and single-process deployments.
type InMemoryEventBus struct {
	mu          sync.Mutex
	subscribers map[string][]subscription
}

// NewInMemoryEventBus creates an in-memory event bus.
func NewInMemoryEventBus() *InMemoryEventBus {
	return &InMemoryEventBus{
		subscribers: make(map[string][]subscription),
	}
}

// Publish delivers the event to every live subscriber of the topic in
// subscription order. Subscriptions whose context is done are removed
// instead of delivered to. Handler errors do not stop delivery.
func (e *InMemoryEventBus) Publish(ctx context.Context, topic string, event domain.Event) error {
	e.mu.Lock()
	subs := e.subscribers[topic]
	live := subs[:0]
	for _, s := range subs {
		if s.ctx.Err() != nil {
			continue
		}
		live = append(live, s)
	}
	if len(live) == 0 {
		delete(e.subscribers, topic)
	} else {
		e.subscribers[topic] = live
	}
	handlers := make([]ports.EventHandler, len(live))
	for i, s := range live {
		handlers[i] = s.handler
	}
	e.mu.Unlock()

	for _, handler := range handlers {
		_ = handler(ctx, event)
	}
	return nil
}

// Subscribe registers a handler for the topic until ctx is done or the
// bus closes.
func (e *InMemoryEventBus) Subscribe(ctx context.Context, topic string, handler ports.EventHandler) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers[topic] = append(e.subscribers[topic], subscription{ctx: ctx, handler: handler})
	return nil
}

// Close drops all subscribers.
func (e *InMemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = make(map[string][]subscription)
	return nil
}
