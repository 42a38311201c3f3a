package resilience

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/taskmesh/meshd/pkg/ports"
)

// Registry owns the circuit breakers of the process, one per named
// external dependency. It is created once, held by the orchestrator, and
// passed to whoever needs a breaker: no ambient global state.
type Registry struct {
	defaults BreakerConfig
	metrics  ports.MetricsCollector
	logger   *zap.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry that hands out breakers with the given
// default configuration.
func NewRegistry(defaults BreakerConfig, metrics ports.MetricsCollector, logger *zap.Logger) *Registry {
	return &Registry{
		defaults: defaults.normalized(),
		metrics:  metrics,
		logger:   logger,
		breakers: make(map[string]*Breaker),
	}
}

// Register creates a breaker for name with an explicit configuration.
// Registering a name twice replaces the old breaker.
func (r *Registry) Register(name string, cfg BreakerConfig) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b := NewBreaker(name, cfg, r.metrics, r.logger)
	r.breakers[name] = b
	return b
}

// Get returns the breaker for name, creating it with the default
// configuration on first use. Breakers live for the process lifetime.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.breakers[name]; ok {
		return b
	}
	b := NewBreaker(name, r.defaults, r.metrics, r.logger)
	r.breakers[name] = b
	return b
}

// Snapshots returns the state of every registered breaker, sorted by
// name for stable output.
func (r *Registry) Snapshots() []BreakerSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]BreakerSnapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
