// Package resilience protects the orchestrator from unreliable
// dependencies: a retry manager with exponential backoff and jitter, and
// per-dependency circuit breakers kept in an explicitly owned registry.
package resilience
