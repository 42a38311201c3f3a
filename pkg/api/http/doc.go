// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Task submission, dependencies and cancellation
//   - Mesh observation (ready set, ordering, critical path, stats)
//   - Circuit breaker snapshots
//   - Health checks
//   - Prometheus metrics
package http
