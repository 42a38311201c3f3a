// Package storage provides state storage implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and TTL (MVP)
//   - memory: In-memory for testing
package storage
