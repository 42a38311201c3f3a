// Package domain holds the core types of the task mesh: task nodes,
// dependency edges, lifecycle statuses, lifecycle events and the error
// taxonomy shared by every layer of the orchestrator.
package domain
