// Package ports defines the contracts between the orchestration core and
// its adapters: event bus, state storage, metrics collector and execution
// backends. Excluded subsystems integrate through these interfaces only.
package ports
