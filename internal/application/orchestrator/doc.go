// Package orchestrator drives the task lifecycle: it validates
// submissions, promotes tasks whose dependencies are satisfied, hands
// them to the dispatcher and applies the outcome. It is the single
// writer of task status.
package orchestrator
