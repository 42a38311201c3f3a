// Package noop provides a metrics collector that discards everything.
// Used in tests and when metrics are disabled.
package noop

import "time"

// Collector implements ports.MetricsCollector and records nothing.
type Collector struct{}

// NewCollector returns a discarding collector.
func NewCollector() *Collector { return &Collector{} }

func (Collector) RecordTaskSubmitted(status string)                         {}
func (Collector) RecordTaskCompleted(status string, duration time.Duration) {}
func (Collector) RecordTaskRequeued()                                       {}
func (Collector) RecordRetryAttempt()                                       {}
func (Collector) RecordRetrySuccess()                                       {}
func (Collector) RecordRetryFailure()                                       {}
func (Collector) RecordBreakerTransition(name, state string)                {}
func (Collector) RecordBreakerRejection(name string)                        {}
func (Collector) SetTasksInFlight(count int)                                {}
func (Collector) RecordWorkerPoolStatus(idle, busy, stopped int)            {}
