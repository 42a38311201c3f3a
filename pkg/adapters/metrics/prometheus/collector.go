package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector implements ports.MetricsCollector on Prometheus.
type Collector struct {
	tasksSubmitted     *prometheus.CounterVec
	tasksCompleted     *prometheus.CounterVec
	tasksRequeued      prometheus.Counter
	taskDuration       *prometheus.HistogramVec
	tasksInFlight      prometheus.Gauge
	retryAttempts      prometheus.Counter
	retrySuccesses     prometheus.Counter
	retryFailures      prometheus.Counter
	breakerTransitions *prometheus.CounterVec
	breakerRejections  *prometheus.CounterVec
	workerPoolIdle     prometheus.Gauge
	workerPoolBusy     prometheus.Gauge
	workerPoolStopped  prometheus.Gauge
}

// NewCollector registers the collector on the default registerer.
func NewCollector() *Collector {
	return NewCollectorWith(prometheus.DefaultRegisterer)
}

// NewCollectorWith registers the collector on reg. Tests pass their own
// registry so parallel packages never collide.
func NewCollectorWith(reg prometheus.Registerer) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		tasksSubmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshd_tasks_submitted_total",
				Help: "Total number of task submissions",
			},
			[]string{"status"},
		),
		tasksCompleted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshd_tasks_completed_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"status"},
		),
		tasksRequeued: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meshd_tasks_requeued_total",
				Help: "Total number of running tasks sent back to ready",
			},
		),
		taskDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meshd_task_duration_seconds",
				Help:    "Task execution duration in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"status"},
		),
		tasksInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshd_tasks_in_flight",
				Help: "Number of tasks currently executing",
			},
		),
		retryAttempts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meshd_retry_attempts_total",
				Help: "Total number of execution attempts",
			},
		),
		retrySuccesses: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meshd_retry_successes_total",
				Help: "Total number of operations that succeeded after retrying",
			},
		),
		retryFailures: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "meshd_retry_failures_total",
				Help: "Total number of operations that exhausted their retries",
			},
		),
		breakerTransitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshd_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"breaker", "state"},
		),
		breakerRejections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meshd_breaker_rejections_total",
				Help: "Calls rejected by an open circuit breaker",
			},
			[]string{"breaker"},
		),
		workerPoolIdle: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshd_worker_pool_idle",
				Help: "Number of idle workers",
			},
		),
		workerPoolBusy: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshd_worker_pool_busy",
				Help: "Number of busy workers",
			},
		),
		workerPoolStopped: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "meshd_worker_pool_stopped",
				Help: "Number of stopped workers",
			},
		),
	}
}

// RecordTaskSubmitted records one submission and whether it was accepted.
func (c *Collector) RecordTaskSubmitted(status string) {
	c.tasksSubmitted.WithLabelValues(status).Inc()
}

// RecordTaskCompleted records a terminal transition with its duration.
func (c *Collector) RecordTaskCompleted(status string, duration time.Duration) {
	c.tasksCompleted.WithLabelValues(status).Inc()
	c.taskDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordTaskRequeued records a running task going back to ready.
func (c *Collector) RecordTaskRequeued() {
	c.tasksRequeued.Inc()
}

// RecordRetryAttempt counts one execution attempt.
func (c *Collector) RecordRetryAttempt() {
	c.retryAttempts.Inc()
}

// RecordRetrySuccess counts an operation that recovered by retrying.
func (c *Collector) RecordRetrySuccess() {
	c.retrySuccesses.Inc()
}

// RecordRetryFailure counts an operation that ran out of attempts.
func (c *Collector) RecordRetryFailure() {
	c.retryFailures.Inc()
}

// RecordBreakerTransition counts one breaker state change.
func (c *Collector) RecordBreakerTransition(name, state string) {
	c.breakerTransitions.WithLabelValues(name, state).Inc()
}

// RecordBreakerRejection counts one call rejected by an open breaker.
func (c *Collector) RecordBreakerRejection(name string) {
	c.breakerRejections.WithLabelValues(name).Inc()
}

// SetTasksInFlight sets the current number of executing tasks.
func (c *Collector) SetTasksInFlight(count int) {
	c.tasksInFlight.Set(float64(count))
}

// RecordWorkerPoolStatus records worker pool occupancy.
func (c *Collector) RecordWorkerPoolStatus(idle, busy, stopped int) {
	c.workerPoolIdle.Set(float64(idle))
	c.workerPoolBusy.Set(float64(busy))
	c.workerPoolStopped.Set(float64(stopped))
}
