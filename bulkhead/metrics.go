/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package bulkhead

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how a Bulkhead is used.
// Collectors must never block: they are called from the admission and completion paths.
type MetricsCollector interface {
	// SetActiveTasks sets the current number of running tasks.
	SetActiveTasks(int)

	// SetQueuedTasks sets the current number of tasks waiting for a slot.
	SetQueuedTasks(int)

	// IncExecutedTasks increments the total number of executed tasks.
	IncExecutedTasks()

	// IncRejectedTasks increments the total number of tasks rejected because the queue was full.
	IncRejectedTasks()

	// IncTimedOutTasks increments the total number of tasks that timed out in the queue.
	IncTimedOutTasks()

	// ObserveExecutionTime observes the duration of a single task execution.
	ObserveExecutionTime(time.Duration)

	// ObserveWaitTime observes how long a queued task waited for a slot before being granted one.
	ObserveWaitTime(time.Duration)
}

// PrometheusMetricsOpts represents options for PrometheusMetrics.
type PrometheusMetricsOpts struct {
	// Namespace is a namespace for metrics. It will be prepended to all metric names.
	Namespace string

	// ConstLabels is a set of labels that will be applied to all metrics.
	ConstLabels prometheus.Labels

	// CurriedLabelNames is a list of label names that will be curried with the provided labels.
	// See PrometheusMetrics.MustCurryWith method for more details.
	// Keep in mind that if this list is not empty,
	// PrometheusMetrics.MustCurryWith method must be called further with the same labels.
	// Otherwise, the collector will panic.
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for a Bulkhead.
type PrometheusMetrics struct {
	ActiveTasks   *prometheus.GaugeVec
	QueuedTasks   *prometheus.GaugeVec
	ExecutedTotal *prometheus.CounterVec
	RejectedTotal *prometheus.CounterVec
	TimeoutsTotal *prometheus.CounterVec
	ExecutionTime *prometheus.HistogramVec
	WaitTime      *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	activeTasks := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_active_tasks",
			Help:        "Current number of running tasks.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	queuedTasks := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_queued_tasks",
			Help:        "Current number of tasks waiting for an execution slot.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	executedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_executed_tasks_total",
			Help:        "Number of tasks that were executed (successfully or not).",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_rejected_tasks_total",
			Help:        "Number of tasks rejected because the queue was full.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	timeoutsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_queue_timeouts_total",
			Help:        "Number of tasks that timed out waiting in the queue.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	executionTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_task_execution_duration_seconds",
			Help:        "Task execution time in seconds.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		},
		opts.CurriedLabelNames,
	)

	waitTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "bulkhead_task_wait_duration_seconds",
			Help:        "Time in seconds a queued task waited before being granted a slot.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		ActiveTasks:   activeTasks,
		QueuedTasks:   queuedTasks,
		ExecutedTotal: executedTotal,
		RejectedTotal: rejectedTotal,
		TimeoutsTotal: timeoutsTotal,
		ExecutionTime: executionTime,
		WaitTime:      waitTime,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		ActiveTasks:   pm.ActiveTasks.MustCurryWith(labels),
		QueuedTasks:   pm.QueuedTasks.MustCurryWith(labels),
		ExecutedTotal: pm.ExecutedTotal.MustCurryWith(labels),
		RejectedTotal: pm.RejectedTotal.MustCurryWith(labels),
		TimeoutsTotal: pm.TimeoutsTotal.MustCurryWith(labels),
		ExecutionTime: pm.ExecutionTime.MustCurryWith(labels).(*prometheus.HistogramVec),
		WaitTime:      pm.WaitTime.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.ActiveTasks,
		pm.QueuedTasks,
		pm.ExecutedTotal,
		pm.RejectedTotal,
		pm.TimeoutsTotal,
		pm.ExecutionTime,
		pm.WaitTime,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.ActiveTasks)
	prometheus.Unregister(pm.QueuedTasks)
	prometheus.Unregister(pm.ExecutedTotal)
	prometheus.Unregister(pm.RejectedTotal)
	prometheus.Unregister(pm.TimeoutsTotal)
	prometheus.Unregister(pm.ExecutionTime)
	prometheus.Unregister(pm.WaitTime)
}

// SetActiveTasks sets the current number of running tasks.
func (pm *PrometheusMetrics) SetActiveTasks(n int) {
	pm.ActiveTasks.With(nil).Set(float64(n))
}

// SetQueuedTasks sets the current number of tasks waiting for a slot.
func (pm *PrometheusMetrics) SetQueuedTasks(n int) {
	pm.QueuedTasks.With(nil).Set(float64(n))
}

// IncExecutedTasks increments the total number of executed tasks.
func (pm *PrometheusMetrics) IncExecutedTasks() {
	pm.ExecutedTotal.With(nil).Inc()
}

// IncRejectedTasks increments the total number of rejected tasks.
func (pm *PrometheusMetrics) IncRejectedTasks() {
	pm.RejectedTotal.With(nil).Inc()
}

// IncTimedOutTasks increments the total number of timed out tasks.
func (pm *PrometheusMetrics) IncTimedOutTasks() {
	pm.TimeoutsTotal.With(nil).Inc()
}

// ObserveExecutionTime observes the duration of a single task execution.
func (pm *PrometheusMetrics) ObserveExecutionTime(d time.Duration) {
	pm.ExecutionTime.With(nil).Observe(d.Seconds())
}

// ObserveWaitTime observes how long a queued task waited for a slot.
func (pm *PrometheusMetrics) ObserveWaitTime(d time.Duration) {
	pm.WaitTime.With(nil).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetActiveTasks(int)                 {}
func (disabledMetrics) SetQueuedTasks(int)                 {}
func (disabledMetrics) IncExecutedTasks()                  {}
func (disabledMetrics) IncRejectedTasks()                  {}
func (disabledMetrics) IncTimedOutTasks()                  {}
func (disabledMetrics) ObserveExecutionTime(time.Duration) {}
func (disabledMetrics) ObserveWaitTime(time.Duration)      {}

var disabledMetricsCollector = disabledMetrics{}
