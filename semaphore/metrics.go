/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package semaphore

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector represents a collector of metrics to analyze how a Semaphore is used.
// Collectors must never block: they are called from the acquire and release paths.
type MetricsCollector interface {
	// SetAvailablePermits sets the current number of available permits.
	SetAvailablePermits(int)

	// IncAcquired increments the total number of acquired permits.
	IncAcquired()

	// IncTimeouts increments the total number of timed out acquisitions.
	IncTimeouts()

	// ObserveWaitTime observes how long a waiter waited for a permit.
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
	CurriedLabelNames []string
}

// PrometheusMetrics represents Prometheus metrics for a Semaphore.
type PrometheusMetrics struct {
	AvailablePermits *prometheus.GaugeVec
	AcquiredTotal    *prometheus.CounterVec
	TimeoutsTotal    *prometheus.CounterVec
	WaitTime         *prometheus.HistogramVec
}

// NewPrometheusMetrics creates a new instance of PrometheusMetrics with default options.
func NewPrometheusMetrics() *PrometheusMetrics {
	return NewPrometheusMetricsWithOpts(PrometheusMetricsOpts{})
}

// NewPrometheusMetricsWithOpts creates a new instance of PrometheusMetrics with the provided options.
func NewPrometheusMetricsWithOpts(opts PrometheusMetricsOpts) *PrometheusMetrics {
	availablePermits := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   opts.Namespace,
			Name:        "semaphore_available_permits",
			Help:        "Current number of available permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	acquiredTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "semaphore_acquired_permits_total",
			Help:        "Number of successfully acquired permits.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	timeoutsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Name:        "semaphore_acquire_timeouts_total",
			Help:        "Number of permit acquisitions that timed out.",
			ConstLabels: opts.ConstLabels,
		},
		opts.CurriedLabelNames,
	)

	waitTime := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   opts.Namespace,
			Name:        "semaphore_wait_duration_seconds",
			Help:        "Time in seconds a waiter waited for a permit.",
			ConstLabels: opts.ConstLabels,
			Buckets:     prometheus.DefBuckets,
		},
		opts.CurriedLabelNames,
	)

	return &PrometheusMetrics{
		AvailablePermits: availablePermits,
		AcquiredTotal:    acquiredTotal,
		TimeoutsTotal:    timeoutsTotal,
		WaitTime:         waitTime,
	}
}

// MustCurryWith curries the metrics collector with the provided labels.
func (pm *PrometheusMetrics) MustCurryWith(labels prometheus.Labels) *PrometheusMetrics {
	return &PrometheusMetrics{
		AvailablePermits: pm.AvailablePermits.MustCurryWith(labels),
		AcquiredTotal:    pm.AcquiredTotal.MustCurryWith(labels),
		TimeoutsTotal:    pm.TimeoutsTotal.MustCurryWith(labels),
		WaitTime:         pm.WaitTime.MustCurryWith(labels).(*prometheus.HistogramVec),
	}
}

// MustRegister does registration of metrics collector in Prometheus and panics if any error occurs.
func (pm *PrometheusMetrics) MustRegister() {
	prometheus.MustRegister(
		pm.AvailablePermits,
		pm.AcquiredTotal,
		pm.TimeoutsTotal,
		pm.WaitTime,
	)
}

// Unregister cancels registration of metrics collector in Prometheus.
func (pm *PrometheusMetrics) Unregister() {
	prometheus.Unregister(pm.AvailablePermits)
	prometheus.Unregister(pm.AcquiredTotal)
	prometheus.Unregister(pm.TimeoutsTotal)
	prometheus.Unregister(pm.WaitTime)
}

// SetAvailablePermits sets the current number of available permits.
func (pm *PrometheusMetrics) SetAvailablePermits(n int) {
	pm.AvailablePermits.With(nil).Set(float64(n))
}

// IncAcquired increments the total number of acquired permits.
func (pm *PrometheusMetrics) IncAcquired() {
	pm.AcquiredTotal.With(nil).Inc()
}

// IncTimeouts increments the total number of timed out acquisitions.
func (pm *PrometheusMetrics) IncTimeouts() {
	pm.TimeoutsTotal.With(nil).Inc()
}

// ObserveWaitTime observes how long a waiter waited for a permit.
func (pm *PrometheusMetrics) ObserveWaitTime(d time.Duration) {
	pm.WaitTime.With(nil).Observe(d.Seconds())
}

type disabledMetrics struct{}

func (disabledMetrics) SetAvailablePermits(int)       {}
func (disabledMetrics) IncAcquired()                  {}
func (disabledMetrics) IncTimeouts()                  {}
func (disabledMetrics) ObserveWaitTime(time.Duration) {}

var disabledMetricsCollector = disabledMetrics{}
