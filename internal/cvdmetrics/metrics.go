// Package cvdmetrics exposes Prometheus metrics for the Instance
// Manager: slot occupancy, group/instance counts, and subprocess
// dispatch latency and failures.
package cvdmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	InstanceGroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cvdd_instance_groups_total",
			Help: "Total number of instance groups across all users",
		},
	)

	InstancesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cvdd_instances_total",
			Help: "Total number of instances across all users",
		},
	)

	// LockSlotsInUse and LockContentionTotal are registered, but no
	// component updates them: both always read zero.
	LockSlotsInUse = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cvdd_lock_slots_in_use",
			Help: "Number of lock-file slots currently held",
		},
	)

	LockContentionTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cvdd_lock_contention_total",
			Help: "Total number of try-acquire calls that found a slot already held",
		},
	)

	DispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cvdd_dispatch_duration_seconds",
			Help:    "Duration of helper-binary invocations by operation",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"op"},
	)

	DispatchFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cvdd_dispatch_failures_total",
			Help: "Total number of failed helper-binary invocations by operation",
		},
		[]string{"op"},
	)

	StopRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cvdd_stop_retries_total",
			Help: "Total number of stop invocations retried without --clear_instance_dirs",
		},
	)

	GroupRollbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cvdd_group_rollbacks_total",
			Help: "Total number of partially-created groups rolled back",
		},
	)
)

func init() {
	prometheus.MustRegister(
		InstanceGroupsTotal,
		InstancesTotal,
		LockSlotsInUse,
		LockContentionTotal,
		DispatchDuration,
		DispatchFailuresTotal,
		StopRetriesTotal,
		GroupRollbacksTotal,
	)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures elapsed time and reports it to a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDurationVec records the elapsed time against a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}
