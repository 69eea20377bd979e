// Package metrics exposes the prometheus counters and gauges that
// instrument the library's own internals: the engine lease lifecycle,
// model activation, and delta throughput. These are process-global,
// mirroring the teacher's httpapi metrics convention, and are served
// by the host application through MetricsHandler rather than by any
// HTTP server this package starts itself.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	leaseAcquireTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Subsystem: "lease",
			Name:      "acquire_total",
			Help:      "Total engine lease acquisitions, by outcome",
		},
		[]string{"outcome"},
	)

	leaseReleaseTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Subsystem: "lease",
			Name:      "release_total",
			Help:      "Total engine lease releases",
		},
	)

	leaseRefcount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchard",
			Subsystem: "lease",
			Name:      "local_refcount",
			Help:      "Current in-process lease reference count",
		},
	)

	leaseStartupDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchard",
			Subsystem: "lease",
			Name:      "startup_duration_seconds",
			Help:      "Time spent waiting for the engine to report readiness",
			Buckets:   prometheus.DefBuckets,
		},
	)

	activationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Subsystem: "registry",
			Name:      "activation_total",
			Help:      "Total model activation attempts, by outcome",
		},
		[]string{"outcome"},
	)

	activationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "orchard",
			Subsystem: "registry",
			Name:      "activation_duration_seconds",
			Help:      "Time spent waiting for an asynchronous model activation to complete",
			Buckets:   prometheus.DefBuckets,
		},
	)

	activeSinks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchard",
			Subsystem: "ipc",
			Name:      "active_sinks",
			Help:      "Number of delta sinks currently registered against the response socket",
		},
	)

	deltasTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orchard",
			Subsystem: "ipc",
			Name:      "deltas_total",
			Help:      "Total response deltas dispatched to sinks",
		},
	)

	gpuUtilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orchard",
			Subsystem: "engine",
			Name:      "gpu_utilization_ratio",
			Help:      "Most recently observed engine GPU memory utilization, reserved/total",
		},
	)
)

func init() {
	prometheus.MustRegister(
		leaseAcquireTotal,
		leaseReleaseTotal,
		leaseRefcount,
		leaseStartupDuration,
		activationTotal,
		activationDuration,
		activeSinks,
		deltasTotal,
		gpuUtilization,
	)
}

// Handler returns the promhttp handler the host application mounts at
// whatever path it chooses; this package never listens on its own.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveLeaseAcquire records the outcome of a lease.Acquire call.
func ObserveLeaseAcquire(outcome string) {
	leaseAcquireTotal.WithLabelValues(outcome).Inc()
}

// ObserveLeaseRelease records a lease.Release call.
func ObserveLeaseRelease() {
	leaseReleaseTotal.Inc()
}

// SetLeaseRefcount reports the current in-process lease refcount.
func SetLeaseRefcount(n int) {
	leaseRefcount.Set(float64(n))
}

// ObserveLeaseStartup records how long the engine took to report readiness.
func ObserveLeaseStartup(d time.Duration) {
	leaseStartupDuration.Observe(d.Seconds())
}

// ObserveActivation records the outcome of a registry activation attempt.
func ObserveActivation(outcome string) {
	activationTotal.WithLabelValues(outcome).Inc()
}

// ObserveActivationDuration records how long an asynchronous activation
// took to settle, from the "accepted" reply to the model_loaded event.
func ObserveActivationDuration(d time.Duration) {
	activationDuration.Observe(d.Seconds())
}

// SetActiveSinks reports the current number of registered delta sinks.
func SetActiveSinks(n int) {
	activeSinks.Set(float64(n))
}

// IncrementDeltas records a single delta dispatched to a sink.
func IncrementDeltas() {
	deltasTotal.Inc()
}

// SetGPUUtilization records the most recently observed engine GPU
// memory utilization ratio (reserved/total).
func SetGPUUtilization(ratio float64) {
	gpuUtilization.Set(ratio)
}
