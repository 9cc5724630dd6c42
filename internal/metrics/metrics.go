// Package metrics exposes Prometheus counters/histograms for execution
// outcome and duration, exceptions by name, and cluster and DB pool size
// gauges (there is no pool hit/miss metric), per SPEC_FULL.md's ambient
// stack. Uses github.com/prometheus/client_golang, a teacher root
// dependency, registered against the default registry the same way the
// teacher's own /metrics endpoint does.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ExecutionsTotal counts every /execute response, labeled by outcome.
	ExecutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isorun",
		Name:      "executions_total",
		Help:      "Total number of execute requests processed, by outcome.",
	}, []string{"ok"})

	// ExecutionDuration observes end-to-end request latency in seconds.
	ExecutionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "isorun",
		Name:      "execution_duration_seconds",
		Help:      "Latency of execute requests.",
		Buckets:   prometheus.DefBuckets,
	})

	// ExceptionsTotal counts exception logs by taxonomy name (spec.md §7).
	ExceptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "isorun",
		Name:      "exceptions_total",
		Help:      "Total number of exception logs emitted, by error name.",
	}, []string{"name"})

	// ClusterSize reports the current worker pool size, by health state.
	ClusterSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isorun",
		Name:      "cluster_size",
		Help:      "Current worker count, by health state.",
	}, []string{"health"})

	// DBPoolSize reports the current connection pool size, by health state.
	DBPoolSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "isorun",
		Name:      "dbpool_size",
		Help:      "Current connection pool size, by health state.",
	}, []string{"health"})
)

// ObserveOutput records an Output's outcome and duration. Called once per
// /execute response, after the kernel returns.
func ObserveOutput(ok bool, durationMS int64, exceptionNames []string) {
	okLabel := "false"
	if ok {
		okLabel = "true"
	}
	ExecutionsTotal.WithLabelValues(okLabel).Inc()
	ExecutionDuration.Observe(float64(durationMS) / 1000)
	for _, name := range exceptionNames {
		ExceptionsTotal.WithLabelValues(name).Inc()
	}
}
