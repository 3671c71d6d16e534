// Package telemetry exposes Prometheus metrics for the snapshot, health,
// migration, and rate-limit components.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for vmcored.
type Metrics struct {
	registry *prometheus.Registry

	snapshotOpsTotal       *prometheus.CounterVec
	snapshotOpSeconds      *prometheus.HistogramVec
	snapshotCount          prometheus.Gauge
	healthChecksTotal      *prometheus.CounterVec
	healthReportSeconds    prometheus.Histogram
	migrationJobsTotal     *prometheus.CounterVec
	migrationJobSeconds    *prometheus.HistogramVec
	migrationActiveJobs    prometheus.Gauge
	rateLimitDeniedTotal   *prometheus.CounterVec
	rateLimitBucketsGauge  prometheus.Gauge
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	operationBuckets := []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300}

	snapshotOpsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Subsystem: "snapshot",
			Name:      "operations_total",
			Help:      "Total snapshot operations by kind and result.",
		},
		[]string{"op", "result"},
	)
	snapshotOpSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmcore",
			Subsystem: "snapshot",
			Name:      "operation_duration_seconds",
			Help:      "Time spent performing a snapshot operation.",
			Buckets:   operationBuckets,
		},
		[]string{"op"},
	)
	snapshotCount := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmcore",
			Subsystem: "snapshot",
			Name:      "live_count",
			Help:      "Current number of snapshots held in the index.",
		},
	)
	healthChecksTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Subsystem: "health",
			Name:      "checks_total",
			Help:      "Total individual health checks by kind and verdict.",
		},
		[]string{"kind", "verdict"},
	)
	healthReportSeconds := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "vmcore",
			Subsystem: "health",
			Name:      "report_duration_seconds",
			Help:      "Time to run the full health check battery.",
			Buckets:   operationBuckets,
		},
	)
	migrationJobsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Subsystem: "migration",
			Name:      "jobs_total",
			Help:      "Total migration jobs by final state.",
		},
		[]string{"state"},
	)
	migrationJobSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vmcore",
			Subsystem: "migration",
			Name:      "job_duration_seconds",
			Help:      "Migration job runtime from scheduling to a terminal state.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"state"},
	)
	migrationActiveJobs := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmcore",
			Subsystem: "migration",
			Name:      "active_jobs",
			Help:      "Current number of non-terminal migration jobs.",
		},
	)
	rateLimitDeniedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vmcore",
			Subsystem: "ratelimit",
			Name:      "denied_total",
			Help:      "Total requests denied by the rate limiter, by key.",
		},
		[]string{"key"},
	)
	rateLimitBucketsGauge := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vmcore",
			Subsystem: "ratelimit",
			Name:      "active_buckets",
			Help:      "Current number of live token buckets.",
		},
	)

	registry.MustRegister(
		snapshotOpsTotal,
		snapshotOpSeconds,
		snapshotCount,
		healthChecksTotal,
		healthReportSeconds,
		migrationJobsTotal,
		migrationJobSeconds,
		migrationActiveJobs,
		rateLimitDeniedTotal,
		rateLimitBucketsGauge,
	)

	return &Metrics{
		registry:               registry,
		snapshotOpsTotal:       snapshotOpsTotal,
		snapshotOpSeconds:      snapshotOpSeconds,
		snapshotCount:          snapshotCount,
		healthChecksTotal:      healthChecksTotal,
		healthReportSeconds:    healthReportSeconds,
		migrationJobsTotal:     migrationJobsTotal,
		migrationJobSeconds:    migrationJobSeconds,
		migrationActiveJobs:    migrationActiveJobs,
		rateLimitDeniedTotal:   rateLimitDeniedTotal,
		rateLimitBucketsGauge:  rateLimitBucketsGauge,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveSnapshotOp(op, result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.snapshotOpsTotal.WithLabelValues(op, result).Inc()
	m.snapshotOpSeconds.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *Metrics) SetSnapshotCount(n int) {
	if m == nil {
		return
	}
	m.snapshotCount.Set(float64(n))
}

func (m *Metrics) IncHealthCheck(kind, verdict string) {
	if m == nil {
		return
	}
	m.healthChecksTotal.WithLabelValues(kind, verdict).Inc()
}

func (m *Metrics) ObserveHealthReport(duration time.Duration) {
	if m == nil {
		return
	}
	m.healthReportSeconds.Observe(duration.Seconds())
}

func (m *Metrics) IncMigrationJob(state string) {
	if m == nil {
		return
	}
	m.migrationJobsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveMigrationJob(state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.migrationJobSeconds.WithLabelValues(state).Observe(duration.Seconds())
}

func (m *Metrics) SetMigrationActiveJobs(n int) {
	if m == nil {
		return
	}
	m.migrationActiveJobs.Set(float64(n))
}

func (m *Metrics) IncRateLimitDenied(key string) {
	if m == nil {
		return
	}
	m.rateLimitDeniedTotal.WithLabelValues(key).Inc()
}

func (m *Metrics) SetRateLimitActiveBuckets(n int) {
	if m == nil {
		return
	}
	m.rateLimitBucketsGauge.Set(float64(n))
}
