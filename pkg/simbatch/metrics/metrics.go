// Package metrics exposes simbatch's Prometheus metrics. All collectors are
// registered with the default registry at init time.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Semaphore metrics
var (
	SemaphoreCapacity = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_semaphore_capacity",
			Help: "Current capacity of the admission semaphore",
		},
	)

	SemaphoreOutstanding = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_semaphore_outstanding",
			Help: "Permits currently held by workers",
		},
	)

	SemaphoreWaiting = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_semaphore_waiting",
			Help: "Workers blocked waiting for a permit",
		},
	)
)

// Memory decision metrics
var (
	RecommendedWorkers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_recommended_workers",
			Help: "Worker count chosen for the most recent batch",
		},
	)

	AvailableMemoryBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_available_memory_bytes",
			Help: "Available system memory at the most recent decision",
		},
	)

	BudgetBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "simbatch_memory_budget_bytes",
			Help: "Memory budget (eta times available) at the most recent decision",
		},
	)

	ProbeFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simbatch_memory_probe_failures_total",
			Help: "Decisions made from fallback memory figures",
		},
	)
)

// Job metrics
var (
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simbatch_jobs_total",
			Help: "Jobs processed, by outcome",
		},
		[]string{"status"}, // "succeeded", "failed", "skipped"
	)

	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "simbatch_job_duration_seconds",
			Help:    "Wall time of a single job",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)

	RunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "simbatch_runs_total",
			Help: "Batches started",
		},
	)
)

// Job outcome labels.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)
