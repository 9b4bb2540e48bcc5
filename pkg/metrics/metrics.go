// Package metrics exposes the coordinator's prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Reconciliation
var (
	ReportsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oreo_reports_total",
			Help: "Worker block reports by reconciliation outcome",
		},
		[]string{"outcome"},
	)

	HeadAdvances = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oreo_head_advances_total",
		Help: "Stable head advances, fast path and promotions",
	})

	Rewinds = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oreo_rewinds_total",
			Help: "Checkpoint rewinds by cause",
		},
		[]string{"cause"},
	)

	CheckpointVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oreo_checkpoint_verifications_total",
			Help: "Checkpoint verifications against the node by result",
		},
		[]string{"result"},
	)
)

// Scheduling
var (
	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oreo_jobs_dispatched_total",
		Help: "Scan jobs assigned to worker sessions",
	})

	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oreo_jobs_finished_total",
			Help: "Scan jobs that left the assigned state by result",
		},
		[]string{"result"},
	)

	DispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "oreo_dispatch_duration_seconds",
		Help:    "Time taken by one dispatch round",
		Buckets: prometheus.DefBuckets,
	})
)

// State
var (
	Sessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "oreo_sessions",
			Help: "Connected worker sessions by state",
		},
		[]string{"state"},
	)

	AddressLocks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oreo_address_locks",
		Help: "Accounts with an outstanding job",
	})

	LatestSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "oreo_node_latest_sequence",
		Help: "Latest block sequence reported by the node",
	})
)

// Errors
var (
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oreo_errors_total",
			Help: "Errors by component and kind",
		},
		[]string{"component", "kind"},
	)
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
