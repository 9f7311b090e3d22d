// Package metrics provides Prometheus metrics for the prescription engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	DraftsCreated      prometheus.Counter
	Approvals          prometheus.Counter
	GenerationFailures prometheus.Counter
	ApprovalConflicts  prometheus.Counter
	GenerationDuration prometheus.Histogram
	LedgerOrphans      prometheus.Gauge
	OutboxPending      prometheus.Gauge
}

// New creates and registers all metrics. A nil registerer uses the default
// registry; tests pass their own.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		DraftsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_drafts_created_total",
			Help: "Total prescription drafts created",
		}),
		Approvals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_approvals_total",
			Help: "Total prescription approvals",
		}),
		GenerationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_generation_failures_total",
			Help: "Total draft generation failures",
		}),
		ApprovalConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prescription_approval_conflicts_total",
			Help: "Total approvals rejected as conflicts",
		}),
		GenerationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "prescription_generation_duration_seconds",
			Help:    "Draft generation duration",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		LedgerOrphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "prescription_ledger_orphans",
			Help: "History rows without a matching prescription version",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
	}

	reg.MustRegister(
		m.DraftsCreated,
		m.Approvals,
		m.GenerationFailures,
		m.ApprovalConflicts,
		m.GenerationDuration,
		m.LedgerOrphans,
		m.OutboxPending,
	)

	return m
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
