// Package observability holds the Prometheus metrics of the credit engine.
// Metrics are registered on the default registry and exposed by the API at /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ═══════════════════════════════════════════════════════════════════════════
// Ledger
// ═══════════════════════════════════════════════════════════════════════════

var LedgerTransfers = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "ledger",
	Name:      "transfers_total",
	Help:      "Ledger bucket transfers by kind and outcome.",
}, []string{"kind", "outcome"})

// ═══════════════════════════════════════════════════════════════════════════
// Gate & approvals
// ═══════════════════════════════════════════════════════════════════════════

var GateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "gate",
	Name:      "decisions_total",
	Help:      "Schedule actions by action and mode (immediate, deferred, failed).",
}, []string{"action", "mode"})

var ApprovalsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "approvals",
	Name:      "resolved_total",
	Help:      "Resolved approval requests by kind and final status.",
}, []string{"kind", "status"})

var ApprovalsPending = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "tutoring",
	Subsystem: "approvals",
	Name:      "pending",
	Help:      "Approval requests waiting for a decision.",
})

// ═══════════════════════════════════════════════════════════════════════════
// Notifications & digest
// ═══════════════════════════════════════════════════════════════════════════

var NotificationIntents = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "notify",
	Name:      "intents_total",
	Help:      "Notification intents handed to the notifier, by kind and outcome.",
}, []string{"kind", "outcome"})

var DigestRuns = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "digest",
	Name:      "runs_total",
	Help:      "Daily digest runs by outcome.",
}, []string{"outcome"})

var DigestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "tutoring",
	Subsystem: "digest",
	Name:      "duration_seconds",
	Help:      "Wall time of a digest run.",
	Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
})

var AlertsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tutoring",
	Subsystem: "digest",
	Name:      "alerts_total",
	Help:      "Alerts included in digests, by level.",
}, []string{"level"})
