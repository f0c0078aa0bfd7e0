// Package metrics exposes Prometheus counters for billing and the HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Billing metrics.
var (
	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "sends_total",
			Help:      "Outbound sends by channel and outcome",
		},
		[]string{"channel", "outcome"}, // "sent" / "denied" / "failed"
	)

	SpendTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "spend_total",
			Help:      "Billed spend in currency units",
		},
		[]string{"event_type"},
	)

	InboxPullsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "inbox_pulls_total",
			Help:      "Billed inbox pulls",
		},
	)

	BudgetAlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "budget_alerts_total",
			Help:      "Budget alerts emitted on admitted actions",
		},
		[]string{"level"},
	)

	BudgetConsumedRatio = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "courier",
			Name:      "budget_consumed_ratio",
			Help:      "Spend in the current period divided by the budget limit",
		},
	)

	LifecycleTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "courier",
			Name:      "lifecycle_transitions_total",
			Help:      "Applied outbound message status transitions",
		},
		[]string{"to"},
	)
)

func init() {
	prometheus.MustRegister(
		SendsTotal,
		SpendTotal,
		InboxPullsTotal,
		BudgetAlertsTotal,
		BudgetConsumedRatio,
		LifecycleTransitionsTotal,
	)
}
