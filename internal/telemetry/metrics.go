package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Execution outcomes recorded on the executions counter.
const (
	OutcomeOpened   = "opened"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeRace     = "race_idempotent"
)

var (
	Executions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_executions_total",
		Help: "Signal executions by venue and outcome.",
	}, []string{"venue", "outcome"})

	Closes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_closes_total",
		Help: "Position closes by venue and exit reason.",
	}, []string{"venue", "reason"})

	ExecutionSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "coordinator_execution_seconds",
		Help:    "Wall time of a single execute call.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"venue"})

	MonitorCycles = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_monitor_cycles_total",
		Help: "Completed monitor reconciliation cycles.",
	})

	MonitorDiscoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_monitor_discoveries_total",
		Help: "Positions auto-discovered from venue truth.",
	})

	MonitorOrphans = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_monitor_orphans_total",
		Help: "Local positions reconciled as externally closed.",
	})

	NonceResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "coordinator_nonce_resyncs_total",
		Help: "Nonce cache resyncs forced by nonce-family errors.",
	})

	BillingAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "coordinator_billing_amount_total",
		Help: "Billing event amounts by kind, in quote units.",
	}, []string{"kind"})
)
