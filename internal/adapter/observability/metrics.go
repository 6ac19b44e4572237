package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_dispatches_total",
			Help: "Total dispatch tool invocations by outcome",
		},
		[]string{"target", "outcome"},
	)
	LaunchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_launches_total",
			Help: "Total child session launch attempts by result",
		},
		[]string{"agent", "result"},
	)
	JobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "orchestrator_jobs_active",
			Help: "Jobs currently in active status per agent queue",
		},
		[]string{"agent"},
	)
	AgentRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_agent_retries_total",
			Help: "Execution-failure retries enqueued by the agent-level retry path",
		},
		[]string{"agent"},
	)
	DLQAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_dlq_alerts_total",
			Help: "Redacted failure alerts sent for terminally failed jobs",
		},
	)
	ApprovalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_approvals_total",
			Help: "Approval resolutions by outcome",
		},
		[]string{"outcome"},
	)
	BreakerStateGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orchestrator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
	)
	StaleIndexPrunedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "orchestrator_stale_index_pruned_total",
			Help: "Index entries removed by the periodic cleanup sweep",
		},
	)
	DepGateResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "orchestrator_dep_gate_resolutions_total",
			Help: "Dependency gate resolutions by result",
		},
		[]string{"result"},
	)
)

var initOnce sync.Once

// InitMetrics registers all orchestrator metrics with the default registry.
// Safe to call from multiple entry points.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			DispatchesTotal,
			LaunchesTotal,
			JobsActive,
			AgentRetriesTotal,
			DLQAlertsTotal,
			ApprovalsTotal,
			BreakerStateGauge,
			StaleIndexPrunedTotal,
			DepGateResolutionsTotal,
		)
	})
}
