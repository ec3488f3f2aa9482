package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	ExecutionsPlannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_executions_planned_total",
			Help: "Total number of executions planned by trigger function.",
		},
		[]string{"function"},
	)

	FunctionRunsPlannedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_function_runs_planned_total",
			Help: "Total number of function runs planned by trigger kind.",
		},
		[]string{"trigger"},
	)

	RunTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_run_transitions_total",
			Help: "Total number of applied run status transitions.",
		},
		[]string{"from", "to"},
	)

	CascadeRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_cascade_runs_total",
			Help: "Total number of downstream runs affected by cascades.",
		},
		[]string{"target"},
	)

	DispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_dispatches_total",
			Help: "Total number of work requests enqueued by outcome.",
		},
		[]string{"outcome"},
	)

	DispatchCycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tabflow_dispatch_cycle_duration_seconds",
			Help:    "Duration of one poll-and-dispatch cycle in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60},
		},
	)

	CallbackRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tabflow_callback_rejections_total",
			Help: "Total number of rejected worker completion callbacks.",
		},
		[]string{"reason"},
	)

	ReadyRunsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tabflow_ready_runs",
			Help: "Number of runs ready for dispatch at the last poll.",
		},
	)
)

// Register installs every tabflow collector on the registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(
		ExecutionsPlannedTotal,
		FunctionRunsPlannedTotal,
		RunTransitionsTotal,
		CascadeRunsTotal,
		DispatchesTotal,
		DispatchCycleDurationSeconds,
		CallbackRejectionsTotal,
		ReadyRunsGauge,
	)
}
