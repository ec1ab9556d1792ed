// Package metrics holds the Prometheus collectors updated by the engine.
// They are registered in init and served at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Decisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_decisions_total",
			Help: "Wallet decisions per cycle by final signal kind",
		},
		[]string{"kind"},
	)

	GateRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_gate_rejections_total",
			Help: "Buy/sell signals rejected by gating policy",
		},
		[]string{"reason"},
	)

	Executions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_executions_total",
			Help: "Executor calls by direction and result",
		},
		[]string{"direction", "result"},
	)

	Exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exits_total",
			Help: "Closed positions by exit reason",
		},
		[]string{"reason"},
	)

	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_open_positions",
			Help: "Wallets currently holding an open position",
		},
	)

	RealizedPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_realized_pnl_usdc",
			Help: "Realized PnL across tracked trades",
		},
	)

	StoreRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_retries_total",
			Help: "Persistence calls retried after a transient failure",
		},
		[]string{"op"},
	)

	StoreFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_failures_total",
			Help: "Persistence calls that failed after all attempts or permanently",
		},
		[]string{"op"},
	)

	LearnerAccuracy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "learner_accuracy",
			Help: "Running accuracy of the online learner",
		},
	)

	CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engine_cycle_seconds",
			Help:    "Wall time of one trading cycle",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		Decisions,
		GateRejections,
		Executions,
		Exits,
		OpenPositions,
		RealizedPnL,
		StoreRetries,
		StoreFailures,
		LearnerAccuracy,
		CycleDuration,
	)
}
