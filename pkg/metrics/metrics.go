package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is exposed at /metrics
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		RunTotal, RunDuration, OracleDuration,
		ForceInserted, DebtSize, CreditSize, FairnessScore,
	)
}

// RunTotal counts finished runs by outcome code
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "rota_run_total",
		Help: "Finished rota runs by outcome code",
	},
	[]string{"code"},
)

// RunDuration measures the whole pipeline, single-flight slot to release
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "rota_run_duration_seconds",
		Help:    "Rota run wall-clock duration",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"code"},
)

var OracleDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "rota_oracle_duration_seconds",
		Help:    "Time spent waiting on the reasoning oracle",
		Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
	},
)

var ForceInserted = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "rota_force_inserted_total",
		Help: "Debtors seated by the validator although the oracle omitted them",
	},
)

var DebtSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rota_debt_size",
		Help: "Ids currently owed a turn",
	},
)

var CreditSize = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rota_credit_size",
		Help: "Ids currently holding a credit",
	},
)

var FairnessScore = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "rota_fairness_score",
		Help: "Evenness of seats across the pool, 0-100",
	},
)
