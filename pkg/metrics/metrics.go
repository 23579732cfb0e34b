package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_ticks_total",
			Help: "Total number of ticks by phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalancer_tick_duration_seconds",
			Help:    "Tick duration in seconds by phase",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"phase"},
	)

	// Algorithm metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_batches_total",
			Help: "Total number of submitted batches by algorithm and result",
		},
		[]string{"algorithm", "result"},
	)

	// Submission metrics
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rebalancer_submissions_total",
			Help: "Total number of ledger submissions by mode and result",
		},
		[]string{"mode", "result"},
	)

	SubmissionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rebalancer_submission_duration_seconds",
			Help:    "Ledger submission latency in seconds by mode",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	// Pool metrics
	Imbalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_imbalance_lamports",
			Help: "Signed liquidity imbalance at the last snapshot",
		},
	)

	ValidatorsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebalancer_validators_total",
			Help: "Number of validators by score presence",
		},
		[]string{"scored"},
	)

	PositionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rebalancer_positions_total",
			Help: "Number of stake positions by delegation state",
		},
		[]string{"state"},
	)

	EpochAdvance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_epoch_advance_percent",
			Help: "Progress through the current epoch",
		},
	)

	Epoch = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rebalancer_epoch",
			Help: "Current ledger epoch",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(TicksTotal)
	prometheus.MustRegister(TickDuration)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(SubmissionsTotal)
	prometheus.MustRegister(SubmissionDuration)
	prometheus.MustRegister(Imbalance)
	prometheus.MustRegister(ValidatorsTotal)
	prometheus.MustRegister(PositionsTotal)
	prometheus.MustRegister(EpochAdvance)
	prometheus.MustRegister(Epoch)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordBatch counts one submitted batch for an algorithm
func RecordBatch(algorithm string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(algorithm, result).Inc()
}
