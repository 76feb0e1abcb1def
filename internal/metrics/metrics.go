package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	contractTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hedgecore",
		Subsystem: "contracts",
		Name:      "transitions_total",
		Help:      "Count of contract lifecycle transitions.",
	}, []string{"event", "status"})

	blocksSealedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hedgecore",
		Subsystem: "ledger",
		Name:      "blocks_sealed_total",
		Help:      "Count of ledger append attempts.",
	}, []string{"status"})

	blockSealDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hedgecore",
		Subsystem: "ledger",
		Name:      "block_seal_duration_seconds",
		Help:      "Duration of proof-of-work mining per appended block.",
		Buckets:   prometheus.DefBuckets,
	})

	sweepContractsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "hedgecore",
		Subsystem: "settlement",
		Name:      "sweep_contracts_total",
		Help:      "Count of contracts handled by settlement sweeps.",
	}, []string{"outcome"})

	sweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "hedgecore",
		Subsystem: "settlement",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of a full settlement sweep.",
		Buckets:   prometheus.DefBuckets,
	})
)

// Engine tracks metrics for the settlement engine.
type Engine struct{}

// NewEngine constructs an Engine metrics recorder.
func NewEngine() *Engine {
	return &Engine{}
}

// ObserveTransition records a contract lifecycle transition outcome.
func (m *Engine) ObserveTransition(event string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	contractTransitionsTotal.WithLabelValues(event, status).Inc()
}

// ObserveSeal records a ledger append outcome and mining duration.
func (m *Engine) ObserveSeal(err error, started time.Time) {
	status := "success"
	if err != nil {
		status = "error"
	}
	blocksSealedTotal.WithLabelValues(status).Inc()
	if err == nil {
		blockSealDuration.Observe(time.Since(started).Seconds())
	}
}

// ObserveSweep records the outcome counts of a settlement sweep.
func (m *Engine) ObserveSweep(settled, skipped int, started time.Time) {
	sweepContractsTotal.WithLabelValues("settled").Add(float64(settled))
	sweepContractsTotal.WithLabelValues("skipped_missing_price").Add(float64(skipped))
	sweepDuration.Observe(time.Since(started).Seconds())
}
