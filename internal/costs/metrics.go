package costs

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics instruments the cost registry
type Metrics struct {
	ColdStarts        prometheus.Counter
	RaceLosers        prometheus.Counter
	StoreLoads        *prometheus.CounterVec
	Persisted         *prometheus.CounterVec
	PersistFailures   prometheus.Counter
	MeanUpdates       prometheus.Counter
	ReconcileDuration prometheus.Histogram
	TrackedFunctions  *prometheus.GaugeVec
}

// NewMetrics creates the registry metrics and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ColdStarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "calccosts_cold_starts_total",
				Help: "Function costs created from the configuration mean",
			},
		),
		RaceLosers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "calccosts_race_losers_total",
				Help: "Concurrently created function costs that were discarded",
			},
		),
		StoreLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calccosts_store_loads_total",
				Help: "Cost store loads by result",
			},
			[]string{"result"},
		),
		Persisted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "calccosts_persisted_total",
				Help: "Function cost documents written by operation",
			},
			[]string{"operation"},
		),
		PersistFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "calccosts_persist_failures_total",
				Help: "Function cost documents that failed to persist",
			},
		),
		MeanUpdates: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "calccosts_mean_updates_total",
				Help: "Recomputations of a configuration mean",
			},
		),
		ReconcileDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "calccosts_reconcile_duration_seconds",
				Help:    "Time taken by one reconcile cycle",
				Buckets: prometheus.DefBuckets,
			},
		),
		TrackedFunctions: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "calccosts_tracked_functions",
				Help: "Function costs known per configuration",
			},
			[]string{"configuration"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.ColdStarts,
			m.RaceLosers,
			m.StoreLoads,
			m.Persisted,
			m.PersistFailures,
			m.MeanUpdates,
			m.ReconcileDuration,
			m.TrackedFunctions,
		)
	}
	return m
}
