package materializer

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	resultCreated  = "created"
	resultExisting = "existing"
	resultError    = "error"
	resultUpdated  = "updated"
	resultFailed   = "failed"
)

type metrics struct {
	materializations *prometheus.CounterVec
	conflicts        prometheus.Counter
	futureUpdates    *prometheus.CounterVec
	duration         prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		// Labels: result (created, existing, error)
		materializations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventseries",
			Name:      "materializations_total",
			Help:      "Materialization attempts by outcome",
		}, []string{"result"}),
		conflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: "eventseries",
			Name:      "materialization_conflicts_total",
			Help:      "Creates that lost the unique (series, canonical date) race and re-read the winner",
		}),
		// Labels: result (updated, failed)
		futureUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eventseries",
			Name:      "future_updates_total",
			Help:      "Per-occurrence outcomes of future update propagation",
		}, []string{"result"}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "eventseries",
			Name:      "materialize_duration_seconds",
			Help:      "Latency of single materializations",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}
