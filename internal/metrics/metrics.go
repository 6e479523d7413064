// Package metrics exposes Prometheus instrumentation for the prediction
// engine and the valuation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all collectors. Use New for the default registry or
// NewWithRegistry in tests to avoid duplicate-registration panics.
type Metrics struct {
	CyclesTotal       prometheus.Counter
	CycleErrors       *prometheus.CounterVec
	FetchFallbacks    prometheus.Counter
	CycleDuration     prometheus.Histogram
	ModelCycles       prometheus.Gauge
	ModelConfidence   prometheus.Gauge
	ValuationsTotal   prometheus.Counter
	ComparablesUsed   prometheus.Histogram
	EnrichCacheHits   prometheus.Counter
	EnrichCacheMiss   prometheus.Counter
	PredictionsLogged prometheus.Counter
}

// New registers collectors on the default registry.
func New() *Metrics {
	return newWithFactory(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry registers collectors on the supplied registry.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	return newWithFactory(promauto.With(reg))
}

func newWithFactory(factory promauto.Factory) *Metrics {
	return &Metrics{
		CyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_cycles_total",
			Help: "Completed analysis cycles",
		}),
		CycleErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ppd_cycle_errors_total",
			Help: "Stage failures recorded during cycles",
		}, []string{"stage"}),
		FetchFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_fetch_fallbacks_total",
			Help: "Macro fetch cycles served from fallback defaults",
		}),
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppd_cycle_duration_seconds",
			Help:    "End-to-end cycle latency",
			Buckets: prometheus.DefBuckets,
		}),
		ModelCycles: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ppd_model_cycles",
			Help: "Training cycles completed by the online model",
		}),
		ModelConfidence: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ppd_model_confidence",
			Help: "Confidence of the most recent prediction",
		}),
		ValuationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_valuations_total",
			Help: "Comparable-based valuations served",
		}),
		ComparablesUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ppd_comparables_used",
			Help:    "Comparables surviving outlier filtering per valuation",
			Buckets: []float64{0, 2, 4, 8, 16, 32, 64},
		}),
		EnrichCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_enrich_cache_hits_total",
			Help: "Area enrichment responses served from cache",
		}),
		EnrichCacheMiss: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_enrich_cache_misses_total",
			Help: "Area enrichment responses requiring upstream fetches",
		}),
		PredictionsLogged: factory.NewCounter(prometheus.CounterOpts{
			Name: "ppd_predictions_logged_total",
			Help: "Prediction records appended to the store",
		}),
	}
}
