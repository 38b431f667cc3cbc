package monitor

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the context engine.
type Metrics struct {
	AssembliesTotal  *prometheus.CounterVec
	AssemblyDuration *prometheus.HistogramVec
	CacheHits        *prometheus.CounterVec
	CacheMisses      *prometheus.CounterVec
	TokensUsed       prometheus.Counter
	QualityFailures  *prometheus.CounterVec
	PreloadsTotal    *prometheus.CounterVec
	PredictionScore  prometheus.Histogram
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// process-wide, so repeated calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			AssembliesTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_assemblies_total",
					Help: "Total context assembly requests",
				},
				[]string{"result"},
			),
			AssemblyDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "context_assembly_duration_seconds",
					Help:    "Context assembly wall-clock duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to 5s
				},
				[]string{"layers"},
			),
			CacheHits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_cache_hits_total",
					Help: "Cache hits by tier",
				},
				[]string{"tier"},
			),
			CacheMisses: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_cache_misses_total",
					Help: "Cache misses by tier",
				},
				[]string{"tier"},
			),
			TokensUsed: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "context_tokens_used_total",
					Help: "Total tokens included in assembled context",
				},
			),
			QualityFailures: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_quality_failures_total",
					Help: "Quality dimension violations",
				},
				[]string{"dimension"},
			),
			PreloadsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "context_preloads_total",
					Help: "Predictive preload operations",
				},
				[]string{"result"},
			),
			PredictionScore: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "context_prediction_confidence",
					Help:    "Confidence scores of usage predictions",
					Buckets: prometheus.LinearBuckets(0, 0.1, 11),
				},
			),
		}
	})

	return sharedMetrics
}
