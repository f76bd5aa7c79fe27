package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry
// so tests can create instances without collector name collisions.
type Metrics struct {
	registry *prometheus.Registry

	EventsIngested   *prometheus.CounterVec
	DuplicatesCaught prometheus.Counter
	EventsDropped    *prometheus.CounterVec
	Classifications  *prometheus.CounterVec
	WhaleEvents      prometheus.Counter
	PhaseDuration    *prometheus.HistogramVec
	PipelineDepth    prometheus.Gauge
	StoreSize        prometheus.Gauge
	AdapterRestarts  *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.EventsIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "events_ingested_total",
		Help:      "Raw events accepted from each source adapter.",
	}, []string{"source"})

	m.DuplicatesCaught = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "duplicates_caught_total",
		Help:      "Events suppressed by the cross-source deduplicator.",
	})

	m.EventsDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "events_dropped_total",
		Help:      "Events discarded under pipeline backpressure.",
	}, []string{"adapter"})

	m.Classifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "classifications_total",
		Help:      "Final classifications by label.",
	}, []string{"classification"})

	m.WhaleEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "whale_events_total",
		Help:      "Events that crossed the whale score and confidence bar.",
	})

	m.PhaseDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "whaletide",
		Name:      "classification_seconds",
		Help:      "End-to-end classification latency.",
		Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
	}, []string{"blockchain"})

	m.PipelineDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whaletide",
		Name:      "pipeline_queue_depth",
		Help:      "Events waiting in the shared pipeline channel.",
	})

	m.StoreSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "whaletide",
		Name:      "store_events",
		Help:      "Classified events currently held in the store.",
	})

	m.AdapterRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "whaletide",
		Name:      "adapter_restarts_total",
		Help:      "Supervisor restarts per adapter.",
	}, []string{"adapter"})

	m.registry.MustRegister(
		m.EventsIngested, m.DuplicatesCaught, m.EventsDropped,
		m.Classifications, m.WhaleEvents, m.PhaseDuration,
		m.PipelineDepth, m.StoreSize, m.AdapterRestarts,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
