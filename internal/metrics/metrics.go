// Package metrics provides Prometheus instrumentation for the knowledge base engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sercha_kb"

// Result label values.
const (
	ResultOK       = "ok"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultRetry    = "retry"
)

// Metrics holds the collectors of one engine instance.
type Metrics struct {
	registry *prometheus.Registry

	// Ingestion
	IngestTotal    *prometheus.CounterVec
	IngestDuration prometheus.Histogram
	ChunksWritten  prometheus.Counter

	// Embedding gateway
	EmbedCalls    *prometheus.CounterVec
	EmbedDuration prometheus.Histogram
	EmbedTexts    prometheus.Counter

	// Queries
	QueryTotal    *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	HitsDropped   prometheus.Counter

	// Index and recovery
	IndexLive       prometheus.Gauge
	IndexTombstones prometheus.Gauge
	Recovered       *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		IngestTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "total",
				Help:      "Total number of ingestion requests",
			},
			[]string{"result"},
		),
		IngestDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "duration_seconds",
				Help:      "Ingestion duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
		ChunksWritten: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ingest",
				Name:      "chunks_total",
				Help:      "Total number of chunks committed",
			},
		),

		EmbedCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "embedding",
				Name:      "calls_total",
				Help:      "Total number of embedding provider calls",
			},
			[]string{"result"},
		),
		EmbedDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "embedding",
				Name:      "call_duration_seconds",
				Help:      "Embedding provider call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
		),
		EmbedTexts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "embedding",
				Name:      "texts_total",
				Help:      "Total number of texts embedded",
			},
		),

		QueryTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "total",
				Help:      "Total number of queries",
			},
			[]string{"operation", "result"},
		),
		QueryDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "query",
				Name:      "duration_seconds",
				Help:      "Query duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"operation"},
		),
		HitsDropped: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retrieval",
				Name:      "hits_dropped_total",
				Help:      "Index hits discarded because their metadata was missing",
			},
		),

		IndexLive: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "live_vectors",
				Help:      "Number of searchable vectors",
			},
		),
		IndexTombstones: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "index",
				Name:      "tombstones",
				Help:      "Number of tombstoned slots awaiting compaction",
			},
		),
		Recovered: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "recovery",
				Name:      "intents_total",
				Help:      "Pending intents resolved at startup",
			},
			[]string{"action"},
		),
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
