// Package metrics defines the Prometheus metric collectors used across the
// enrichment pipeline and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the pipeline.
type Metrics struct {
	ItemsFetchedTotal   *prometheus.CounterVec
	ItemsEnrichedTotal  *prometheus.CounterVec
	ItemsFailedTotal    *prometheus.CounterVec
	BatchFlushDuration  *prometheus.HistogramVec
	BatchFlushRetries   prometheus.Counter
	IdentityCacheHits   prometheus.Counter
	IdentityCacheMisses prometheus.Counter
	IdentityLookups     *prometheus.CounterVec
	OnionDocsProcessed  *prometheus.CounterVec
	OnionRecordsUpdated *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates and registers all Prometheus collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		ItemsFetchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_items_fetched_total",
				Help: "Raw items fetched from the archival store, by backend.",
			},
			[]string{"backend"},
		),
		ItemsEnrichedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_items_enriched_total",
				Help: "Items successfully enriched and upserted, by backend.",
			},
			[]string{"backend"},
		),
		ItemsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enrich_items_failed_total",
				Help: "Items that permanently failed enrichment, by backend and stage.",
			},
			[]string{"backend", "stage"},
		),
		BatchFlushDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enrich_batch_flush_duration_seconds",
				Help:    "Latency of one batch flush to the output index.",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"backend"},
		),
		BatchFlushRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "enrich_batch_flush_retries_total",
				Help: "Batch flushes retried after a transient store error.",
			},
		),
		IdentityCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_cache_hits_total",
				Help: "Identity resolutions served from the run-scoped cache.",
			},
		),
		IdentityCacheMisses: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "identity_cache_misses_total",
				Help: "Identity resolutions that had to hit the backing store.",
			},
		),
		IdentityLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "identity_store_lookups_total",
				Help: "Identity store lookups by outcome (resolved, error).",
			},
			[]string{"outcome"},
		),
		OnionDocsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onion_docs_processed_total",
				Help: "Enriched documents read by the onion study, by data source.",
			},
			[]string{"data_source"},
		),
		OnionRecordsUpdated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "onion_records_updated_total",
				Help: "Derived onion records created or updated, by data source.",
			},
			[]string{"data_source"},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ItemsFetchedTotal,
		m.ItemsEnrichedTotal,
		m.ItemsFailedTotal,
		m.BatchFlushDuration,
		m.BatchFlushRetries,
		m.IdentityCacheHits,
		m.IdentityCacheMisses,
		m.IdentityLookups,
		m.OnionDocsProcessed,
		m.OnionRecordsUpdated,
	)
	return m
}

// Handler returns the scrape handler for this metrics registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
