package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// deduplication pipeline.
type Metrics struct {
	ReportsConsumed prometheus.Counter
	Outcomes        *prometheus.CounterVec // labels: status={merged,promoted,rejected,pending,skipped}
	NoticesWritten  prometheus.Counter
	StoreConflicts  prometheus.Counter
	PipelineRunning prometheus.Gauge

	// Batch processing metrics.
	BatchSize               prometheus.Histogram
	DecisionDuration        prometheus.Histogram
	BatchProcessingDuration prometheus.Histogram

	// Geocoding metrics.
	GeocodeRequests *prometheus.CounterVec // labels: outcome={success,error,empty}
	GeocodeCache    *prometheus.CounterVec // labels: result={hit,miss}
	GeocodeDuration prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ReportsConsumed,
		m.Outcomes,
		m.NoticesWritten,
		m.StoreConflicts,
		m.PipelineRunning,
		m.BatchSize,
		m.DecisionDuration,
		m.BatchProcessingDuration,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.GeocodeDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, avoiding
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ReportsConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "reports_consumed_total",
			Help:      "Total raw reports read from the staging topic.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "report_outcomes_total",
			Help:      "Terminal outcomes of processed reports by status.",
		}, []string{"status"}),
		NoticesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "update_notices_total",
			Help:      "Master-event update notices published to the sink topic.",
		}),
		StoreConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "store_conflicts_total",
			Help:      "Concurrent-write conflicts detected by the store.",
		}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "disaster_dedup",
			Name:      "pipeline_running",
			Help:      "1 when the pipeline is active, 0 when shut down.",
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "disaster_dedup",
			Name:      "batch_size",
			Help:      "Number of reports per batch extracted from the staging feed.",
			Buckets:   []float64{1, 5, 10, 20, 30, 40, 50, 75, 100},
		}),
		DecisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "disaster_dedup",
			Name:      "dedup_decision_duration_seconds",
			Help:      "Duration of a single merge-or-promote decision.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2.5},
		}),
		BatchProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "disaster_dedup",
			Name:      "batch_processing_duration_seconds",
			Help:      "Duration of a complete extract-process-commit cycle.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10},
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "disaster_dedup",
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		GeocodeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "disaster_dedup",
			Name:      "geocode_api_duration_seconds",
			Help:      "Geocoding API request duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),
	}
}
