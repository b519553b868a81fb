// Package metrics exposes the pipeline's Prometheus counters and
// histograms: lines read and skipped, malformed classifications, batch
// commits, and hourly-merge latency.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for one pipeline instance.
type Metrics struct {
	LinesRead        prometheus.Counter
	LinesMalformed   prometheus.Counter
	LinesSkipped     prometheus.Counter
	BatchesCommitted prometheus.Counter
	BatchesDropped   prometheus.Counter
	GeoEventsWritten prometheus.Counter
	HourlyMergeLatency prometheus.Histogram
	IngestionRunning prometheus.Gauge
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := build()
	prometheus.MustRegister(
		m.LinesRead,
		m.LinesMalformed,
		m.LinesSkipped,
		m.BatchesCommitted,
		m.BatchesDropped,
		m.GeoEventsWritten,
		m.HourlyMergeLatency,
		m.IngestionRunning,
	)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when multiple tests construct a pipeline.
func NewMetricsForTesting() *Metrics {
	return build()
}

func build() *Metrics {
	return &Metrics{
		LinesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "lines_read_total",
			Help: "Total raw log lines read by the tailer.",
		}),
		LinesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "lines_malformed_total",
			Help: "Total lines classified as malformed/probe traffic.",
		}),
		LinesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "lines_skipped_total",
			Help: "Total lines that matched no recogniser.",
		}),
		BatchesCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "batches_committed_total",
			Help: "Total persister batches committed.",
		}),
		BatchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "batches_dropped_total",
			Help: "Total persister batches dropped after a commit failure.",
		}),
		GeoEventsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "geotrail", Name: "geo_events_written_total",
			Help: "Total geo_events rows written.",
		}),
		HourlyMergeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "geotrail", Name: "hourly_merge_duration_seconds",
			Help:    "Duration of the hourly_stats upsert at commit time.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		IngestionRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "geotrail", Name: "ingestion_running",
			Help: "1 when the ingestion task is active, 0 when stopped or degraded.",
		}),
	}
}
