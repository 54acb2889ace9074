// Package metrics exposes Prometheus instrumentation for the service:
// query and parse counters, latency histograms, and gauges sampled from
// the store and the write queue.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can instantiate it more than
// once per process.
type Metrics struct {
	registry *prometheus.Registry

	queriesTotal   *prometheus.CounterVec
	queryDuration  *prometheus.HistogramVec
	parsesTotal    *prometheus.CounterVec
	parseDuration  prometheus.Histogram
	recallDuration prometheus.Histogram
	syncJobsTotal  *prometheus.CounterVec
	webhooksTotal  *prometheus.CounterVec

	overlayDegraded prometheus.Counter
	writerDropped   prometheus.Counter
}

// GaugeSource supplies point-in-time values sampled at scrape.
type GaugeSource struct {
	WriterQueueDepth func() float64
	WriterLagSeconds func() float64
	SyncQueueDepth   func() float64
	DiskUsageBytes   func() float64
	ActiveContexts   func() float64
}

// New builds the metric set and registers the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.queriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cxxkb_queries_total",
		Help: "Queries served, by operation and outcome.",
	}, []string{"operation", "outcome"})

	m.queryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cxxkb_query_duration_seconds",
		Help:    "End-to-end query latency.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	}, []string{"operation"})

	m.parsesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cxxkb_parses_total",
		Help: "Extractor invocations, by outcome.",
	}, []string{"outcome"})

	m.parseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cxxkb_parse_duration_seconds",
		Help:    "Single-file extractor latency.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	m.recallDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "cxxkb_recall_duration_seconds",
		Help:    "Candidate recall latency (FTS plus ripgrep).",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	})

	m.syncJobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cxxkb_sync_jobs_total",
		Help: "Sync jobs finished, by outcome.",
	}, []string{"outcome"})

	m.webhooksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "cxxkb_webhooks_total",
		Help: "Webhook deliveries, by event type and outcome.",
	}, []string{"event", "outcome"})

	m.overlayDegraded = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cxxkb_overlay_degraded_total",
		Help: "Overlays that crossed a cap into partial mode.",
	})

	m.writerDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "cxxkb_writer_dropped_total",
		Help: "Best-effort write ops dropped because the queue was full.",
	})

	m.registry.MustRegister(
		m.queriesTotal, m.queryDuration,
		m.parsesTotal, m.parseDuration, m.recallDuration,
		m.syncJobsTotal, m.webhooksTotal,
		m.overlayDegraded, m.writerDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterGauges wires scrape-time gauges. Nil funcs are skipped.
func (m *Metrics) RegisterGauges(src GaugeSource) {
	reg := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, fn))
	}
	reg("cxxkb_writer_queue_depth", "Pending ops in the single-writer queue.", src.WriterQueueDepth)
	reg("cxxkb_writer_lag_seconds", "Age of the oldest pending write op.", src.WriterLagSeconds)
	reg("cxxkb_sync_queue_depth", "Runnable sync jobs.", src.SyncQueueDepth)
	reg("cxxkb_disk_usage_bytes", "Store size on disk.", src.DiskUsageBytes)
	reg("cxxkb_active_contexts", "Active analysis contexts.", src.ActiveContexts)
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveQuery records one query.
func (m *Metrics) ObserveQuery(operation, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.queriesTotal.WithLabelValues(operation, outcome).Inc()
	m.queryDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// ObserveParse records one extractor invocation.
func (m *Metrics) ObserveParse(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.parsesTotal.WithLabelValues(outcome).Inc()
	m.parseDuration.Observe(d.Seconds())
}

// ObserveRecall records one recall stage.
func (m *Metrics) ObserveRecall(d time.Duration) {
	if m == nil {
		return
	}
	m.recallDuration.Observe(d.Seconds())
}

// ObserveSyncJob records a finished sync job.
func (m *Metrics) ObserveSyncJob(outcome string) {
	if m == nil {
		return
	}
	m.syncJobsTotal.WithLabelValues(outcome).Inc()
}

// ObserveWebhook records a webhook delivery.
func (m *Metrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhooksTotal.WithLabelValues(event, outcome).Inc()
}

// OverlayDegraded records a cap breach.
func (m *Metrics) OverlayDegraded() {
	if m == nil {
		return
	}
	m.overlayDegraded.Inc()
}

// WriterDropped records a dropped best-effort write.
func (m *Metrics) WriterDropped() {
	if m == nil {
		return
	}
	m.writerDropped.Inc()
}
