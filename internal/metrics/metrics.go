// Package metrics holds the Prometheus collectors of the events service.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	EventsTotal   *prometheus.CounterVec
	BatchSize     prometheus.Histogram
	BatchDuration prometheus.Histogram
	QueryDuration *prometheus.HistogramVec
	QueueDropped  prometheus.Counter
}

// New creates the collectors on a fresh registry, so several instances
// (one per test) never collide.
func New() *Metrics {
	m := &Metrics{reg: prometheus.NewRegistry()}

	m.EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "events",
		Name:      "ingested_total",
		Help:      "Ingested events by reconciliation outcome",
	}, []string{"outcome"})
	m.BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "events",
		Name:      "batch_size",
		Help:      "Number of events per processed batch",
		Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
	})
	m.BatchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "events",
		Name:      "batch_duration_seconds",
		Help:      "Time spent processing one batch",
		Buckets:   prometheus.DefBuckets,
	})
	m.QueryDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "events",
		Name:      "query_duration_seconds",
		Help:      "Time spent answering aggregate queries",
		Buckets:   prometheus.DefBuckets,
	}, []string{"query"})
	m.QueueDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "events",
		Name:      "queue_dropped_total",
		Help:      "Single events refused because the ingest queue was full",
	})

	m.reg.MustRegister(
		m.EventsTotal, m.BatchSize, m.BatchDuration, m.QueryDuration, m.QueueDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Outcome counts n events under the given outcome label.
func (m *Metrics) Outcome(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.EventsTotal.WithLabelValues(outcome).Add(float64(n))
}

// ObserveQuery records the duration of one aggregate query.
func (m *Metrics) ObserveQuery(query string, seconds float64) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(query).Observe(seconds)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
