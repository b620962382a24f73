package scraper

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "volby"

// Metrics bundles the Prometheus collectors of one run. All methods are
// no-ops on a nil receiver.
type Metrics struct {
	Registry *prometheus.Registry

	requests       *prometheus.CounterVec
	latency        prometheus.Histogram
	municipalities *prometheus.CounterVec
	retries        prometheus.Counter
	errors         *prometheus.CounterVec
	cacheHits      prometheus.Counter
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_total",
			Help:      "HTTP requests issued, by phase (started, succeeded).",
		}, []string{"phase"}),
		latency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "request_duration_seconds",
			Help:      "Latency of a single page request.",
			Buckets:   prometheus.DefBuckets,
		}),
		municipalities: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "municipalities_total",
			Help:      "Municipality result pages processed, by outcome.",
		}, []string{"outcome"}),
		retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retries_total",
			Help:      "Retry attempts after a failed request.",
		}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Failed requests, by error kind.",
		}, []string{"error_type"}),
		cacheHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "cache_hits_total",
			Help:      "Fetches served from the page cache.",
		}),
	}
}

// IncRequest counts a request in the given phase.
func (m *Metrics) IncRequest(phase string) {
	if m != nil {
		m.requests.WithLabelValues(phase).Inc()
	}
}

// ObserveDuration records the latency of one request.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m != nil {
		m.latency.Observe(d.Seconds())
	}
}

// IncMunicipality counts one processed municipality; outcome is "ok" or "failed".
func (m *Metrics) IncMunicipality(outcome string) {
	if m != nil {
		m.municipalities.WithLabelValues(outcome).Inc()
	}
}

// IncRetries counts one retry attempt.
func (m *Metrics) IncRetries() {
	if m != nil {
		m.retries.Inc()
	}
}

// IncError counts a failed request by error kind.
func (m *Metrics) IncError(errorType string) {
	if m != nil {
		m.errors.WithLabelValues(errorType).Inc()
	}
}

// IncCacheHit counts a fetch served from the page cache.
func (m *Metrics) IncCacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}
