// Package telemetry exports Prometheus metrics for the request pipeline.
// Every method is safe to call on a nil *Metrics.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hapa-ai/hapa/pkg/models"
)

// Metrics holds all Prometheus metrics for HAPA.
type Metrics struct {
	QueueLength       prometheus.Gauge
	RequestsProcessed *prometheus.CounterVec
	RequestsRetried   *prometheus.CounterVec
	RequestsDropped   *prometheus.CounterVec

	CacheHits      prometheus.Counter
	CacheMisses    prometheus.Counter
	CacheBytes     prometheus.Gauge
	CacheEvictions prometheus.Counter

	Online        prometheus.Gauge
	ProbeDuration prometheus.Histogram

	FunctionDuration *prometheus.HistogramVec
	FunctionErrors   *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics. A nil registry uses the
// default registerer.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hapa_offline_queue_length",
			Help: "Requests waiting in the offline queue",
		}),
		RequestsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hapa_offline_requests_processed_total",
			Help: "Queued requests dispatched successfully",
		}, []string{"type"}),
		RequestsRetried: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hapa_offline_requests_retried_total",
			Help: "Queued requests that failed and were requeued",
		}, []string{"type"}),
		RequestsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hapa_offline_requests_dropped_total",
			Help: "Queued requests dropped after exhausting retries",
		}, []string{"type"}),

		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "hapa_cache_hits_total",
			Help: "Response cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "hapa_cache_misses_total",
			Help: "Response cache misses, including expired entries",
		}),
		CacheBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hapa_cache_bytes",
			Help: "Bytes held by the response cache",
		}),
		CacheEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "hapa_cache_evictions_total",
			Help: "Cache entries evicted to stay under the byte cap",
		}),

		Online: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hapa_online",
			Help: "1 when the last connectivity probe succeeded",
		}),
		ProbeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hapa_probe_duration_seconds",
			Help:    "Connectivity probe duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}),

		FunctionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hapa_function_duration_seconds",
			Help:    "Duration of measured functions in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 5, 30},
		}, []string{"function"}),
		FunctionErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hapa_function_errors_total",
			Help: "Measured function calls that returned an error",
		}, []string{"function"}),
	}
}

// Handler serves the metrics of the given gatherer.
func Handler(g prometheus.Gatherer) http.Handler {
	if g == nil {
		g = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// SetQueueLength records the current queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.QueueLength.Set(float64(n))
}

// RequestOutcome counts a processed queue entry by outcome.
func (m *Metrics) RequestOutcome(t models.RequestType, outcome models.Outcome) {
	if m == nil {
		return
	}
	switch outcome {
	case models.OutcomeSucceeded:
		m.RequestsProcessed.WithLabelValues(string(t)).Inc()
	case models.OutcomeRetried:
		m.RequestsRetried.WithLabelValues(string(t)).Inc()
	case models.OutcomeDropped:
		m.RequestsDropped.WithLabelValues(string(t)).Inc()
	}
}

// CacheLookup counts a cache hit or miss.
func (m *Metrics) CacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
		return
	}
	m.CacheMisses.Inc()
}

// SetCacheBytes records the cache size.
func (m *Metrics) SetCacheBytes(n int64) {
	if m == nil {
		return
	}
	m.CacheBytes.Set(float64(n))
}

// CacheEvicted counts n evictions.
func (m *Metrics) CacheEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CacheEvictions.Add(float64(n))
}

// Probe records a connectivity probe.
func (m *Metrics) Probe(online bool, d time.Duration) {
	if m == nil {
		return
	}
	if online {
		m.Online.Set(1)
	} else {
		m.Online.Set(0)
	}
	m.ProbeDuration.Observe(d.Seconds())
}

// ObserveFunction records a measured function call.
func (m *Metrics) ObserveFunction(name string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.FunctionDuration.WithLabelValues(name).Observe(d.Seconds())
	if err != nil {
		m.FunctionErrors.WithLabelValues(name).Inc()
	}
}
