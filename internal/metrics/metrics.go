// Package metrics provides Prometheus metrics for the proxy.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "binance_proxy"

// Latency buckets reach the 30 s upstream timeout.
var latencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}

// Metrics owns a private registry and the proxy's collectors. All methods
// are safe on a nil receiver, which records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	inFlight prometheus.Gauge

	upstreamLatency   *prometheus.HistogramVec
	upstreamResponses *prometheus.CounterVec

	errors *prometheus.CounterVec
}

// New builds a Metrics with runtime and process collectors included.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		Registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Inbound HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		latency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Inbound HTTP request latency in seconds.",
			Buckets:   latencyBuckets,
		}, []string{"method", "route", "status_code"}),
		inFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_in_flight",
			Help:      "Inbound HTTP requests currently being served.",
		}),
		upstreamLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "request_duration_seconds",
			Help:      "Binance call latency in seconds, including failed calls.",
			Buckets:   latencyBuckets,
		}, []string{"upstream"}),
		upstreamResponses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "responses_total",
			Help:      "Binance responses by upstream and status code.",
		}, []string{"upstream", "status_code"}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Proxy requests that ended in an error response, by error kind.",
		}, []string{"kind"}),
	}
}

// TrackInFlight bumps the in-flight gauge and returns the func that drops it.
func (m *Metrics) TrackInFlight() (done func()) {
	if m == nil {
		return func() {}
	}
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveRequest records one served inbound request.
func (m *Metrics) ObserveRequest(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	labels := prometheus.Labels{
		"method":      NormalizeMethod(method),
		"route":       NormalizeRoute(path),
		"status_code": strconv.Itoa(status),
	}
	m.requests.With(labels).Inc()
	m.latency.With(labels).Observe(elapsed.Seconds())
}

// ObserveUpstream records one Binance call. A status of 0 means no response
// arrived, so only the latency is recorded.
func (m *Metrics) ObserveUpstream(upstream string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.upstreamLatency.WithLabelValues(upstream).Observe(elapsed.Seconds())
	if status > 0 {
		m.upstreamResponses.WithLabelValues(upstream, strconv.Itoa(status)).Inc()
	}
}

// RecordError counts a proxy request that failed with the given kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(kind).Inc()
}

// NormalizeMethod maps non-standard methods to "other" to bound label cardinality.
func NormalizeMethod(method string) string {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return method
	}
	return "other"
}

// routes are the paths the proxy serves; anything else is labeled "other".
var routes = map[string]bool{
	"/proxy":   true,
	"/healthz": true,
	"/status":  true,
}

// NormalizeRoute returns path when it is a served route, or "other".
func NormalizeRoute(path string) string {
	if routes[path] {
		return path
	}
	return "other"
}
