package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// GatewayMetrics captures request metrics for the cache gateway.
type GatewayMetrics interface {
	ObserveRequest(method, route, status string, durationSeconds float64)
}

// CacheMetrics captures artifact and telemetry activity.
type CacheMetrics interface {
	IncArtifactOp(op, result string)
	AddArtifactBytes(direction string, n int64)
	IncEventsRecorded(source, outcome string)
}

// Noop implements every metrics interface without emitting anything.
type Noop struct{}

func (Noop) ObserveRequest(string, string, string, float64) {}
func (Noop) IncArtifactOp(string, string)                   {}
func (Noop) AddArtifactBytes(string, int64)                 {}
func (Noop) IncEventsRecorded(string, string)               {}

// Handler returns an HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Gateway metrics ---

type gatewayProm struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
	once     sync.Once
}

// NewGatewayProm constructs a GatewayMetrics with counters/histograms.
func NewGatewayProm(namespace string) GatewayMetrics {
	g := &gatewayProm{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method/route/status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method/route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	g.once.Do(func() {
		prometheus.MustRegister(g.requests, g.latency)
	})
	return g
}

func (g *gatewayProm) ObserveRequest(method, route, status string, durationSeconds float64) {
	g.requests.WithLabelValues(method, route, status).Inc()
	g.latency.WithLabelValues(method, route).Observe(durationSeconds)
}

// --- Cache metrics ---

type cacheProm struct {
	ops    *prometheus.CounterVec
	bytes  *prometheus.CounterVec
	events *prometheus.CounterVec
	once   sync.Once
}

// NewCacheProm constructs CacheMetrics backed by Prometheus counters.
func NewCacheProm(namespace string) CacheMetrics {
	c := &cacheProm{
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_ops_total",
			Help:      "Artifact operations by op and result",
		}, []string{"op", "result"}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Artifact bytes transferred by direction",
		}, []string{"direction"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_events_recorded_total",
			Help:      "Cache usage events recorded by source and outcome",
		}, []string{"source", "event"}),
	}
	c.once.Do(func() {
		prometheus.MustRegister(c.ops, c.bytes, c.events)
	})
	return c
}

func (c *cacheProm) IncArtifactOp(op, result string) {
	c.ops.WithLabelValues(op, result).Inc()
}

func (c *cacheProm) AddArtifactBytes(direction string, n int64) {
	if n <= 0 {
		return
	}
	c.bytes.WithLabelValues(direction).Add(float64(n))
}

func (c *cacheProm) IncEventsRecorded(source, outcome string) {
	c.events.WithLabelValues(source, outcome).Inc()
}
