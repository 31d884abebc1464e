package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimitRPS = 0.001
	cfg.RateLimitBurst = 1
	g := newTestGatewayWithConfig(t, cfg)
	handler := g.server.routes()

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, authed(httptest.NewRequest(http.MethodGet, "/v2/user", nil)))
	if first.Code != http.StatusOK {
		t.Fatalf("first request: %d", first.Code)
	}
	second := httptest.NewRecorder()
	handler.ServeHTTP(second, authed(httptest.NewRequest(http.MethodGet, "/v2/user", nil)))
	if second.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", second.Code)
	}
	health := httptest.NewRecorder()
	handler.ServeHTTP(health, httptest.NewRequest(http.MethodGet, "/health", nil))
	if health.Code != http.StatusOK {
		t.Fatalf("health must bypass the limiter, got %d", health.Code)
	}
}

func TestNewLimiterDisabled(t *testing.T) {
	if newLimiter(0, 10) != nil {
		t.Fatalf("expected nil limiter when rps is 0")
	}
	if l := newLimiter(5, 0); l == nil || l.Burst() != 5 {
		t.Fatalf("expected burst to default to rps")
	}
}

func TestCORSMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.CORSAllowOrigins = []string{"https://app.example.com"}
	g := newTestGatewayWithConfig(t, cfg)

	req := authed(httptest.NewRequest(http.MethodGet, "/v2/user", nil))
	req.Header.Set("Origin", "https://app.example.com")
	rec := g.do(req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "https://app.example.com" {
		t.Fatalf("allowed origin not echoed: %v", rec.Header())
	}

	req = authed(httptest.NewRequest(http.MethodGet, "/v2/user", nil))
	req.Header.Set("Origin", "https://evil.example.com")
	rec = g.do(req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin must not be allowed")
	}
}

func TestIsAllowedOriginDefaults(t *testing.T) {
	cases := []struct {
		origin string
		host   string
		want   bool
	}{
		{origin: "http://localhost:3000", host: "cache:8080", want: true},
		{origin: "https://cache.example.com", host: "cache.example.com", want: true},
		{origin: "https://other.example.com", host: "cache.example.com", want: false},
		{origin: "not a url", host: "cache.example.com", want: false},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = tc.host
		req.Header.Set("Origin", tc.origin)
		if got := isAllowedOrigin(req, nil, false); got != tc.want {
			t.Fatalf("%s on %s: expected %v, got %v", tc.origin, tc.host, tc.want, got)
		}
	}
}

type recordingMetrics struct {
	routes []string
	codes  []string
}

func (m *recordingMetrics) ObserveRequest(method, route, status string, _ float64) {
	m.routes = append(m.routes, method+" "+route)
	m.codes = append(m.codes, status)
}

func TestInstrumentedRecordsRouteAndStatus(t *testing.T) {
	g := newTestGateway(t)
	m := &recordingMetrics{}
	g.server.metrics = m

	g.do(authed(httptest.NewRequest(http.MethodGet, "/v8/artifacts/missing", nil)))
	if len(m.routes) != 1 || m.routes[0] != "GET /v8/artifacts/{hash}" || m.codes[0] != "404" {
		t.Fatalf("unexpected observations %v %v", m.routes, m.codes)
	}
}

func TestArtifactOpCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ops"}, []string{"op", "result"})
	reg.MustRegister(counter)
	g := newTestGateway(t)
	g.server.cacheMetrics = counterMetrics{ops: counter}

	g.do(authed(httptest.NewRequest(http.MethodHead, "/v8/artifacts/missing", nil)))
	if got := testutil.ToFloat64(counter.WithLabelValues("head", "miss")); got != 1 {
		t.Fatalf("expected one head miss, got %v", got)
	}
}

type counterMetrics struct {
	ops *prometheus.CounterVec
}

func (c counterMetrics) IncArtifactOp(op, result string)  { c.ops.WithLabelValues(op, result).Inc() }
func (c counterMetrics) AddArtifactBytes(string, int64)   {}
func (c counterMetrics) IncEventsRecorded(string, string) {}
