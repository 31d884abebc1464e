package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func withTestRegistry(t *testing.T) *prometheus.Registry {
	t.Helper()
	origReg := prometheus.DefaultRegisterer
	origGather := prometheus.DefaultGatherer
	reg := prometheus.NewRegistry()
	prometheus.DefaultRegisterer = reg
	prometheus.DefaultGatherer = reg
	t.Cleanup(func() {
		prometheus.DefaultRegisterer = origReg
		prometheus.DefaultGatherer = origGather
	})
	return reg
}

func TestNoopMetrics(t *testing.T) {
	var m Noop
	m.ObserveRequest("GET", "/v8/artifacts/{hash}", "200", 0.1)
	m.IncArtifactOp("get", "hit")
	m.AddArtifactBytes("download", 10)
	m.IncEventsRecorded("LOCAL", "HIT")
}

func TestGatewayMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewGatewayProm("remotecache")
	m.ObserveRequest("GET", "/v8/artifacts/{hash}", "200", 0.01)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "remotecache_http_requests_total", map[string]string{"method": "GET", "route": "/v8/artifacts/{hash}", "status": "200"}) {
		t.Fatalf("expected http_requests metric")
	}
	if !hasMetric(families, "remotecache_http_request_duration_seconds", map[string]string{"method": "GET", "route": "/v8/artifacts/{hash}"}) {
		t.Fatalf("expected http_request_duration metric")
	}
}

func TestCacheMetrics(t *testing.T) {
	reg := withTestRegistry(t)
	m := NewCacheProm("remotecache")
	m.IncArtifactOp("head", "miss")
	m.AddArtifactBytes("upload", 42)
	m.AddArtifactBytes("upload", 0)
	m.IncEventsRecorded("REMOTE", "HIT")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if !hasMetric(families, "remotecache_artifact_ops_total", map[string]string{"op": "head", "result": "miss"}) {
		t.Fatalf("expected artifact_ops metric")
	}
	if !hasMetric(families, "remotecache_artifact_bytes_total", map[string]string{"direction": "upload"}) {
		t.Fatalf("expected artifact_bytes metric")
	}
	if !hasMetric(families, "remotecache_cache_events_recorded_total", map[string]string{"source": "REMOTE", "event": "HIT"}) {
		t.Fatalf("expected cache_events metric")
	}
}

func TestHandler(t *testing.T) {
	withTestRegistry(t)
	m := NewCacheProm("remotecache")
	m.IncArtifactOp("put", "ok")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Fatalf("expected metrics output")
	}
}

func hasMetric(families []*dto.MetricFamily, name string, labels map[string]string) bool {
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, metric := range fam.GetMetric() {
			if matchLabels(metric.GetLabel(), labels) {
				return true
			}
		}
	}
	return false
}

func matchLabels(pairs []*dto.LabelPair, labels map[string]string) bool {
	if len(labels) == 0 {
		return true
	}
	found := 0
	for _, pair := range pairs {
		if val, ok := labels[pair.GetName()]; ok && pair.GetValue() == val {
			found++
		}
	}
	return found == len(labels)
}
