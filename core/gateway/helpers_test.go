package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
	"github.com/cordum/remotecache/core/infra/events"
	"github.com/cordum/remotecache/core/infra/schema"
	"github.com/redis/go-redis/v9"
)

const (
	testToken = "test-token"
	testScope = "team_test"
)

// countingStore records how often the wrapped store is reached.
type countingStore struct {
	artifacts.Store
	calls atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta artifacts.Metadata) error {
	c.calls.Add(1)
	return c.Store.Put(ctx, key, body, size, contentType, meta)
}

func (c *countingStore) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	c.calls.Add(1)
	return c.Store.Get(ctx, key)
}

func (c *countingStore) Head(ctx context.Context, key string) (*artifacts.Info, error) {
	c.calls.Add(1)
	return c.Store.Head(ctx, key)
}

func (c *countingStore) Ping(ctx context.Context) error {
	c.calls.Add(1)
	return c.Store.Ping(ctx)
}

// failingStore fails every call with err, or with a per-key error when set.
type failingStore struct {
	err    error
	perKey map[string]error
	inner  artifacts.Store
}

func (f *failingStore) pick(key string) error {
	if e, ok := f.perKey[key]; ok {
		return e
	}
	return f.err
}

func (f *failingStore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string, meta artifacts.Metadata) error {
	if err := f.pick(key); err != nil {
		return err
	}
	return f.inner.Put(ctx, key, body, size, contentType, meta)
}

func (f *failingStore) Get(ctx context.Context, key string) (*artifacts.Object, error) {
	if err := f.pick(key); err != nil {
		return nil, err
	}
	return f.inner.Get(ctx, key)
}

func (f *failingStore) Head(ctx context.Context, key string) (*artifacts.Info, error) {
	if err := f.pick(key); err != nil {
		return nil, err
	}
	return f.inner.Head(ctx, key)
}

func (f *failingStore) Ping(ctx context.Context) error {
	if f.err != nil {
		return f.err
	}
	return f.inner.Ping(ctx)
}

// presigningStore adds a recording Presigner to a store.
type presigningStore struct {
	artifacts.Store
	mu      sync.Mutex
	method  string
	key     string
	headers http.Header
	expiry  time.Duration
}

func (p *presigningStore) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.method, p.key, p.expiry = http.MethodGet, key, expiry
	return "https://bucket.example/" + key + "?X-Amz-Signature=get", nil
}

func (p *presigningStore) PresignRequest(_ context.Context, method, key string, headers http.Header, expiry time.Duration) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.method, p.key, p.headers, p.expiry = method, key, artifacts.SignableHeaders(headers), expiry
	return "https://bucket.example/" + key + "?X-Amz-Signature=" + method, nil
}

type testGateway struct {
	server *server
	store  *countingStore
	events events.Store
	redis  *miniredis.Miniredis
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Auth.SharedSecret = testToken
	cfg.Auth.DefaultScope = testScope
	cfg.Store.Backend = config.StoreRedis
	cfg.Events.Backend = config.EventsRedis
	cfg.LinkSigningKey = "link-signing-key"
	cfg.PublicURL = "https://cache.example.com"
	cfg.BackendTimeout = 2 * time.Second
	return cfg
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()
	return newTestGatewayWithConfig(t, testConfig())
}

func newTestGatewayWithConfig(t *testing.T, cfg *config.Config) *testGateway {
	t.Helper()

	srv, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(srv.Close)
	cfg.Redis.URL = "redis://" + srv.Addr()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	artifactStore, err := artifacts.NewRedisStore(client, cfg.Retention())
	if err != nil {
		t.Fatalf("artifact store: %v", err)
	}
	eventStore, err := events.NewRedisStore(client, cfg.Retention())
	if err != nil {
		t.Fatalf("event store: %v", err)
	}
	registry, err := schema.NewRegistry()
	if err != nil {
		t.Fatalf("schema registry: %v", err)
	}
	auth, err := NewSharedSecretAuthorizer(cfg.Auth.SharedSecret, cfg.Auth.DefaultScope)
	if err != nil {
		t.Fatalf("authorizer: %v", err)
	}
	store := &countingStore{Store: artifactStore}
	return &testGateway{
		server: newServer(cfg, auth, store, eventStore, registry),
		store:  store,
		events: eventStore,
		redis:  srv,
	}
}

// do sends req through the full middleware chain.
func (g *testGateway) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	g.server.routes().ServeHTTP(rec, req)
	return rec
}

func authed(req *http.Request) *http.Request {
	req.Header.Set("Authorization", "Bearer "+testToken)
	return req
}

var errBackendDown = backend.Unavailable("test", context.DeadlineExceeded)
