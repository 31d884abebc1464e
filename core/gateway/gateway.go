// Package gateway serves the remote build-cache HTTP API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/buildinfo"
	"github.com/cordum/remotecache/core/infra/bus"
	"github.com/cordum/remotecache/core/infra/config"
	"github.com/cordum/remotecache/core/infra/events"
	"github.com/cordum/remotecache/core/infra/logging"
	infraMetrics "github.com/cordum/remotecache/core/infra/metrics"
	"github.com/cordum/remotecache/core/infra/redisutil"
	"github.com/cordum/remotecache/core/infra/schema"
	"github.com/cordum/remotecache/core/infra/tracing"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	metricsNamespace = "remotecache"
	maxJSONBodyBytes = 1 << 20
	shutdownTimeout  = 15 * time.Second
	retryAfterSecs   = "5"
)

type server struct {
	cfg          *config.Config
	auth         Authorizer
	links        *linkSigner
	store        artifacts.Store
	events       events.Store
	schemas      *schema.Registry
	metrics      infraMetrics.GatewayMetrics
	cacheMetrics infraMetrics.CacheMetrics
	limiter      *rate.Limiter
}

// Run starts the gateway with the authorizer selected by configuration and
// blocks until ctx is cancelled or a listener fails.
func Run(ctx context.Context, cfg *config.Config) error {
	return RunWithAuth(ctx, cfg, nil)
}

// RunWithAuth starts the gateway with a custom authorizer. When nil, the
// authorizer named by cfg.Auth.Mode is used.
func RunWithAuth(ctx context.Context, cfg *config.Config, auth Authorizer) error {
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tp, err := tracing.NewProvider(ctx, cfg.Tracing, buildinfo.Version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logging.Warn("api-gateway", "tracer shutdown failed", "error", err)
		}
	}()

	if auth == nil {
		auth, err = NewAuthorizer(cfg.Auth)
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
	}

	be, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer be.close()

	registry, err := schema.NewRegistry()
	if err != nil {
		return fmt.Errorf("init schemas: %w", err)
	}

	s := newServer(cfg, auth, be.store, be.events, registry)
	s.metrics = infraMetrics.NewGatewayProm(metricsNamespace)
	s.cacheMetrics = infraMetrics.NewCacheProm(metricsNamespace)
	logging.Info("api-gateway", "starting",
		"auth", cfg.Auth.Mode,
		"store", cfg.Store.Backend,
		"events", cfg.Events.Backend,
		"query_source", cfg.QuerySource,
		"url_mode", cfg.URLMode,
		"tracing", tp.Enabled(),
	)
	return startHTTPServer(ctx, s, cfg.HTTPAddr, cfg.MetricsAddr)
}

func newServer(cfg *config.Config, auth Authorizer, store artifacts.Store, ev events.Store, registry *schema.Registry) *server {
	return &server{
		cfg:          cfg,
		auth:         auth,
		links:        newLinkSigner(cfg.LinkSigningKey, cfg.PublicURL),
		store:        store,
		events:       ev,
		schemas:      registry,
		metrics:      infraMetrics.Noop{},
		cacheMetrics: infraMetrics.Noop{},
		limiter:      newLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
}

type backends struct {
	store   artifacts.Store
	events  events.Store
	closers []func()
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

// openBackends connects the artifact store, the event store and the optional
// NATS publisher named by cfg.
func openBackends(ctx context.Context, cfg *config.Config) (*backends, error) {
	be := &backends{}
	fail := func(err error) (*backends, error) {
		be.close()
		return nil, err
	}

	var rdb redis.UniversalClient
	if cfg.UsesRedis() {
		client, err := redisutil.Connect(ctx, cfg.Redis)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		rdb = client
		be.closers = append(be.closers, func() { _ = client.Close() })
	}

	switch cfg.Store.Backend {
	case config.StoreS3:
		store, err := artifacts.NewS3Store(ctx, cfg.Store)
		if err != nil {
			return fail(fmt.Errorf("init s3 store: %w", err))
		}
		be.store = store
	case config.StoreMinio:
		store, err := artifacts.NewMinioStore(cfg.Store)
		if err != nil {
			return fail(fmt.Errorf("init minio store: %w", err))
		}
		be.store = store
	case config.StoreRedis:
		store, err := artifacts.NewRedisStore(rdb, cfg.Retention())
		if err != nil {
			return fail(fmt.Errorf("init redis store: %w", err))
		}
		be.store = store
	default:
		return fail(fmt.Errorf("unknown store backend %q", cfg.Store.Backend))
	}

	var evStore events.Store
	switch cfg.Events.Backend {
	case config.EventsDynamo:
		store, err := events.NewDynamoStore(ctx, cfg.Events, cfg.Retention())
		if err != nil {
			return fail(fmt.Errorf("init dynamodb events: %w", err))
		}
		evStore = store
	case config.EventsRedis:
		store, err := events.NewRedisStore(rdb, cfg.Retention())
		if err != nil {
			return fail(fmt.Errorf("init redis events: %w", err))
		}
		evStore = store
	default:
		return fail(fmt.Errorf("unknown events backend %q", cfg.Events.Backend))
	}

	if cfg.Events.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.Events.NatsURL, bus.Options{
			Name:           "remotecache-gateway",
			JetStream:      cfg.Events.JetStream,
			StreamSubjects: []string{cfg.Events.Subject + ".>"},
			MaxAge:         cfg.Retention(),
		})
		if err != nil {
			return fail(fmt.Errorf("connect nats: %w", err))
		}
		be.closers = append(be.closers, nb.Close)
		evStore = events.NewPublishingStore(evStore, nb, cfg.Events.Subject)
		logging.Info("api-gateway", "publishing cache events", "subject", cfg.Events.Subject+".<scope>")
	}
	be.events = evStore
	return be, nil
}

// routes builds the full handler chain.
func (s *server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	// Artifacts. The GET pattern also serves HEAD.
	mux.HandleFunc("GET /v8/artifacts/{hash}", s.instrumented("/v8/artifacts/{hash}", s.handleArtifactRead))
	mux.HandleFunc("PUT /v8/artifacts/{hash}", s.instrumented("/v8/artifacts/{hash}", s.handlePutArtifact))
	mux.HandleFunc("OPTIONS /v8/artifacts/{hash}", s.instrumented("/v8/artifacts/{hash}", s.handlePreflight))
	mux.HandleFunc("POST /v8/artifacts", s.instrumented("/v8/artifacts", s.handleQueryArtifacts))

	// Telemetry and status
	mux.HandleFunc("POST /v8/artifacts/events", s.instrumented("/v8/artifacts/events", s.handleRecordEvents))
	mux.HandleFunc("GET /v8/artifacts/status", s.instrumented("/v8/artifacts/status", s.handleStatus))

	// Identity
	mux.HandleFunc("GET /v2/user", s.instrumented("/v2/user", s.handleGetUser))
	mux.HandleFunc("GET /v2/teams", s.instrumented("/v2/teams", s.handleListTeams))
	mux.HandleFunc("GET /v2/teams/{teamId}", s.instrumented("/v2/teams/{teamId}", s.handleGetTeam))

	handler := corsMiddleware(s.cfg.CORSAllowOrigins, rateLimitMiddleware(s.limiter, s.authMiddleware(mux)))
	return otelhttp.NewHandler(handler, "remotecache-gateway")
}

func startHTTPServer(ctx context.Context, s *server, httpAddr, metricsAddr string) error {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", infraMetrics.Handler())
	metricsSrv := &http.Server{
		Addr:         metricsAddr,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info("api-gateway", "metrics listening", "addr", metricsAddr+"/metrics")
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "metrics server error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              httpAddr,
		Handler:           s.routes(),
		ReadTimeout:       10 * time.Minute,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info("api-gateway", "http listening", "addr", httpAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		_ = metricsSrv.Close()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("api-gateway", "http server error", "error", err)
			return err
		}
		return nil
	case <-ctx.Done():
	}

	logging.Info("api-gateway", "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// backendContext bounds a single store call.
func (s *server) backendContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.BackendTimeout)
}

// transferContext bounds a call that moves an artifact body.
func (s *server) transferContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.cfg.TransferTimeout)
}

var errFirstByteTimeout = fmt.Errorf("backend did not answer in time: %w", context.DeadlineExceeded)

// streamContext is a transferContext whose store must still answer within
// BackendTimeout. Call answered with the store's error once the call returns:
// it stops the answer deadline, or reports it as unavailable when the
// deadline already fired. The body then streams under TransferTimeout only.
func (s *server) streamContext(r *http.Request) (ctx context.Context, answered func(error) error, cancel context.CancelFunc) {
	base, cancelBase := s.transferContext(r)
	ctx, cancelCause := context.WithCancelCause(base)
	timer := time.AfterFunc(s.cfg.BackendTimeout, func() { cancelCause(errFirstByteTimeout) })
	answered = func(err error) error {
		if timer.Stop() {
			return err
		}
		return backend.Unavailable("stream", errors.Join(errFirstByteTimeout, err))
	}
	cancel = func() {
		timer.Stop()
		cancelCause(nil)
		cancelBase()
	}
	return ctx, answered, cancel
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeUnavailable(w http.ResponseWriter) {
	w.Header().Set("Retry-After", retryAfterSecs)
	http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
}

// backendStatus maps a store error onto an HTTP status.
func backendStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case backend.IsNotFound(err):
		return http.StatusNotFound
	case backend.IsUnavailable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeBackendError logs a failed store call and writes a plain-text error.
func writeBackendError(w http.ResponseWriter, op, scope, hash string, err error) {
	switch status := backendStatus(err); status {
	case http.StatusNotFound:
		http.Error(w, "not found", status)
	case http.StatusServiceUnavailable:
		logging.Warn("api-gateway", "backend unavailable", "op", op, "scope", scope, "hash", hash, "error", err)
		writeUnavailable(w)
	default:
		logging.Error("api-gateway", "backend call failed", "op", op, "scope", scope, "hash", hash, "error", err)
		http.Error(w, "internal error", status)
	}
}

func opResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case backend.IsNotFound(err):
		return "miss"
	case backend.IsUnavailable(err):
		return "unavailable"
	default:
		return "error"
	}
}
