package gateway

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/logging"
	"golang.org/x/time/rate"
)

const artifactPathPrefix = "/v8/artifacts/"

// corsMiddleware decorates responses for allowed browser origins. OPTIONS is
// passed through because artifact preflight is a routed endpoint.
func corsMiddleware(allowed []string, next http.Handler) http.Handler {
	origins, allowAll := originSet(allowed)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := strings.TrimSpace(r.Header.Get("Origin"))
		if origin != "" && isAllowedOrigin(r, origins, allowAll) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Add("Vary", "Origin")
			w.Header().Set("Access-Control-Expose-Headers", "Content-Length, ETag, Last-Modified, Location, x-artifact-tag")
		}
		next.ServeHTTP(w, r)
	})
}

func originSet(allowed []string) (map[string]struct{}, bool) {
	set := make(map[string]struct{}, len(allowed))
	for _, part := range allowed {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		if p == "*" {
			return nil, true
		}
		set[p] = struct{}{}
	}
	return set, false
}

func isAllowedOrigin(r *http.Request, allowed map[string]struct{}, allowAll bool) bool {
	if allowAll {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	u, err := url.Parse(origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return false
	}
	if len(allowed) == 0 {
		host := strings.ToLower(u.Hostname())
		switch host {
		case "localhost", "127.0.0.1", "::1":
			return true
		}
		reqHost := strings.ToLower(requestHostname(r.Host))
		return reqHost != "" && host == reqHost
	}
	_, ok := allowed[origin]
	return ok
}

func requestHostname(hostport string) string {
	hostport = strings.TrimSpace(hostport)
	if hostport == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(hostport); err == nil && host != "" {
		return host
	}
	return hostport
}

// newLimiter returns nil when rate limiting is disabled.
func newLimiter(rps float64, burst int) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

func rateLimitMiddleware(limiter *rate.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if !limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// authMiddleware resolves the caller before routing and stores the principal
// in the request context. Handlers never look at credentials again.
func (s *server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if token := r.URL.Query().Get(linkQueryParam); token != "" && r.Header.Get("Authorization") == "" {
			p, ok := s.authorizeLink(r, token)
			if !ok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
			return
		}

		token := bearerToken(r)
		if token == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		p, err := s.auth.Authorize(r.Context(), token)
		switch {
		case err == nil && p != nil && p.Scope != "":
		case err == nil || errors.Is(err, ErrUnauthorized):
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		case backend.IsUnavailable(err):
			logging.Warn("auth", "authorizer unavailable", "path", r.URL.Path, "error", err)
			writeUnavailable(w)
			return
		default:
			logging.Error("auth", "authorize failed", "path", r.URL.Path, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r.WithContext(withPrincipal(r.Context(), p)))
	})
}

// authorizeLink accepts a signed artifact link for exactly the method and
// hash it was issued for.
func (s *server) authorizeLink(r *http.Request, token string) (*Principal, bool) {
	hash, ok := strings.CutPrefix(r.URL.Path, artifactPathPrefix)
	if !ok || hash == "" || strings.Contains(hash, "/") {
		return nil, false
	}
	claims, err := s.links.verify(token)
	if err != nil {
		logging.Warn("auth", "artifact link rejected", "hash", hash, "error", err)
		return nil, false
	}
	if !claims.allows(r.Method, hash) {
		return nil, false
	}
	return &Principal{Scope: claims.Scope, TeamSlug: claims.Scope, Method: "link"}, true
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush preserves streaming support if the wrapped writer implements it.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// instrumented wraps handlers to record metrics.
func (s *server) instrumented(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		fn(rec, r)
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, fmt.Sprintf("%d", rec.status), time.Since(start).Seconds())
		}
	}
}
