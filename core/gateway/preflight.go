package gateway

import (
	"errors"
	"net/http"
	"sort"
	"strings"

	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/logging"
)

// handlePreflight negotiates a direct GET or PUT. The returned Location is
// signed for the requested method and for the declared headers that carry a
// value on this request. Authorization is never part of the signature.
func (s *server) handlePreflight(w http.ResponseWriter, r *http.Request) {
	scope, hash, ok := s.artifactTarget(w, r)
	if !ok {
		return
	}
	method := strings.ToUpper(strings.TrimSpace(r.Header.Get("Access-Control-Request-Method")))
	if method != http.MethodGet && method != http.MethodPut {
		http.Error(w, "Access-Control-Request-Method must be GET or PUT", http.StatusBadRequest)
		return
	}
	declared := declaredHeaders(r.Header.Get("Access-Control-Request-Headers"))
	signed := http.Header{}
	for _, name := range declared {
		if v := r.Header.Get(name); v != "" {
			signed.Set(name, v)
		}
	}

	ctx, cancel := s.backendContext(r)
	defer cancel()

	var location string
	var err error
	if presigner, direct := s.presigner(); direct {
		location, err = presigner.PresignRequest(ctx, method, artifacts.Key(scope, hash), signed, s.cfg.PresignExpiry)
		if errors.Is(err, backend.ErrUnsupported) {
			location, err = s.links.url(r, scope, hash, method, s.cfg.PresignExpiry)
		}
	} else {
		location, err = s.links.url(r, scope, hash, method, s.cfg.PresignExpiry)
	}
	if err != nil {
		logging.Error("api-gateway", "presign failed", "op", "preflight", "scope", scope, "hash", hash, "method", method, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	h := w.Header()
	h.Set("Location", location)
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", method)
	h.Set("Access-Control-Allow-Headers", strings.Join(declared, ", "))
	h.Set("allow_authorization_header", "false")
	w.WriteHeader(http.StatusOK)
}

// declaredHeaders parses Access-Control-Request-Headers into lower-case
// unique names, dropping authorization.
func declaredHeaders(raw string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || name == "authorization" {
			continue
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
