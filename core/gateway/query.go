package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
	"github.com/cordum/remotecache/core/infra/logging"
	"github.com/cordum/remotecache/core/infra/schema"
	"golang.org/x/sync/errgroup"
)

const artifactNotFoundMessage = "artifact not found"

type artifactQueryRequest struct {
	Hashes []string `json:"hashes"`
}

type artifactSummary struct {
	Size           int64  `json:"size"`
	TaskDurationMs int64  `json:"taskDurationMs"`
	Tag            string `json:"tag,omitempty"`
}

type queryErrorDetail struct {
	Message string `json:"message"`
}

type artifactQueryError struct {
	Error queryErrorDetail `json:"error"`
}

// readJSONBody reads a capped request body. It writes 400/413 itself.
func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		http.Error(w, "request body required", http.StatusBadRequest)
		return nil, false
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return nil, false
		}
		http.Error(w, "read request body", http.StatusBadRequest)
		return nil, false
	}
	if len(data) == 0 {
		http.Error(w, "request body required", http.StatusBadRequest)
		return nil, false
	}
	return data, true
}

func (s *server) handleQueryArtifacts(w http.ResponseWriter, r *http.Request) {
	p := principalFromRequest(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !artifacts.ValidSegment(p.Scope) {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return
	}
	data, ok := readJSONBody(w, r)
	if !ok {
		return
	}
	if err := s.schemas.Validate(schema.ArtifactQuery, data); err != nil {
		http.Error(w, "hashes must be a non-empty array of strings", http.StatusBadRequest)
		return
	}
	var req artifactQueryRequest
	if err := json.Unmarshal(data, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	hashes := dedupe(req.Hashes)
	for _, h := range hashes {
		if !artifacts.ValidSegment(h) {
			http.Error(w, "invalid artifact hash", http.StatusBadRequest)
			return
		}
	}

	results, err := s.queryArtifacts(r.Context(), p.Scope, hashes)
	if err != nil {
		if backend.IsUnavailable(err) {
			logging.Warn("api-gateway", "backend unavailable", "op", "query", "scope", p.Scope, "hashes", len(hashes), "error", err)
			writeUnavailable(w)
			return
		}
		logging.Error("api-gateway", "artifact query failed", "op", "query", "scope", p.Scope, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

// queryArtifacts looks every hash up concurrently. Each lookup owns one slot
// so results never depend on completion order. Only an unavailable backend
// aborts the batch; other failures become per-hash error entries.
func (s *server) queryArtifacts(ctx context.Context, scope string, hashes []string) (map[string]any, error) {
	slots := make([]any, len(hashes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.QueryConcurrency)
	for i, hash := range hashes {
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, s.cfg.BackendTimeout)
			defer cancel()
			summary, err := s.lookupArtifact(callCtx, scope, hash)
			switch {
			case err == nil:
				slots[i] = summary
			case backend.IsNotFound(err):
				slots[i] = artifactQueryError{Error: queryErrorDetail{Message: artifactNotFoundMessage}}
			case backend.IsUnavailable(err):
				return err
			default:
				logging.Error("api-gateway", "artifact lookup failed", "op", "query", "scope", scope, "hash", hash, "error", err)
				slots[i] = artifactQueryError{Error: queryErrorDetail{Message: "lookup failed"}}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(hashes))
	for i, hash := range hashes {
		out[hash] = slots[i]
	}
	return out, nil
}

func (s *server) lookupArtifact(ctx context.Context, scope, hash string) (*artifactSummary, error) {
	if s.cfg.QuerySource == config.QueryEvents {
		ev, err := s.events.Latest(ctx, scope, hash)
		s.cacheMetrics.IncArtifactOp("query_events", opResult(err))
		if err != nil {
			return nil, err
		}
		if ev == nil {
			return nil, backend.ErrNotFound
		}
		return &artifactSummary{Size: ev.SizeBytes(), TaskDurationMs: ev.DurationMs(), Tag: ev.Tag}, nil
	}
	info, err := s.store.Head(ctx, artifacts.Key(scope, hash))
	s.cacheMetrics.IncArtifactOp("query", opResult(err))
	if err != nil {
		return nil, err
	}
	return &artifactSummary{Size: info.Size, TaskDurationMs: info.Metadata.DurationMs(), Tag: info.Metadata.Tag()}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
