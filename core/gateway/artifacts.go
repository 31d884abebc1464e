package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/config"
	"github.com/cordum/remotecache/core/infra/logging"
)

const (
	headerArtifactTag         = "x-artifact-tag"
	headerArtifactDuration    = "x-artifact-duration"
	headerArtifactCI          = "x-artifact-client-ci"
	headerArtifactInteractive = "x-artifact-client-interactive"
)

type uploadResponse struct {
	URLs []string `json:"urls"`
}

// artifactTarget resolves the caller's scope and the path hash. It writes
// the error response itself and returns ok=false on failure.
func (s *server) artifactTarget(w http.ResponseWriter, r *http.Request) (scope, hash string, ok bool) {
	p := principalFromRequest(r)
	if p == nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return "", "", false
	}
	hash = strings.TrimSpace(r.PathValue("hash"))
	if !artifacts.ValidSegment(hash) {
		http.Error(w, "invalid artifact hash", http.StatusBadRequest)
		return "", "", false
	}
	if !artifacts.ValidSegment(p.Scope) {
		http.Error(w, "invalid scope", http.StatusBadRequest)
		return "", "", false
	}
	return p.Scope, hash, true
}

// setArtifactHeaders writes the header set every HEAD/GET response carries.
// A nil info yields zero values so clients can parse misses uniformly.
func setArtifactHeaders(w http.ResponseWriter, info *artifacts.Info) {
	h := w.Header()
	if info == nil {
		h.Set("Content-Length", "0")
		h.Set("ETag", "")
		h.Set("Last-Modified", "")
		h.Set(headerArtifactTag, "")
		return
	}
	h.Set("Content-Length", strconv.FormatInt(info.Size, 10))
	h.Set("ETag", info.ETag)
	if info.LastModified.IsZero() {
		h.Set("Last-Modified", "")
	} else {
		h.Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	}
	h.Set(headerArtifactTag, info.Metadata.Tag())
}

// writeArtifactMiss answers a failed HEAD/GET with the empty header set and
// no body.
func writeArtifactMiss(w http.ResponseWriter, op, scope, hash string, err error) {
	setArtifactHeaders(w, nil)
	status := backendStatus(err)
	switch status {
	case http.StatusNotFound:
	case http.StatusServiceUnavailable:
		logging.Warn("api-gateway", "backend unavailable", "op", op, "scope", scope, "hash", hash, "error", err)
		w.Header().Set("Retry-After", retryAfterSecs)
	default:
		logging.Error("api-gateway", "backend call failed", "op", op, "scope", scope, "hash", hash, "error", err)
	}
	w.WriteHeader(status)
}

func (s *server) handleHeadArtifact(w http.ResponseWriter, r *http.Request) {
	scope, hash, ok := s.artifactTarget(w, r)
	if !ok {
		return
	}
	ctx, cancel := s.backendContext(r)
	defer cancel()

	info, err := s.store.Head(ctx, artifacts.Key(scope, hash))
	s.cacheMetrics.IncArtifactOp("head", opResult(err))
	if err != nil {
		writeArtifactMiss(w, "head", scope, hash, err)
		return
	}
	setArtifactHeaders(w, info)
	w.WriteHeader(http.StatusOK)
}

// handleArtifactRead serves GET and HEAD, which share one mux pattern.
func (s *server) handleArtifactRead(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodHead {
		s.handleHeadArtifact(w, r)
		return
	}
	s.handleGetArtifact(w, r)
}

func (s *server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	scope, hash, ok := s.artifactTarget(w, r)
	if !ok {
		return
	}
	ctx, answered, cancel := s.streamContext(r)
	defer cancel()

	obj, err := s.store.Get(ctx, artifacts.Key(scope, hash))
	if err = answered(err); err != nil {
		if obj != nil {
			_ = obj.Body.Close()
		}
		s.cacheMetrics.IncArtifactOp("get", opResult(err))
		writeArtifactMiss(w, "get", scope, hash, err)
		return
	}
	s.cacheMetrics.IncArtifactOp("get", opResult(nil))
	defer obj.Body.Close()

	setArtifactHeaders(w, &obj.Info)
	contentType := obj.ContentType
	if contentType == "" {
		contentType = artifacts.DefaultContentType
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	n, err := io.Copy(w, obj.Body)
	s.cacheMetrics.AddArtifactBytes("download", n)
	if err != nil {
		// Headers are gone; the client sees a short body against Content-Length.
		logging.Warn("api-gateway", "artifact stream interrupted", "op", "get", "scope", scope, "hash", hash, "bytes", n, "error", err)
	}
}

func (s *server) handlePutArtifact(w http.ResponseWriter, r *http.Request) {
	scope, hash, ok := s.artifactTarget(w, r)
	if !ok {
		return
	}
	if r.Body == nil || r.Body == http.NoBody || r.ContentLength <= 0 {
		http.Error(w, "artifact body and Content-Length required", http.StatusBadRequest)
		return
	}
	body := io.Reader(r.Body)
	if limit := s.cfg.MaxArtifactBytes; limit > 0 {
		if r.ContentLength > limit {
			http.Error(w, "artifact too large", http.StatusRequestEntityTooLarge)
			return
		}
		body = http.MaxBytesReader(w, r.Body, limit)
	}

	meta := artifacts.NewMetadata(
		strings.TrimSpace(r.Header.Get(headerArtifactDuration)),
		r.Header.Get(headerArtifactTag),
		strings.TrimSpace(r.Header.Get(headerArtifactCI)),
		strings.TrimSpace(r.Header.Get(headerArtifactInteractive)),
	)
	contentType := strings.TrimSpace(r.Header.Get("Content-Type"))
	if contentType == "" {
		contentType = artifacts.DefaultContentType
	}
	key := artifacts.Key(scope, hash)

	putCtx, cancelPut := s.transferContext(r)
	err := s.store.Put(putCtx, key, body, r.ContentLength, contentType, meta)
	cancelPut()
	s.cacheMetrics.IncArtifactOp("put", opResult(err))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "artifact too large", http.StatusRequestEntityTooLarge)
			return
		}
		writeBackendError(w, "put", scope, hash, err)
		return
	}
	s.cacheMetrics.AddArtifactBytes("upload", r.ContentLength)

	ctx, cancel := s.backendContext(r)
	defer cancel()
	link, err := s.downloadURL(ctx, r, scope, hash)
	if err != nil {
		logging.Error("api-gateway", "artifact url failed", "op", "put", "scope", scope, "hash", hash, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, uploadResponse{URLs: []string{link}})
}

// downloadURL returns a presigned store URL in direct mode, otherwise a
// signed link back through this service.
func (s *server) downloadURL(ctx context.Context, r *http.Request, scope, hash string) (string, error) {
	if presigner, ok := s.presigner(); ok {
		u, err := presigner.PresignGet(ctx, artifacts.Key(scope, hash), s.cfg.DownloadURLExpiry)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, backend.ErrUnsupported) {
			return "", err
		}
	}
	return s.links.url(r, scope, hash, http.MethodGet, s.cfg.DownloadURLExpiry)
}

func (s *server) presigner() (artifacts.Presigner, bool) {
	if s.cfg.URLMode != config.URLModeDirect {
		return nil, false
	}
	p, ok := s.store.(artifacts.Presigner)
	return p, ok
}
