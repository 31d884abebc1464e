package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/cordum/remotecache/core/infra/artifacts"
	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/events"
	"github.com/cordum/remotecache/core/infra/logging"
	"github.com/cordum/remotecache/core/infra/schema"
)

// handleRecordEvents stores a batch of cache usage events. The batch is
// accepted or rejected as a whole.
func (s *server) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
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
	if err := s.schemas.Validate(schema.CacheEvents, data); err != nil {
		http.Error(w, "body must be a non-empty array of cache events", http.StatusBadRequest)
		return
	}
	var batch []events.CacheEvent
	if err := json.Unmarshal(data, &batch); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx, cancel := s.backendContext(r)
	defer cancel()
	if err := s.events.Record(ctx, p.Scope, batch); err != nil {
		for i := range batch {
			s.cacheMetrics.IncEventsRecorded(string(batch[i].Source), "failed")
		}
		if backend.IsUnavailable(err) {
			logging.Warn("api-gateway", "event store unavailable", "op", "record_events", "scope", p.Scope, "events", len(batch), "error", err)
			writeUnavailable(w)
			return
		}
		logging.Error("api-gateway", "record events failed", "op", "record_events", "scope", p.Scope, "events", len(batch), "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	for i := range batch {
		s.cacheMetrics.IncEventsRecorded(string(batch[i].Source), string(batch[i].Event))
	}
	w.WriteHeader(http.StatusOK)
}
