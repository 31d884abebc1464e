package gateway

import (
	"errors"
	"net/http"

	"github.com/cordum/remotecache/core/infra/backend"
	"github.com/cordum/remotecache/core/infra/logging"
)

const (
	statusEnabled  = "enabled"
	statusDisabled = "disabled"
)

type statusResponse struct {
	Status string `json:"status"`
}

// handleStatus reports the advisory cache status. It never gates other
// endpoints.
func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StatusOverride != "" {
		writeJSON(w, http.StatusOK, statusResponse{Status: s.cfg.StatusOverride})
		return
	}
	ctx, cancel := s.backendContext(r)
	defer cancel()

	err := s.store.Ping(ctx)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, statusResponse{Status: statusEnabled})
	case errors.Is(err, backend.ErrNotFound), errors.Is(err, backend.ErrForbidden):
		logging.Warn("api-gateway", "artifact store not usable", "op", "status", "error", err)
		writeJSON(w, http.StatusOK, statusResponse{Status: statusDisabled})
	default:
		logging.Error("api-gateway", "status probe failed", "op", "status", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
