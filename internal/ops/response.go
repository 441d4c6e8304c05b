package ops

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/voxbridge/voxbridge/internal/store"
)

// envelope wraps every JSON reply: {"data": ...} on success,
// {"error": ...} on failure.
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	reply(w, status, envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	reply(w, status, envelope{Error: msg})
}

// writeStoreError maps repository failures onto API responses: a missing
// row is the client's 404, everything else is logged and kept vague.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, what string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, what+" not found")
		return
	}
	logger.Error("store query failed", "object", what, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func reply(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		slog.Error("failed to encode api response", "error", err)
	}
}
