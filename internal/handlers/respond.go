package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aigoflow/chat-gateway/internal/models"
)

// maxBodyBytes caps chat request bodies
const maxBodyBytes = 4 << 20

// writeJSON encodes v without HTML escaping so non-ASCII and markup in model
// output reach the client unchanged.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		slog.Debug("Failed to write response", "error", err)
	}
}

func writeError(w http.ResponseWriter, e *models.APIError) {
	if e.Cause != nil {
		slog.Error("Request failed", "type", e.Type, "error", e.Cause)
	}
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(e.RetryAfter))
	}
	writeJSON(w, e.Status, e.Envelope())
}
