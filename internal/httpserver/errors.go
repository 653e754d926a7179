package httpserver

import (
	"encoding/json"
	"net/http"
)

const (
	ErrInvalidJSON        = "invalid json"
	ErrMissingAgentID     = "missing agent_id"
	ErrUnknownAgent       = "unknown agent"
	ErrInvalidSignature   = "invalid signature"
	ErrInvalidCredentials = "invalid credentials"
	ErrInternal           = "internal error"
	ErrUpstream           = "upstream error"
	ErrNotFound           = "not found"
	ErrMethodNotAllowed   = "method not allowed"
	ErrBadForm            = "bad form"
	ErrPayloadTooLarge    = "payload too large"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "data": data})
}
