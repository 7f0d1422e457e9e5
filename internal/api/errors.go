package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetwatch/internal/auth"
	"fleetwatch/internal/ratelimit"
)

// errorBody is the structured error response agents parse.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: code, Message: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeGateError maps the gate-check error taxonomy to statuses and stable
// error codes.
func writeGateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		writeError(w, http.StatusUnauthorized, "missing_credential", "API key required")
	case errors.Is(err, auth.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid_credential", "unknown or disabled machine")
	case errors.Is(err, auth.ErrUnauthenticatedContext):
		writeError(w, http.StatusUnauthorized, "unauthenticated_context", "identity must be resolved before signature verification")
	case errors.Is(err, auth.ErrMissingSignature):
		writeError(w, http.StatusUnauthorized, "missing_signature", "request body signature required")
	case errors.Is(err, auth.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, "invalid_signature", "request body signature mismatch")
	case errors.Is(err, ratelimit.ErrRateLimited):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "rate_limited", "quota exceeded, back off and retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}
