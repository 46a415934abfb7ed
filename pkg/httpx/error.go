package httpx

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// ErrorPayload is the body of every error response, wrapped as
// {"error": {"code":"...","message":"..."}}.
type ErrorPayload struct {
	Code          string `json:"code"`
	Message       string `json:"message"`
	RetryAfterSec int    `json:"retryAfterSec,omitempty"`
	Details       any    `json:"details,omitempty"`
}

func writeEnvelope(w http.ResponseWriter, status int, p ErrorPayload) {
	w.Header().Set("Content-Type", "application/json")
	if p.RetryAfterSec > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(p.RetryAfterSec))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": p})
}

// WriteError writes a JSON error using the HTTP status text as the code.
func WriteError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, ErrorPayload{Code: http.StatusText(status), Message: message})
}

// WriteTypedError writes a JSON error with a stable machine-readable code.
// retryAfter > 0 also sets the Retry-After header.
func WriteTypedError(w http.ResponseWriter, status int, code, message string, retryAfter int) {
	writeEnvelope(w, status, ErrorPayload{Code: code, Message: message, RetryAfterSec: retryAfter})
}

// WriteErrorWithDetails writes a JSON error carrying a details map, used for
// field-level validation failures.
func WriteErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeEnvelope(w, status, ErrorPayload{Code: code, Message: message, Details: details})
}
