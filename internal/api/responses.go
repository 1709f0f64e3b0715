package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gravitational/trace"
)

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// ErrorResponse is the standard error response body.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// WriteError writes a JSON error response.
func WriteError(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, ErrorResponse{Error: msg})
}

// WriteTraceError maps an error to an HTTP status from its kind and writes the
// standard error body. Unclassified errors become a 500 with a generic message
// so internals never leak to callers.
func WriteTraceError(w http.ResponseWriter, err error) {
	switch {
	case trace.IsBadParameter(err):
		WriteError(w, http.StatusBadRequest, trace.UserMessage(err))
	case trace.IsNotFound(err):
		WriteError(w, http.StatusNotFound, trace.UserMessage(err))
	case trace.IsAlreadyExists(err):
		WriteError(w, http.StatusConflict, trace.UserMessage(err))
	case trace.IsAccessDenied(err):
		WriteError(w, http.StatusUnauthorized, trace.UserMessage(err))
	case trace.IsLimitExceeded(err):
		WriteError(w, http.StatusTooManyRequests, trace.UserMessage(err))
	case trace.IsConnectionProblem(err):
		WriteError(w, http.StatusBadGateway, trace.UserMessage(err))
	default:
		WriteError(w, http.StatusInternalServerError, "internal server error")
	}
}

// DecodeJSON reads and decodes a JSON request body into v.
func DecodeJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("missing request body")
	}
	return json.NewDecoder(r.Body).Decode(v)
}
