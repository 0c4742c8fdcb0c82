package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/ahmethakanbesel/marketsync/internal/apperror"
)

// APIResponse is the envelope every endpoint answers with.
type APIResponse[T any] struct {
	Message string `json:"message"`
	Data    T      `json:"data"`
}

const maxBodyBytes = 1 << 20

func writeJSON[T any](w http.ResponseWriter, status int, data T) {
	writeEnvelope(w, status, APIResponse[T]{Message: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeEnvelope(w, status, APIResponse[any]{Message: message})
}

func writeEnvelope[T any](w http.ResponseWriter, status int, body APIResponse[T]) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeServiceError maps domain errors to their HTTP status. Anything that
// is not an AppError is logged and reported as a bare 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	if ae, ok := apperror.As(err); ok {
		if ae.HTTPStatus() >= http.StatusInternalServerError {
			requestLogger(r.Context()).Error("service error", "path", r.URL.Path, "error", err)
		}
		writeError(w, ae.HTTPStatus(), ae.Message())
		return
	}
	requestLogger(r.Context()).Error("unexpected error", "path", r.URL.Path, "error", err)
	writeError(w, http.StatusInternalServerError, "internal server error")
}

// decodeJSON reads a single JSON object from the body into dst. It writes
// the error response itself and reports whether the caller may continue.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		writeError(w, http.StatusUnsupportedMediaType, "content type must be application/json")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}
