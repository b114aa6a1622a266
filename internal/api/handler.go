// Package api provides HTTP handlers for the session store API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/sessionkeeper/internal/session"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/containerd/errdefs"
)

// maxBodyBytes caps request bodies. Agent state documents can be large.
const maxBodyBytes = 8 << 20

// errEmptyBody is returned by decode when the request carries no body.
var errEmptyBody = store.Validation(errors.New("request body is empty"))

// Handler provides common handler utilities.
type Handler struct {
	repo     store.Repository
	sessions *session.Manager
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, sessions *session.Manager) *Handler {
	return &Handler{repo: repo, sessions: sessions}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// StatusFor maps a repository error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errdefs.IsNotFound(err):
		return http.StatusNotFound
	case errdefs.IsAlreadyExists(err):
		return http.StatusConflict
	case errdefs.IsInvalidArgument(err):
		return http.StatusBadRequest
	case errdefs.IsDataLoss(err):
		return http.StatusUnprocessableEntity
	case errdefs.IsUnavailable(err), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// storeError writes err with its mapped status. Server-side failures are
// logged and their detail is withheld from the client.
func storeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("Store operation failed", "error", err, "method", r.Method, "path", r.URL.Path)
		Error(w, status, http.StatusText(status))
		return
	}
	Error(w, status, err.Error())
}

// decode reads a JSON request body into v. Unknown fields are rejected.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return store.Validation(fmt.Errorf("invalid request body: %w", err))
	}
	return nil
}
