package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/go-chi/chi/v5"
)

// DefaultHealthTimeout bounds the repository ping of a readiness check.
const DefaultHealthTimeout = 5 * time.Second

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo    store.Repository
	backend string
	timeout time.Duration
}

// NewHealthHandler creates a new health handler. A zero timeout uses
// DefaultHealthTimeout.
func NewHealthHandler(repo store.Repository, backend string, timeout time.Duration) *HealthHandler {
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}
	return &HealthHandler{repo: repo, backend: backend, timeout: timeout}
}

// Health returns the health status of the API and its storage backend.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	status := map[string]interface{}{
		"status":  "healthy",
		"backend": h.backend,
		"checks":  checks,
	}
	statusCode := http.StatusOK

	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err, "backend", h.backend)
		status["status"] = "degraded"
		checks["storage"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["storage"] = "ok"
	}

	JSON(w, statusCode, status)
}

// RegisterHealth registers the readiness route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.Health)
}
