//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ashureev/sessionkeeper/internal/store/memstore"
)

func TestHealth(t *testing.T) {
	repo := memstore.New()
	h := NewHealthHandler(repo, "memory", 0)

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", w.Code)
	}

	var body struct {
		Status  string            `json:"status"`
		Backend string            `json:"backend"`
		Checks  map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body.Status != "healthy" || body.Backend != "memory" || body.Checks["storage"] != "ok" {
		t.Errorf("Unexpected health body: %+v", body)
	}
}

func TestHealthDegradedWhenStoreClosed(t *testing.T) {
	repo := memstore.New()
	_ = repo.Close()
	h := NewHealthHandler(repo, "memory", 0)

	w := httptest.NewRecorder()
	h.Health(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("Expected status 503, got %d", w.Code)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	if body["status"] != "degraded" {
		t.Errorf("Expected degraded status, got %v", body["status"])
	}
}
