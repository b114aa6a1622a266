package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

type observation struct {
	method string
	route  string
	status int
}

type recorder struct {
	mu  sync.Mutex
	got []observation
}

func (r *recorder) ObserveHTTP(method, route string, status int, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, observation{method, route, status})
}

func TestMetricsLabelsByRoutePattern(t *testing.T) {
	rec := &recorder{}
	r := chi.NewRouter()
	r.Use(Metrics(rec))
	r.Get("/api/sessions/{sessionID}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.Post("/api/sessions", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/api/sessions/user-123", nil),
		httptest.NewRequest(http.MethodPost, "/api/sessions", nil),
		httptest.NewRequest(http.MethodGet, "/nope", nil),
	} {
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	want := []observation{
		{http.MethodGet, "/api/sessions/{sessionID}", http.StatusNotFound},
		{http.MethodPost, "/api/sessions", http.StatusOK},
		{http.MethodGet, unmatchedRoute, http.StatusNotFound},
	}
	if len(rec.got) != len(want) {
		t.Fatalf("Expected %d observations, got %d: %+v", len(want), len(rec.got), rec.got)
	}
	for i := range want {
		if rec.got[i] != want[i] {
			t.Errorf("observation %d = %+v, want %+v", i, rec.got[i], want[i])
		}
	}
}

func TestMetricsWithoutRouter(t *testing.T) {
	rec := &recorder{}
	h := Metrics(rec)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))

	if len(rec.got) != 1 || rec.got[0].route != unmatchedRoute || rec.got[0].status != http.StatusTeapot {
		t.Errorf("observations = %+v", rec.got)
	}
}
