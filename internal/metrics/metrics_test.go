package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/ashureev/sessionkeeper/internal/store/memstore"
)

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, OutcomeOK},
		{fmt.Errorf("read: %w", store.ErrNotFound), OutcomeNotFound},
		{store.ErrDuplicateKey, OutcomeDuplicate},
		{store.Validation(errors.New("bad id")), OutcomeValidation},
		{store.ErrSerialization, OutcomeSerialization},
		{store.Unavailable(errors.New("disk full")), OutcomeUnavailable},
		{context.Canceled, OutcomeCanceled},
		{errors.New("boom"), OutcomeError},
	}
	for _, tt := range tests {
		if got := Outcome(tt.err); got != tt.want {
			t.Errorf("Outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestInstrumentRepository(t *testing.T) {
	m := New()
	repo := m.InstrumentRepository(memstore.New(), "memory")
	ctx := context.Background()

	if _, err := repo.CreateSession(ctx, domain.Session{SessionID: "s", SessionType: domain.SessionTypeAgent}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if _, err := repo.CreateSession(ctx, domain.Session{SessionID: "s", SessionType: domain.SessionTypeAgent}); !errors.Is(err, store.ErrDuplicateKey) {
		t.Fatalf("second CreateSession() error = %v, want ErrDuplicateKey", err)
	}
	if _, err := repo.ReadSession(ctx, "s"); err != nil {
		t.Fatalf("ReadSession() error = %v", err)
	}
	if _, err := repo.ReadSession(ctx, "absent"); err != nil {
		t.Fatalf("ReadSession(absent) error = %v", err)
	}

	checks := []struct {
		op, outcome string
		want        float64
	}{
		{"create_session", OutcomeOK, 1},
		{"create_session", OutcomeDuplicate, 1},
		{"read_session", OutcomeOK, 1},
		{"read_session", OutcomeMiss, 1},
	}
	for _, c := range checks {
		got := testutil.ToFloat64(m.storeOps.WithLabelValues("memory", c.op, c.outcome))
		if got != c.want {
			t.Errorf("operations_total{%s,%s} = %v, want %v", c.op, c.outcome, got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.storeDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveHTTP(http.MethodGet, "/api/sessions/{sessionID}", http.StatusOK, 5*time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`sessionkeeper_http_requests_total{code="200",method="GET",route="/api/sessions/{sessionID}"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
