package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/ashureev/sessionkeeper/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, storetest.Backend{
		NewLocation: func(*testing.T) string { return "" },
		Open: func(t *testing.T, _ string, opts ...store.Option) store.Repository {
			s := New(opts...)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		Ephemeral: true,
	})
}

func TestReturnedValuesDoNotAliasStore(t *testing.T) {
	ctx := context.Background()
	s := New()
	if _, err := s.CreateSession(ctx, domain.Session{SessionID: "s", SessionType: domain.SessionTypeAgent}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	if err := s.CreateAgent(ctx, "s", domain.AgentState{AgentID: "a", State: domain.Document{"k": "v"}}); err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	got, err := s.ReadAgent(ctx, "s", "a")
	if err != nil {
		t.Fatalf("ReadAgent() error = %v", err)
	}
	got.State["k"] = "mutated"

	again, err := s.ReadAgent(ctx, "s", "a")
	if err != nil {
		t.Fatalf("ReadAgent() error = %v", err)
	}
	if again.State["k"] != "v" {
		t.Errorf("stored state changed through returned value: %v", again.State)
	}
}

func TestClosedStore(t *testing.T) {
	s := New()
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Ping(context.Background()); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("Ping() after Close error = %v, want ErrStorageUnavailable", err)
	}
	if _, err := s.ReadSession(context.Background(), "s"); !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("ReadSession() after Close error = %v, want ErrStorageUnavailable", err)
	}
}
