package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
	"github.com/ashureev/sessionkeeper/internal/store/memstore"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// flakyRepo fails the first failures calls to UpdateAgent with err.
type flakyRepo struct {
	store.Repository
	failures atomic.Int32
	err      error
	calls    atomic.Int32
}

func (f *flakyRepo) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return f.err
	}
	return f.Repository.UpdateAgent(ctx, sessionID, agent)
}

func text(s string) domain.Turn {
	return domain.Turn{Role: "user", Content: []domain.Document{{"text": s}}}
}

func newTestManager(t *testing.T, repo store.Repository) *Manager {
	t.Helper()
	return NewManager(repo, WithLogger(quiet), WithRetry(RetryPolicy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}))
}

func TestStartIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, memstore.New())

	first, err := m.Start(ctx, "user-123", domain.SessionTypeAgent)
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	second, err := m.Start(ctx, "user-123", domain.SessionTypeMultiAgent)
	if err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if second.SessionType != domain.SessionTypeAgent || !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("second Start() = %+v, want the original session %+v", second, first)
	}
}

func TestStartRejectsInvalidID(t *testing.T) {
	m := newTestManager(t, memstore.New())
	if _, err := m.Start(context.Background(), "bad/id", domain.SessionTypeAgent); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("Start() error = %v, want ErrValidation", err)
	}
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	m := newTestManager(t, repo)

	if _, err := m.Start(ctx, "s", domain.SessionTypeAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	restored, err := m.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "default", State: domain.Document{"turns": int64(0)}})
	if err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	if !restored.Created || len(restored.Messages) != 0 {
		t.Fatalf("InitializeAgent() = %+v, want fresh agent", restored)
	}

	for i, s := range []string{"hello", "my name is Ada", "what is my name?"} {
		id, err := m.AppendMessage(ctx, "s", "default", text(s))
		if err != nil {
			t.Fatalf("AppendMessage(%q) error = %v", s, err)
		}
		if id != int64(i) {
			t.Errorf("AppendMessage(%q) id = %d, want %d", s, id, i)
		}
	}

	if err := m.SyncAgent(ctx, "s", domain.AgentState{AgentID: "default", State: domain.Document{"turns": int64(3)}}); err != nil {
		t.Fatalf("SyncAgent() error = %v", err)
	}
	id, err := m.RedactLatestMessage(ctx, "s", "default", text("[REDACTED]"))
	if err != nil {
		t.Fatalf("RedactLatestMessage() error = %v", err)
	}
	if id != 2 {
		t.Errorf("RedactLatestMessage() id = %d, want 2", id)
	}

	// A fresh manager, as after a process restart, resumes from storage.
	resumed := newTestManager(t, repo)
	restored, err = resumed.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "default", State: domain.Document{}})
	if err != nil {
		t.Fatalf("InitializeAgent() after restart error = %v", err)
	}
	if restored.Created {
		t.Error("InitializeAgent() after restart created a new agent")
	}
	if restored.Agent.State["turns"] != int64(3) {
		t.Errorf("restored state = %v, want turns=3", restored.Agent.State)
	}
	if len(restored.Messages) != 3 {
		t.Fatalf("restored %d messages, want 3", len(restored.Messages))
	}
	if restored.Messages[2].Content[0]["text"] != "[REDACTED]" {
		t.Errorf("latest restored turn = %v, want redacted text", restored.Messages[2])
	}

	next, err := resumed.AppendMessage(ctx, "s", "default", text("again"))
	if err != nil {
		t.Fatalf("AppendMessage() after restart error = %v", err)
	}
	if next != 3 {
		t.Errorf("AppendMessage() after restart id = %d, want 3", next)
	}
}

func TestAppendMessageResyncsAfterConcurrentWriter(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a := newTestManager(t, repo)
	b := newTestManager(t, repo)

	if _, err := a.Start(ctx, "s", domain.SessionTypeMultiAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := a.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "x", State: domain.Document{}}); err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	if _, err := b.AppendMessage(ctx, "s", "x", text("from b")); err != nil {
		t.Fatalf("b.AppendMessage() error = %v", err)
	}

	id, err := a.AppendMessage(ctx, "s", "x", text("from a"))
	if err != nil {
		t.Fatalf("a.AppendMessage() error = %v", err)
	}
	if id != 1 {
		t.Errorf("a.AppendMessage() id = %d, want 1", id)
	}
}

func TestAppendMessageRequiresAgent(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, memstore.New())
	if _, err := m.Start(ctx, "s", domain.SessionTypeAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.AppendMessage(ctx, "s", "ghost", text("hi")); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("AppendMessage() error = %v, want ErrNotFound", err)
	}
}

func TestRedactWithoutMessages(t *testing.T) {
	ctx := context.Background()
	m := newTestManager(t, memstore.New())
	if _, err := m.Start(ctx, "s", domain.SessionTypeAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "a", State: domain.Document{}}); err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	_, err := m.RedactLatestMessage(ctx, "s", "a", text("x"))
	if !errors.Is(err, ErrNoMessages) || !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("RedactLatestMessage() error = %v, want ErrNoMessages", err)
	}
}

func TestRedactTargetsLatestStoredMessage(t *testing.T) {
	ctx := context.Background()
	repo := memstore.New()
	a := newTestManager(t, repo)
	b := newTestManager(t, repo)

	if _, err := a.Start(ctx, "s", domain.SessionTypeAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := a.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "x", State: domain.Document{}}); err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	if _, err := a.AppendMessage(ctx, "s", "x", text("from a")); err != nil {
		t.Fatalf("a.AppendMessage() error = %v", err)
	}
	if _, err := b.AppendMessage(ctx, "s", "x", text("from b")); err != nil {
		t.Fatalf("b.AppendMessage() error = %v", err)
	}
	// Written straight to the repository, bypassing both managers.
	direct := domain.Message{MessageID: 7, Message: text("direct")}
	if err := repo.CreateMessage(ctx, "s", "x", direct); err != nil {
		t.Fatalf("CreateMessage() error = %v", err)
	}

	id, err := a.RedactLatestMessage(ctx, "s", "x", text("[REDACTED]"))
	if err != nil {
		t.Fatalf("RedactLatestMessage() error = %v", err)
	}
	if id != 7 {
		t.Fatalf("RedactLatestMessage() id = %d, want 7", id)
	}

	for msgID, wantRedacted := range map[int64]bool{0: false, 1: false, 7: true} {
		msg, err := repo.ReadMessage(ctx, "s", "x", msgID)
		if err != nil || msg == nil {
			t.Fatalf("ReadMessage(%d) = %v, %v", msgID, msg, err)
		}
		if got := msg.RedactMessage != nil; got != wantRedacted {
			t.Errorf("message %d redacted = %v, want %v", msgID, got, wantRedacted)
		}
	}

	next, err := a.AppendMessage(ctx, "s", "x", text("after"))
	if err != nil {
		t.Fatalf("AppendMessage() error = %v", err)
	}
	if next != 8 {
		t.Errorf("AppendMessage() id = %d, want 8", next)
	}
}

func TestSyncAgentRetriesUnavailable(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	repo := &flakyRepo{Repository: inner, err: store.Unavailable(errors.New("database is locked"))}
	repo.failures.Store(2)
	m := newTestManager(t, repo)

	if _, err := m.Start(ctx, "s", domain.SessionTypeAgent); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if _, err := m.InitializeAgent(ctx, "s", domain.AgentState{AgentID: "a", State: domain.Document{}}); err != nil {
		t.Fatalf("InitializeAgent() error = %v", err)
	}
	if err := m.SyncAgent(ctx, "s", domain.AgentState{AgentID: "a", State: domain.Document{"v": int64(2)}}); err != nil {
		t.Fatalf("SyncAgent() error = %v", err)
	}
	if got := repo.calls.Load(); got != 3 {
		t.Errorf("UpdateAgent calls = %d, want 3", got)
	}
}

func TestSyncAgentGivesUp(t *testing.T) {
	ctx := context.Background()
	repo := &flakyRepo{Repository: memstore.New(), err: store.Unavailable(errors.New("connection refused"))}
	repo.failures.Store(10)
	m := newTestManager(t, repo)

	err := m.SyncAgent(ctx, "s", domain.AgentState{AgentID: "a"})
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("SyncAgent() error = %v, want ErrStorageUnavailable", err)
	}
	if got := repo.calls.Load(); got != 3 {
		t.Errorf("UpdateAgent calls = %d, want 3", got)
	}
}

func TestSyncAgentDoesNotRetryNotFound(t *testing.T) {
	repo := &flakyRepo{Repository: memstore.New()}
	m := newTestManager(t, repo)

	err := m.SyncAgent(context.Background(), "s", domain.AgentState{AgentID: "a"})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("SyncAgent() error = %v, want ErrNotFound", err)
	}
	if got := repo.calls.Load(); got != 1 {
		t.Errorf("UpdateAgent calls = %d, want 1", got)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{Attempts: 5, BaseDelay: time.Hour, MaxDelay: time.Hour}

	calls := 0
	err := policy.Do(ctx, quiet, "op", func(context.Context) error {
		calls++
		cancel()
		return store.Unavailable(errors.New("timeout"))
	})
	if !errors.Is(err, context.Canceled) || !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("Do() error = %v, want canceled wrapping the last failure", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryDelay(t *testing.T) {
	p := RetryPolicy{Attempts: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := p.delay(i); got != w {
			t.Errorf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}
