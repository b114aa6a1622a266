package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
	"gopkg.in/yaml.v3"
)

// setupStore points the CLI at a fresh SQLite file and returns its path.
func setupStore(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sessions.db")
	t.Setenv("SESSION_BACKEND", "sqlite")
	t.Setenv("SESSION_CODEC", "json")
	t.Setenv("DB_PATH", path)
	t.Setenv("LOG_LEVEL", "error")
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	a := &app{}
	root := newRootCmd(a)

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	err := root.ExecuteContext(context.Background())
	if closeErr := a.close(); closeErr != nil {
		t.Fatalf("close repository: %v", closeErr)
	}
	return out.String(), err
}

func seed(t *testing.T, path string) {
	t.Helper()
	ctx := context.Background()
	repo, err := store.NewSQLite(path)
	if err != nil {
		t.Fatalf("NewSQLite() error = %v", err)
	}
	defer repo.Close()

	if _, err := repo.CreateSession(ctx, domain.Session{SessionID: "s1", SessionType: domain.SessionTypeAgent}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}
	for _, id := range []string{"writer", "critic"} {
		if err := repo.CreateAgent(ctx, "s1", domain.AgentState{AgentID: id, State: domain.Document{"role": id}}); err != nil {
			t.Fatalf("CreateAgent(%s) error = %v", id, err)
		}
	}
	for i, text := range []string{"hello", "favourite number is 42", "noted"} {
		msg := domain.Message{
			MessageID: int64(i),
			Message:   domain.Turn{Role: "user", Content: []domain.Document{{"text": text}}},
		}
		if err := repo.CreateMessage(ctx, "s1", "writer", msg); err != nil {
			t.Fatalf("CreateMessage(%d) error = %v", i, err)
		}
	}
}

func TestInit(t *testing.T) {
	setupStore(t)

	out, err := run(t, "init")
	if err != nil {
		t.Fatalf("init error = %v", err)
	}
	if !strings.Contains(out, "backend=sqlite") {
		t.Errorf("init output = %q", out)
	}
}

func TestSessionCreateAndShow(t *testing.T) {
	setupStore(t)

	out, err := run(t, "session", "create", "user-123", "--type", "MULTI_AGENT")
	if err != nil {
		t.Fatalf("session create error = %v", err)
	}
	var created domain.Session
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if created.SessionID != "user-123" || created.SessionType != domain.SessionTypeMultiAgent {
		t.Errorf("created = %+v", created)
	}

	if _, err := run(t, "session", "create", "user-123"); err == nil || exitCode(err) != exitError {
		t.Errorf("duplicate create error = %v, want exit code %d", err, exitError)
	}

	out, err = run(t, "session", "show", "user-123", "-o", "yaml")
	if err != nil {
		t.Fatalf("session show error = %v", err)
	}
	var shown map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &shown); err != nil {
		t.Fatalf("decode yaml %q: %v", out, err)
	}
	if shown["session_id"] != "user-123" || shown["session_type"] != "MULTI_AGENT" {
		t.Errorf("shown = %v", shown)
	}

	_, err = run(t, "session", "show", "nobody")
	if exitCode(err) != exitNotFound {
		t.Errorf("show missing exit code = %d (err %v), want %d", exitCode(err), err, exitNotFound)
	}
}

func TestSessionCreateGeneratesID(t *testing.T) {
	setupStore(t)

	out, err := run(t, "session", "create")
	if err != nil {
		t.Fatalf("session create error = %v", err)
	}
	var created domain.Session
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if !strings.HasPrefix(created.SessionID, "sess_") {
		t.Errorf("generated id = %q", created.SessionID)
	}
}

func TestAgentCommands(t *testing.T) {
	path := setupStore(t)
	seed(t, path)

	out, err := run(t, "agent", "list", "s1")
	if err != nil {
		t.Fatalf("agent list error = %v", err)
	}
	var agents []domain.AgentState
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(agents) != 2 || agents[0].AgentID != "critic" || agents[1].AgentID != "writer" {
		t.Errorf("agents = %+v, want [critic writer]", agents)
	}

	out, err = run(t, "agent", "show", "s1", "writer")
	if err != nil {
		t.Fatalf("agent show error = %v", err)
	}
	var agent domain.AgentState
	if err := json.Unmarshal([]byte(out), &agent); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if agent.State["role"] != "writer" {
		t.Errorf("agent state = %v", agent.State)
	}

	if _, err := run(t, "agent", "show", "s1", "ghost"); exitCode(err) != exitNotFound {
		t.Errorf("show missing agent error = %v, want not found", err)
	}
	if _, err := run(t, "agent", "list", "missing"); exitCode(err) != exitNotFound {
		t.Errorf("list agents of missing session error = %v, want not found", err)
	}
}

func TestMessageCommands(t *testing.T) {
	path := setupStore(t)
	seed(t, path)

	out, err := run(t, "message", "list", "s1", "writer", "--limit", "1", "--offset", "1", "-o", "yaml")
	if err != nil {
		t.Fatalf("message list error = %v", err)
	}
	var page []map[string]interface{}
	if err := yaml.Unmarshal([]byte(out), &page); err != nil {
		t.Fatalf("decode yaml %q: %v", out, err)
	}
	if len(page) != 1 || page[0]["message_id"] != 1 {
		t.Errorf("page = %v, want message 1 only", page)
	}
	if page[0]["redact_message"] != nil {
		t.Errorf("redact_message = %v, want null", page[0]["redact_message"])
	}

	out, err = run(t, "message", "list", "s1", "writer")
	if err != nil {
		t.Fatalf("message list error = %v", err)
	}
	var all []domain.Message
	if err := json.Unmarshal([]byte(out), &all); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(all) != 3 {
		t.Errorf("list all = %d messages, want 3", len(all))
	}

	out, err = run(t, "message", "show", "s1", "writer", "1")
	if err != nil {
		t.Fatalf("message show error = %v", err)
	}
	var msg domain.Message
	if err := json.Unmarshal([]byte(out), &msg); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if msg.Message.Content[0]["text"] != "favourite number is 42" {
		t.Errorf("message 1 = %+v", msg)
	}

	if _, err := run(t, "message", "show", "s1", "writer", "9"); exitCode(err) != exitNotFound {
		t.Errorf("show missing message error = %v, want not found", err)
	}
	if _, err := run(t, "message", "show", "s1", "writer", "x"); err == nil || exitCode(err) != exitError {
		t.Errorf("non-numeric id error = %v, want exit code %d", err, exitError)
	}
	if _, err := run(t, "message", "list", "s1", "writer", "--offset", "-1"); !errors.Is(err, store.ErrValidation) {
		t.Errorf("negative offset error = %v, want validation", err)
	}
}

func TestRejectsUnknownOutput(t *testing.T) {
	setupStore(t)
	if _, err := run(t, "init", "-o", "xml"); err == nil {
		t.Fatal("init -o xml succeeded, want error")
	}
}
