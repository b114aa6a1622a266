// Package storetest holds the behavioral suite every store.Repository
// implementation must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/containerd/errdefs"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/ashureev/sessionkeeper/internal/codec"
	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

// Backend describes how the suite obtains repositories for one implementation.
type Backend struct {
	// NewLocation returns a fresh, empty location (path, schema, prefix).
	NewLocation func(t *testing.T) string
	// Open opens a repository at loc. Opening the same loc twice must observe
	// the same data.
	Open func(t *testing.T, loc string, opts ...store.Option) store.Repository
	// Ephemeral marks backends whose data does not outlive the instance.
	Ephemeral bool
}

// Clock is a deterministic time source that advances one second per reading.
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock returns a Clock starting at start.
func NewClock(start time.Time) *Clock {
	return &Clock{now: start}
}

// Now returns the current reading and advances the clock.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now
	c.now = c.now.Add(time.Second)
	return t
}

var epoch = time.Date(2025, 3, 14, 9, 26, 53, 589793000, time.UTC)

type fixture struct {
	repo  store.Repository
	clock *Clock
	ctx   context.Context
}

func (b Backend) open(t *testing.T, opts ...store.Option) fixture {
	t.Helper()
	clock := NewClock(epoch)
	opts = append([]store.Option{store.WithClock(clock.Now)}, opts...)
	repo := b.Open(t, b.NewLocation(t), opts...)
	return fixture{repo: repo, clock: clock, ctx: context.Background()}
}

// Run executes the full suite against b.
func Run(t *testing.T, b Backend) {
	t.Run("SessionRoundTrip", func(t *testing.T) { testSessionRoundTrip(t, b) })
	t.Run("SessionDefaultsTimestamps", func(t *testing.T) { testSessionDefaults(t, b) })
	t.Run("DuplicateSession", func(t *testing.T) { testDuplicateSession(t, b) })
	t.Run("AgentRoundTrip", func(t *testing.T) { testAgentRoundTrip(t, b) })
	t.Run("AgentRequiresSession", func(t *testing.T) { testAgentRequiresSession(t, b) })
	t.Run("DuplicateAgent", func(t *testing.T) { testDuplicateAgent(t, b) })
	t.Run("UpdateAgent", func(t *testing.T) { testUpdateAgent(t, b) })
	t.Run("UpdateMissingAgent", func(t *testing.T) { testUpdateMissingAgent(t, b) })
	t.Run("ListAgents", func(t *testing.T) { testListAgents(t, b) })
	t.Run("MessageRoundTrip", func(t *testing.T) { testMessageRoundTrip(t, b) })
	t.Run("RedactionAbsence", func(t *testing.T) { testRedactionAbsence(t, b) })
	t.Run("MessageRequiresAgent", func(t *testing.T) { testMessageRequiresAgent(t, b) })
	t.Run("DuplicateMessage", func(t *testing.T) { testDuplicateMessage(t, b) })
	t.Run("UpdateMessage", func(t *testing.T) { testUpdateMessage(t, b) })
	t.Run("ListMessagesOrdering", func(t *testing.T) { testListOrdering(t, b) })
	t.Run("ListMessagesPagination", func(t *testing.T) { testPagination(t, b) })
	t.Run("ScopesAreIsolated", func(t *testing.T) { testScopeIsolation(t, b) })
	t.Run("ReadMissing", func(t *testing.T) { testReadMissing(t, b) })
	t.Run("RejectsInvalidInput", func(t *testing.T) { testValidation(t, b) })
	t.Run("YAMLCodec", func(t *testing.T) { testYAMLCodec(t, b) })
	t.Run("ConcurrentDuplicateMessage", func(t *testing.T) { testConcurrentDuplicate(t, b) })
	t.Run("Reopen", func(t *testing.T) { testReopen(t, b) })
	t.Run("Ping", func(t *testing.T) {
		f := b.open(t)
		require.NoError(t, f.repo.Ping(f.ctx))
	})
}

// SampleState is a nested document covering every value kind.
func SampleState() domain.Document {
	return domain.Document{
		"count":    int64(3),
		"ratio":    0.25,
		"whole":    float64(2),
		"enabled":  true,
		"nothing":  nil,
		"greeting": "héllo, 世界",
		"tags":     []any{"a", int64(1), 1.5, false, nil},
		"nested": map[string]any{
			"deep":  map[string]any{"list": []any{map[string]any{"k": "v"}}},
			"empty": map[string]any{},
		},
	}
}

// SampleTurn returns a message turn with text and tool-use blocks.
func SampleTurn(text string) domain.Turn {
	return domain.Turn{
		Role: "user",
		Content: []domain.Document{
			{"text": text},
			{"toolUse": map[string]any{"name": "search", "input": map[string]any{"q": text, "n": int64(5)}}},
		},
	}
}

func seedSession(t *testing.T, f fixture) string {
	t.Helper()
	id := "sess-" + uuid.NewString()
	_, err := f.repo.CreateSession(f.ctx, domain.Session{SessionID: id, SessionType: domain.SessionTypeAgent})
	require.NoError(t, err)
	return id
}

func seedAgent(t *testing.T, f fixture) (string, string) {
	t.Helper()
	sessionID := seedSession(t, f)
	require.NoError(t, f.repo.CreateAgent(f.ctx, sessionID, domain.AgentState{
		AgentID:                  "default",
		State:                    domain.Document{},
		ConversationManagerState: domain.Document{"window": int64(40)},
	}))
	return sessionID, "default"
}

func seedMessages(t *testing.T, f fixture, sessionID, agentID string, ids ...int64) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{
			MessageID: id,
			Message:   SampleTurn(fmt.Sprintf("message %d", id)),
		}))
	}
}

func messageIDs(messages []*domain.Message) []int64 {
	ids := make([]int64, len(messages))
	for i, m := range messages {
		ids[i] = m.MessageID
	}
	return ids
}

func testSessionRoundTrip(t *testing.T, b Backend) {
	f := b.open(t)
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	in := domain.Session{
		SessionID:   "chat-42",
		SessionType: domain.SessionTypeMultiAgent,
		CreatedAt:   created,
		UpdatedAt:   created.Add(time.Minute),
	}

	out, err := f.repo.CreateSession(f.ctx, in)
	require.NoError(t, err)
	assert.Equal(t, in, *out)

	got, err := f.repo.ReadSession(f.ctx, "chat-42")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)
}

func testSessionDefaults(t *testing.T, b Backend) {
	f := b.open(t)
	out, err := f.repo.CreateSession(f.ctx, domain.Session{SessionID: "s1", SessionType: domain.SessionTypeAgent})
	require.NoError(t, err)
	assert.Equal(t, epoch, out.CreatedAt)
	assert.Equal(t, epoch, out.UpdatedAt)

	got, err := f.repo.ReadSession(f.ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *out, *got)
}

func testDuplicateSession(t *testing.T, b Backend) {
	f := b.open(t)
	first := domain.Session{SessionID: "dup", SessionType: domain.SessionTypeAgent}
	_, err := f.repo.CreateSession(f.ctx, first)
	require.NoError(t, err)

	_, err = f.repo.CreateSession(f.ctx, domain.Session{SessionID: "dup", SessionType: domain.SessionTypeMultiAgent})
	require.ErrorIs(t, err, store.ErrDuplicateKey)
	assert.True(t, errdefs.IsAlreadyExists(err))

	got, err := f.repo.ReadSession(f.ctx, "dup")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.SessionTypeAgent, got.SessionType)
}

func testAgentRoundTrip(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID := seedSession(t, f)
	in := domain.AgentState{
		AgentID:                  "planner",
		State:                    SampleState(),
		ConversationManagerState: domain.Document{"removed_message_count": int64(0), "__name__": "SlidingWindowConversationManager"},
		CreatedAt:                time.Date(2024, 5, 6, 7, 8, 9, 123456000, time.UTC),
		UpdatedAt:                time.Date(2024, 5, 6, 7, 8, 10, 0, time.UTC),
	}
	require.NoError(t, f.repo.CreateAgent(f.ctx, sessionID, in))

	got, err := f.repo.ReadAgent(f.ctx, sessionID, "planner")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)
}

func testAgentRequiresSession(t *testing.T, b Backend) {
	f := b.open(t)
	err := f.repo.CreateAgent(f.ctx, "no-such-session", domain.AgentState{AgentID: "a", State: domain.Document{}})
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.True(t, errdefs.IsNotFound(err))

	got, err := f.repo.ReadAgent(f.ctx, "no-such-session", "a")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func testDuplicateAgent(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)

	err := f.repo.CreateAgent(f.ctx, sessionID, domain.AgentState{AgentID: agentID, State: domain.Document{"overwritten": true}})
	require.ErrorIs(t, err, store.ErrDuplicateKey)

	got, err := f.repo.ReadAgent(f.ctx, sessionID, agentID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, domain.Document{}, got.State)
}

func testUpdateAgent(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	before, err := f.repo.ReadAgent(f.ctx, sessionID, agentID)
	require.NoError(t, err)
	require.NotNil(t, before)

	stale := time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, f.repo.UpdateAgent(f.ctx, sessionID, domain.AgentState{
		AgentID:                  agentID,
		State:                    SampleState(),
		ConversationManagerState: domain.Document{"window": int64(10)},
		CreatedAt:                stale,
		UpdatedAt:                stale,
	}))

	after, err := f.repo.ReadAgent(f.ctx, sessionID, agentID)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, SampleState(), after.State)
	assert.Equal(t, domain.Document{"window": int64(10)}, after.ConversationManagerState)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt), "updated_at %v should be after %v", after.UpdatedAt, before.UpdatedAt)
}

func testUpdateMissingAgent(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID := seedSession(t, f)

	err := f.repo.UpdateAgent(f.ctx, sessionID, domain.AgentState{AgentID: "ghost", State: domain.Document{}})
	require.ErrorIs(t, err, store.ErrNotFound)

	got, err := f.repo.ReadAgent(f.ctx, sessionID, "ghost")
	require.NoError(t, err)
	assert.Nil(t, got, "update must not create the agent")

	err = f.repo.UpdateAgent(f.ctx, "no-such-session", domain.AgentState{AgentID: "ghost", State: domain.Document{}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func testListAgents(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID := seedSession(t, f)
	for _, id := range []string{"writer", "critic", "planner"} {
		require.NoError(t, f.repo.CreateAgent(f.ctx, sessionID, domain.AgentState{AgentID: id, State: domain.Document{"name": id}}))
	}

	agents, err := f.repo.ListAgents(f.ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, agents, 3)
	for i, want := range []string{"critic", "planner", "writer"} {
		assert.Equal(t, want, agents[i].AgentID)
		assert.Equal(t, domain.Document{"name": want}, agents[i].State)
	}

	empty, err := f.repo.ListAgents(f.ctx, "no-such-session")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testMessageRoundTrip(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	redacted := domain.Turn{Role: "user", Content: []domain.Document{{"text": "[REDACTED]"}}}
	in := domain.Message{
		MessageID:     0,
		Message:       SampleTurn("what's the weather?"),
		RedactMessage: &redacted,
		CreatedAt:     time.Date(2024, 8, 9, 10, 11, 12, 0, time.UTC),
		UpdatedAt:     time.Date(2024, 8, 9, 10, 11, 12, 0, time.UTC),
	}
	require.NoError(t, f.repo.CreateMessage(f.ctx, sessionID, agentID, in))

	got, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 0)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)
}

func testRedactionAbsence(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	require.NoError(t, f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: 1, Message: SampleTurn("hi")}))
	empty := domain.Turn{}
	require.NoError(t, f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: 2, Message: SampleTurn("hi"), RedactMessage: &empty}))

	absent, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 1)
	require.NoError(t, err)
	require.NotNil(t, absent)
	assert.Nil(t, absent.RedactMessage)

	present, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 2)
	require.NoError(t, err)
	require.NotNil(t, present)
	require.NotNil(t, present.RedactMessage)
	assert.Equal(t, domain.Turn{}, *present.RedactMessage)
}

func testMessageRequiresAgent(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID := seedSession(t, f)

	err := f.repo.CreateMessage(f.ctx, sessionID, "ghost", domain.Message{MessageID: 1, Message: SampleTurn("x")})
	require.ErrorIs(t, err, store.ErrNotFound)

	err = f.repo.CreateMessage(f.ctx, "no-such-session", "ghost", domain.Message{MessageID: 1, Message: SampleTurn("x")})
	require.ErrorIs(t, err, store.ErrNotFound)

	messages, err := f.repo.ListMessages(f.ctx, sessionID, "ghost", store.All)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func testDuplicateMessage(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	seedMessages(t, f, sessionID, agentID, 7)

	err := f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: 7, Message: SampleTurn("second")})
	require.ErrorIs(t, err, store.ErrDuplicateKey)

	got, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 7)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, SampleTurn("message 7"), got.Message)
}

func testUpdateMessage(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	seedMessages(t, f, sessionID, agentID, 1)
	before, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 1)
	require.NoError(t, err)
	require.NotNil(t, before)

	redacted := domain.Turn{Role: "user", Content: []domain.Document{{"text": "[REDACTED]"}}}
	require.NoError(t, f.repo.UpdateMessage(f.ctx, sessionID, agentID, domain.Message{
		MessageID:     1,
		Message:       SampleTurn("edited"),
		RedactMessage: &redacted,
	}))

	after, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 1)
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.Equal(t, SampleTurn("edited"), after.Message)
	require.NotNil(t, after.RedactMessage)
	assert.Equal(t, redacted, *after.RedactMessage)
	assert.Equal(t, before.CreatedAt, after.CreatedAt)
	assert.True(t, after.UpdatedAt.After(before.UpdatedAt))

	// Clearing the redaction restores absence.
	require.NoError(t, f.repo.UpdateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: 1, Message: SampleTurn("edited")}))
	cleared, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 1)
	require.NoError(t, err)
	require.NotNil(t, cleared)
	assert.Nil(t, cleared.RedactMessage)

	err = f.repo.UpdateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: 99, Message: SampleTurn("x")})
	require.ErrorIs(t, err, store.ErrNotFound)
	missing, err := f.repo.ReadMessage(f.ctx, sessionID, agentID, 99)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testListOrdering(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	seedMessages(t, f, sessionID, agentID, 10, 2, 30, 1, 0, 11)

	messages, err := f.repo.ListMessages(f.ctx, sessionID, agentID, store.All)
	require.NoError(t, err)
	assert.Equal(t, []int64{0, 1, 2, 10, 11, 30}, messageIDs(messages))
}

func testPagination(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)
	seedMessages(t, f, sessionID, agentID, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10)

	tests := []struct {
		name string
		page store.Page
		want []int64
	}{
		{"first page", store.Limit(3, 0), []int64{1, 2, 3}},
		{"second page", store.Limit(3, 3), []int64{4, 5, 6}},
		{"last partial page", store.Limit(3, 9), []int64{10}},
		{"unbounded", store.All, []int64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}},
		{"offset without limit", store.Page{Offset: 8}, []int64{9, 10}},
		{"offset past end", store.Limit(3, 10), []int64{}},
		{"zero limit", store.Limit(0, 0), []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			messages, err := f.repo.ListMessages(f.ctx, sessionID, agentID, tt.page)
			require.NoError(t, err)
			assert.Equal(t, tt.want, messageIDs(messages))
		})
	}

	_, err := f.repo.ListMessages(f.ctx, sessionID, agentID, store.Limit(-1, 0))
	require.ErrorIs(t, err, store.ErrValidation)
	_, err = f.repo.ListMessages(f.ctx, sessionID, agentID, store.Page{Offset: -1})
	require.ErrorIs(t, err, store.ErrValidation)
}

func testScopeIsolation(t *testing.T, b Backend) {
	f := b.open(t)
	first, agentID := seedAgent(t, f)
	second, _ := seedAgent(t, f)
	seedMessages(t, f, first, agentID, 1, 2)
	seedMessages(t, f, second, agentID, 1)

	messages, err := f.repo.ListMessages(f.ctx, first, agentID, store.All)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, messageIDs(messages))

	messages, err = f.repo.ListMessages(f.ctx, second, agentID, store.All)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, messageIDs(messages))
}

func testReadMissing(t *testing.T, b Backend) {
	f := b.open(t)

	sess, err := f.repo.ReadSession(f.ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, sess)

	agent, err := f.repo.ReadAgent(f.ctx, "missing", "missing")
	require.NoError(t, err)
	assert.Nil(t, agent)

	msg, err := f.repo.ReadMessage(f.ctx, "missing", "missing", 1)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func testValidation(t *testing.T, b Backend) {
	f := b.open(t)

	_, err := f.repo.CreateSession(f.ctx, domain.Session{SessionID: "ok", SessionType: "CHATROOM"})
	require.ErrorIs(t, err, store.ErrValidation)
	assert.True(t, errdefs.IsInvalidArgument(err))

	_, err = f.repo.CreateSession(f.ctx, domain.Session{SessionID: "../escape", SessionType: domain.SessionTypeAgent})
	require.ErrorIs(t, err, store.ErrValidation)

	_, err = f.repo.ReadSession(f.ctx, "")
	require.ErrorIs(t, err, store.ErrValidation)

	sessionID, agentID := seedAgent(t, f)
	err = f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{MessageID: -1, Message: SampleTurn("x")})
	require.ErrorIs(t, err, store.ErrValidation)

	err = f.repo.CreateAgent(f.ctx, sessionID, domain.AgentState{AgentID: "bad", State: domain.Document{"ch": make(chan int)}})
	require.ErrorIs(t, err, store.ErrSerialization)
	got, err := f.repo.ReadAgent(f.ctx, sessionID, "bad")
	require.NoError(t, err)
	assert.Nil(t, got, "failed write must leave nothing behind")
}

func testYAMLCodec(t *testing.T, b Backend) {
	f := b.open(t, store.WithCodec(codec.YAML))
	sessionID := seedSession(t, f)
	in := domain.AgentState{
		AgentID:                  "yaml",
		State:                    SampleState(),
		ConversationManagerState: domain.Document{},
		CreatedAt:                epoch,
		UpdatedAt:                epoch,
	}
	require.NoError(t, f.repo.CreateAgent(f.ctx, sessionID, in))

	got, err := f.repo.ReadAgent(f.ctx, sessionID, "yaml")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in, *got)
}

func testConcurrentDuplicate(t *testing.T, b Backend) {
	f := b.open(t)
	sessionID, agentID := seedAgent(t, f)

	const writers = 8
	var (
		mu        sync.Mutex
		successes int
		conflicts int
	)
	var g errgroup.Group
	for i := 0; i < writers; i++ {
		i := i
		g.Go(func() error {
			err := f.repo.CreateMessage(f.ctx, sessionID, agentID, domain.Message{
				MessageID: 42,
				Message:   SampleTurn(fmt.Sprintf("writer %d", i)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errdefs.IsAlreadyExists(err):
				conflicts++
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 1, successes)
	assert.Equal(t, writers-1, conflicts)
}

func testReopen(t *testing.T, b Backend) {
	if b.Ephemeral {
		t.Skip("backend does not persist across instances")
	}
	loc := b.NewLocation(t)
	ctx := context.Background()

	first := b.Open(t, loc)
	_, err := first.CreateSession(ctx, domain.Session{SessionID: "persist", SessionType: domain.SessionTypeAgent})
	require.NoError(t, err)
	require.NoError(t, first.CreateAgent(ctx, "persist", domain.AgentState{AgentID: "a", State: SampleState()}))
	require.NoError(t, first.CreateMessage(ctx, "persist", "a", domain.Message{MessageID: 1, Message: SampleTurn("kept")}))

	second := b.Open(t, loc)
	sess, err := second.ReadSession(ctx, "persist")
	require.NoError(t, err)
	require.NotNil(t, sess)

	agents, err := second.ListAgents(ctx, "persist")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, SampleState(), agents[0].State)

	messages, err := second.ListMessages(ctx, "persist", "a", store.All)
	require.NoError(t, err)
	assert.Equal(t, []int64{1}, messageIDs(messages))
}
