// Package memstore is an in-process session repository for tests and
// ephemeral runs. Records are kept encoded, so values returned to callers
// never alias stored state.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

var errClosed = errors.New("memory store is closed")

type agentKey struct{ session, agent string }

type agentEntry struct {
	record   []byte
	messages map[int64][]byte
}

// Store implements store.Repository in memory.
type Store struct {
	mu       sync.RWMutex
	opts     store.Options
	blobs    store.Serializer
	sessions map[string][]byte
	agents   map[agentKey]*agentEntry
	closed   bool
}

var _ store.Repository = (*Store)(nil)

// New returns an empty in-memory repository.
func New(opts ...store.Option) *Store {
	o := store.BuildOptions(opts...)
	return &Store{
		opts:     o,
		blobs:    o.Serializer(),
		sessions: make(map[string][]byte),
		agents:   make(map[agentKey]*agentEntry),
	}
}

func (s *Store) check() error {
	if s.closed {
		return store.Unavailable(errClosed)
	}
	return nil
}

// Ping reports whether the store is still open.
func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check()
}

// Close drops all data.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.sessions = nil
	s.agents = nil
	return nil
}

// CreateSession persists a new session.
func (s *Store) CreateSession(_ context.Context, session domain.Session) (*domain.Session, error) {
	session, err := store.PrepareSession(session, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	data, err := s.blobs.EncodeSession(session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	if _, ok := s.sessions[session.SessionID]; ok {
		return nil, fmt.Errorf("create session %s: %w", session.SessionID, store.ErrDuplicateKey)
	}
	s.sessions[session.SessionID] = data
	return &session, nil
}

// ReadSession returns a copy of the session, or nil if it does not exist.
func (s *Store) ReadSession(_ context.Context, sessionID string) (*domain.Session, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	data, ok := s.sessions[sessionID]
	if !ok {
		return nil, nil
	}
	return s.blobs.DecodeSession(data)
}

// CreateAgent persists a new agent under an existing session.
func (s *Store) CreateAgent(_ context.Context, sessionID string, agent domain.AgentState) error {
	agent, err := store.PrepareAgent(sessionID, agent, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	if _, ok := s.sessions[sessionID]; !ok {
		return fmt.Errorf("create agent: session %s: %w", sessionID, store.ErrNotFound)
	}
	key := agentKey{sessionID, agent.AgentID}
	if _, ok := s.agents[key]; ok {
		return fmt.Errorf("create agent %s/%s: %w", sessionID, agent.AgentID, store.ErrDuplicateKey)
	}
	s.agents[key] = &agentEntry{record: data, messages: make(map[int64][]byte)}
	return nil
}

// ReadAgent returns the agent, or nil if it does not exist.
func (s *Store) ReadAgent(_ context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	entry, ok := s.agents[agentKey{sessionID, agentID}]
	if !ok {
		return nil, nil
	}
	return s.blobs.DecodeAgent(entry.record)
}

// UpdateAgent replaces the agent's state documents, keeping created_at.
func (s *Store) UpdateAgent(_ context.Context, sessionID string, agent domain.AgentState) error {
	if err := store.CheckAgentKey(sessionID, agent.AgentID); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	entry, ok := s.agents[agentKey{sessionID, agent.AgentID}]
	if !ok {
		return fmt.Errorf("update agent %s/%s: %w", sessionID, agent.AgentID, store.ErrNotFound)
	}
	current, err := s.blobs.DecodeAgent(entry.record)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	agent.CreatedAt = current.CreatedAt
	agent.UpdatedAt = s.opts.Now()
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	entry.record = data
	return nil
}

// ListAgents returns the session's agents ordered by agent_id.
func (s *Store) ListAgents(_ context.Context, sessionID string) ([]*domain.AgentState, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	var ids []string
	for key := range s.agents {
		if key.session == sessionID {
			ids = append(ids, key.agent)
		}
	}
	sort.Strings(ids)

	agents := make([]*domain.AgentState, 0, len(ids))
	for _, id := range ids {
		agent, err := s.blobs.DecodeAgent(s.agents[agentKey{sessionID, id}].record)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

// CreateMessage persists a new message under an existing agent.
func (s *Store) CreateMessage(_ context.Context, sessionID, agentID string, message domain.Message) error {
	message, err := store.PrepareMessage(sessionID, agentID, message, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	data, err := s.blobs.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	entry, ok := s.agents[agentKey{sessionID, agentID}]
	if !ok {
		return fmt.Errorf("create message: agent %s/%s: %w", sessionID, agentID, store.ErrNotFound)
	}
	if _, ok := entry.messages[message.MessageID]; ok {
		return fmt.Errorf("create message %d: %w", message.MessageID, store.ErrDuplicateKey)
	}
	entry.messages[message.MessageID] = data
	return nil
}

// ReadMessage returns the message, or nil if it does not exist.
func (s *Store) ReadMessage(_ context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	if err := store.CheckMessageKey(sessionID, agentID, messageID); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	entry, ok := s.agents[agentKey{sessionID, agentID}]
	if !ok {
		return nil, nil
	}
	data, ok := entry.messages[messageID]
	if !ok {
		return nil, nil
	}
	return s.blobs.DecodeMessage(data)
}

// UpdateMessage replaces the message content and redacted variant, keeping created_at.
func (s *Store) UpdateMessage(_ context.Context, sessionID, agentID string, message domain.Message) error {
	if err := store.CheckMessageKey(sessionID, agentID, message.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}
	entry, ok := s.agents[agentKey{sessionID, agentID}]
	if !ok {
		return fmt.Errorf("update message: agent %s/%s: %w", sessionID, agentID, store.ErrNotFound)
	}
	data, ok := entry.messages[message.MessageID]
	if !ok {
		return fmt.Errorf("update message %d: %w", message.MessageID, store.ErrNotFound)
	}
	current, err := s.blobs.DecodeMessage(data)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	message.CreatedAt = current.CreatedAt
	message.UpdatedAt = s.opts.Now()
	if data, err = s.blobs.EncodeMessage(message); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	entry.messages[message.MessageID] = data
	return nil
}

// ListMessages returns a page of the agent's messages in message_id order.
func (s *Store) ListMessages(_ context.Context, sessionID, agentID string, page store.Page) ([]*domain.Message, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(); err != nil {
		return nil, err
	}
	entry, ok := s.agents[agentKey{sessionID, agentID}]
	if !ok {
		return []*domain.Message{}, nil
	}
	ids := make([]int64, 0, len(entry.messages))
	for id := range entry.messages {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start, end := page.Window(len(ids))
	messages := make([]*domain.Message, 0, end-start)
	for _, id := range ids[start:end] {
		message, err := s.blobs.DecodeMessage(entry.messages[id])
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}
