// Package session drives the session lifecycle an agent runtime needs on top
// of a store.Repository: resume-or-create sessions and agents, append turns
// with sequential message ids, checkpoint agent state and redact the latest
// turn. It owns the retry policy the repository deliberately lacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

// ErrNoMessages is returned when redacting an agent with an empty log.
var ErrNoMessages = fmt.Errorf("agent has no messages: %w", store.ErrNotFound)

// Manager coordinates repository calls for many sessions. It is safe for
// concurrent use.
type Manager struct {
	repo   store.Repository
	retry  RetryPolicy
	logger *slog.Logger

	mu     sync.Mutex
	nextID map[agentKey]int64
}

type agentKey struct{ session, agent string }

// Option configures a Manager.
type Option func(*Manager)

// WithRetry sets the retry policy for unavailable storage.
func WithRetry(p RetryPolicy) Option {
	return func(m *Manager) { m.retry = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// NewManager returns a Manager over repo.
func NewManager(repo store.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:   repo,
		retry:  DefaultRetry,
		logger: slog.Default(),
		nextID: make(map[agentKey]int64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Restored is an agent's durable state together with its conversation, as
// the runtime should see it: redacted turns replace their originals.
type Restored struct {
	Agent    *domain.AgentState
	Messages []domain.Turn
	// Created reports that the agent did not exist and was just persisted.
	Created bool
}

// Start returns the session with sessionID, creating it with sessionType when
// absent. A concurrent creator winning the race is not an error.
func (m *Manager) Start(ctx context.Context, sessionID string, sessionType domain.SessionType) (*domain.Session, error) {
	var session *domain.Session
	err := m.retry.Do(ctx, m.logger, "start session", func(ctx context.Context) error {
		var err error
		session, err = m.repo.ReadSession(ctx, sessionID)
		if err != nil || session != nil {
			return err
		}

		session, err = m.repo.CreateSession(ctx, domain.Session{SessionID: sessionID, SessionType: sessionType})
		if errors.Is(err, store.ErrDuplicateKey) {
			session, err = m.repo.ReadSession(ctx, sessionID)
		}
		if err == nil && session != nil {
			m.logger.Info("Session created", "session_id", sessionID, "session_type", sessionType)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("start session %s: %w", sessionID, err)
	}
	if session == nil {
		return nil, fmt.Errorf("start session %s: %w", sessionID, store.ErrNotFound)
	}
	return session, nil
}

// InitializeAgent restores agent.AgentID in sessionID, or persists agent as
// its initial state when it does not exist yet.
func (m *Manager) InitializeAgent(ctx context.Context, sessionID string, agent domain.AgentState) (*Restored, error) {
	var restored *Restored
	err := m.retry.Do(ctx, m.logger, "initialize agent", func(ctx context.Context) error {
		existing, err := m.repo.ReadAgent(ctx, sessionID, agent.AgentID)
		if err != nil {
			return err
		}
		if existing == nil {
			err = m.repo.CreateAgent(ctx, sessionID, agent)
			created := err == nil
			if err != nil && !errors.Is(err, store.ErrDuplicateKey) {
				return err
			}
			if existing, err = m.repo.ReadAgent(ctx, sessionID, agent.AgentID); err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("agent %s vanished after create: %w", agent.AgentID, store.ErrNotFound)
			}
			if created {
				restored = &Restored{Agent: existing, Messages: []domain.Turn{}, Created: true}
				m.setNextID(sessionID, agent.AgentID, 0)
				return nil
			}
		}

		messages, err := m.repo.ListMessages(ctx, sessionID, agent.AgentID, store.All)
		if err != nil {
			return err
		}
		restored = &Restored{Agent: existing, Messages: visibleTurns(messages)}
		m.setNextID(sessionID, agent.AgentID, nextAfter(messages))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("initialize agent %s/%s: %w", sessionID, agent.AgentID, err)
	}

	m.logger.Debug("Agent initialized",
		"session_id", sessionID,
		"agent_id", agent.AgentID,
		"created", restored.Created,
		"messages", len(restored.Messages))
	return restored, nil
}

// AppendMessage stores turn as the next message of the agent and returns its
// message id. Ids start at 0 and increase by one.
func (m *Manager) AppendMessage(ctx context.Context, sessionID, agentID string, turn domain.Turn) (int64, error) {
	var id int64
	err := m.retry.Do(ctx, m.logger, "append message", func(ctx context.Context) error {
		var err error
		if id, err = m.peekNextID(ctx, sessionID, agentID); err != nil {
			return err
		}
		err = m.repo.CreateMessage(ctx, sessionID, agentID, domain.Message{MessageID: id, Message: turn})
		if errors.Is(err, store.ErrDuplicateKey) {
			// Another writer advanced the log; resync once from storage.
			if id, err = m.refreshNextID(ctx, sessionID, agentID); err != nil {
				return err
			}
			err = m.repo.CreateMessage(ctx, sessionID, agentID, domain.Message{MessageID: id, Message: turn})
		}
		if err != nil {
			return err
		}
		m.setNextID(sessionID, agentID, id+1)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append message to %s/%s: %w", sessionID, agentID, err)
	}
	return id, nil
}

// SyncAgent checkpoints the agent's state documents.
func (m *Manager) SyncAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	err := m.retry.Do(ctx, m.logger, "sync agent", func(ctx context.Context) error {
		return m.repo.UpdateAgent(ctx, sessionID, agent)
	})
	if err != nil {
		return fmt.Errorf("sync agent %s/%s: %w", sessionID, agent.AgentID, err)
	}
	return nil
}

// RedactLatestMessage attaches redact to the most recent stored message of
// the agent, leaving the original content in place.
func (m *Manager) RedactLatestMessage(ctx context.Context, sessionID, agentID string, redact domain.Turn) (int64, error) {
	var id int64
	err := m.retry.Do(ctx, m.logger, "redact latest message", func(ctx context.Context) error {
		// Other writers may have appended since this manager last looked.
		messages, err := m.repo.ListMessages(ctx, sessionID, agentID, store.All)
		if err != nil {
			return err
		}
		if len(messages) == 0 {
			return ErrNoMessages
		}
		latest := messages[len(messages)-1]
		id = latest.MessageID
		m.setNextID(sessionID, agentID, id+1)

		latest.RedactMessage = &redact
		return m.repo.UpdateMessage(ctx, sessionID, agentID, *latest)
	})
	if err != nil {
		return 0, fmt.Errorf("redact latest message of %s/%s: %w", sessionID, agentID, err)
	}
	m.logger.Info("Message redacted", "session_id", sessionID, "agent_id", agentID, "message_id", id)
	return id, nil
}

func (m *Manager) setNextID(sessionID, agentID string, next int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := agentKey{sessionID, agentID}
	if next > m.nextID[key] || next == 0 {
		m.nextID[key] = next
	}
}

// peekNextID returns the cached next id, loading it from storage on first use.
func (m *Manager) peekNextID(ctx context.Context, sessionID, agentID string) (int64, error) {
	m.mu.Lock()
	next, ok := m.nextID[agentKey{sessionID, agentID}]
	m.mu.Unlock()
	if ok {
		return next, nil
	}
	return m.refreshNextID(ctx, sessionID, agentID)
}

func (m *Manager) refreshNextID(ctx context.Context, sessionID, agentID string) (int64, error) {
	messages, err := m.repo.ListMessages(ctx, sessionID, agentID, store.All)
	if err != nil {
		return 0, err
	}
	next := nextAfter(messages)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID[agentKey{sessionID, agentID}] = next
	return next, nil
}

func nextAfter(messages []*domain.Message) int64 {
	if len(messages) == 0 {
		return 0
	}
	return messages[len(messages)-1].MessageID + 1
}

func visibleTurns(messages []*domain.Message) []domain.Turn {
	turns := make([]domain.Turn, len(messages))
	for i, msg := range messages {
		if msg.RedactMessage != nil {
			turns[i] = *msg.RedactMessage
		} else {
			turns[i] = msg.Message
		}
	}
	return turns
}
