// Package store defines the session repository contract and its reference
// SQLite implementation.
//
// A Repository persists three kinds of records: sessions, the agent states
// that belong to a session, and the ordered messages that belong to an
// agent. Every backend (SQLite, PostgreSQL, file tree, object store, memory)
// implements the same method set with the same error semantics, so the
// runtime consuming it never depends on the storage medium.
package store

import (
	"context"
	"fmt"

	"github.com/ashureev/sessionkeeper/internal/domain"
)

// Repository defines the operations every session storage backend provides.
//
// Read methods return (nil, nil) when the requested record does not exist;
// a non-nil error always means the operation itself failed. Write methods
// are atomic: either all of their effect is visible or none of it is.
type Repository interface {
	// CreateSession persists a new session. Zero timestamps default to the
	// current UTC time. Returns ErrDuplicateKey if the session id is taken.
	CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error)

	// ReadSession retrieves a session by id.
	ReadSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// CreateAgent persists a new agent state within an existing session.
	// Returns ErrNotFound if the session is missing and ErrDuplicateKey if
	// the agent already exists in it.
	CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error

	// ReadAgent retrieves an agent state by (session id, agent id).
	ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error)

	// UpdateAgent replaces both state documents of an existing agent and
	// stamps updated_at with the current time. Returns ErrNotFound if the
	// agent does not exist.
	UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error

	// ListAgents returns the agents of a session ordered by agent id. A
	// missing session yields an empty result.
	ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error)

	// CreateMessage appends a message to an agent's log. Returns ErrNotFound
	// if the agent is missing and ErrDuplicateKey if the message id is taken.
	CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error

	// ReadMessage retrieves a message by (session id, agent id, message id).
	ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error)

	// UpdateMessage replaces the content and redaction of an existing message
	// and stamps updated_at. message_id and created_at are left untouched.
	UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error

	// ListMessages returns an agent's messages in ascending message id order,
	// windowed by page.
	ListMessages(ctx context.Context, sessionID, agentID string, page Page) ([]*domain.Message, error)

	// Ping verifies the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backend's resources.
	Close() error
}

// Page is a positional window over an ordered message log.
type Page struct {
	// Limit caps the number of returned messages. Nil means unbounded.
	Limit *int
	// Offset skips that many messages from the start of the log.
	Offset int
}

// All is the unbounded page starting at the first message.
var All = Page{}

// Limit returns a page of at most n messages starting at offset.
func Limit(n, offset int) Page {
	return Page{Limit: &n, Offset: offset}
}

// Validate rejects negative limits and offsets.
func (p Page) Validate() error {
	if p.Limit != nil && *p.Limit < 0 {
		return fmt.Errorf("%w: negative limit %d", ErrValidation, *p.Limit)
	}
	if p.Offset < 0 {
		return fmt.Errorf("%w: negative offset %d", ErrValidation, p.Offset)
	}
	return nil
}

// Window applies the page to n ordered items and returns the [start, end)
// bounds to slice with. Backends that cannot push the window into a query
// use it to paginate in memory.
func (p Page) Window(n int) (start, end int) {
	start = p.Offset
	if start > n {
		start = n
	}
	end = n
	if p.Limit != nil && start+*p.Limit < end {
		end = start + *p.Limit
	}
	return start, end
}
