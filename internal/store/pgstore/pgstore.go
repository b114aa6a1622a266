// Package pgstore implements the session repository on PostgreSQL using a
// pgx connection pool.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

// PostgreSQL SQLSTATE codes for constraint violations.
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// schemaLockID serializes concurrent schema creation across processes.
const schemaLockID int64 = 0x73657373696f6e // "session"

// Store implements store.Repository on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	opts   store.Options
	blobs  store.Serializer
	logger *slog.Logger
}

var _ store.Repository = (*Store)(nil)

// New connects to the database at dsn and ensures the schema exists.
func New(ctx context.Context, dsn string, opts ...store.Option) (*Store, error) {
	if dsn == "" {
		return nil, store.Validation(errors.New("postgres DSN is empty"))
	}
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, store.Validation(fmt.Errorf("parse postgres DSN: %w", err))
	}
	return NewWithConfig(ctx, config, opts...)
}

// NewWithConfig is New for a pre-built pool configuration.
func NewWithConfig(ctx context.Context, config *pgxpool.Config, opts ...store.Option) (*Store, error) {
	o := store.BuildOptions(opts...)

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("create postgres pool: %w", err))
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable(fmt.Errorf("ping postgres: %w", err))
	}

	s := &Store{pool: pool, opts: o, blobs: o.Serializer(), logger: o.Logger}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, store.Unavailable(fmt.Errorf("initialize schema: %w", err))
	}
	s.logger.Debug("postgres session store ready",
		"host", config.ConnConfig.Host, "database", config.ConnConfig.Database, "codec", o.Codec.Name())
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			session_type TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			session_id TEXT NOT NULL REFERENCES sessions (session_id),
			agent_id TEXT NOT NULL,
			state TEXT NOT NULL,
			conversation_manager_state TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agents_session_id ON agents (session_id)`,
		`CREATE TABLE IF NOT EXISTS messages (
			session_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			message_id BIGINT NOT NULL,
			message TEXT NOT NULL,
			redact_message TEXT,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (session_id, agent_id, message_id),
			FOREIGN KEY (session_id, agent_id) REFERENCES agents (session_id, agent_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_agent ON messages (session_id, agent_id)`,
	}

	return execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, schemaLockID); err != nil {
			return fmt.Errorf("acquire schema lock: %w", err)
		}
		for _, stmt := range statements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create schema: %w", err)
			}
		}
		return nil
	})
}

// execInTx runs fn in a transaction, committing on success.
func execInTx(ctx context.Context, pool *pgxpool.Pool, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// classify maps a pgx error onto the repository error kinds.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if store.HasKind(err) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case uniqueViolation:
			return fmt.Errorf("%s: %w: %w", op, store.ErrDuplicateKey, err)
		case foreignKeyViolation:
			return fmt.Errorf("%s: %w: %w", op, store.ErrNotFound, err)
		}
	}
	return store.Unavailable(fmt.Errorf("%s: %w", op, err))
}

// pgTime truncates t to the microsecond resolution of TIMESTAMPTZ.
func pgTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return store.Unavailable(fmt.Errorf("ping postgres: %w", err))
	}
	return nil
}

// Close closes every connection in the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	session, err := store.PrepareSession(session, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session.CreatedAt, session.UpdatedAt = pgTime(session.CreatedAt), pgTime(session.UpdatedAt)

	err = execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
		INSERT INTO sessions (session_id, session_type, created_at, updated_at)
		VALUES ($1, $2, $3, $4)`,
			session.SessionID, string(session.SessionType), session.CreatedAt, session.UpdatedAt,
		)
		return err
	})
	if err != nil {
		return nil, classify("create session", err)
	}
	return &session, nil
}

// ReadSession returns the session, or nil if it does not exist.
func (s *Store) ReadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var session domain.Session
	var sessionType string
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, session_type, created_at, updated_at
		FROM sessions WHERE session_id = $1`, sessionID,
	).Scan(&session.SessionID, &sessionType, &session.CreatedAt, &session.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read session", err)
	}

	if session.SessionType, err = domain.ParseSessionType(sessionType); err != nil {
		return nil, fmt.Errorf("read session: %w", store.Validation(err))
	}
	session.CreatedAt, session.UpdatedAt = session.CreatedAt.UTC(), session.UpdatedAt.UTC()
	return &session, nil
}

// CreateAgent persists a new agent under an existing session.
func (s *Store) CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	agent, err := store.PrepareAgent(sessionID, agent, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	state, cmState, err := s.encodeAgent(agent)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	err = execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
		INSERT INTO agents (session_id, agent_id, state, conversation_manager_state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
			sessionID, agent.AgentID, state, cmState, pgTime(agent.CreatedAt), pgTime(agent.UpdatedAt),
		)
		return err
	})
	return classify("create agent", err)
}

// ReadAgent returns the agent, or nil if it does not exist.
func (s *Store) ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT agent_id, state, conversation_manager_state, created_at, updated_at
		FROM agents WHERE session_id = $1 AND agent_id = $2`, sessionID, agentID)
	agent, err := s.scanAgent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read agent", err)
	}
	return agent, nil
}

// UpdateAgent replaces the agent's state documents, keeping created_at.
func (s *Store) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	if err := store.CheckAgentKey(sessionID, agent.AgentID); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	state, cmState, err := s.encodeAgent(agent)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	err = execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
		UPDATE agents SET state = $1, conversation_manager_state = $2, updated_at = $3
		WHERE session_id = $4 AND agent_id = $5`,
			state, cmState, pgTime(s.opts.Now()), sessionID, agent.AgentID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("agent %s/%s: %w", sessionID, agent.AgentID, store.ErrNotFound)
		}
		return nil
	})
	return classify("update agent", err)
}

// ListAgents returns the session's agents ordered by agent_id.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, state, conversation_manager_state, created_at, updated_at
		FROM agents WHERE session_id = $1
		ORDER BY agent_id ASC`, sessionID)
	if err != nil {
		return nil, classify("query agents", err)
	}
	defer rows.Close()

	agents := []*domain.AgentState{}
	for rows.Next() {
		agent, err := s.scanAgent(rows)
		if err != nil {
			return nil, classify("scan agent row", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate agents", err)
	}
	return agents, nil
}

// CreateMessage persists a new message under an existing agent.
func (s *Store) CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	message, err := store.PrepareMessage(sessionID, agentID, message, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	body, redact, err := s.encodeMessage(message)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	err = execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
		INSERT INTO messages (session_id, agent_id, message_id, message, redact_message, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			sessionID, agentID, message.MessageID, body, redact,
			pgTime(message.CreatedAt), pgTime(message.UpdatedAt),
		)
		return err
	})
	return classify("create message", err)
}

// ReadMessage returns the message, or nil if it does not exist.
func (s *Store) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	if err := store.CheckMessageKey(sessionID, agentID, messageID); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	row := s.pool.QueryRow(ctx, `
		SELECT message_id, message, redact_message, created_at, updated_at
		FROM messages WHERE session_id = $1 AND agent_id = $2 AND message_id = $3`,
		sessionID, agentID, messageID)
	message, err := s.scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read message", err)
	}
	return message, nil
}

// UpdateMessage replaces the message content and redacted variant, keeping created_at.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	if err := store.CheckMessageKey(sessionID, agentID, message.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	body, redact, err := s.encodeMessage(message)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	err = execInTx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
		UPDATE messages SET message = $1, redact_message = $2, updated_at = $3
		WHERE session_id = $4 AND agent_id = $5 AND message_id = $6`,
			body, redact, pgTime(s.opts.Now()), sessionID, agentID, message.MessageID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("message %s/%s/%d: %w", sessionID, agentID, message.MessageID, store.ErrNotFound)
		}
		return nil
	})
	return classify("update message", err)
}

// ListMessages returns a page of the agent's messages in message_id order. A nil limit is LIMIT NULL.
func (s *Store) ListMessages(ctx context.Context, sessionID, agentID string, page store.Page) ([]*domain.Message, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// LIMIT NULL is PostgreSQL's "no limit".
	var limit *int64
	if page.Limit != nil {
		n := int64(*page.Limit)
		limit = &n
	}

	rows, err := s.pool.Query(ctx, `
		SELECT message_id, message, redact_message, created_at, updated_at
		FROM messages
		WHERE session_id = $1 AND agent_id = $2
		ORDER BY message_id ASC
		LIMIT $3 OFFSET $4`,
		sessionID, agentID, limit, int64(page.Offset))
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer rows.Close()

	messages := []*domain.Message{}
	for rows.Next() {
		message, err := s.scanMessage(rows)
		if err != nil {
			return nil, classify("scan message row", err)
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("iterate messages", err)
	}
	return messages, nil
}

func (s *Store) encodeAgent(agent domain.AgentState) (string, string, error) {
	state, err := s.blobs.EncodeDocument(agent.State)
	if err != nil {
		return "", "", err
	}
	cmState, err := s.blobs.EncodeDocument(agent.ConversationManagerState)
	if err != nil {
		return "", "", err
	}
	return state, cmState, nil
}

func (s *Store) encodeMessage(message domain.Message) (string, *string, error) {
	body, err := s.blobs.EncodeTurn(message.Message)
	if err != nil {
		return "", nil, err
	}
	if message.RedactMessage == nil {
		return body, nil, nil
	}
	redact, err := s.blobs.EncodeTurn(*message.RedactMessage)
	if err != nil {
		return "", nil, err
	}
	return body, &redact, nil
}

func (s *Store) scanAgent(row pgx.Row) (*domain.AgentState, error) {
	var agent domain.AgentState
	var state, cmState string
	if err := row.Scan(&agent.AgentID, &state, &cmState, &agent.CreatedAt, &agent.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if agent.State, err = s.blobs.DecodeDocument(state); err != nil {
		return nil, err
	}
	if agent.ConversationManagerState, err = s.blobs.DecodeDocument(cmState); err != nil {
		return nil, err
	}
	agent.CreatedAt, agent.UpdatedAt = agent.CreatedAt.UTC(), agent.UpdatedAt.UTC()
	return &agent, nil
}

func (s *Store) scanMessage(row pgx.Row) (*domain.Message, error) {
	var message domain.Message
	var body string
	var redact *string
	if err := row.Scan(&message.MessageID, &body, &redact, &message.CreatedAt, &message.UpdatedAt); err != nil {
		return nil, err
	}

	var err error
	if message.Message, err = s.blobs.DecodeTurn(body); err != nil {
		return nil, err
	}
	if redact != nil {
		turn, err := s.blobs.DecodeTurn(*redact)
		if err != nil {
			return nil, err
		}
		message.RedactMessage = &turn
	}
	message.CreatedAt, message.UpdatedAt = message.CreatedAt.UTC(), message.UpdatedAt.UTC()
	return &message, nil
}
