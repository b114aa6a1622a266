package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/shared"
)

// sqliteNoLimit is SQLite's "no limit" value for LIMIT.
const sqliteNoLimit = -1

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	blobs  Serializer
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository at dbPath, creating the
// schema if it does not exist yet. Opening the same path again is safe and
// leaves existing data untouched.
func NewSQLite(dbPath string, opts ...Option) (Repository, error) {
	return OpenSQLite(dbPath, opts...)
}

// OpenSQLite is NewSQLite returning the concrete type.
func OpenSQLite(dbPath string, opts ...Option) (*SQLiteStore, error) {
	o := BuildOptions(opts...)

	if dbPath == "" {
		return nil, Validation(errors.New("database path is empty"))
	}
	if dbPath != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, Unavailable(fmt.Errorf("create database directory: %w", err))
		}
	}

	// Pragmas in the DSN are applied to every pooled connection; foreign keys
	// are off by default in SQLite and must be enabled per connection.
	dsn := "file:" + dbPath + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if dbPath != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, Unavailable(fmt.Errorf("open database: %w", err))
	}

	if dbPath == MemoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, Unavailable(fmt.Errorf("ping database: %w", err))
	}

	s := &SQLiteStore{db: db, opts: o, blobs: o.Serializer(), logger: o.Logger}
	if err := s.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, Unavailable(fmt.Errorf("initialize schema: %w", err))
	}
	s.logger.Debug("SQLite session store ready", "path", dbPath, "codec", o.Codec.Name())

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		session_type TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS agents (
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		state TEXT NOT NULL,
		conversation_manager_state TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session_id, agent_id),
		FOREIGN KEY (session_id) REFERENCES sessions (session_id)
	);
	CREATE INDEX IF NOT EXISTS idx_agents_session_id ON agents (session_id);

	CREATE TABLE IF NOT EXISTS messages (
		session_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		message_id INTEGER NOT NULL,
		message TEXT NOT NULL,
		redact_message TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (session_id, agent_id, message_id),
		FOREIGN KEY (session_id, agent_id) REFERENCES agents (session_id, agent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session_agent ON messages (session_id, agent_id);
	`
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
		return nil
	})
}

// withTx runs fn in a transaction, committing on success and rolling back on
// every other exit path.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			s.logger.Warn("failed to roll back transaction", "error", rbErr)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// classify maps a driver error onto the repository error kinds.
func classify(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case HasKind(err):
		return fmt.Errorf("%s: %w", op, err)
	case shared.IsSQLiteUniqueViolation(err):
		return fmt.Errorf("%s: %w: %w", op, ErrDuplicateKey, err)
	case shared.IsSQLiteForeignKeyViolation(err):
		return fmt.Errorf("%s: %w: %w", op, ErrNotFound, err)
	case shared.IsSQLiteConflictError(err):
		return Unavailable(fmt.Errorf("%s: database busy: %w", op, err))
	default:
		return Unavailable(fmt.Errorf("%s: %w", op, err))
	}
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return Unavailable(fmt.Errorf("ping database: %w", err))
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// CreateSession persists a new session.
func (s *SQLiteStore) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	session, err := PrepareSession(session, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	query := `
	INSERT INTO sessions (session_id, session_type, created_at, updated_at)
	VALUES (?, ?, ?, ?)`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			session.SessionID, string(session.SessionType),
			FormatTime(session.CreatedAt), FormatTime(session.UpdatedAt),
		)
		return err
	})
	if err != nil {
		return nil, classify("create session", err)
	}
	return &session, nil
}

// ReadSession retrieves a session by ID.
func (s *SQLiteStore) ReadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	query := `
		SELECT session_id, session_type, created_at, updated_at
		FROM sessions WHERE session_id = ?`

	var session domain.Session
	var sessionType, createdAt, updatedAt string

	err := s.db.QueryRowContext(ctx, query, sessionID).Scan(
		&session.SessionID, &sessionType, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("scan session row", err)
	}

	if session.SessionType, err = domain.ParseSessionType(sessionType); err != nil {
		return nil, fmt.Errorf("read session: %w", Validation(err))
	}
	if session.CreatedAt, session.UpdatedAt, err = parseTimes(createdAt, updatedAt); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	return &session, nil
}

// CreateAgent persists a new agent within an existing session.
func (s *SQLiteStore) CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	agent, err := PrepareAgent(sessionID, agent, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	state, err := s.blobs.EncodeDocument(agent.State)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	cmState, err := s.blobs.EncodeDocument(agent.ConversationManagerState)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	query := `
	INSERT INTO agents (session_id, agent_id, state, conversation_manager_state, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?)`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			sessionID, agent.AgentID, state, cmState,
			FormatTime(agent.CreatedAt), FormatTime(agent.UpdatedAt),
		)
		return err
	})
	return classify("create agent", err)
}

// ReadAgent retrieves an agent by session and agent ID.
func (s *SQLiteStore) ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	if err := CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}

	query := `
		SELECT agent_id, state, conversation_manager_state, created_at, updated_at
		FROM agents WHERE session_id = ? AND agent_id = ?`

	agent, err := s.scanAgent(s.db.QueryRowContext(ctx, query, sessionID, agentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read agent", err)
	}
	return agent, nil
}

// UpdateAgent replaces the state documents of an existing agent.
func (s *SQLiteStore) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	if err := CheckAgentKey(sessionID, agent.AgentID); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	state, err := s.blobs.EncodeDocument(agent.State)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	cmState, err := s.blobs.EncodeDocument(agent.ConversationManagerState)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}

	query := `
	UPDATE agents SET state = ?, conversation_manager_state = ?, updated_at = ?
	WHERE session_id = ? AND agent_id = ?`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			state, cmState, FormatTime(s.opts.Now()), sessionID, agent.AgentID,
		)
		if err != nil {
			return err
		}
		return requireRow(result, "agent %s/%s", sessionID, agent.AgentID)
	})
	return classify("update agent", err)
}

// ListAgents returns the agents of a session ordered by agent ID.
func (s *SQLiteStore) ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error) {
	if err := CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}

	query := `
		SELECT agent_id, state, conversation_manager_state, created_at, updated_at
		FROM agents WHERE session_id = ?
		ORDER BY agent_id ASC`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, classify("query agents", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close agent rows", "error", closeErr)
		}
	}()

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

// CreateMessage appends a message to an agent's log.
func (s *SQLiteStore) CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	message, err := PrepareMessage(sessionID, agentID, message, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	body, redact, err := s.encodeMessage(message)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	query := `
	INSERT INTO messages (session_id, agent_id, message_id, message, redact_message, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query,
			sessionID, agentID, message.MessageID, body, redact,
			FormatTime(message.CreatedAt), FormatTime(message.UpdatedAt),
		)
		return err
	})
	return classify("create message", err)
}

// ReadMessage retrieves a single message.
func (s *SQLiteStore) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	if err := CheckMessageKey(sessionID, agentID, messageID); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}

	query := `
		SELECT message_id, message, redact_message, created_at, updated_at
		FROM messages WHERE session_id = ? AND agent_id = ? AND message_id = ?`

	message, err := s.scanMessage(s.db.QueryRowContext(ctx, query, sessionID, agentID, messageID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("read message", err)
	}
	return message, nil
}

// UpdateMessage replaces the content and redaction of an existing message.
func (s *SQLiteStore) UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	if err := CheckMessageKey(sessionID, agentID, message.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	body, redact, err := s.encodeMessage(message)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}

	query := `
	UPDATE messages SET message = ?, redact_message = ?, updated_at = ?
	WHERE session_id = ? AND agent_id = ? AND message_id = ?`

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			body, redact, FormatTime(s.opts.Now()), sessionID, agentID, message.MessageID,
		)
		if err != nil {
			return err
		}
		return requireRow(result, "message %s/%s/%d", sessionID, agentID, message.MessageID)
	})
	return classify("update message", err)
}

// ListMessages returns an agent's messages ordered by message ID.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID, agentID string, page Page) ([]*domain.Message, error) {
	if err := CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	// SQLite requires LIMIT whenever OFFSET is present.
	limit := sqliteNoLimit
	if page.Limit != nil {
		limit = *page.Limit
	}

	query := `
		SELECT message_id, message, redact_message, created_at, updated_at
		FROM messages
		WHERE session_id = ? AND agent_id = ?
		ORDER BY message_id ASC
		LIMIT ? OFFSET ?`

	rows, err := s.db.QueryContext(ctx, query, sessionID, agentID, limit, page.Offset)
	if err != nil {
		return nil, classify("query messages", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			s.logger.Warn("failed to close message rows", "error", closeErr)
		}
	}()

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

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanAgent(row scanner) (*domain.AgentState, error) {
	var agent domain.AgentState
	var state, cmState, createdAt, updatedAt string

	if err := row.Scan(&agent.AgentID, &state, &cmState, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if agent.State, err = s.blobs.DecodeDocument(state); err != nil {
		return nil, err
	}
	if agent.ConversationManagerState, err = s.blobs.DecodeDocument(cmState); err != nil {
		return nil, err
	}
	if agent.CreatedAt, agent.UpdatedAt, err = parseTimes(createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &agent, nil
}

func (s *SQLiteStore) scanMessage(row scanner) (*domain.Message, error) {
	var message domain.Message
	var body, createdAt, updatedAt string
	var redact sql.NullString

	if err := row.Scan(&message.MessageID, &body, &redact, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	var err error
	if message.Message, err = s.blobs.DecodeTurn(body); err != nil {
		return nil, err
	}
	if redact.Valid {
		turn, err := s.blobs.DecodeTurn(redact.String)
		if err != nil {
			return nil, err
		}
		message.RedactMessage = &turn
	}
	if message.CreatedAt, message.UpdatedAt, err = parseTimes(createdAt, updatedAt); err != nil {
		return nil, err
	}
	return &message, nil
}

// encodeMessage renders the message body and the optional redaction; a nil
// redaction is stored as NULL.
func (s *SQLiteStore) encodeMessage(message domain.Message) (string, any, error) {
	body, err := s.blobs.EncodeTurn(message.Message)
	if err != nil {
		return "", nil, err
	}
	var redact any
	if message.RedactMessage != nil {
		text, err := s.blobs.EncodeTurn(*message.RedactMessage)
		if err != nil {
			return "", nil, err
		}
		redact = text
	}
	return body, redact, nil
}

func requireRow(result sql.Result, format string, args ...any) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
	}
	return nil
}

func parseTimes(createdAt, updatedAt string) (time.Time, time.Time, error) {
	created, err := ParseTime(strings.TrimSpace(createdAt))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	updated, err := ParseTime(strings.TrimSpace(updatedAt))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return created, updated, nil
}
