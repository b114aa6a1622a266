// Package filestore persists sessions as a directory tree:
//
//	<root>/session_<id>/session.json
//	<root>/session_<id>/agents/agent_<id>/agent.json
//	<root>/session_<id>/agents/agent_<id>/messages/message_<n>.json
//
// The file extension follows the configured codec. Creates publish files with
// a hard link so a racing writer observes the existing file and fails with
// store.ErrDuplicateKey; updates replace files with rename.
package filestore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/store"
)

const (
	dirPerm  = 0o755
	filePerm = 0o644

	sessionPrefix = "session_"
	agentPrefix   = "agent_"
	messagePrefix = "message_"
)

// Store implements store.Repository on the local file system.
type Store struct {
	root  string
	ext   string
	opts  store.Options
	blobs store.Serializer
}

var _ store.Repository = (*Store)(nil)

// New returns a file-tree repository rooted at root, creating the directory
// if needed. Existing sessions under root are left untouched.
func New(root string, opts ...store.Option) (*Store, error) {
	if root == "" {
		return nil, store.Validation(errors.New("session directory is empty"))
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("resolve session directory: %w", err))
	}
	if err := os.MkdirAll(abs, dirPerm); err != nil {
		return nil, store.Unavailable(fmt.Errorf("create session directory: %w", err))
	}

	o := store.BuildOptions(opts...)
	o.Logger.Debug("file session store ready", "root", abs, "codec", o.Codec.Name())
	return &Store{
		root:  abs,
		ext:   "." + o.Codec.Name(),
		opts:  o,
		blobs: o.Serializer(),
	}, nil
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionPrefix+sessionID)
}

func (s *Store) sessionFile(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "session"+s.ext)
}

func (s *Store) agentsDir(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "agents")
}

func (s *Store) agentDir(sessionID, agentID string) string {
	return filepath.Join(s.agentsDir(sessionID), agentPrefix+agentID)
}

func (s *Store) agentFile(sessionID, agentID string) string {
	return filepath.Join(s.agentDir(sessionID, agentID), "agent"+s.ext)
}

func (s *Store) messagesDir(sessionID, agentID string) string {
	return filepath.Join(s.agentDir(sessionID, agentID), "messages")
}

func (s *Store) messageFile(sessionID, agentID string, messageID int64) string {
	return filepath.Join(s.messagesDir(sessionID, agentID), messagePrefix+strconv.FormatInt(messageID, 10)+s.ext)
}

// Ping checks that the root directory is still reachable.
func (s *Store) Ping(context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return store.Unavailable(fmt.Errorf("stat session directory: %w", err))
	}
	if !info.IsDir() {
		return store.Unavailable(fmt.Errorf("session directory %s is not a directory", s.root))
	}
	return nil
}

// Close is a no-op; the store holds no open handles between calls.
func (s *Store) Close() error { return nil }

// CreateSession writes session.<ext> into a fresh session directory.
func (s *Store) CreateSession(ctx context.Context, session domain.Session) (*domain.Session, error) {
	session, err := store.PrepareSession(session, s.opts.Now())
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	data, err := s.blobs.EncodeSession(session)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.agentsDir(session.SessionID), dirPerm); err != nil {
		return nil, store.Unavailable(fmt.Errorf("create session: %w", err))
	}
	if err := publish(s.sessionFile(session.SessionID), data); err != nil {
		return nil, fmt.Errorf("create session %s: %w", session.SessionID, err)
	}
	return &session, nil
}

// ReadSession returns the session, or nil if it does not exist.
func (s *Store) ReadSession(ctx context.Context, sessionID string) (*domain.Session, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	data, err := readFile(ctx, s.sessionFile(sessionID))
	if data == nil || err != nil {
		return nil, wrap("read session", err)
	}
	return s.blobs.DecodeSession(data)
}

// CreateAgent persists a new agent under an existing session.
func (s *Store) CreateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	agent, err := store.PrepareAgent(sessionID, agent, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	if err := s.requireFile(ctx, s.sessionFile(sessionID), "session "+sessionID); err != nil {
		return fmt.Errorf("create agent: %w", err)
	}

	if err := os.MkdirAll(s.messagesDir(sessionID, agent.AgentID), dirPerm); err != nil {
		return store.Unavailable(fmt.Errorf("create agent: %w", err))
	}
	if err := publish(s.agentFile(sessionID, agent.AgentID), data); err != nil {
		return fmt.Errorf("create agent %s/%s: %w", sessionID, agent.AgentID, err)
	}
	return nil
}

// ReadAgent returns the agent, or nil if it does not exist.
func (s *Store) ReadAgent(ctx context.Context, sessionID, agentID string) (*domain.AgentState, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("read agent: %w", err)
	}
	data, err := readFile(ctx, s.agentFile(sessionID, agentID))
	if data == nil || err != nil {
		return nil, wrap("read agent", err)
	}
	return s.blobs.DecodeAgent(data)
}

// UpdateAgent replaces the agent's state documents, keeping created_at.
func (s *Store) UpdateAgent(ctx context.Context, sessionID string, agent domain.AgentState) error {
	if err := store.CheckAgentKey(sessionID, agent.AgentID); err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	current, err := s.ReadAgent(ctx, sessionID, agent.AgentID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if current == nil {
		return fmt.Errorf("update agent %s/%s: %w", sessionID, agent.AgentID, store.ErrNotFound)
	}

	agent.CreatedAt = current.CreatedAt
	agent.UpdatedAt = s.opts.Now()
	data, err := s.blobs.EncodeAgent(agent)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if err := replaceFile(s.agentFile(sessionID, agent.AgentID), data); err != nil {
		return store.Unavailable(fmt.Errorf("update agent: %w", err))
	}
	return nil
}

// ListAgents reads every agent directory of the session, ordered by agent_id.
func (s *Store) ListAgents(ctx context.Context, sessionID string) ([]*domain.AgentState, error) {
	if err := store.CheckSessionID(sessionID); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	entries, err := readDir(s.agentsDir(sessionID))
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("list agents: %w", err))
	}

	var ids []string
	for _, entry := range entries {
		if id, ok := strings.CutPrefix(entry.Name(), agentPrefix); ok && entry.IsDir() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	agents := make([]*domain.AgentState, 0, len(ids))
	for _, id := range ids {
		agent, err := s.ReadAgent(ctx, sessionID, id)
		if err != nil {
			return nil, fmt.Errorf("list agents: %w", err)
		}
		// A directory without an agent file is a create that lost its race
		// or failed before publishing.
		if agent != nil {
			agents = append(agents, agent)
		}
	}
	return agents, nil
}

// CreateMessage links a new message file into place; an existing file means a duplicate.
func (s *Store) CreateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	message, err := store.PrepareMessage(sessionID, agentID, message, s.opts.Now())
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	data, err := s.blobs.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("create message: %w", err)
	}
	if err := s.requireFile(ctx, s.agentFile(sessionID, agentID), "agent "+sessionID+"/"+agentID); err != nil {
		return fmt.Errorf("create message: %w", err)
	}

	if err := publish(s.messageFile(sessionID, agentID, message.MessageID), data); err != nil {
		return fmt.Errorf("create message %d: %w", message.MessageID, err)
	}
	return nil
}

// ReadMessage returns the message, or nil if it does not exist.
func (s *Store) ReadMessage(ctx context.Context, sessionID, agentID string, messageID int64) (*domain.Message, error) {
	if err := store.CheckMessageKey(sessionID, agentID, messageID); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	data, err := readFile(ctx, s.messageFile(sessionID, agentID, messageID))
	if data == nil || err != nil {
		return nil, wrap("read message", err)
	}
	return s.blobs.DecodeMessage(data)
}

// UpdateMessage replaces the message content and redacted variant, keeping created_at.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, agentID string, message domain.Message) error {
	if err := store.CheckMessageKey(sessionID, agentID, message.MessageID); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	current, err := s.ReadMessage(ctx, sessionID, agentID, message.MessageID)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if current == nil {
		return fmt.Errorf("update message %s/%s/%d: %w", sessionID, agentID, message.MessageID, store.ErrNotFound)
	}

	message.CreatedAt = current.CreatedAt
	message.UpdatedAt = s.opts.Now()
	data, err := s.blobs.EncodeMessage(message)
	if err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if err := replaceFile(s.messageFile(sessionID, agentID, message.MessageID), data); err != nil {
		return store.Unavailable(fmt.Errorf("update message: %w", err))
	}
	return nil
}

// ListMessages reads the agent's message files in message_id order and applies the page.
func (s *Store) ListMessages(ctx context.Context, sessionID, agentID string, page store.Page) ([]*domain.Message, error) {
	if err := store.CheckAgentKey(sessionID, agentID); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	if err := page.Validate(); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	entries, err := readDir(s.messagesDir(sessionID, agentID))
	if err != nil {
		return nil, store.Unavailable(fmt.Errorf("list messages: %w", err))
	}

	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		if id, ok := parseMessageName(entry.Name(), s.ext); ok {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	start, end := page.Window(len(ids))
	messages := make([]*domain.Message, 0, end-start)
	for _, id := range ids[start:end] {
		data, err := readFile(ctx, s.messageFile(sessionID, agentID, id))
		if err != nil {
			return nil, wrap("list messages", err)
		}
		if data == nil {
			continue
		}
		message, err := s.blobs.DecodeMessage(data)
		if err != nil {
			return nil, fmt.Errorf("list messages: %w", err)
		}
		messages = append(messages, message)
	}
	return messages, nil
}

func (s *Store) requireFile(ctx context.Context, path, what string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	if err != nil {
		return store.Unavailable(err)
	}
	return nil
}

func publish(path string, data []byte) error {
	err := createExclusive(path, data)
	if errors.Is(err, fs.ErrExist) {
		return store.ErrDuplicateKey
	}
	if err != nil {
		return store.Unavailable(err)
	}
	return nil
}

// readFile returns nil data and no error when path does not exist.
func readFile(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return store.Unavailable(fmt.Errorf("%s: %w", op, err))
}

// readDir lists dir, treating a missing directory as empty.
func readDir(dir string) ([]os.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return entries, err
}

func parseMessageName(name, ext string) (int64, bool) {
	rest, ok := strings.CutPrefix(name, messagePrefix)
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, ext)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id < 0 {
		return 0, false
	}
	return id, true
}
