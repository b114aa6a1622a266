package store

import (
	"fmt"
	"time"

	"github.com/ashureev/sessionkeeper/internal/codec"
	"github.com/ashureev/sessionkeeper/internal/domain"
)

// Serializer turns opaque entity payloads into stored text using a codec.
// Relational backends use the blob methods per column; document backends
// (file tree, object store, memory) use the record methods, which encode a
// whole entity as one codec document.
type Serializer struct {
	Codec codec.Codec
}

// NewSerializer returns a Serializer for c, falling back to codec.Default.
func NewSerializer(c codec.Codec) Serializer {
	if c == nil {
		c = codec.Default
	}
	return Serializer{Codec: c}
}

// EncodeDocument renders a state document.
func (s Serializer) EncodeDocument(doc domain.Document) (string, error) {
	text, err := s.Codec.Encode(doc)
	if err != nil {
		return "", serialization("encode document", err)
	}
	return text, nil
}

// DecodeDocument parses a state document.
func (s Serializer) DecodeDocument(text string) (domain.Document, error) {
	v, err := s.Codec.Decode(text)
	if err != nil {
		return nil, serialization("decode document", err)
	}
	return documentFrom(v)
}

// EncodeTurn renders a message turn.
func (s Serializer) EncodeTurn(turn domain.Turn) (string, error) {
	text, err := s.Codec.Encode(turnTree(turn))
	if err != nil {
		return "", serialization("encode message", err)
	}
	return text, nil
}

// DecodeTurn parses a message turn.
func (s Serializer) DecodeTurn(text string) (domain.Turn, error) {
	v, err := s.Codec.Decode(text)
	if err != nil {
		return domain.Turn{}, serialization("decode message", err)
	}
	return turnFrom(v)
}

// EncodeSession renders a whole session record.
func (s Serializer) EncodeSession(sess domain.Session) ([]byte, error) {
	return s.encodeRecord("session", map[string]any{
		"session_id":   sess.SessionID,
		"session_type": string(sess.SessionType),
		"created_at":   FormatTime(sess.CreatedAt),
		"updated_at":   FormatTime(sess.UpdatedAt),
	})
}

// DecodeSession parses a session record. An unknown session type yields ErrValidation.
func (s Serializer) DecodeSession(data []byte) (*domain.Session, error) {
	r, err := s.decodeRecord("session", data)
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if sess.SessionID, err = r.str("session_id"); err != nil {
		return nil, err
	}
	tag, err := r.str("session_type")
	if err != nil {
		return nil, err
	}
	if sess.SessionType, err = domain.ParseSessionType(tag); err != nil {
		return nil, Validation(err)
	}
	if sess.CreatedAt, sess.UpdatedAt, err = r.timestamps(); err != nil {
		return nil, err
	}
	return &sess, nil
}

// EncodeAgent renders a whole agent record.
func (s Serializer) EncodeAgent(agent domain.AgentState) ([]byte, error) {
	return s.encodeRecord("agent", map[string]any{
		"agent_id":                   agent.AgentID,
		"state":                      agent.State,
		"conversation_manager_state": agent.ConversationManagerState,
		"created_at":                 FormatTime(agent.CreatedAt),
		"updated_at":                 FormatTime(agent.UpdatedAt),
	})
}

// DecodeAgent parses an agent record.
func (s Serializer) DecodeAgent(data []byte) (*domain.AgentState, error) {
	r, err := s.decodeRecord("agent", data)
	if err != nil {
		return nil, err
	}
	var agent domain.AgentState
	if agent.AgentID, err = r.str("agent_id"); err != nil {
		return nil, err
	}
	if agent.State, err = documentFrom(r["state"]); err != nil {
		return nil, err
	}
	if agent.ConversationManagerState, err = documentFrom(r["conversation_manager_state"]); err != nil {
		return nil, err
	}
	if agent.CreatedAt, agent.UpdatedAt, err = r.timestamps(); err != nil {
		return nil, err
	}
	return &agent, nil
}

// EncodeMessage renders a whole message record.
func (s Serializer) EncodeMessage(msg domain.Message) ([]byte, error) {
	var redact any
	if msg.RedactMessage != nil {
		redact = turnTree(*msg.RedactMessage)
	}
	return s.encodeRecord("message", map[string]any{
		"message_id":     msg.MessageID,
		"message":        turnTree(msg.Message),
		"redact_message": redact,
		"created_at":     FormatTime(msg.CreatedAt),
		"updated_at":     FormatTime(msg.UpdatedAt),
	})
}

// DecodeMessage parses a message record.
func (s Serializer) DecodeMessage(data []byte) (*domain.Message, error) {
	r, err := s.decodeRecord("message", data)
	if err != nil {
		return nil, err
	}
	var msg domain.Message
	id, ok := r["message_id"].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: message record: message_id is %T", ErrSerialization, r["message_id"])
	}
	msg.MessageID = id
	if msg.Message, err = turnFrom(r["message"]); err != nil {
		return nil, err
	}
	if raw := r["redact_message"]; raw != nil {
		redact, err := turnFrom(raw)
		if err != nil {
			return nil, err
		}
		msg.RedactMessage = &redact
	}
	if msg.CreatedAt, msg.UpdatedAt, err = r.timestamps(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s Serializer) encodeRecord(kind string, fields map[string]any) ([]byte, error) {
	text, err := s.Codec.Encode(fields)
	if err != nil {
		return nil, serialization("encode "+kind+" record", err)
	}
	return []byte(text), nil
}

type record map[string]any

func (s Serializer) decodeRecord(kind string, data []byte) (record, error) {
	v, err := s.Codec.Decode(string(data))
	if err != nil {
		return nil, serialization("decode "+kind+" record", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s record is %T, want mapping", ErrSerialization, kind, v)
	}
	return record(m), nil
}

func (r record) str(key string) (string, error) {
	s, ok := r[key].(string)
	if !ok {
		return "", fmt.Errorf("%w: field %s is %T, want string", ErrSerialization, key, r[key])
	}
	return s, nil
}

func (r record) timestamps() (created, updated time.Time, err error) {
	for key, dst := range map[string]*time.Time{"created_at": &created, "updated_at": &updated} {
		s, err := r.str(key)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		if *dst, err = ParseTime(s); err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return created, updated, nil
}

// FormatTime renders t as an RFC 3339 UTC timestamp with nanoseconds.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timestamp %q: %w", ErrSerialization, s, err)
	}
	return t.UTC(), nil
}

func turnTree(t domain.Turn) map[string]any {
	var content any
	if t.Content != nil {
		blocks := make([]any, len(t.Content))
		for i, b := range t.Content {
			blocks[i] = b
		}
		content = blocks
	}
	return map[string]any{"role": t.Role, "content": content}
}

func turnFrom(v any) (domain.Turn, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return domain.Turn{}, fmt.Errorf("%w: message is %T, want mapping", ErrSerialization, v)
	}
	role, ok := m["role"].(string)
	if !ok {
		return domain.Turn{}, fmt.Errorf("%w: message role is %T, want string", ErrSerialization, m["role"])
	}
	turn := domain.Turn{Role: role}
	switch blocks := m["content"].(type) {
	case nil:
	case []any:
		turn.Content = make([]domain.Document, len(blocks))
		for i, b := range blocks {
			doc, err := documentFrom(b)
			if err != nil {
				return domain.Turn{}, fmt.Errorf("content block %d: %w", i, err)
			}
			turn.Content[i] = doc
		}
	default:
		return domain.Turn{}, fmt.Errorf("%w: message content is %T, want sequence", ErrSerialization, blocks)
	}
	return turn, nil
}

func documentFrom(v any) (domain.Document, error) {
	switch m := v.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return domain.Document(m), nil
	default:
		return nil, fmt.Errorf("%w: document is %T, want mapping", ErrSerialization, v)
	}
}
