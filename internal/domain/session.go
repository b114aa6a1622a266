// Package domain contains the persisted entity types of a conversation:
// sessions, per-agent state snapshots and the ordered message log.
package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashureev/sessionkeeper/internal/identity"
)

// SessionType tags what kind of runtime owns a session. It is fixed at creation.
type SessionType string

const (
	// SessionTypeAgent is a session driven by a single agent.
	SessionTypeAgent SessionType = "AGENT"
	// SessionTypeMultiAgent is a session shared by several cooperating agents.
	SessionTypeMultiAgent SessionType = "MULTI_AGENT"
)

// ErrInvalidSessionType is returned when a session type tag is not recognized.
var ErrInvalidSessionType = errors.New("invalid session type")

// ParseSessionType converts a stored tag into a SessionType.
// Unknown tags are rejected rather than coerced.
func ParseSessionType(s string) (SessionType, error) {
	t := SessionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidSessionType, s)
	}
	return t, nil
}

// Valid reports whether t is one of the recognized session types.
func (t SessionType) Valid() bool {
	switch t {
	case SessionTypeAgent, SessionTypeMultiAgent:
		return true
	default:
		return false
	}
}

func (t SessionType) String() string { return string(t) }

// UnmarshalJSON validates the tag while decoding.
func (t *SessionType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSessionType, err)
	}
	parsed, err := ParseSessionType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Session is a single persisted conversation identified by a caller-chosen key.
type Session struct {
	SessionID   string      `json:"session_id"`
	SessionType SessionType `json:"session_type"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// Validate checks the identity and type of the session.
func (s *Session) Validate() error {
	if err := identity.ValidateID("session_id", s.SessionID); err != nil {
		return err
	}
	if !s.SessionType.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidSessionType, string(s.SessionType))
	}
	return nil
}
