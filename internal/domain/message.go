package domain

import (
	"errors"
	"fmt"
	"time"
)

// Turn is the structured content of one conversational turn: a role plus
// its content blocks. Blocks are opaque to the storage layer.
type Turn struct {
	Role    string     `json:"role"`
	Content []Document `json:"content"`
}

// Message is one ordered entry of an agent's conversation log.
// MessageID is assigned by the caller and is unique per (session_id, agent_id).
type Message struct {
	MessageID int64 `json:"message_id"`
	Message   Turn  `json:"message"`
	// RedactMessage is nil when no redacted variant was supplied.
	RedactMessage *Turn     `json:"redact_message"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ErrInvalidMessageID is returned for negative message identifiers.
var ErrInvalidMessageID = errors.New("invalid message_id")

// Validate checks the message identifier.
func (m *Message) Validate() error {
	return ValidateMessageID(m.MessageID)
}

// ValidateMessageID rejects negative message identifiers.
func ValidateMessageID(id int64) error {
	if id < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidMessageID, id)
	}
	return nil
}
