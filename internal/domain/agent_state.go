package domain

import (
	"fmt"
	"time"

	"github.com/ashureev/sessionkeeper/internal/codec"
	"github.com/ashureev/sessionkeeper/internal/identity"
)

// Document is an opaque nested key/value structure. Values are restricted to
// the canonical tree understood by the codec package: nil, bool, int64,
// float64, string, []any and map[string]any.
type Document map[string]any

// MarshalJSON renders the document through the JSON codec so floats with a
// zero fraction stay floats on the wire.
func (d Document) MarshalJSON() ([]byte, error) {
	if d == nil {
		return []byte("null"), nil
	}
	text, err := codec.JSON.Encode(map[string]any(d))
	if err != nil {
		return nil, err
	}
	return []byte(text), nil
}

// UnmarshalJSON parses a JSON object into the canonical tree.
func (d *Document) UnmarshalJSON(data []byte) error {
	v, err := codec.JSON.Decode(string(data))
	if err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*d = nil
	case map[string]any:
		*d = x
	default:
		return fmt.Errorf("%w: document must be an object, got %T", codec.ErrUnsupported, v)
	}
	return nil
}

// AgentState is one participant's durable working-memory snapshot within a
// session. It is keyed by (session_id, agent_id).
type AgentState struct {
	AgentID                  string    `json:"agent_id"`
	State                    Document  `json:"state"`
	ConversationManagerState Document  `json:"conversation_manager_state"`
	CreatedAt                time.Time `json:"created_at"`
	UpdatedAt                time.Time `json:"updated_at"`
}

// Validate checks the agent identifier.
func (a *AgentState) Validate() error {
	return identity.ValidateID("agent_id", a.AgentID)
}
