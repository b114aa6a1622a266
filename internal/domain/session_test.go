package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/ashureev/sessionkeeper/internal/identity"
)

func TestParseSessionType(t *testing.T) {
	t.Parallel()

	for _, tag := range []string{"AGENT", "MULTI_AGENT"} {
		got, err := ParseSessionType(tag)
		if err != nil {
			t.Fatalf("ParseSessionType(%q) error: %v", tag, err)
		}
		if got.String() != tag {
			t.Errorf("ParseSessionType(%q) = %q", tag, got)
		}
	}

	for _, tag := range []string{"", "agent", "SWARM"} {
		if _, err := ParseSessionType(tag); !errors.Is(err, ErrInvalidSessionType) {
			t.Errorf("ParseSessionType(%q) = %v, want ErrInvalidSessionType", tag, err)
		}
	}
}

func TestSessionTypeUnmarshalJSONRejectsUnknown(t *testing.T) {
	t.Parallel()

	var s Session
	err := json.Unmarshal([]byte(`{"session_id":"s1","session_type":"BOGUS"}`), &s)
	if !errors.Is(err, ErrInvalidSessionType) {
		t.Fatalf("expected ErrInvalidSessionType, got %v", err)
	}

	if err := json.Unmarshal([]byte(`{"session_id":"s1","session_type":"MULTI_AGENT"}`), &s); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.SessionType != SessionTypeMultiAgent {
		t.Fatalf("SessionType = %q, want MULTI_AGENT", s.SessionType)
	}
}

func TestSessionValidate(t *testing.T) {
	t.Parallel()

	ok := Session{SessionID: "user-123", SessionType: SessionTypeAgent}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}

	badID := Session{SessionID: "../escape", SessionType: SessionTypeAgent}
	if err := badID.Validate(); !errors.Is(err, identity.ErrInvalidID) {
		t.Fatalf("Validate() = %v, want ErrInvalidID", err)
	}

	badType := Session{SessionID: "s1", SessionType: "CHAT"}
	if err := badType.Validate(); !errors.Is(err, ErrInvalidSessionType) {
		t.Fatalf("Validate() = %v, want ErrInvalidSessionType", err)
	}
}

func TestMessageValidate(t *testing.T) {
	t.Parallel()

	if err := (&Message{MessageID: 0}).Validate(); err != nil {
		t.Fatalf("message id 0 should be valid: %v", err)
	}
	if err := (&Message{MessageID: -1}).Validate(); !errors.Is(err, ErrInvalidMessageID) {
		t.Fatalf("Validate() = %v, want ErrInvalidMessageID", err)
	}
}

func TestDocumentJSONKeepsNumberKinds(t *testing.T) {
	t.Parallel()

	var msg Message
	in := `{"message_id":1,"message":{"role":"user","content":[{"text":"hi","weight":2.0,"n":3}]},"redact_message":null}`
	if err := json.Unmarshal([]byte(in), &msg); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	block := msg.Message.Content[0]
	if _, ok := block["weight"].(float64); !ok {
		t.Errorf("weight = %T, want float64", block["weight"])
	}
	if _, ok := block["n"].(int64); !ok {
		t.Errorf("n = %T, want int64", block["n"])
	}
	if msg.RedactMessage != nil {
		t.Errorf("RedactMessage = %+v, want nil", msg.RedactMessage)
	}

	out, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if got, want := string(out), `{"n":3,"text":"hi","weight":2.0}`; got != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestDocumentRejectsNonObject(t *testing.T) {
	t.Parallel()

	var doc Document
	if err := json.Unmarshal([]byte(`[1,2]`), &doc); err == nil {
		t.Fatal("Unmarshal(array) succeeded, want error")
	}
	if err := json.Unmarshal([]byte(`null`), &doc); err != nil || doc != nil {
		t.Errorf("Unmarshal(null) = %v, %v; want nil document", doc, err)
	}
}
