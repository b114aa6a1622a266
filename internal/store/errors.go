package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/containerd/errdefs"

	"github.com/ashureev/sessionkeeper/internal/domain"
	"github.com/ashureev/sessionkeeper/internal/identity"
)

// Error kinds returned by every Repository implementation. Each kind wraps
// the matching errdefs class, so errdefs.IsNotFound and friends work too.
var (
	// ErrNotFound means a referenced parent or the target row is absent.
	ErrNotFound = fmt.Errorf("session store: %w", errdefs.ErrNotFound)
	// ErrDuplicateKey means a uniqueness constraint was violated.
	ErrDuplicateKey = fmt.Errorf("session store: duplicate key: %w", errdefs.ErrAlreadyExists)
	// ErrValidation means the input had a malformed shape or enum value.
	ErrValidation = fmt.Errorf("session store: validation: %w", errdefs.ErrInvalidArgument)
	// ErrSerialization means an opaque payload could not be encoded or decoded.
	ErrSerialization = fmt.Errorf("session store: serialization: %w", errdefs.ErrDataLoss)
	// ErrStorageUnavailable means the backing store could not be reached or failed I/O.
	ErrStorageUnavailable = fmt.Errorf("session store: %w", errdefs.ErrUnavailable)
)

// Validation wraps a domain validation failure as ErrValidation.
func Validation(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, err)
}

// Unavailable wraps a backend failure as ErrStorageUnavailable. Context
// cancellation and errors that already carry a kind pass through unchanged.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if HasKind(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStorageUnavailable, err)
}

// HasKind reports whether err already carries one of the repository error kinds.
func HasKind(err error) bool {
	for _, kind := range []error{ErrNotFound, ErrDuplicateKey, ErrValidation, ErrSerialization, ErrStorageUnavailable} {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}

func serialization(what string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrSerialization, what, err)
}

// CheckSessionID validates a session key.
func CheckSessionID(sessionID string) error {
	return Validation(identity.ValidateID("session_id", sessionID))
}

// CheckAgentKey validates an agent key.
func CheckAgentKey(sessionID, agentID string) error {
	if err := CheckSessionID(sessionID); err != nil {
		return err
	}
	return Validation(identity.ValidateID("agent_id", agentID))
}

// CheckMessageKey validates a message key.
func CheckMessageKey(sessionID, agentID string, messageID int64) error {
	if err := CheckAgentKey(sessionID, agentID); err != nil {
		return err
	}
	return Validation(domain.ValidateMessageID(messageID))
}
