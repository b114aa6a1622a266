// Package identity validates and generates the caller-facing identifiers
// (session and agent ids) used as storage keys.
package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// MaxIDLength bounds session and agent identifiers.
const MaxIDLength = 128

// ErrInvalidID is returned for identifiers that are empty, too long or
// contain characters outside the allowed set.
var ErrInvalidID = errors.New("invalid identifier")

// idPattern keeps identifiers safe to embed in file paths and object keys.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)

// ValidateID checks that id is usable as a storage key. field names the
// offending attribute in the returned error.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("%w: %s is empty", ErrInvalidID, field)
	}
	if !idPattern.MatchString(id) {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, field, truncate(id))
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: %s %q", ErrInvalidID, field, id)
	}
	return nil
}

// NewSessionID returns a fresh random session identifier.
func NewSessionID() string {
	return "sess_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func truncate(id string) string {
	if len(id) > MaxIDLength {
		return id[:MaxIDLength] + "..."
	}
	return id
}
