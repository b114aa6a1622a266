package shared

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassifiesByMessage(t *testing.T) {
	t.Parallel()

	unique := errors.New("constraint failed: UNIQUE constraint failed: messages.session_id, messages.agent_id, messages.message_id (1555)")
	fk := fmt.Errorf("insert agent: %w", errors.New("constraint failed: FOREIGN KEY constraint failed (787)"))
	busy := errors.New("database is locked (5) (SQLITE_BUSY)")

	if !IsSQLiteUniqueViolation(unique) || IsSQLiteForeignKeyViolation(unique) {
		t.Errorf("unique violation misclassified")
	}
	if !IsSQLiteForeignKeyViolation(fk) || IsSQLiteUniqueViolation(fk) {
		t.Errorf("foreign key violation misclassified")
	}
	if !IsSQLiteConflictError(busy) {
		t.Errorf("busy error not detected")
	}
	for _, f := range []func(error) bool{IsSQLiteBusyError, IsSQLiteLockedError, IsSQLiteConflictError, IsSQLiteUniqueViolation, IsSQLiteForeignKeyViolation} {
		if f(nil) {
			t.Errorf("nil error classified as failure")
		}
	}
}
