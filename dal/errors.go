package dal

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var (
	// ErrClosed is returned for operations submitted after Close.
	ErrClosed = errors.New("database gateway closed")

	// ErrNotFound is returned when a requested guild row does not exist.
	ErrNotFound = errors.New("record not found")
)

// StatementError is a failed single statement or queued operation.
type StatementError struct {
	Statement string
	Err       error
}

func (e *StatementError) Error() string {
	return fmt.Sprintf("statement %q: %v", e.Statement, e.Err)
}

func (e *StatementError) Unwrap() error { return e.Err }

// TransactionError is a failed batch. Nothing in the batch was applied.
type TransactionError struct {
	Index     int
	Statement string
	Err       error
}

func (e *TransactionError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("transaction rolled back: %v", e.Err)
	}
	return fmt.Sprintf("transaction rolled back at statement %d (%q): %v", e.Index, e.Statement, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

// IsConstraintViolation reports whether err was caused by an integrity
// constraint (unique, foreign key, not null, check).
func IsConstraintViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) ||
		errors.Is(err, gorm.ErrForeignKeyViolated) ||
		errors.Is(err, gorm.ErrCheckConstraintViolated) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	return false
}
