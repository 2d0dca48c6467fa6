package repositories

import (
	"errors"
	"fmt"
)

// Error is the RepositoryError returned by every backend.
type Error struct {
	Op          string
	Err         error
	NotFound    bool
	Conflict    bool
	Unavailable bool
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsNotFound reports a missing record.
func (e *Error) IsNotFound() bool { return e != nil && e.NotFound }

// IsConflict reports a precondition or uniqueness violation.
func (e *Error) IsConflict() bool { return e != nil && e.Conflict }

// IsUnavailable reports a transient backend failure.
func (e *Error) IsUnavailable() bool { return e != nil && e.Unavailable }

// NewNotFound builds a not-found error for op.
func NewNotFound(op, what string) error {
	return &Error{Op: op, Err: fmt.Errorf("%s not found", what), NotFound: true}
}

// NewConflict builds a conflict error for op.
func NewConflict(op, reason string) error {
	return &Error{Op: op, Err: errors.New(reason), Conflict: true}
}

// IsNotFound reports whether err carries a repository not-found classification.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err carries a repository conflict classification.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// IsUnavailable reports whether err carries a repository unavailable classification.
func IsUnavailable(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsUnavailable()
}
