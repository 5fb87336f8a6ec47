package governance

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an item or identity id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition is returned when an operation does not apply to the
	// item's current status, e.g. completing an item that is not processing.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrInvalidSubmission is returned for malformed submissions.
	ErrInvalidSubmission = errors.New("invalid submission")
	// ErrNoIdentity is returned when no usable identity can be leased.
	ErrNoIdentity = errors.New("no usable identity")
)

// PersistenceError reports a failed write or read against the durable store.
// Operations that return it leave in-memory state unchanged.
type PersistenceError struct {
	Op  string
	Err error
}

// Error implements error.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failure during %s: %v", e.Op, e.Err)
}

// Unwrap exposes the underlying store error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Persistence wraps err as a PersistenceError for op. A nil err stays nil.
func Persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	return &PersistenceError{Op: op, Err: err}
}

// IsPersistence reports whether err is, or wraps, a PersistenceError.
func IsPersistence(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
