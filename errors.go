package chronicle

import (
	"errors"
	"fmt"
)

// Common errors surfaced by the store and the engine. Callers classify with
// errors.Is; control flow never uses panics.
var (
	// ErrNotFound is returned when an addressed id is absent.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write collides with existing state.
	ErrConflict = errors.New("conflict")

	// ErrSchema is returned when migration or schema introspection fails.
	// Fatal at startup.
	ErrSchema = errors.New("schema error")

	// ErrTransport is returned for connection-class failures (pool exhausted,
	// connection reset, protocol timeout). Retryable by the caller.
	ErrTransport = errors.New("transport error")

	// ErrValidation is returned for malformed arguments, including embedding
	// dimension mismatches.
	ErrValidation = errors.New("validation error")
)

// StoreError wraps errors with operation context.
type StoreError struct {
	Op  string // Operation name
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("chronicle: %v", e.Err)
	}
	return fmt.Sprintf("chronicle: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is checks if the error matches the target.
func (e *StoreError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// wrapErr wraps an error with operation context.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// validationErr builds an ErrValidation naming the offending field.
func validationErr(field, msg string) error {
	return &StoreError{Op: field, Err: fmt.Errorf("%w: %s", ErrValidation, msg)}
}
