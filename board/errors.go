package board

import (
	"errors"
	"fmt"
)

// ErrTaskNotFound is returned when a referenced task identifier is absent
// from the session's local state. No store call is made in that case.
var ErrTaskNotFound = errors.New("task not found")

// ValidationError rejects caller-supplied data before any store call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// StoreError wraps a failed store adapter call with the operation name.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}
