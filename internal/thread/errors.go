package thread

import (
	"errors"
	"fmt"
)

// ErrNotFound — тред или родительское сообщение отсутствуют. Не ретраится.
var ErrNotFound = errors.New("not found")

// ErrForbidden is returned when the actor is not a member of the thread.
var ErrForbidden = errors.New("forbidden")

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Message
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}

// CreationStep names one of the three sequential writes of thread creation.
type CreationStep string

const (
	StepAggregate     CreationStep = "aggregate"
	StepSystemMessage CreationStep = "system_message"
	StepGrants        CreationStep = "grants"
)

// CreationError reports a creation that failed after the aggregate step may
// already have landed. ThreadID is set once the aggregate id is known.
type CreationError struct {
	Step     CreationStep
	ThreadID string
	Err      error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("create thread %s: step %s: %v", e.ThreadID, e.Step, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

// Partial reports whether an earlier step already succeeded.
func (e *CreationError) Partial() bool { return e.Step != StepAggregate }

// StoreError wraps a transient store failure. Retry is the caller's concern.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *StoreError) Unwrap() error { return e.Err }

// WrapStore leaves nil, not-found and validation errors as they are and
// wraps everything else into a StoreError.
func WrapStore(op string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) {
		return err
	}
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	var se *StoreError
	if errors.As(err, &se) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
