package workflow

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("workflow not found")
	ErrForbidden         = errors.New("workflow belongs to another user")
	ErrPrecondition      = errors.New("precondition failed")
	ErrCapacityExhausted = errors.New("vendor capacity exhausted")
	// ErrStaleObservation is returned for task results that no longer match
	// any active task, e.g. after a regenerate superseded them.
	ErrStaleObservation = errors.New("observation does not match an active task")
)

func invalidf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func preconditionf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrPrecondition, fmt.Sprintf(format, args...))
}
