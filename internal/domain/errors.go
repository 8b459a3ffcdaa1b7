package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrTerminal          = errors.New("post is in a terminal state")
)

// InvariantError reports an integrity problem: a double claim, a transition out of a
// terminal state, a second RUNNING task for a post. Callers must reject the operation
// that produced it and never coerce the record into a valid-looking state.
type InvariantError struct {
	Entity string // "post", "task", "device"
	ID     string
	Op     string
	Err    error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violation: %s %s: %s: %v", e.Entity, e.ID, e.Op, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }

// IsInvariant reports whether err is (or wraps) an InvariantError.
func IsInvariant(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}

func violation(entity, id, op string, err error) error {
	return &InvariantError{Entity: entity, ID: id, Op: op, Err: err}
}
