package repository

import (
	"errors"
	"fmt"
)

var (
	ErrMessageNotFound = errors.New("outbox message not found")
	ErrInvalidArgument = errors.New("invalid argument")
)

// PersistenceError wraps a storage-level failure. Callers saving messages
// inside a business transaction roll the whole transaction back when they
// see one, so the state change and the message never commit apart.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("outbox persistence failed: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
