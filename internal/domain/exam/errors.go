package exam

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload       = errors.New("malformed QR payload")
	ErrNotFound               = errors.New("exam not found")
	ErrNoPriorState           = errors.New("no prior state to revert to")
	ErrInvalidTransition      = errors.New("invalid status transition")
	ErrStaleStatus            = errors.New("exam status changed since it was read")
	ErrPersistence            = errors.New("persistence failure")
	ErrPrincipalRequired      = errors.New("acting principal is required")
	ErrUnknownRejectionReason = errors.New("unknown rejection reason")
)

// MalformedPayloadError reports scanned text that does not decode to an exam
// reference. It matches ErrMalformedPayload.
type MalformedPayloadError struct {
	Reason string
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("malformed QR payload: %s", e.Reason)
}

func (e *MalformedPayloadError) Is(target error) bool {
	return target == ErrMalformedPayload
}

// PersistenceError wraps a store failure. It matches ErrPersistence and
// unwraps to the underlying cause.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceErr(op string, err error) error {
	return &PersistenceError{Op: op, Err: err}
}
