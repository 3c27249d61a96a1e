package schema

import (
	"errors"
	"fmt"
)

// Error kinds returned by the media core.
//
// Check them with errors.Is():
//
//	if errors.Is(err, schema.ErrNotFound) {
//	    // the referenced asset or owner is gone
//	}
var (
	// ErrInvalidArgument is returned for malformed input, before any I/O happens.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidTransition is returned when a state change is not an edge
	// of the asset state machine.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrNotFound is returned when a referenced asset or owner does not exist.
	ErrNotFound = errors.New("not found")

	// ErrIOFailure is returned when a file write, move or read fails.
	ErrIOFailure = errors.New("i/o failure")

	// ErrRemoteFailure is returned for network or HTTP failures.
	ErrRemoteFailure = errors.New("remote failure")

	// ErrCollision is returned when a freshly generated canonical id
	// already exists. The caller retries with a new id.
	ErrCollision = errors.New("canonical id collision")
)

// Error carries the kind of failure plus the operation and id it happened on.
type Error struct {
	Kind error
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.ID != "" {
		msg += " (" + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's kind so wrapped errors still compare equal to
// the sentinel values above.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// NewError builds an *Error. A nil cause is allowed.
func NewError(kind error, op, id string, cause error) *Error {
	return &Error{Kind: kind, Op: op, ID: id, Err: cause}
}

// Invalidf is shorthand for an ErrInvalidArgument with a formatted cause.
func Invalidf(op, format string, args ...any) *Error {
	return &Error{Kind: ErrInvalidArgument, Op: op, Err: fmt.Errorf(format, args...)}
}

// IsRetryable returns true if the operation may succeed when repeated.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrCollision) ||
		errors.Is(err, ErrIOFailure) ||
		errors.Is(err, ErrRemoteFailure)
}

// IsValidation returns true for errors the caller caused: bad input,
// an illegal transition or a missing reference.
func IsValidation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotFound)
}
