package core

import (
	"errors"
	"fmt"
)

// Error kinds. Match with errors.Is against an *Error.
var (
	ErrValidation  = errors.New("validation failed")
	ErrRateLimited = errors.New("rate limited")
	ErrNotFound    = errors.New("not found")
	ErrInternal    = errors.New("internal error")
)

// Error is a failed coordinator operation. Msg is safe to show to the
// client that triggered it.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == e.Kind }

func validationError(msg string) error {
	return &Error{Kind: ErrValidation, Msg: msg}
}

func notFoundError(msg string) error {
	return &Error{Kind: ErrNotFound, Msg: msg}
}

func rateLimitError(msg string) error {
	return &Error{Kind: ErrRateLimited, Msg: msg}
}

func internalError(msg string, err error) error {
	return &Error{Kind: ErrInternal, Msg: msg, Err: err}
}

// PublicMessage returns the text to send back to the client for err.
// Internal faults never leak their cause.
func PublicMessage(err error, fallback string) string {
	var ce *Error
	if errors.As(err, &ce) && ce.Kind != ErrInternal {
		return ce.Msg
	}
	if fallback == "" {
		fallback = "Internal server error"
	}
	return fallback
}
