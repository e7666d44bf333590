package task

import (
	"errors"
	"fmt"
)

// Kind classifies a failure
type Kind string

const (
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindHandlerMissing Kind = "handler_missing"
	KindProvider       Kind = "provider"
	KindUnexpected     Kind = "unexpected"
)

// Error is the domain error returned by scheduler operations
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so callers can use the sentinels below
// with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.Kind == e.Kind
}

var (
	ErrValidation     = &Error{Kind: KindValidation}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrConflict       = &Error{Kind: KindConflict}
	ErrHandlerMissing = &Error{Kind: KindHandlerMissing}
	ErrProvider       = &Error{Kind: KindProvider}
	ErrUnexpected     = &Error{Kind: KindUnexpected}
)

// Errorf builds an *Error of the given kind
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around a cause
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// NotFound is the error returned for unknown task ids
func NotFound(id string) *Error {
	return Errorf(KindNotFound, "No task found with id %s", id)
}

// KindOf extracts the kind of err, defaulting to KindUnexpected
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindUnexpected
}
