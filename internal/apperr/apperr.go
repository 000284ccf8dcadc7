// Package apperr defines the error taxonomy shared by every component
// boundary (spec.md §7): Validation, NotFound, Duplicate,
// DependencyUnavailable, Transient, Permanent, InvariantViolation.
package apperr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the seven taxonomy buckets.
type Kind string

const (
	Validation            Kind = "ValidationError"
	NotFound              Kind = "NotFound"
	Duplicate             Kind = "Duplicate"
	DependencyUnavailable Kind = "DependencyUnavailable"
	Transient             Kind = "Transient"
	Permanent             Kind = "Permanent"
	InvariantViolation    Kind = "InvariantViolation"
)

// Error wraps a cause with its taxonomy Kind and an operator-facing message.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs a taxonomy error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to an underlying cause, preserving its stack via pkg/errors.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// WithDetails attaches structured detail fields, returning the same error for chaining.
func (e *Error) WithDetails(details map[string]string) *Error {
	e.Details = details
	return e
}

// KindOf extracts the Kind of err, defaulting to InvariantViolation for
// untyped errors (a bug surfaced late is still a bug, per spec.md §7).
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return InvariantViolation
}

// Is reports whether the first *Error found in err's chain has the given
// Kind; an err with no *Error in its chain counts as InvariantViolation.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
