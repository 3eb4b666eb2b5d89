package turn

import (
	"errors"
	"fmt"
)

// ErrorKind classifies orchestrator errors independent of transport.
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"          // Bad request shape or semantics
	KindPrecondition       ErrorKind = "precondition"        // Phase preconditions unmet
	KindTimeout            ErrorKind = "timeout"             // Phase deadline exceeded
	KindCollaborator       ErrorKind = "collaborator"        // Downstream context failed
	KindAIBudget           ErrorKind = "ai_budget"           // AI cost limit exceeded
	KindConsistency        ErrorKind = "consistency"         // Post-phase validation failed
	KindCompensationFailed ErrorKind = "compensation_failed" // Destructive compensation failed
	KindInvalidState       ErrorKind = "invalid_state"       // Aggregate state machine violation
	KindInternal           ErrorKind = "internal"            // Unexpected failure
)

// Error is the typed error carried through the turn engine.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError builds a typed error with a formatted message.
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError attaches a cause to a typed error.
func WrapError(kind ErrorKind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the error kind, defaulting to internal for untyped errors.
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
