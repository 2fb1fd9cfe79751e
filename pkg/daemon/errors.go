package daemon

import "fmt"

// ErrorKind classifies handler failures for RPC error replies and
// logs. Kinds are labels, not types: handlers wrap any underlying
// error with the kind that best describes the failure.
type ErrorKind string

const (
	KindValidation        ErrorKind = "validation"
	KindAuth              ErrorKind = "auth_failure"
	KindNotFound          ErrorKind = "not_found"
	KindInvalidTransition ErrorKind = "invalid_transition"
	KindIntegrity         ErrorKind = "integrity"
	KindExternal          ErrorKind = "external"
	KindConflict          ErrorKind = "conflict"
	KindTimeout           ErrorKind = "timeout"
)

// Error is a kinded handler error. Details, when set, are echoed in
// the RPC error reply.
type Error struct {
	Kind    ErrorKind
	Message string
	Details interface{}
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Errf builds a kinded error.
func Errf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches an underlying cause to a kinded error.
func Wrap(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), wrapped: err}
}

// WithDetails attaches a details payload for the error reply.
func (e *Error) WithDetails(details interface{}) *Error {
	e.Details = details
	return e
}
