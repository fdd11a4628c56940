package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error by how callers are expected to react.
type Kind string

const (
	// Validation errors are malformed or missing input. Never retried.
	Validation Kind = "VALIDATION"
	// Auth errors are rejected credentials (code, password, token). The
	// failing step stays retryable.
	Auth Kind = "AUTH"
	// Conflict errors reject an operation that would violate an
	// at-most-one rule. The operation is a no-op.
	Conflict Kind = "CONFLICT"
	// Network errors are transient connectivity failures.
	Network Kind = "NETWORK"
	// NotFound errors reference an unknown account, chat or message.
	NotFound Kind = "NOT_FOUND"
	// Unknown is returned by KindOf for errors outside the taxonomy.
	Unknown Kind = "UNKNOWN"
)

// Error is the engine's typed error. Callers inspect it with errors.As or
// the Is/KindOf helpers:
//
//	if errs.Is(err, errs.Conflict) { ... }
type Error struct {
	Kind Kind
	// Op names the failing operation, e.g. "login.submit_code".
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// E builds an *Error of the given kind.
func E(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind around cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err (or anything it wraps) is an *Error of kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// KindOf returns the kind of the first *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Shorthand constructors for the common kinds.

func ValidationError(op, format string, args ...any) error {
	return E(Validation, op, format, args...)
}

func AuthError(op, format string, args ...any) error {
	return E(Auth, op, format, args...)
}

func ConflictError(op, format string, args ...any) error {
	return E(Conflict, op, format, args...)
}

func NotFoundError(op, format string, args ...any) error {
	return E(NotFound, op, format, args...)
}

func NetworkError(op string, cause error) error {
	return Wrap(Network, op, cause)
}
