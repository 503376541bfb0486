package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure for propagation and transport mapping.
// Each kind maps one-to-one to a wire error code.
type ErrorKind string

const (
	KindMalformedInput      ErrorKind = "malformed-input"
	KindAmbiguousDependency ErrorKind = "ambiguous-dependency"
	KindInvalidInput        ErrorKind = "invalid-input"
	KindUnknownTool         ErrorKind = "unknown-tool"
	KindNotFound            ErrorKind = "not-found"
	KindAlreadyRunning      ErrorKind = "already-running"
	KindInvalidGraph        ErrorKind = "invalid-graph"
	KindAcquireTimeout      ErrorKind = "acquire-timeout"
	KindSpawnFailed         ErrorKind = "spawn-failed"
	KindChildTimeout        ErrorKind = "child-timeout"
	KindCancelled           ErrorKind = "cancelled"
	KindMigrationFailed     ErrorKind = "store-migration-failed"
	KindInternal            ErrorKind = "internal"
)

// Error is a typed failure carrying a kind, a human message, and an
// optional wrapped cause. Failures never travel as untyped strings.
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

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by kind so callers can use errors.Is with a bare kind error
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// NewError creates a typed error
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates a typed error wrapping a cause
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the error kind, defaulting to internal for untyped errors
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindInternal
}

// WireCode maps an error kind to its transport error code. Parser
// kinds collapse onto invalid-input; supervisor terminal kinds are
// reported through task results rather than the wire, but keep stable
// codes for the cases where they do surface.
func WireCode(kind ErrorKind) string {
	switch kind {
	case KindMalformedInput, KindAmbiguousDependency:
		return string(KindInvalidInput)
	case KindCancelled:
		return string(KindInternal)
	default:
		return string(kind)
	}
}
