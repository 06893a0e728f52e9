package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for propagation policy: validation,
// not-found, and conflict surface to the caller; script, transport, and
// protocol errors are recovered locally; storage and internal errors
// escalate.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindState
	KindScript
	KindTransport
	KindProtocol
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindConflict:
		return "conflict"
	case KindState:
		return "state"
	case KindScript:
		return "script"
	case KindTransport:
		return "transport"
	case KindProtocol:
		return "protocol"
	case KindStorage:
		return "storage"
	default:
		return "internal"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Cause)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Cause }

// KindOf extracts the Kind of err, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// MessageOf extracts the classified message of err, or err's full text
// for unclassified errors.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// CauseOf extracts the underlying cause text, or "" when there is none.
func CauseOf(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Cause != nil {
		return e.Cause.Error()
	}
	return ""
}

func errf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Cause: cause}
}
