// Package fabricerr defines the closed error taxonomy shared by every
// component of the connector fabric. Errors are typed values, not strings:
// callers branch on Kind via errors.Is/errors.As, and the string form exists
// only for logs.
package fabricerr

import (
	"errors"
	"fmt"
)

// Kind is one entry in the closed error taxonomy.
type Kind string

const (
	KindConfigError        Kind = "ConfigError"
	KindAuthError          Kind = "AuthError"
	KindUnreachableError   Kind = "UnreachableError"
	KindTransportError     Kind = "TransportError"
	KindProtocolError      Kind = "ProtocolError"
	KindDedupDrop          Kind = "DedupDrop"
	KindOverflow           Kind = "Overflow"
	KindUnknownCapability  Kind = "UnknownCapability"
	KindUnknownOperation   Kind = "UnknownOperation"
	KindParamError         Kind = "ParamError"
	KindUpstreamError      Kind = "UpstreamError"
	KindTimeout            Kind = "Timeout"
	KindNotConnected       Kind = "NotConnected"
)

// Error is the concrete tagged error value carried through the fabric.
type Error struct {
	Kind    Kind
	Op      string // component/operation that raised it, e.g. "connector.execute"
	Message string
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, fabricerr.KindX) style checks by comparing Kind
// against a sentinel wrapping the same Kind.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New constructs a tagged error with no wrapped cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap constructs a tagged error around an underlying cause.
func Wrap(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// Sentinel returns a zero-value *Error of the given kind, suitable as the
// target of errors.Is(err, fabricerr.Sentinel(KindX)).
func Sentinel(kind Kind) error { return &Error{Kind: kind} }

// KindOf extracts the Kind of err if it is (or wraps) a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
