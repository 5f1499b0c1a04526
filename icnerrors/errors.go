// Package icnerrors classifies every error this module returns across
// process and gossip boundaries into the fixed taxonomy of spec.md §7, so
// callers (RPC handlers, mesh peers, CLI) can branch on Kind without
// string-matching error text.
package icnerrors

import "fmt"

// Kind classifies an error into one of the taxonomy's fixed categories.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	NotFound            Kind = "not_found"
	PermissionDenied    Kind = "permission_denied"
	InsufficientBalance Kind = "insufficient_balance"
	InsufficientQuorum  Kind = "insufficient_quorum"
	InvalidState        Kind = "invalid_state"
	SignatureInvalid    Kind = "signature_invalid"
	Timeout             Kind = "timeout"
	Conflict            Kind = "conflict"
	TransportError      Kind = "transport_error"
	Fatal               Kind = "fatal"
)

// Error pairs an underlying cause with its taxonomy Kind.
type Error struct {
	kind Kind
	err  error
}

// New wraps err under kind. Calling with a nil err returns nil, so callers
// can write `return icnerrors.New(icnerrors.NotFound, lookupErr)` unconditionally.
func New(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, err: err}
}

// Newf formats a message and wraps it under kind.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// Kind returns e's taxonomy classification.
func (e *Error) Kind() Kind {
	if e == nil {
		return ""
	}
	return e.kind
}

// KindOf walks err's Unwrap chain for the first *Error and returns its Kind,
// or "" if none is found.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return ""
}

// Is reports whether err's Kind matches kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
