package icntypes

import (
	"errors"
	"fmt"
)

// Kind classifies an error into the taxonomy every ICN subsystem surfaces to
// callers. It is not a Go error type itself; wrap it with fmt.Errorf("%w", ...)
// around one of the sentinels below, or use WithKind for dynamic reasons.
type Kind string

const (
	KindInvalidInput       Kind = "invalid_input"
	KindNotFound           Kind = "not_found"
	KindPermissionDenied   Kind = "permission_denied"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindInsufficientQuorum Kind = "insufficient_quorum"
	KindInvalidState       Kind = "invalid_state"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindTimeout            Kind = "timeout"
	KindConflict           Kind = "conflict"
	KindTransportError     Kind = "transport_error"
	KindFatal              Kind = "fatal"
)

// Sentinel base errors, one per Kind, so callers can both errors.Is(err,
// ErrNotFound) and, via KindOf, inspect the structured classification.
var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrNotFound            = errors.New("not found")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientQuorum  = errors.New("insufficient quorum")
	ErrInvalidState        = errors.New("invalid state")
	ErrSignatureInvalid    = errors.New("signature invalid")
	ErrTimeout             = errors.New("timeout")
	ErrConflict            = errors.New("conflict")
	ErrTransportError      = errors.New("transport error")
	ErrFatal               = errors.New("fatal invariant violation")
)

var kindSentinels = map[Kind]error{
	KindInvalidInput:        ErrInvalidInput,
	KindNotFound:            ErrNotFound,
	KindPermissionDenied:    ErrPermissionDenied,
	KindInsufficientBalance: ErrInsufficientBalance,
	KindInsufficientQuorum:  ErrInsufficientQuorum,
	KindInvalidState:        ErrInvalidState,
	KindSignatureInvalid:    ErrSignatureInvalid,
	KindTimeout:             ErrTimeout,
	KindConflict:            ErrConflict,
	KindTransportError:      ErrTransportError,
	KindFatal:               ErrFatal,
}

// WithKind wraps reason under the sentinel for kind so errors.Is matches the
// taxonomy and KindOf recovers the classification for logging/metrics.
func WithKind(kind Kind, reason string) error {
	sentinel, ok := kindSentinels[kind]
	if !ok {
		sentinel = ErrInvalidInput
	}
	if reason == "" {
		return sentinel
	}
	return fmt.Errorf("%w: %s", sentinel, reason)
}

// KindOf classifies err against the taxonomy sentinels, defaulting to
// KindFatal for unrecognized errors so callers never silently treat an
// unclassified error as recoverable.
func KindOf(err error) Kind {
	for kind, sentinel := range kindSentinels {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindFatal
}

// Recoverable reports whether the error's kind is one the pipeline policy
// handles locally with retries or compensating actions (spec.md §7).
func Recoverable(err error) bool {
	switch KindOf(err) {
	case KindTransportError, KindTimeout:
		return true
	default:
		return false
	}
}
