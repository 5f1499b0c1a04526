package icntypes

import (
	"fmt"
	"strings"
)

// DID is a decentralized identifier of the form "did:<method>:<id>". It is a
// tagged string: two DIDs are equal iff their string forms are equal, and the
// tag is never reassigned once minted.
type DID string

// NewDID validates and constructs a DID from a method and method-specific id.
func NewDID(method, id string) (DID, error) {
	method = strings.TrimSpace(method)
	id = strings.TrimSpace(id)
	if method == "" {
		return "", fmt.Errorf("%w: empty did method", ErrInvalidInput)
	}
	if id == "" {
		return "", fmt.Errorf("%w: empty did id", ErrInvalidInput)
	}
	return DID(fmt.Sprintf("did:%s:%s", method, id)), nil
}

// ParseDID validates that s has the shape "did:<method>:<id>" and returns it
// as a DID.
func ParseDID(s string) (DID, error) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 || parts[0] != "did" || parts[1] == "" || parts[2] == "" {
		return "", fmt.Errorf("%w: malformed did %q", ErrInvalidInput, s)
	}
	return DID(s), nil
}

// Method returns the method segment of the DID ("key", "icn", "web", ...).
func (d DID) Method() string {
	parts := strings.SplitN(string(d), ":", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

// String implements fmt.Stringer.
func (d DID) String() string { return string(d) }

// Valid reports whether d has the minimal well-formed DID shape.
func (d DID) Valid() bool {
	_, err := ParseDID(string(d))
	return err == nil
}

// VerificationKey is an opaque public key bound to a DID by a resolver.
// Concrete byte layout is determined by the signature primitive in use
// (Ed25519 by default, see icntypes.Verifier).
type VerificationKey []byte

// Signature is an opaque detached signature produced over canonical message
// bytes by icntypes.Signer.
type Signature []byte
