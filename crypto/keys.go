// Package crypto wraps the Ed25519 signature primitive (spec.md §6 default)
// behind the same Address/PrivateKey shape the teacher module used for its
// secp256k1 keys, so the rest of the codebase sees a familiar, swappable key
// type rather than depending on crypto/ed25519 directly.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/btcsuite/btcutil/bech32"
)

// AddressPrefix is the human-readable bech32 prefix for an encoded
// verification key fingerprint.
type AddressPrefix string

const (
	// ICNPrefix is used for general node/account identities.
	ICNPrefix AddressPrefix = "icn"
)

// Address is a bech32-encoded Ed25519 public key fingerprint. It is used as
// the method-specific id portion of a did:icn:<address> DID.
type Address struct {
	prefix AddressPrefix
	bytes  []byte
}

// NewAddress constructs an Address from a 32-byte Ed25519 public key.
func NewAddress(prefix AddressPrefix, b []byte) (Address, error) {
	if len(b) != ed25519.PublicKeySize {
		return Address{}, fmt.Errorf("address must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	cloned := append([]byte(nil), b...)
	return Address{prefix: prefix, bytes: cloned}, nil
}

// MustNewAddress constructs an address and panics if the input is invalid.
func MustNewAddress(prefix AddressPrefix, b []byte) Address {
	addr, err := NewAddress(prefix, b)
	if err != nil {
		panic(err)
	}
	return addr
}

func (a Address) String() string {
	conv, err := bech32.ConvertBits(a.bytes, 8, 5, true)
	if err != nil {
		panic(err)
	}
	encoded, err := bech32.Encode(string(a.prefix), conv)
	if err != nil {
		panic(err)
	}
	return encoded
}

// Bytes returns the raw 32-byte Ed25519 public key.
func (a Address) Bytes() []byte {
	return append([]byte(nil), a.bytes...)
}

// Prefix returns the human-readable prefix associated with the address.
func (a Address) Prefix() AddressPrefix {
	return a.prefix
}

// DecodeAddress parses a bech32-encoded address string.
func DecodeAddress(addrStr string) (Address, error) {
	prefix, decoded, err := bech32.Decode(addrStr)
	if err != nil {
		return Address{}, fmt.Errorf("invalid bech32 string: %w", err)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return Address{}, fmt.Errorf("error converting bits: %w", err)
	}
	return NewAddress(AddressPrefix(prefix), conv)
}

// --- Key management ---

// PrivateKey wraps an Ed25519 private key.
type PrivateKey struct {
	key ed25519.PrivateKey
}

// PublicKey wraps an Ed25519 public key.
type PublicKey struct {
	key ed25519.PublicKey
}

// GeneratePrivateKey creates a fresh Ed25519 keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key: priv}, nil
}

// Bytes returns the raw private key seed+public suffix (64 bytes, Go's
// ed25519.PrivateKey wire format).
func (k *PrivateKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// PubKey derives the corresponding public key.
func (k *PrivateKey) PubKey() *PublicKey {
	pub := k.key.Public().(ed25519.PublicKey)
	return &PublicKey{key: pub}
}

// Sign produces a detached Ed25519 signature over message.
func (k *PrivateKey) Sign(message []byte) []byte {
	return ed25519.Sign(k.key, message)
}

// Address derives the bech32-encoded fingerprint address for the public key.
func (k *PublicKey) Address() Address {
	return MustNewAddress(ICNPrefix, []byte(k.key))
}

// Bytes returns the raw 32-byte public key.
func (k *PublicKey) Bytes() []byte {
	return append([]byte(nil), k.key...)
}

// Verify checks a detached signature against message.
func (k *PublicKey) Verify(message, sig []byte) bool {
	return ed25519.Verify(k.key, message, sig)
}

// PrivateKeyFromBytes reconstructs a private key from its raw wire bytes.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("private key must be %d bytes, got %d", ed25519.PrivateKeySize, len(b))
	}
	cloned := append(ed25519.PrivateKey(nil), b...)
	return &PrivateKey{key: cloned}, nil
}

// PublicKeyFromBytes reconstructs a public key from its raw 32 bytes.
func PublicKeyFromBytes(b []byte) (*PublicKey, error) {
	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(b))
	}
	cloned := append(ed25519.PublicKey(nil), b...)
	return &PublicKey{key: cloned}, nil
}
