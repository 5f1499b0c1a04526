package icntypes

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// multihash function codes, following the multiformats table subset the pack
// already touches (ipfs/go-cid in the retrieved examples). 0x1e is BLAKE3.
const blake3MultihashCode = 0x1e
const cidDigestLen = 32

// CID is a content identifier: a multihash over payload bytes. Two CIDs are
// equal iff their underlying content is equal (modulo hash collision).
type CID struct {
	code   byte
	length byte
	digest [cidDigestLen]byte
}

// NewCID computes the content identifier for payload.
func NewCID(payload []byte) CID {
	sum := blake3.Sum256(payload)
	c := CID{code: blake3MultihashCode, length: cidDigestLen}
	copy(c.digest[:], sum[:])
	return c
}

// IsZero reports whether c is the zero-value CID (never produced by NewCID).
func (c CID) IsZero() bool {
	return c.code == 0 && c.length == 0
}

// Bytes returns the canonical multihash-prefixed byte encoding: {code,
// length, digest...}.
func (c CID) Bytes() []byte {
	out := make([]byte, 0, 2+cidDigestLen)
	out = append(out, c.code, c.length)
	out = append(out, c.digest[:]...)
	return out
}

// String renders the CID as a hex string prefixed with its multihash header,
// suitable for logs and gossip topic suffixes.
func (c CID) String() string {
	return hex.EncodeToString(c.Bytes())
}

// ParseCID decodes the output of CID.Bytes.
func ParseCID(b []byte) (CID, error) {
	if len(b) != 2+cidDigestLen {
		return CID{}, fmt.Errorf("%w: cid must be %d bytes, got %d", ErrInvalidInput, 2+cidDigestLen, len(b))
	}
	if b[0] != blake3MultihashCode {
		return CID{}, fmt.Errorf("%w: unsupported multihash code 0x%x", ErrInvalidInput, b[0])
	}
	c := CID{code: b[0], length: b[1]}
	copy(c.digest[:], b[2:])
	return c, nil
}

// Equal reports whether c and other address the same content.
func (c CID) Equal(other CID) bool {
	return c.code == other.code && c.length == other.length && c.digest == other.digest
}
