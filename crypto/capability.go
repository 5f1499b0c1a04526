package crypto

import (
	"context"
	"fmt"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// Verifier adapts the package's Ed25519 PublicKey.Verify to the
// icntypes.Verifier capability: unlike a test double closing over a single
// key, it reconstructs the public key from whatever bytes the caller's
// DidResolver handed back for the signer DID.
type Verifier struct{}

// Verify implements icntypes.Verifier.
func (Verifier) Verify(pubKey icntypes.VerificationKey, message []byte, sig icntypes.Signature) bool {
	key, err := PublicKeyFromBytes(pubKey)
	if err != nil {
		return false
	}
	return key.Verify(message, sig)
}

// Signer adapts a single PrivateKey to the icntypes.Signer capability,
// rejecting any request for a DID other than the one it was bound to.
type Signer struct {
	did icntypes.DID
	key *PrivateKey
}

// NewSigner binds key to did for use as an icntypes.Signer.
func NewSigner(did icntypes.DID, key *PrivateKey) Signer {
	return Signer{did: did, key: key}
}

// Sign implements icntypes.Signer.
func (s Signer) Sign(_ context.Context, did icntypes.DID, message []byte) (icntypes.Signature, error) {
	if did != s.did {
		return nil, fmt.Errorf("%w: signer bound to %s, requested %s", icntypes.ErrPermissionDenied, s.did, did)
	}
	return icntypes.Signature(s.key.Sign(message)), nil
}
