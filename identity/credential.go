package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// Attestation is a signed claim one DID makes about another — the
// federation-layer input consumed by native/reputation's trust graph. It
// mirrors the original Rust crate's TrustAttestation, trimmed to what the
// Go trust graph actually reads.
type Attestation struct {
	Issuer    icntypes.DID
	Subject   icntypes.DID
	Claim     string
	Weight    float64
	IssuedAt  uint64
	ExpiresAt uint64
	Signature icntypes.Signature
}

// CredentialIssuer issues and verifies Attestations. It does not charge
// credential_issuance_cost itself; that debit is left to the caller.
type CredentialIssuer struct {
	signer   icntypes.Signer
	verifier icntypes.Verifier
	resolver icntypes.DidResolver

	mu      sync.RWMutex
	issued  map[string][]Attestation // keyed by subject DID
}

// NewCredentialIssuer constructs an issuer bound to the given signing,
// verification and resolution capabilities.
func NewCredentialIssuer(signer icntypes.Signer, verifier icntypes.Verifier, resolver icntypes.DidResolver) *CredentialIssuer {
	return &CredentialIssuer{
		signer:   signer,
		verifier: verifier,
		resolver: resolver,
		issued:   make(map[string][]Attestation),
	}
}

// canonicalAttestationBytes produces the deterministic message an
// Attestation's signature covers.
func canonicalAttestationBytes(a Attestation) []byte {
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%d", a.Issuer, a.Subject, a.Claim, a.Weight, a.IssuedAt))
}

// Issue signs a new attestation from issuer about subject. It debits no
// mana; neither Issue nor Lifecycle charges credential_issuance_cost.
func (ci *CredentialIssuer) Issue(ctx context.Context, issuer, subject icntypes.DID, claim string, weight float64, issuedAt, expiresAt uint64) (Attestation, error) {
	att := Attestation{
		Issuer:    issuer,
		Subject:   subject,
		Claim:     claim,
		Weight:    weight,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}
	sig, err := ci.signer.Sign(ctx, issuer, canonicalAttestationBytes(att))
	if err != nil {
		return Attestation{}, fmt.Errorf("identity: sign attestation: %w", err)
	}
	att.Signature = sig

	ci.mu.Lock()
	ci.issued[string(subject)] = append(ci.issued[string(subject)], att)
	ci.mu.Unlock()
	return att, nil
}

// Verify checks an attestation's signature against the issuer's currently
// resolved verification key.
func (ci *CredentialIssuer) Verify(ctx context.Context, a Attestation) (bool, error) {
	key, err := ci.resolver.Resolve(ctx, a.Issuer)
	if err != nil {
		return false, fmt.Errorf("identity: resolve issuer %s: %w", a.Issuer, err)
	}
	return ci.verifier.Verify(key, canonicalAttestationBytes(a), a.Signature), nil
}

// For returns all attestations issued about subject, most recent last.
func (ci *CredentialIssuer) For(subject icntypes.DID) []Attestation {
	ci.mu.RLock()
	defer ci.mu.RUnlock()
	src := ci.issued[string(subject)]
	out := make([]Attestation, len(src))
	copy(out, src)
	return out
}
