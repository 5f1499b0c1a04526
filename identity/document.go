// Package identity implements the federation & identity layer: DID
// documents, attestation-based credentials, membership records and the
// mana-metered lifecycle operations (create, rotate, recover) that govern
// them. It supplements spec.md's dependency-order leaf "identity" with the
// detail carried in the original Rust icn-identity crate
// (identity_lifecycle.rs, federation_integration.rs).
package identity

import (
	"fmt"
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// VerificationMethodType names the key material format bound to a DID
// document's verification method. Only Ed25519 is wired today; the field
// exists so a future method can be added without a document schema change.
type VerificationMethodType string

// Ed25519VerificationKey2020 is the only supported verification method.
const Ed25519VerificationKey2020 VerificationMethodType = "Ed25519VerificationKey2020"

// VerificationMethod binds a verification key to a DID document.
type VerificationMethod struct {
	ID        string
	Type      VerificationMethodType
	Key       icntypes.VerificationKey
	Revoked   bool
	RevokedAt uint64
}

// ServiceEndpoint advertises a reachable network endpoint associated with a
// DID, e.g. a gossip relay or mesh coordinator address.
type ServiceEndpoint struct {
	ID       string
	Type     string
	Endpoint string
}

// Document is a DID document: identity, verification keys, service
// endpoints and an optional controller (a DID that can manage this one,
// used by guardian recovery).
type Document struct {
	ID                  icntypes.DID
	Controller          icntypes.DID
	VerificationMethods []VerificationMethod
	Services            []ServiceEndpoint
	CreatedAt           uint64
	UpdatedAt           uint64
}

// ActiveKey returns the current (non-revoked) verification key, which is
// the last entry in VerificationMethods that has not been revoked — key
// rotation appends rather than mutates, so history stays auditable.
func (d *Document) ActiveKey() (icntypes.VerificationKey, error) {
	for i := len(d.VerificationMethods) - 1; i >= 0; i-- {
		vm := d.VerificationMethods[i]
		if !vm.Revoked {
			return vm.Key, nil
		}
	}
	return nil, fmt.Errorf("identity: %w: no active verification method for %s", icntypes.ErrNotFound, d.ID)
}

// Registry is an in-memory DID document store: it owns the mutable index
// from DID to current document and does not persist it anywhere.
type Registry struct {
	mu        sync.RWMutex
	documents map[icntypes.DID]*Document
}

// NewRegistry constructs an empty document registry.
func NewRegistry() *Registry {
	return &Registry{documents: make(map[icntypes.DID]*Document)}
}

// Put inserts or replaces a document.
func (r *Registry) Put(doc *Document) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.documents[doc.ID] = doc
}

// Get returns the document for did, if any.
func (r *Registry) Get(did icntypes.DID) (*Document, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	doc, ok := r.documents[did]
	return doc, ok
}
