package icntypes

import "context"

// Signer produces a detached signature over canonical message bytes using the
// key bound to did. Ed25519 is the default primitive (crypto/ed25519); the
// core is agnostic beyond this interface.
type Signer interface {
	Sign(ctx context.Context, did DID, message []byte) (Signature, error)
}

// Verifier checks a detached signature against a verification key.
type Verifier interface {
	Verify(pubKey VerificationKey, message []byte, sig Signature) bool
}

// DidResolver resolves a DID to its current verification key. Implementations
// must be side-effect-free from the caller's perspective and safely
// cacheable by DID.
type DidResolver interface {
	Resolve(ctx context.Context, did DID) (VerificationKey, error)
}

// ManaLedger is the capability surface the job mesh and identity layers debit
// and credit against. It deliberately excludes regeneration policy and
// contribution accounting, which live behind native/mana.Ledger.
type ManaLedger interface {
	Balance(ctx context.Context, account DID) (uint64, error)
	Spend(ctx context.Context, account DID, amount uint64) error
	Credit(ctx context.Context, account DID, amount uint64) error
	Set(ctx context.Context, account DID, amount uint64) error
	CreditAll(ctx context.Context, amount uint64) error
}

// ReputationStore is the minimal capability the mesh and governance modules
// need to read and update reputation without depending on the trust graph or
// event pipeline internals.
type ReputationStore interface {
	Score(ctx context.Context, subject DID) (float64, error)
	RecordEvent(ctx context.Context, subject DID, kind string, delta float64) error
}

// NetworkService is the capability surface mesh/governance components use to
// publish and subscribe to gossip topics, independent of the concrete
// transport (p2p package) wiring peers together.
type NetworkService interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (unsubscribe func(), err error)
}

// GovernanceModule is the capability surface external callers (e.g. the
// reputation integration layer crediting governance participation) use
// against the proposal state manager without depending on its CRDT
// internals.
type GovernanceModule interface {
	Status(ctx context.Context, proposalID string) (string, error)
	Tally(ctx context.Context, proposalID string) (approvalPct uint64, hasQuorum bool, err error)
}

// DAGStore is the content-addressed storage capability: put immutable bytes,
// get them back by CID. The concrete engine (leveldb-backed in this repo) is
// an external collaborator per spec.md §1.
type DAGStore interface {
	Put(ctx context.Context, payload []byte) (CID, error)
	Get(ctx context.Context, id CID) ([]byte, bool, error)
}
