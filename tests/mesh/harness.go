// Package meshtest builds a two-node in-process job mesh (spec.md §8's
// "two-node harness") by wiring two mesh.Pipeline instances to a shared
// in-memory network double that fans out Publish calls to every Subscribe
// handler on the bus (the publisher's own included), the way two real nodes exchange gossip over
// p2p.GossipNetwork without requiring an actual socket.
package meshtest

import (
	"context"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/crypto"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/identity"
	"github.com/InterCooperative-Network/icn-core/mesh"
	"github.com/InterCooperative-Network/icn-core/native/mana"
	"github.com/InterCooperative-Network/icn-core/native/reputation"
)

// pipelineKnobs bundles the per-node knobs and shared DAG store AddNode needs
// to construct a mesh.Pipeline.
type pipelineKnobs struct {
	Knobs config.Knobs
	DAG   icntypes.DAGStore
}

// NewPipelineKnobs constructs a pipelineKnobs value for AddNode.
func NewPipelineKnobs(k config.Knobs, dag icntypes.DAGStore) pipelineKnobs {
	return pipelineKnobs{Knobs: k, DAG: dag}
}

// FixedClock is a shared, manually advanced icntypes.TimeProvider so a test
// can deterministically cross bid/execution/receipt deadlines without
// sleeping.
type FixedClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFixedClock starts the clock at the Unix epoch.
func NewFixedClock() *FixedClock { return &FixedClock{now: time.Unix(0, 0)} }

// Now implements icntypes.TimeProvider.
func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// memNetwork is a process-local icntypes.NetworkService shared by every node
// in a Harness: Publish on one node's handle invokes every subscriber
// (including the publisher's own, mirroring how a real gossip mesh delivers
// a node's own announcements back to it) registered on any handle sharing
// this bus.
type memNetwork struct {
	mu   sync.Mutex
	subs map[string][]func(payload []byte)
}

func newMemNetwork() *memNetwork {
	return &memNetwork{subs: make(map[string][]func(payload []byte))}
}

func (n *memNetwork) Publish(_ context.Context, topic string, payload []byte) error {
	n.mu.Lock()
	handlers := append([]func(payload []byte){}, n.subs[topic]...)
	n.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
	return nil
}

func (n *memNetwork) Subscribe(_ context.Context, topic string, handler func(payload []byte)) (func(), error) {
	n.mu.Lock()
	n.subs[topic] = append(n.subs[topic], handler)
	idx := len(n.subs[topic]) - 1
	n.mu.Unlock()
	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		n.subs[topic][idx] = func([]byte) {}
	}, nil
}

// MemDAG is a minimal in-memory icntypes.DAGStore shared by every node in a
// scenario, standing in for storage.DAGStore so a receipt's result_cid
// resolves the same way on whichever node checks it.
type MemDAG struct {
	mu    sync.Mutex
	blobs map[icntypes.CID][]byte
}

// NewMemDAG constructs an empty shared DAG.
func NewMemDAG() *MemDAG { return &MemDAG{blobs: make(map[icntypes.CID][]byte)} }

func (d *MemDAG) Put(_ context.Context, payload []byte) (icntypes.CID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cid := icntypes.NewCID(payload)
	d.blobs[cid] = payload
	return cid, nil
}

func (d *MemDAG) Get(_ context.Context, id icntypes.CID) ([]byte, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.blobs[id]
	return v, ok, nil
}

// Node bundles one participant's identity, mana, reputation, and pipeline.
type Node struct {
	DID      icntypes.DID
	Key      *crypto.PrivateKey
	Ledger   *mana.Store
	Rep      *reputation.Store
	Pipeline *mesh.Pipeline
}

// SignBid returns b with Signature populated under this node's key.
func (n *Node) SignBid(b mesh.Bid) mesh.Bid {
	b.Executor = n.DID
	b.Signature = icntypes.Signature(n.Key.Sign(mesh.CanonicalBidBytes(b)))
	return b
}

// SignReceipt returns r with Signature populated under this node's key.
func (n *Node) SignReceipt(r mesh.ExecutionReceipt) mesh.ExecutionReceipt {
	r.Executor = n.DID
	r.Signature = icntypes.Signature(n.Key.Sign(mesh.CanonicalReceiptBytes(r)))
	return r
}

// Harness wires an arbitrary number of nodes to a shared clock, a shared
// DID registry/resolver, and a shared in-memory gossip bus, so bids and
// receipts signed by one node verify correctly when processed by another.
type Harness struct {
	Clock    *FixedClock
	Network  *memNetwork
	Registry *identity.Registry
	Resolver *identity.Resolver
	Nodes    map[icntypes.DID]*Node
}

// NewHarness builds an empty harness; call AddNode for each participant.
func NewHarness() (*Harness, error) {
	registry := identity.NewRegistry()
	resolver, err := identity.NewResolver(registry, 64)
	if err != nil {
		return nil, err
	}
	return &Harness{
		Clock:    NewFixedClock(),
		Network:  newMemNetwork(),
		Registry: registry,
		Resolver: resolver,
		Nodes:    make(map[icntypes.DID]*Node),
	}, nil
}

// AddNode mints a keypair and DID for name, registers its verification
// method, and constructs a mesh.Pipeline sharing this harness's clock,
// resolver, and gossip bus.
func (h *Harness) AddNode(name string, knobs pipelineKnobs) (*Node, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	did, err := icntypes.NewDID("icn", name)
	if err != nil {
		return nil, err
	}
	h.Registry.Put(&identity.Document{
		ID: did,
		VerificationMethods: []identity.VerificationMethod{
			{Key: icntypes.VerificationKey(key.PubKey().Bytes())},
		},
	})

	ledger := mana.NewStore()
	rep := reputation.NewStore()
	p := mesh.NewPipeline(mesh.Config{
		Self:       did,
		Clock:      h.Clock,
		Knobs:      knobs.Knobs,
		Ledger:     ledger,
		Reputation: rep,
		Network:    h.Network,
		DAG:        knobs.DAG,
		Resolver:   h.Resolver,
		Verifier:   crypto.Verifier{},
	})

	node := &Node{DID: did, Key: key, Ledger: ledger, Rep: rep, Pipeline: p}
	h.Nodes[did] = node
	return node, nil
}
