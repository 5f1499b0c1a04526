// Package governance implements the CRDT-backed proposal state manager of
// spec.md §4.2: proposals and their votes replicate via last-writer-wins
// registers and an add-wins map so every node converges on the same tally
// without a leader or consensus round.
package governance

import (
	"encoding/json"
	"time"

	"github.com/InterCooperative-Network/icn-core/crdt"
	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// ProposalID identifies a governance proposal. Callers mint one (e.g. a
// CID over the proposal's canonical bytes) before calling Manager.Create.
type ProposalID string

// ProposalStatus enumerates the lifecycle phases a proposal moves through.
type ProposalStatus string

const (
	ProposalStatusVoting   ProposalStatus = "voting"
	ProposalStatusPassed   ProposalStatus = "passed"
	ProposalStatusRejected ProposalStatus = "rejected"
	ProposalStatusExpired  ProposalStatus = "expired"
)

// VoteChoice enumerates the supported ballot selections.
type VoteChoice string

const (
	VoteChoiceYes     VoteChoice = "yes"
	VoteChoiceNo      VoteChoice = "no"
	VoteChoiceAbstain VoteChoice = "abstain"
)

// Valid reports whether c is a supported ballot selection.
func (c VoteChoice) Valid() bool {
	switch c {
	case VoteChoiceYes, VoteChoiceNo, VoteChoiceAbstain:
		return true
	default:
		return false
	}
}

// ProposalMetadata is the immutable-once-passed-quorum-check proposal body,
// replicated as the Metadata register of a ProposalCRDT. Status is mutable
// (UpdateStatus/ProcessExpired write newer versions), everything else is
// fixed at Create time.
type ProposalMetadata struct {
	ID         ProposalID      `json:"id"`
	Title      string          `json:"title"`
	Summary    string          `json:"summary"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Proposer   icntypes.DID    `json:"proposer"`
	CreatedAt  time.Time       `json:"created_at"`
	VotingEnds time.Time       `json:"voting_ends"`
	Status     ProposalStatus  `json:"status"`
	QuorumBps  uint64          `json:"quorum_bps"`
	ApprovalBps uint64         `json:"approval_bps"`
}

// Vote is a single participant's ballot, replicated as the value of the
// Votes CRDTMap entry keyed by voter DID.
type Vote struct {
	ProposalID ProposalID   `json:"proposal_id"`
	Voter      icntypes.DID `json:"voter"`
	Choice     VoteChoice   `json:"choice"`
	Weight     uint64       `json:"weight"`
	Timestamp  time.Time    `json:"timestamp"`
}

// Tally captures the aggregated vote weight distribution and whether the
// result meets the proposal's quorum and approval thresholds.
type Tally struct {
	TotalWeight    uint64
	YesWeight      uint64
	NoWeight       uint64
	AbstainWeight  uint64
	TurnoutBps     uint64
	ApprovalBps    uint64
	HasQuorum      bool
	Approved       bool
}

// ProposalCRDT is the replicated state for a single proposal: an LWW
// register for its metadata (so status transitions converge by Lamport
// timestamp) and an add-wins map of votes keyed by voter DID (so each
// voter's latest ballot wins over their own prior ballot, across replicas).
type ProposalCRDT struct {
	Metadata *crdt.LWWRegister[ProposalMetadata]
	Votes    *crdt.CRDTMap[string, *crdt.LWWRegister[Vote]]
}

// NewProposalCRDT constructs an empty replicated proposal.
func NewProposalCRDT() *ProposalCRDT {
	return &ProposalCRDT{
		Metadata: crdt.NewLWWRegister[ProposalMetadata](),
		Votes:    crdt.NewCRDTMap[string, *crdt.LWWRegister[Vote]](),
	}
}

// Merge folds other's metadata and votes into p, satisfying crdt.Value so
// ProposalCRDT can be used as a CRDTMap value type directly.
func (p *ProposalCRDT) Merge(other *ProposalCRDT) {
	if other == nil {
		return
	}
	p.Metadata.Merge(other.Metadata)
	p.Votes.Merge(other.Votes)
}

// Clone returns a detached copy of p.
func (p *ProposalCRDT) Clone() *ProposalCRDT {
	return &ProposalCRDT{
		Metadata: p.Metadata.Clone(),
		Votes:    cloneVotes(p.Votes),
	}
}

func cloneVotes(votes *crdt.CRDTMap[string, *crdt.LWWRegister[Vote]]) *crdt.CRDTMap[string, *crdt.LWWRegister[Vote]] {
	clone := crdt.NewCRDTMap[string, *crdt.LWWRegister[Vote]]()
	clone.Merge(votes)
	return clone
}

var _ crdt.Value[*ProposalCRDT] = (*ProposalCRDT)(nil)
