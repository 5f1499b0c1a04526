package governance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/crdt"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/observability"
)

var (
	// ErrProposalNotFound marks operations against an unknown or tombstoned
	// proposal.
	ErrProposalNotFound = errors.New("governance: proposal not found")
	// ErrVotingClosed marks a vote cast after the proposal's voting window
	// elapsed or after it was already finalized.
	ErrVotingClosed = errors.New("governance: voting is closed")
	// ErrInvalidChoice marks a vote with an unsupported choice value.
	ErrInvalidChoice = errors.New("governance: invalid vote choice")
	// ErrTooManyProposals marks a Create call from a proposer already at
	// config.Knobs.MaxProposalsPerProposer open proposals.
	ErrTooManyProposals = errors.New("governance: proposer has too many open proposals")
)

// Manager is the proposal state manager of spec.md §4.2: CRDT-backed
// Create/CastVote/UpdateStatus/ProcessExpired operations over a
// crdt.CRDTMap[ProposalID, *ProposalCRDT]. Every node runs its own Manager;
// two managers converge to the same proposal set and tallies after
// exchanging and merging their CRDTMaps, with no leader election required.
type Manager struct {
	proposals *crdt.CRDTMap[ProposalID, *ProposalCRDT]
	lamport   *crdt.Clock
	clock     icntypes.TimeProvider
	knobs     config.Knobs

	mu sync.Mutex // held by Create while it counts the proposer's open proposals
}

// NewManager constructs a proposal manager for nodeID (used to tag every
// Lamport write so concurrent creates/votes/status-changes from different
// nodes order deterministically on merge).
func NewManager(nodeID string, clock icntypes.TimeProvider, knobs config.Knobs) *Manager {
	return &Manager{
		proposals: crdt.NewCRDTMap[ProposalID, *ProposalCRDT](),
		lamport:   crdt.NewClock(nodeID),
		clock:     clock,
		knobs:     knobs,
	}
}

// CRDTMap exposes the underlying replicated map for gossip transport to
// merge against a peer's state (spec.md §4.6 GossipSub payloads).
func (m *Manager) CRDTMap() *crdt.CRDTMap[ProposalID, *ProposalCRDT] {
	return m.proposals
}

// PauseModuleKind marks a proposal whose Payload names a module to suspend.
// Once any proposal of this kind naming a module passes, that module stays
// paused permanently — there is no un-pause proposal kind.
const PauseModuleKind = "pause_module"

// IsPaused implements native/common.PauseView over the proposal set: module
// is paused once any pause_module proposal naming it has passed. This lets
// mesh.Pipeline and other components gate activity on a governance-issued
// emergency stop without their own pause bookkeeping.
func (m *Manager) IsPaused(module string) bool {
	var paused bool
	m.proposals.Range(func(_ ProposalID, p *ProposalCRDT) bool {
		meta, _, ok := p.Metadata.Read()
		if ok && meta.Status == ProposalStatusPassed && meta.Kind == PauseModuleKind && string(meta.Payload) == module {
			paused = true
			return false
		}
		return true
	})
	return paused
}

func (m *Manager) openProposalCount(proposer icntypes.DID) int {
	var count int
	m.proposals.Range(func(_ ProposalID, p *ProposalCRDT) bool {
		meta, _, ok := p.Metadata.Read()
		if ok && meta.Proposer == proposer && meta.Status == ProposalStatusVoting {
			count++
		}
		return true
	})
	return count
}

// Create opens a new proposal from proposer, defaulting votingDuration and
// the quorum/approval thresholds from config.Knobs when zero. It rejects the
// call if proposer already has MaxProposalsPerProposer open proposals.
func (m *Manager) Create(ctx context.Context, proposer icntypes.DID, title, summary, kind string, payload []byte, votingDuration time.Duration) (ProposalID, error) {
	m.mu.Lock()
	if max := m.knobs.MaxProposalsPerProposer; max > 0 && m.openProposalCount(proposer) >= int(max) {
		m.mu.Unlock()
		return "", ErrTooManyProposals
	}
	m.mu.Unlock()

	if votingDuration <= 0 {
		votingDuration = time.Duration(m.knobs.DefaultVotingDuration) * time.Second
	}
	now := m.clock.Now()

	id := ProposalID(uuid.NewString())
	meta := ProposalMetadata{
		ID:          id,
		Title:       title,
		Summary:     summary,
		Kind:        kind,
		Payload:     payload,
		Proposer:    proposer,
		CreatedAt:   now,
		VotingEnds:  now.Add(votingDuration),
		Status:      ProposalStatusVoting,
		QuorumBps:   m.knobs.DefaultQuorum,
		ApprovalBps: m.knobs.DefaultApproval,
	}

	proposal := NewProposalCRDT()
	tag := m.lamport.Tick()
	proposal.Metadata.Write(meta, tag)
	m.proposals.Put(id, proposal, tag)
	return id, nil
}

// CastVote records voter's ballot against proposalID. A voter's second call
// overwrites their first (last-writer-wins by Lamport tag), matching
// spec.md §4.2's CRDT semantics. Votes after the voting window closes, or
// against a proposal no longer in ProposalStatusVoting, are rejected.
func (m *Manager) CastVote(ctx context.Context, proposalID ProposalID, voter icntypes.DID, choice VoteChoice, weight uint64) error {
	if !choice.Valid() {
		return ErrInvalidChoice
	}
	proposal, ok := m.proposals.Get(proposalID)
	if !ok {
		return ErrProposalNotFound
	}
	meta, _, ok := proposal.Metadata.Read()
	if !ok {
		return ErrProposalNotFound
	}
	now := m.clock.Now()
	if meta.Status != ProposalStatusVoting || !now.Before(meta.VotingEnds) {
		return ErrVotingClosed
	}

	vote := Vote{ProposalID: proposalID, Voter: voter, Choice: choice, Weight: weight, Timestamp: now}
	tag := m.lamport.Tick()

	key := string(voter)
	register, existed := proposal.Votes.Get(key)
	if !existed || register == nil {
		register = crdt.NewLWWRegister[Vote]()
	}
	register.Write(vote, tag)
	proposal.Votes.Put(key, register, tag)
	observability.Governance().RecordVote(string(choice))
	return nil
}

// UpdateStatus writes a new status for proposalID directly, for manual
// operator overrides or post-tally transitions outside ProcessExpired. The
// write only takes effect if it carries a newer Lamport tag than the
// proposal's current metadata, per the CRDT's LWW rule.
func (m *Manager) UpdateStatus(ctx context.Context, proposalID ProposalID, status ProposalStatus) error {
	proposal, ok := m.proposals.Get(proposalID)
	if !ok {
		return ErrProposalNotFound
	}
	meta, _, ok := proposal.Metadata.Read()
	if !ok {
		return ErrProposalNotFound
	}
	meta.Status = status
	tag := m.lamport.Tick()
	proposal.Metadata.Write(meta, tag)
	return nil
}

// computeTally sums recorded vote weight by choice and derives the
// quorum/approval verdict. Quorum is met when total cast weight is at least
// QuorumBps; approval is met when the yes share of (yes+no) weight, in
// basis points, is at least ApprovalBps.
func computeTally(meta ProposalMetadata, votes []Vote) (Tally, error) {
	var yes, no, abstain uint64
	for _, v := range votes {
		switch v.Choice {
		case VoteChoiceYes:
			if math.MaxUint64-yes < v.Weight {
				return Tally{}, fmt.Errorf("governance: yes tally overflow")
			}
			yes += v.Weight
		case VoteChoiceNo:
			if math.MaxUint64-no < v.Weight {
				return Tally{}, fmt.Errorf("governance: no tally overflow")
			}
			no += v.Weight
		case VoteChoiceAbstain:
			if math.MaxUint64-abstain < v.Weight {
				return Tally{}, fmt.Errorf("governance: abstain tally overflow")
			}
			abstain += v.Weight
		}
	}
	total := yes + no + abstain
	var approvalBps uint64
	if denom := yes + no; denom > 0 {
		approvalBps = (yes * 10_000) / denom
	}
	hasQuorum := total >= meta.QuorumBps
	return Tally{
		TotalWeight:   total,
		YesWeight:     yes,
		NoWeight:      no,
		AbstainWeight: abstain,
		TurnoutBps:    total,
		ApprovalBps:   approvalBps,
		HasQuorum:     hasQuorum,
		Approved:      hasQuorum && approvalBps >= meta.ApprovalBps,
	}, nil
}

func (m *Manager) votes(proposal *ProposalCRDT) []Vote {
	var votes []Vote
	proposal.Votes.Range(func(_ string, register *crdt.LWWRegister[Vote]) bool {
		if register == nil {
			return true
		}
		if v, _, ok := register.Read(); ok {
			votes = append(votes, v)
		}
		return true
	})
	return votes
}

// Tally computes the current vote tally for proposalID without mutating its
// status, satisfying icntypes.GovernanceModule.
func (m *Manager) Tally(ctx context.Context, proposalID string) (uint64, bool, error) {
	proposal, ok := m.proposals.Get(ProposalID(proposalID))
	if !ok {
		return 0, false, ErrProposalNotFound
	}
	meta, _, ok := proposal.Metadata.Read()
	if !ok {
		return 0, false, ErrProposalNotFound
	}
	tally, err := computeTally(meta, m.votes(proposal))
	if err != nil {
		return 0, false, err
	}
	return tally.ApprovalBps, tally.HasQuorum, nil
}

// Status returns proposalID's current status string, satisfying
// icntypes.GovernanceModule.
func (m *Manager) Status(ctx context.Context, proposalID string) (string, error) {
	proposal, ok := m.proposals.Get(ProposalID(proposalID))
	if !ok {
		return "", ErrProposalNotFound
	}
	meta, _, ok := proposal.Metadata.Read()
	if !ok {
		return "", ErrProposalNotFound
	}
	return string(meta.Status), nil
}

// ProcessExpired scans every proposal still in ProposalStatusVoting whose
// voting window has elapsed and, when config.Knobs.AutoExpireProposals is
// set, finalizes it to Passed/Rejected per computeTally, or Expired if it
// never reached quorum. It returns the IDs transitioned in this call.
func (m *Manager) ProcessExpired(ctx context.Context) ([]ProposalID, error) {
	if !m.knobs.AutoExpireProposals {
		return nil, nil
	}
	now := m.clock.Now()

	var candidates []ProposalID
	m.proposals.Range(func(id ProposalID, p *ProposalCRDT) bool {
		meta, _, ok := p.Metadata.Read()
		if ok && meta.Status == ProposalStatusVoting && !now.Before(meta.VotingEnds) {
			candidates = append(candidates, id)
		}
		return true
	})

	var transitioned []ProposalID
	for _, id := range candidates {
		proposal, ok := m.proposals.Get(id)
		if !ok {
			continue
		}
		meta, _, ok := proposal.Metadata.Read()
		if !ok || meta.Status != ProposalStatusVoting {
			continue
		}
		tally, err := computeTally(meta, m.votes(proposal))
		if err != nil {
			return transitioned, err
		}
		switch {
		case tally.Approved:
			meta.Status = ProposalStatusPassed
		case tally.HasQuorum:
			meta.Status = ProposalStatusRejected
		default:
			meta.Status = ProposalStatusExpired
		}
		tag := m.lamport.Tick()
		proposal.Metadata.Write(meta, tag)
		observability.Governance().RecordProposal(proposalScope(meta), string(meta.Status))
		transitioned = append(transitioned, id)
	}
	return transitioned, nil
}

var _ icntypes.GovernanceModule = (*Manager)(nil)
