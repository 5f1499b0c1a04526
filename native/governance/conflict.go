package governance

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/icnerrors"
	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// ConflictType enumerates the kinds of governance conflict Detect can raise.
type ConflictType string

const (
	// ConflictProposalClash marks two or more concurrently open proposals
	// targeting the same scope (e.g. the same config key, the same
	// treasury recipient).
	ConflictProposalClash ConflictType = "proposal_clash"
	// ConflictProceduralViolation marks a single proposal that violates a
	// minimum procedural bound (too-short description, too-short voting
	// window) without necessarily clashing with another proposal.
	ConflictProceduralViolation ConflictType = "procedural_violation"
)

// ConflictSeverity ranks how disruptive a detected conflict is, for sorting
// and for deciding which conflicts warrant surfacing ahead of others.
type ConflictSeverity string

const (
	SeverityLow      ConflictSeverity = "low"
	SeverityMedium   ConflictSeverity = "medium"
	SeverityHigh     ConflictSeverity = "high"
	SeverityCritical ConflictSeverity = "critical"
)

// Conflict is a single detected governance conflict, surfaced for human or
// governance-authority review. Detect never resolves a Conflict itself; it
// only records it for Resolve to act on later.
type Conflict struct {
	ID          string           `json:"id"`
	Type        ConflictType     `json:"type"`
	Proposals   []ProposalID     `json:"proposals"`
	DetectedAt  time.Time        `json:"detected_at"`
	Description string           `json:"description"`
	Severity    ConflictSeverity `json:"severity"`
	Resolved    bool             `json:"resolved"`
	ResolvedAt  time.Time        `json:"resolved_at,omitempty"`
	ResolvedBy  icntypes.DID     `json:"resolved_by,omitempty"`
}

// minDescriptionLen and minVotingWindow are the procedural floors a
// proposal must clear to avoid a ConflictProceduralViolation.
const (
	minDescriptionLen = 10
	minVotingWindow   = time.Hour
)

// scopeTarget is the subset of a proposal's payload ConflictResolver looks
// at to decide whether two proposals address the same resource. Proposals
// that don't carry a recognizable target (an empty Target) are scoped by
// Kind alone, so two open untargeted proposals of the same Kind are
// reported as a clash; untargeted proposals of different Kinds never clash.
type scopeTarget struct {
	Target string `json:"target"`
}

// proposalScope derives the resource a proposal acts on from its Kind plus
// an optional "target" field in its Payload, mirroring (in Go's
// loosely-typed JSON payload model) the per-ProposalType target extraction
// of a strongly-typed enum: two SystemParameterChange proposals for the
// same param collide; two proposals of different Kind never do.
func proposalScope(meta ProposalMetadata) string {
	var t scopeTarget
	if len(meta.Payload) > 0 {
		_ = json.Unmarshal(meta.Payload, &t)
	}
	if t.Target == "" {
		return meta.Kind
	}
	return meta.Kind + ":" + t.Target
}

// ConflictResolver detects concurrent, logically conflicting proposals in
// a Manager's CRDT-replicated proposal set after a merge, and procedural
// violations within a single proposal. It performs read-only analysis: it
// never mutates the Manager's CRDTMap, preserving the merge's commutative/
// associative/idempotent law. Raised conflicts are queued for a governance
// authority to act on via Resolve.
type ConflictResolver struct {
	clock icntypes.TimeProvider

	mu      sync.Mutex
	active  map[string]*Conflict
	history []Conflict
	seq     uint64
}

// NewConflictResolver constructs a resolver driven by clock.
func NewConflictResolver(clock icntypes.TimeProvider) *ConflictResolver {
	return &ConflictResolver{
		clock:  clock,
		active: make(map[string]*Conflict),
	}
}

// Detect scans m's currently-voting proposals for scope clashes and
// procedural violations, records any new ones as active conflicts, and
// returns the conflicts newly raised by this call (proposals already
// covered by an active conflict are not re-raised).
func (r *ConflictResolver) Detect(ctx context.Context, m *Manager) ([]Conflict, error) {
	if m == nil {
		return nil, nil
	}

	type entry struct {
		id   ProposalID
		meta ProposalMetadata
	}
	var voting []entry
	m.CRDTMap().Range(func(id ProposalID, p *ProposalCRDT) bool {
		meta, _, ok := p.Metadata.Read()
		if ok && meta.Status == ProposalStatusVoting {
			voting = append(voting, entry{id: id, meta: meta})
		}
		return true
	})
	sort.Slice(voting, func(i, j int) bool { return voting[i].id < voting[j].id })

	now := r.clock.Now()
	var raised []Conflict

	byScope := make(map[string][]entry)
	for _, e := range voting {
		scope := proposalScope(e.meta)
		byScope[scope] = append(byScope[scope], e)
	}

	r.mu.Lock()
	for scope, entries := range byScope {
		if len(entries) < 2 {
			continue
		}
		ids := make([]ProposalID, 0, len(entries))
		for _, e := range entries {
			ids = append(ids, e.id)
		}
		key := "clash:" + scope
		if _, exists := r.active[key]; exists {
			continue
		}
		c := Conflict{
			ID:          r.nextID(now),
			Type:        ConflictProposalClash,
			Proposals:   ids,
			DetectedAt:  now,
			Description: fmt.Sprintf("multiple open proposals target %q", scope),
			Severity:    SeverityMedium,
		}
		r.active[key] = &c
		raised = append(raised, c)
	}

	for _, e := range voting {
		violation, ok := proceduralViolation(e.meta)
		if !ok {
			continue
		}
		key := "procedural:" + string(e.id)
		if _, exists := r.active[key]; exists {
			continue
		}
		c := Conflict{
			ID:          r.nextID(now),
			Type:        ConflictProceduralViolation,
			Proposals:   []ProposalID{e.id},
			DetectedAt:  now,
			Description: violation,
			Severity:    SeverityLow,
		}
		r.active[key] = &c
		raised = append(raised, c)
	}
	r.mu.Unlock()

	return raised, nil
}

// proceduralViolation reports the first procedural floor meta fails to
// clear, if any.
func proceduralViolation(meta ProposalMetadata) (string, bool) {
	description := meta.Summary
	if description == "" {
		description = meta.Title
	}
	if len(description) < minDescriptionLen {
		return "proposal description too short", true
	}
	if window := meta.VotingEnds.Sub(meta.CreatedAt); window > 0 && window < minVotingWindow {
		return "voting period too short", true
	}
	return "", false
}

// nextID mints a conflict identifier; the caller must hold r.mu.
func (r *ConflictResolver) nextID(now time.Time) string {
	r.seq++
	return fmt.Sprintf("conflict-%d-%d", now.UnixNano(), r.seq)
}

// Resolve marks an active conflict resolved by resolver, moving it into
// history. It returns icnerrors.NotFound if conflictID has no active
// conflict.
func (r *ConflictResolver) Resolve(ctx context.Context, conflictID string, resolver icntypes.DID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.active {
		if c.ID != conflictID {
			continue
		}
		c.Resolved = true
		c.ResolvedAt = r.clock.Now()
		c.ResolvedBy = resolver
		r.history = append(r.history, *c)
		delete(r.active, key)
		return nil
	}
	return icnerrors.Newf(icnerrors.NotFound, "governance: conflict %s not found", conflictID)
}

// Active returns every conflict still awaiting resolution.
func (r *ConflictResolver) Active() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conflict, 0, len(r.active))
	for _, c := range r.active {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// History returns every resolved conflict, oldest first.
func (r *ConflictResolver) History() []Conflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Conflict{}, r.history...)
}
