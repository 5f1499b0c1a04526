package identity

import (
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// OrganizationKind classifies a membership record, feeding native/mana's
// org_bonus multiplier lookup (spec.md §4.1).
type OrganizationKind string

const (
	Cooperative OrganizationKind = "cooperative"
	Community   OrganizationKind = "community"
	Federation  OrganizationKind = "federation"
)

// OrgBonusMultiplier returns the mana regeneration multiplier native/mana
// applies for members of organizations of this kind. Cooperatives get the
// largest bonus, reflecting spec.md's emphasis on cooperative contribution.
func (k OrganizationKind) OrgBonusMultiplier() float64 {
	switch k {
	case Cooperative:
		return 1.2
	case Community:
		return 1.1
	case Federation:
		return 1.05
	default:
		return 1.0
	}
}

// Membership is a cooperative/community/federation membership record
// binding a DID to an organization.
type Membership struct {
	Member icntypes.DID
	OrgID  string
	Kind   OrganizationKind
	JoinedAt uint64
	Active bool
}

// MembershipRegistry tracks membership records, keyed by member DID, each
// member may belong to several organizations simultaneously.
type MembershipRegistry struct {
	mu      sync.RWMutex
	byMember map[icntypes.DID][]Membership
}

// NewMembershipRegistry constructs an empty registry.
func NewMembershipRegistry() *MembershipRegistry {
	return &MembershipRegistry{byMember: make(map[icntypes.DID][]Membership)}
}

// Join records a new (or reactivates an existing) membership.
func (m *MembershipRegistry) Join(mem Membership) {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing := m.byMember[mem.Member]
	for i, e := range existing {
		if e.OrgID == mem.OrgID {
			existing[i] = mem
			return
		}
	}
	m.byMember[mem.Member] = append(existing, mem)
}

// Leave marks a membership inactive without deleting its history.
func (m *MembershipRegistry) Leave(member icntypes.DID, orgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, e := range m.byMember[member] {
		if e.OrgID == orgID {
			m.byMember[member][i].Active = false
		}
	}
}

// BestOrgBonus returns the highest org_bonus multiplier across member's
// active memberships, or 1.0 if the member belongs to no organization.
func (m *MembershipRegistry) BestOrgBonus(member icntypes.DID) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	best := 1.0
	for _, e := range m.byMember[member] {
		if !e.Active {
			continue
		}
		if bonus := e.Kind.OrgBonusMultiplier(); bonus > best {
			best = bonus
		}
	}
	return best
}

// Memberships returns all membership records for member.
func (m *MembershipRegistry) Memberships(member icntypes.DID) []Membership {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src := m.byMember[member]
	out := make([]Membership, len(src))
	copy(out, src)
	return out
}
