// Package reputation implements the reputation store and trust graph of
// spec.md §4.4: a Did→score mapping updated by exponential-moving-average
// event recording, and a decaying (truster,trustee) trust graph supporting
// bounded-depth transitive trust.
package reputation

import (
	"context"
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// Default EMA and penalty/bonus coefficients, applied when a Store is built
// with NewStore rather than NewStoreWithPolicy.
const (
	DefaultEMAAlpha          = 0.2
	DefaultViolationPenalty  = 0.15
	DefaultConsistencyBonus  = 0.02
	maxRecentEvents          = 1000
	initialScore     float64 = 50 // midpoint of the 0-100 internal scale
)

// Event is a single reputation-affecting occurrence recorded against a
// subject DID, retained in a bounded ring buffer for debugging and
// streaming observers.
type Event struct {
	Subject icntypes.DID
	Kind    string
	Delta   float64
	Score   float64 // subject's score immediately after this event
}

// Policy bundles the coefficients Store.RecordEvent applies.
type Policy struct {
	EMAAlpha         float64
	ViolationPenalty float64
	ConsistencyBonus float64
}

func defaultPolicy() Policy {
	return Policy{
		EMAAlpha:         DefaultEMAAlpha,
		ViolationPenalty: DefaultViolationPenalty,
		ConsistencyBonus: DefaultConsistencyBonus,
	}
}

// Store is the key-value reputation mapping of spec.md §4.4: Did→float64
// score on a 0-100 scale, exposed as f64 in [0,1] by Score.
type Store struct {
	mu     sync.Mutex
	policy Policy
	scores map[icntypes.DID]float64
	recent []Event
	streak map[icntypes.DID]int // consecutive successes, for consistency_bonus
}

// NewStore constructs a reputation store using the spec's default
// coefficients.
func NewStore() *Store {
	return NewStoreWithPolicy(defaultPolicy())
}

// NewStoreWithPolicy constructs a reputation store with explicit EMA/penalty
// coefficients.
func NewStoreWithPolicy(policy Policy) *Store {
	return &Store{
		policy: policy,
		scores: make(map[icntypes.DID]float64),
		streak: make(map[icntypes.DID]int),
	}
}

// Score returns subject's current reputation scaled to [0,1]. Unknown
// subjects start at the midpoint (0.5) rather than zero, so a newly
// encountered DID isn't indistinguishable from one with a history of
// violations.
func (s *Store) Score(ctx context.Context, subject icntypes.DID) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scoreLocked(subject) / 100, nil
}

func (s *Store) scoreLocked(subject icntypes.DID) float64 {
	if v, ok := s.scores[subject]; ok {
		return v
	}
	return initialScore
}

// RecordEvent feeds an exponential-moving-average update into subject's
// score. kind "violation" applies policy.ViolationPenalty as a flat
// reduction in addition to the EMA step; from the fifth consecutive
// non-violation event onward (of any kind) each event also accrues
// policy.ConsistencyBonus. delta is the
// observed signal for this event, expected in [0,100] (e.g. a job success
// contributes 100, a partial success some lower value).
func (s *Store) RecordEvent(ctx context.Context, subject icntypes.DID, kind string, delta float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.scoreLocked(subject)
	updated := current + s.policy.EMAAlpha*(delta-current)

	if kind == "violation" {
		updated -= s.policy.ViolationPenalty * 100
		s.streak[subject] = 0
	} else {
		s.streak[subject]++
		if s.streak[subject] >= 5 {
			updated += s.policy.ConsistencyBonus * 100
		}
	}
	updated = clampScore(updated)

	s.scores[subject] = updated
	s.recent = append(s.recent, Event{Subject: subject, Kind: kind, Delta: delta, Score: updated})
	if len(s.recent) > maxRecentEvents {
		s.recent = s.recent[len(s.recent)-maxRecentEvents:]
	}
	return nil
}

// RecentEvents returns up to the last n recorded events across all
// subjects, most recent last.
func (s *Store) RecentEvents(n int) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n > len(s.recent) {
		n = len(s.recent)
	}
	out := make([]Event, n)
	copy(out, s.recent[len(s.recent)-n:])
	return out
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

var _ icntypes.ReputationStore = (*Store)(nil)
