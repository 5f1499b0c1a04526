// Package reputationintegration scores job-mesh executors and gossip routes
// against the reputation store and trust graph, per spec.md §4.4. It sits
// above native/reputation rather than inside it so mesh and p2p can depend
// on selection without pulling in trust-graph internals.
package reputationintegration

import (
	"context"
	"sort"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/native/reputation"
)

// ExecutorCandidate is a single bidder considered for a job assignment.
type ExecutorCandidate struct {
	Executor          icntypes.DID
	Price             uint64
	Capabilities      map[string]bool
	AvailabilityScore float64 // [0,1], caller-supplied (uptime/recent responsiveness)
}

// JobRequirements is the subset of a mesh job relevant to executor scoring.
type JobRequirements struct {
	Budget               uint64
	RequiredCapabilities []string
}

func capabilityMatch(required []string, have map[string]bool) float64 {
	if len(required) == 0 {
		return 1
	}
	var matched int
	for _, capability := range required {
		if have[capability] {
			matched++
		}
	}
	return float64(matched) / float64(len(required))
}

func costScore(price, budget uint64) float64 {
	if budget == 0 {
		return 0
	}
	if price >= budget {
		return 0
	}
	return 1 - float64(price)/float64(budget)
}

// SelectExecutor implements spec.md §4.4's executor scoring formula:
//
//	score = w_rep·reputation + w_cap·capability_match + w_cost·cost_score + w_avail·availability_score
//
// Candidates with reputation below knobs.MinExecutorReputation are filtered
// out before scoring. Ties are broken by higher reputation, then lower
// price, then lexicographically smaller DID. Returns an error if no
// candidate survives the reputation filter.
func SelectExecutor(ctx context.Context, store *reputation.Store, job JobRequirements, candidates []ExecutorCandidate, knobs config.Knobs) (icntypes.DID, error) {
	type scored struct {
		candidate  ExecutorCandidate
		reputation float64
		score      float64
	}

	wRep := knobs.ExecutorSelectionWeight
	const wCap, wCost, wAvail = 0.3, 0.2, 0.1

	var pool []scored
	for _, c := range candidates {
		rep, err := store.Score(ctx, c.Executor)
		if err != nil {
			return "", err
		}
		if rep < knobs.MinExecutorReputation {
			continue
		}
		s := wRep*rep + wCap*capabilityMatch(job.RequiredCapabilities, c.Capabilities) +
			wCost*costScore(c.Price, job.Budget) + wAvail*c.AvailabilityScore
		pool = append(pool, scored{candidate: c, reputation: rep, score: s})
	}
	if len(pool) == 0 {
		return "", icntypes.ErrNotFound
	}

	sort.Slice(pool, func(i, j int) bool {
		if pool[i].score != pool[j].score {
			return pool[i].score > pool[j].score
		}
		if pool[i].reputation != pool[j].reputation {
			return pool[i].reputation > pool[j].reputation
		}
		if pool[i].candidate.Price != pool[j].candidate.Price {
			return pool[i].candidate.Price < pool[j].candidate.Price
		}
		return pool[i].candidate.Executor < pool[j].candidate.Executor
	})
	return pool[0].candidate.Executor, nil
}

// RouteCandidate is a candidate gossip path between a node and a peer,
// scored by SelectRoute.
type RouteCandidate struct {
	Intermediates []icntypes.DID
	LatencyMS     float64
	SuccessRate   float64
}

// routeScore blends trust of intermediates, latency, success rate and hop
// count into a single comparable value. Higher is better; latency and hop
// count are penalties.
func routeScore(trust *reputation.TrustGraph, self icntypes.DID, r RouteCandidate) float64 {
	avgTrust := 1.0
	if len(r.Intermediates) > 0 {
		var sum float64
		hop := self
		for _, next := range r.Intermediates {
			sum += trust.TransitiveTrust(hop, next)
			hop = next
		}
		avgTrust = sum / float64(len(r.Intermediates))
	}
	latencyPenalty := r.LatencyMS / 1000
	hopPenalty := float64(len(r.Intermediates)) * 0.05
	return avgTrust + r.SuccessRate - latencyPenalty - hopPenalty
}

// SelectRoute picks the best candidate route from self, filtering out any
// route whose measured success rate is below knobs.MinSuccessRate.
func SelectRoute(self icntypes.DID, trust *reputation.TrustGraph, routes []RouteCandidate, knobs config.Knobs) (RouteCandidate, bool) {
	minRate := knobs.MinSuccessRate
	if minRate <= 0 {
		minRate = 0.8
	}
	var best RouteCandidate
	var bestScore float64
	found := false
	for _, r := range routes {
		if r.SuccessRate < minRate {
			continue
		}
		s := routeScore(trust, self, r)
		if !found || s > bestScore {
			best, bestScore, found = r, s, true
		}
	}
	return best, found
}
