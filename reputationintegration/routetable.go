package reputationintegration

import (
	"context"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// RouteTable tracks known candidate routes per destination and evicts
// unhealthy ones (success_rate below MinSuccessRate) on a background
// schedule, per spec.md §4.4.
type RouteTable struct {
	mu     sync.Mutex
	routes map[icntypes.DID][]RouteCandidate
}

// NewRouteTable constructs an empty route table.
func NewRouteTable() *RouteTable {
	return &RouteTable{routes: make(map[icntypes.DID][]RouteCandidate)}
}

// Upsert appends route to destination's candidate routes; routes already
// recorded for destination are kept.
func (t *RouteTable) Upsert(destination icntypes.DID, route RouteCandidate) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.routes[destination] = append(t.routes[destination], route)
}

// Routes returns the known candidate routes to destination.
func (t *RouteTable) Routes(destination icntypes.DID) []RouteCandidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RouteCandidate, len(t.routes[destination]))
	copy(out, t.routes[destination])
	return out
}

// Maintain evicts routes below knobs.MinSuccessRate, running until ctx is
// cancelled. Intended to run as a single long-lived goroutine per node.
func (t *RouteTable) Maintain(ctx context.Context, knobs config.Knobs, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.evict(knobs)
		}
	}
}

func (t *RouteTable) evict(knobs config.Knobs) {
	minRate := knobs.MinSuccessRate
	if minRate <= 0 {
		minRate = 0.8
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for dest, candidates := range t.routes {
		var healthy []RouteCandidate
		for _, c := range candidates {
			if c.SuccessRate >= minRate {
				healthy = append(healthy, c)
			}
		}
		if len(healthy) == 0 {
			delete(t.routes, dest)
			continue
		}
		t.routes[dest] = healthy
	}
}
