package reputationintegration

import (
	"context"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/native/reputation"
)

// CacheEntry is spec.md §2's reputation cache entry: a read-optimized
// snapshot rebuilt from the reputation store on a bounded refresh interval
// rather than recomputed on every read.
type CacheEntry struct {
	Score              float64
	DomainScores       map[string]float64
	TrustLevel         string
	PerformanceSummary string
	LastUpdated        time.Time
}

func trustLevel(score float64) string {
	switch {
	case score >= 0.8:
		return "high"
	case score >= 0.5:
		return "medium"
	case score >= 0.2:
		return "low"
	default:
		return "untrusted"
	}
}

// Cache rebuilds CacheEntry snapshots for recently-read subjects no more
// often than every refresh interval, per config.Knobs.ReputationCacheRefreshMS.
type Cache struct {
	store   *reputation.Store
	clock   icntypes.TimeProvider
	refresh time.Duration

	mu      sync.Mutex
	entries map[icntypes.DID]CacheEntry
}

// NewCache constructs a cache backed by store, refreshing an entry no more
// than once per refresh interval.
func NewCache(store *reputation.Store, clock icntypes.TimeProvider, refresh time.Duration) *Cache {
	if refresh <= 0 {
		refresh = 10 * time.Second
	}
	return &Cache{
		store:   store,
		clock:   clock,
		refresh: refresh,
		entries: make(map[icntypes.DID]CacheEntry),
	}
}

// Get returns subject's cached entry, rebuilding it from the reputation
// store if it is missing or older than the refresh interval.
func (c *Cache) Get(ctx context.Context, subject icntypes.DID) (CacheEntry, error) {
	now := c.clock.Now()

	c.mu.Lock()
	if entry, ok := c.entries[subject]; ok && now.Sub(entry.LastUpdated) < c.refresh {
		c.mu.Unlock()
		return entry, nil
	}
	c.mu.Unlock()

	score, err := c.store.Score(ctx, subject)
	if err != nil {
		return CacheEntry{}, err
	}
	entry := CacheEntry{
		Score:              score,
		DomainScores:       map[string]float64{"overall": score},
		TrustLevel:         trustLevel(score),
		PerformanceSummary: summarize(c.store.RecentEvents(50), subject),
		LastUpdated:        now,
	}

	c.mu.Lock()
	c.entries[subject] = entry
	c.mu.Unlock()
	return entry, nil
}

func summarize(events []reputation.Event, subject icntypes.DID) string {
	var successes, violations int
	for _, e := range events {
		if e.Subject != subject {
			continue
		}
		if e.Kind == "violation" {
			violations++
		} else {
			successes++
		}
	}
	if successes == 0 && violations == 0 {
		return "no recent activity"
	}
	if violations == 0 {
		return "consistent recent performance"
	}
	return "recent violations observed"
}
