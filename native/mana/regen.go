package mana

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// mutualAidEntry records a single mutual-aid contribution, retained only
// within the use_it_or_lose_it_period lookback window.
type mutualAidEntry struct {
	epoch  uint64
	amount float64
}

// accountState is the enhanced per-account bookkeeping the
// contribution-weighted ledger layers on top of the raw balance Store.
type accountState struct {
	lastRegenUnix       int64
	lastRegenEpoch      uint64
	regenSeeded         bool
	contributionMetrics map[string]float64
	capacityMetrics     map[string]float64
	orgBonus            float64
	cooperationBonuses  map[string]float64
	mutualAidHistory    []mutualAidEntry
}

func newAccountState() *accountState {
	return &accountState{
		contributionMetrics: make(map[string]float64),
		capacityMetrics:     make(map[string]float64),
		orgBonus:            1.0,
		cooperationBonuses:  make(map[string]float64),
	}
}

// coopBonus returns the product of every active cooperation multiplier
// (mutual aid, membership bonuses, ...), clamped to at most 2.0 per
// spec.md §4.3.
func (a *accountState) coopBonus() float64 {
	product := 1.0
	for _, v := range a.cooperationBonuses {
		product *= v
	}
	return clamp(product, 1.0, 2.0)
}

// Ledger is the contribution-weighted mana ledger: it wraps a raw Store
// with per-account regeneration state, anti-accumulation, mutual aid
// tracking and a collective pool, per spec.md §4.3.
type Ledger struct {
	store  *Store
	clock  icntypes.TimeProvider
	policy Policy

	mu       sync.Mutex
	accounts map[icntypes.DID]*accountState
	pool     uint64
}

// NewLedger constructs a contribution-weighted ledger over store.
func NewLedger(store *Store, clock icntypes.TimeProvider, policy Policy) *Ledger {
	return &Ledger{
		store:    store,
		clock:    clock,
		policy:   policy,
		accounts: make(map[icntypes.DID]*accountState),
	}
}

func (l *Ledger) state(account icntypes.DID) *accountState {
	st, ok := l.accounts[account]
	if !ok {
		st = newAccountState()
		l.accounts[account] = st
	}
	return st
}

// SetMetrics updates account's contribution and capacity metric inputs,
// used by external collaborators (mesh receipts, routing telemetry,
// governance participation tracking) to feed the next Regen call.
func (l *Ledger) SetMetrics(account icntypes.DID, category string, contribution, capacity float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(account)
	if category != "" {
		st.contributionMetrics[category] = contribution
		st.capacityMetrics[category] = capacity
	}
}

// SetOrgBonus sets the org_type multiplier for account, typically sourced
// from identity.MembershipRegistry.BestOrgBonus.
func (l *Ledger) SetOrgBonus(account icntypes.DID, bonus float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state(account).orgBonus = bonus
}

// anti-accumulation mean is computed only over accounts this Ledger tracks
// that show activity (Open Question decision #4): a mutual-aid entry within
// the use_it_or_lose_it_period lookback window, or any contribution metric
// set (or every tracked account when the period is zero). Contribution
// metrics carry no timestamp, so the window does not age them out.
func (l *Ledger) activeMeanBalance(nowEpoch uint64) float64 {
	balances := l.store.All()
	var sum float64
	var count int
	for did, bal := range balances {
		st, ok := l.accounts[did]
		if !ok {
			continue
		}
		if !hasRecentActivity(st, nowEpoch, l.policy.UseItOrLoseItPeriod) {
			continue
		}
		sum += float64(bal)
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

func hasRecentActivity(st *accountState, nowEpoch, window uint64) bool {
	if window == 0 {
		return true
	}
	for _, entry := range st.mutualAidHistory {
		if nowEpoch-entry.epoch <= window {
			return true
		}
	}
	return len(st.contributionMetrics) > 0
}

func (l *Ledger) antiAccumulationPenalty(account icntypes.DID, balance uint64, nowEpoch uint64) float64 {
	mean := l.activeMeanBalance(nowEpoch)
	if mean <= 0 {
		return 0
	}
	ratio := float64(balance) / mean
	maxRatio := l.policy.MaxAccumulationRatio
	if maxRatio <= 0 {
		maxRatio = 5.0
	}
	if ratio <= maxRatio {
		return 0
	}
	penalty := (ratio - maxRatio) * l.policy.EscalationRate
	return clamp(penalty, 0, 0.8)
}

// Regen applies the contribution-weighted regeneration formula for
// account as of now. An account's first call only records the current time;
// later calls are no-ops while the last regeneration falls in the same day
// epoch (icntypes.Epoch). It never produces a balance above maxCapacity.
func (l *Ledger) Regen(ctx context.Context, account icntypes.DID, maxCapacity uint64) error {
	now := l.clock.Now()
	nowEpoch := icntypes.Epoch(now)

	l.mu.Lock()
	st := l.state(account)
	if !st.regenSeeded {
		st.regenSeeded = true
		st.lastRegenUnix = now.Unix()
		st.lastRegenEpoch = nowEpoch
		l.mu.Unlock()
		return nil
	}
	if st.lastRegenEpoch == nowEpoch {
		l.mu.Unlock()
		return nil
	}
	elapsedSeconds := now.Unix() - st.lastRegenUnix
	if elapsedSeconds <= 0 {
		l.mu.Unlock()
		return nil
	}
	elapsedHours := float64(elapsedSeconds) / 3600.0

	contribScore := clamp(weightedSum(st.contributionMetrics, l.policy.ContributionWeights), 0.1, 3.0)
	capacityScore := clamp(weightedSum(st.capacityMetrics, l.policy.CapacityWeights), 0.1, 3.0)
	orgBonus := st.orgBonus
	if orgBonus == 0 {
		orgBonus = 1.0
	}
	coopBonus := st.coopBonus()
	l.mu.Unlock()

	balance, err := l.store.Balance(ctx, account)
	if err != nil {
		return err
	}
	penalty := l.antiAccumulationPenalty(account, balance, nowEpoch)

	base := l.policy.BaseRate * elapsedHours
	delta := math.Floor(base * contribScore * capacityScore * orgBonus * coopBonus * (1 - penalty))
	if delta < 0 {
		delta = 0
	}

	cap := maxCapacity
	if cap == 0 {
		cap = l.policy.MaxCapacity
	}
	newBalance := balance + uint64(delta)
	if cap > 0 && newBalance > cap {
		newBalance = cap
	}
	if newBalance > balance {
		if err := l.store.Credit(ctx, account, newBalance-balance); err != nil {
			return err
		}
	}

	l.mu.Lock()
	st.lastRegenUnix = now.Unix()
	st.lastRegenEpoch = nowEpoch
	l.mu.Unlock()
	return nil
}

// RecordMutualAid appends a mutual-aid contribution to provider's history
// and recomputes its mutual_aid cooperation multiplier:
// 1 + clamp(recent_aid/1000, 0, 0.5).
func (l *Ledger) RecordMutualAid(provider icntypes.DID, amount float64) {
	nowEpoch := icntypes.Epoch(l.clock.Now())

	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.state(provider)
	st.mutualAidHistory = append(st.mutualAidHistory, mutualAidEntry{epoch: nowEpoch, amount: amount})

	window := l.policy.UseItOrLoseItPeriod
	var recent float64
	kept := st.mutualAidHistory[:0]
	for _, entry := range st.mutualAidHistory {
		if window == 0 || nowEpoch-entry.epoch <= window {
			kept = append(kept, entry)
			recent += entry.amount
		}
	}
	st.mutualAidHistory = kept
	st.cooperationBonuses["mutual_aid"] = 1 + clamp(recent/1000, 0, 0.5)
}

// ContributeToPool atomically moves amount from account into the
// collective pool.
func (l *Ledger) ContributeToPool(ctx context.Context, account icntypes.DID, amount uint64) error {
	if err := l.store.Spend(ctx, account, amount); err != nil {
		return fmt.Errorf("mana: contribute to pool: %w", err)
	}
	l.mu.Lock()
	l.pool += amount
	l.mu.Unlock()
	return nil
}

// DistributeFromPool pays out requests from the collective pool
// atomically; it fails if the sum of requested amounts exceeds the pool's
// total, leaving both the pool and every account balance untouched.
func (l *Ledger) DistributeFromPool(ctx context.Context, requests map[icntypes.DID]uint64) error {
	var total uint64
	for _, amount := range requests {
		total += amount
	}

	l.mu.Lock()
	if total > l.pool {
		l.mu.Unlock()
		return fmt.Errorf("mana: distribute from pool: %w: requested %d exceeds pool total %d", icntypes.ErrInsufficientBalance, total, l.pool)
	}
	l.pool -= total
	l.mu.Unlock()

	for account, amount := range requests {
		if err := l.store.Credit(ctx, account, amount); err != nil {
			return fmt.Errorf("mana: distribute from pool: credit %s: %w", account, err)
		}
	}
	return nil
}

// PoolBalance returns the collective pool's current total.
func (l *Ledger) PoolBalance() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pool
}

// Balance, Spend, Credit, Set and CreditAll delegate to the underlying
// Store, letting *Ledger satisfy icntypes.ManaLedger directly so callers
// that only need the raw balance capability don't need a reference to the
// Store separately.
func (l *Ledger) Balance(ctx context.Context, account icntypes.DID) (uint64, error) {
	return l.store.Balance(ctx, account)
}

func (l *Ledger) Spend(ctx context.Context, account icntypes.DID, amount uint64) error {
	return l.store.Spend(ctx, account, amount)
}

func (l *Ledger) Credit(ctx context.Context, account icntypes.DID, amount uint64) error {
	return l.store.Credit(ctx, account, amount)
}

func (l *Ledger) Set(ctx context.Context, account icntypes.DID, amount uint64) error {
	return l.store.Set(ctx, account, amount)
}

func (l *Ledger) CreditAll(ctx context.Context, amount uint64) error {
	return l.store.CreditAll(ctx, amount)
}

var _ icntypes.ManaLedger = (*Ledger)(nil)
