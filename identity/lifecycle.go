package identity

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/native/common"
	"github.com/InterCooperative-Network/icn-core/observability"
)

// didQuota adapts max_operations_per_hour into a common.Quota: one epoch per
// wall-clock hour, no NHB-denominated cap (this ledger is DID->mana, not
// NHB), counting requests only.
func didQuota(k config.Knobs) common.Quota {
	return common.Quota{MaxRequestsPerMin: k.MaxOperationsPerHour, EpochSeconds: 3600}
}

// newOperationLimiter builds the per-DID token bucket that smooths bursts
// within max_operations_per_hour: the hourly quota counter is the hard cap
// at epoch granularity, this is the sub-epoch throttle that keeps a payer
// from spending its entire hourly allowance in a single instant. A zero
// maxPerHour (unlimited) gets an unbounded limiter.
func newOperationLimiter(maxPerHour uint64) *rate.Limiter {
	if maxPerHour == 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := maxPerHour
	if burst > 1<<20 {
		burst = 1 << 20
	}
	return rate.NewLimiter(rate.Limit(float64(maxPerHour)/3600.0), int(burst))
}

// PendingRecovery is a guardian-approved key rotation awaiting its
// recovery_delay_seconds timelock, mirroring the original crate's
// PendingOperation for OperationType::RecoverDid.
type PendingRecovery struct {
	Target         icntypes.DID
	NewKey         icntypes.VerificationKey
	RequestedAt    uint64
	ExecutableAt   uint64
	Guardians      []icntypes.DID
	Approvals      map[icntypes.DID]bool
}

// Lifecycle implements DID creation, key rotation, and guardian-based
// recovery (spec.md §6's did_creation_cost/key_rotation_cost/
// recovery_delay_seconds/min_recovery_guardians knobs, supplemented from
// the original identity_lifecycle.rs crate).
type Lifecycle struct {
	registry *Registry
	resolver *Resolver
	ledger   icntypes.ManaLedger
	clock    icntypes.TimeProvider
	knobs    config.Knobs

	mu        sync.Mutex
	usage     map[icntypes.DID]common.QuotaNow
	limiters  map[icntypes.DID]*rate.Limiter
	pending   map[icntypes.DID]*PendingRecovery
	guardians map[icntypes.DID][]icntypes.DID
}

// NewLifecycle constructs a lifecycle manager over registry, metering
// operations against ledger per knobs.
func NewLifecycle(registry *Registry, resolver *Resolver, ledger icntypes.ManaLedger, clock icntypes.TimeProvider, knobs config.Knobs) *Lifecycle {
	return &Lifecycle{
		registry:  registry,
		resolver:  resolver,
		ledger:    ledger,
		clock:     clock,
		knobs:     knobs,
		usage:     make(map[icntypes.DID]common.QuotaNow),
		limiters:  make(map[icntypes.DID]*rate.Limiter),
		pending:   make(map[icntypes.DID]*PendingRecovery),
		guardians: make(map[icntypes.DID][]icntypes.DID),
	}
}

// chargeAndRateLimit enforces max_operations_per_hour and then debits cost
// from payer's mana balance, in that order: a rate-limited caller is never
// charged.
func (l *Lifecycle) chargeAndRateLimit(ctx context.Context, payer icntypes.DID, cost uint64) error {
	nowHourBucket := uint64(l.clock.Now().Unix() / 3600)
	quota := didQuota(l.knobs)

	l.mu.Lock()
	next, err := common.CheckQuota(quota, nowHourBucket, l.usage[payer], 1, 0)
	if err != nil {
		l.mu.Unlock()
		observability.Identity().RecordRejection("quota")
		return fmt.Errorf("identity: %w: %s exceeded max_operations_per_hour", icntypes.ErrInvalidState, payer)
	}
	limiter, ok := l.limiters[payer]
	if !ok {
		limiter = newOperationLimiter(l.knobs.MaxOperationsPerHour)
		l.limiters[payer] = limiter
	}
	if !limiter.Allow() {
		l.mu.Unlock()
		observability.Identity().RecordRejection("rate_limit")
		return fmt.Errorf("identity: %w: %s is issuing operations too quickly", icntypes.ErrInvalidState, payer)
	}
	prev := l.usage[payer]
	l.usage[payer] = next
	l.mu.Unlock()

	if cost == 0 {
		return nil
	}
	if err := l.ledger.Spend(ctx, payer, cost); err != nil {
		l.mu.Lock()
		l.usage[payer] = prev
		l.mu.Unlock()
		return fmt.Errorf("identity: charge did_creation/rotation cost: %w", err)
	}
	return nil
}

// CreateDID mints a new DID document with a single active verification
// method, charging did_creation_cost against payer.
func (l *Lifecycle) CreateDID(ctx context.Context, payer icntypes.DID, did icntypes.DID, key icntypes.VerificationKey) (*Document, error) {
	if err := l.chargeAndRateLimit(ctx, payer, l.knobs.DidCreationCost); err != nil {
		observability.Identity().RecordOperation("create", err)
		return nil, err
	}
	observability.Identity().RecordOperation("create", nil)
	now := uint64(l.clock.Now().Unix())
	doc := &Document{
		ID:        did,
		CreatedAt: now,
		UpdatedAt: now,
		VerificationMethods: []VerificationMethod{{
			ID:   string(did) + "#keys-1",
			Type: Ed25519VerificationKey2020,
			Key:  key,
		}},
	}
	l.registry.Put(doc)
	return doc, nil
}

// RotateKey appends a new verification method and revokes the previous
// active one, charging key_rotation_cost.
func (l *Lifecycle) RotateKey(ctx context.Context, did icntypes.DID, newKey icntypes.VerificationKey) error {
	doc, ok := l.registry.Get(did)
	if !ok {
		return fmt.Errorf("identity: rotate key for %s: %w", did, icntypes.ErrNotFound)
	}
	if err := l.chargeAndRateLimit(ctx, did, l.knobs.KeyRotationCost); err != nil {
		observability.Identity().RecordOperation("rotate", err)
		return err
	}
	observability.Identity().RecordOperation("rotate", nil)
	now := uint64(l.clock.Now().Unix())
	for i := range doc.VerificationMethods {
		doc.VerificationMethods[i].Revoked = true
		doc.VerificationMethods[i].RevokedAt = now
	}
	doc.VerificationMethods = append(doc.VerificationMethods, VerificationMethod{
		ID:   fmt.Sprintf("%s#keys-%d", did, len(doc.VerificationMethods)+1),
		Type: Ed25519VerificationKey2020,
		Key:  newKey,
	})
	doc.UpdatedAt = now
	l.registry.Put(doc)
	if l.resolver != nil {
		l.resolver.Invalidate(did)
	}
	return nil
}

// SetGuardians records the guardian set eligible to approve did's recovery.
// len(guardians) must be >= min_recovery_guardians for ApproveRecovery to
// ever succeed, but is not itself validated here since guardians may be
// added incrementally before the threshold is reached.
func (l *Lifecycle) SetGuardians(did icntypes.DID, guardians []icntypes.DID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cloned := append([]icntypes.DID(nil), guardians...)
	l.guardians[did] = cloned
}

// RequestRecovery starts a guardian-approved key rotation for did, queued
// behind recovery_delay_seconds and requiring min_recovery_guardians
// approvals before ExecuteRecovery will succeed.
func (l *Lifecycle) RequestRecovery(did icntypes.DID, newKey icntypes.VerificationKey) (*PendingRecovery, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	guardians, ok := l.guardians[did]
	if !ok || uint32(len(guardians)) < l.knobs.MinRecoveryGuardians {
		return nil, fmt.Errorf("identity: %w: %s has fewer than min_recovery_guardians guardians", icntypes.ErrInvalidState, did)
	}
	now := uint64(l.clock.Now().Unix())
	rec := &PendingRecovery{
		Target:       did,
		NewKey:       newKey,
		RequestedAt:  now,
		ExecutableAt: now + l.knobs.RecoveryDelaySeconds,
		Guardians:    append([]icntypes.DID(nil), guardians...),
		Approvals:    make(map[icntypes.DID]bool),
	}
	l.pending[did] = rec
	return rec, nil
}

// ApproveRecovery records a guardian's approval of a pending recovery.
func (l *Lifecycle) ApproveRecovery(did, guardian icntypes.DID) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.pending[did]
	if !ok {
		return fmt.Errorf("identity: approve recovery for %s: %w", did, icntypes.ErrNotFound)
	}
	found := false
	for _, g := range rec.Guardians {
		if g == guardian {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("identity: %w: %s is not a guardian of %s", icntypes.ErrPermissionDenied, guardian, did)
	}
	rec.Approvals[guardian] = true
	return nil
}

// ExecuteRecovery applies the pending key rotation once both the
// recovery_delay_seconds timelock has elapsed and at least
// min_recovery_guardians have approved.
func (l *Lifecycle) ExecuteRecovery(ctx context.Context, did icntypes.DID) error {
	l.mu.Lock()
	rec, ok := l.pending[did]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("identity: execute recovery for %s: %w", did, icntypes.ErrNotFound)
	}
	now := uint64(l.clock.Now().Unix())
	if now < rec.ExecutableAt {
		l.mu.Unlock()
		return fmt.Errorf("identity: %w: recovery_delay_seconds has not elapsed for %s", icntypes.ErrInvalidState, did)
	}
	var approvals uint32
	for _, approved := range rec.Approvals {
		if approved {
			approvals++
		}
	}
	if approvals < l.knobs.MinRecoveryGuardians {
		l.mu.Unlock()
		return fmt.Errorf("identity: %w: insufficient guardian approvals for %s", icntypes.ErrInsufficientQuorum, did)
	}
	delete(l.pending, did)
	l.mu.Unlock()

	return l.RotateKey(ctx, did, rec.NewKey)
}
