package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/crypto"
	"github.com/InterCooperative-Network/icn-core/icntypes"
)

type fakeLedger struct {
	mu       sync.Mutex
	balances map[icntypes.DID]uint64
}

func newFakeLedger() *fakeLedger { return &fakeLedger{balances: make(map[icntypes.DID]uint64)} }

func (f *fakeLedger) Balance(_ context.Context, account icntypes.DID) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *fakeLedger) Spend(_ context.Context, account icntypes.DID, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.balances[account] < amount {
		return icntypes.ErrInsufficientBalance
	}
	f.balances[account] -= amount
	return nil
}

func (f *fakeLedger) Credit(_ context.Context, account icntypes.DID, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] += amount
	return nil
}

func (f *fakeLedger) Set(_ context.Context, account icntypes.DID, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] = amount
	return nil
}

func (f *fakeLedger) CreditAll(_ context.Context, amount uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.balances {
		f.balances[k] += amount
	}
	return nil
}

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func testKnobs() config.Knobs {
	k := config.DefaultKnobs()
	k.MaxOperationsPerHour = 2
	k.RecoveryDelaySeconds = 100
	k.MinRecoveryGuardians = 2
	return k
}

func TestLifecycleCreateDIDChargesMana(t *testing.T) {
	ledger := newFakeLedger()
	payer := icntypes.DID("did:icn:payer")
	require.NoError(t, ledger.Credit(context.Background(), payer, 100))

	lc := NewLifecycle(NewRegistry(), nil, ledger, &fixedClock{now: time.Unix(1000, 0)}, testKnobs())
	key := icntypes.VerificationKey([]byte{1, 2, 3})
	doc, err := lc.CreateDID(context.Background(), payer, icntypes.DID("did:icn:alice"), key)
	require.NoError(t, err)
	require.Equal(t, icntypes.DID("did:icn:alice"), doc.ID)

	bal, err := ledger.Balance(context.Background(), payer)
	require.NoError(t, err)
	require.Equal(t, uint64(100-testKnobs().DidCreationCost), bal)
}

func TestLifecycleRateLimitsOperationsPerHour(t *testing.T) {
	ledger := newFakeLedger()
	payer := icntypes.DID("did:icn:payer")
	require.NoError(t, ledger.Credit(context.Background(), payer, 1000))

	lc := NewLifecycle(NewRegistry(), nil, ledger, &fixedClock{now: time.Unix(1000, 0)}, testKnobs())
	_, err := lc.CreateDID(context.Background(), payer, icntypes.DID("did:icn:a"), icntypes.VerificationKey{1})
	require.NoError(t, err)
	_, err = lc.CreateDID(context.Background(), payer, icntypes.DID("did:icn:b"), icntypes.VerificationKey{2})
	require.NoError(t, err)
	_, err = lc.CreateDID(context.Background(), payer, icntypes.DID("did:icn:c"), icntypes.VerificationKey{3})
	require.Error(t, err)
}

func TestResolverReturnsActiveKeyAndCaches(t *testing.T) {
	registry := NewRegistry()
	did := icntypes.DID("did:icn:alice")
	registry.Put(&Document{ID: did, VerificationMethods: []VerificationMethod{{Key: icntypes.VerificationKey{9, 9}}}})

	resolver, err := NewResolver(registry, 8)
	require.NoError(t, err)
	key, err := resolver.Resolve(context.Background(), did)
	require.NoError(t, err)
	require.Equal(t, icntypes.VerificationKey{9, 9}, key)
}

func TestResolverErrorsOnUnknownDID(t *testing.T) {
	resolver, err := NewResolver(NewRegistry(), 8)
	require.NoError(t, err)
	_, err = resolver.Resolve(context.Background(), icntypes.DID("did:icn:ghost"))
	require.Error(t, err)
}

func TestRecoveryRequiresGuardianQuorumAndDelay(t *testing.T) {
	ledger := newFakeLedger()
	owner := icntypes.DID("did:icn:owner")
	require.NoError(t, ledger.Credit(context.Background(), owner, 1000))

	registry := NewRegistry()
	clock := &fixedClock{now: time.Unix(1000, 0)}
	resolver, err := NewResolver(registry, 8)
	require.NoError(t, err)
	lc := NewLifecycle(registry, resolver, ledger, clock, testKnobs())

	_, err = lc.CreateDID(context.Background(), owner, owner, icntypes.VerificationKey{1})
	require.NoError(t, err)

	g1, g2 := icntypes.DID("did:icn:g1"), icntypes.DID("did:icn:g2")
	lc.SetGuardians(owner, []icntypes.DID{g1, g2})

	newKey := icntypes.VerificationKey{9}
	rec, err := lc.RequestRecovery(owner, newKey)
	require.NoError(t, err)
	require.Equal(t, uint64(1100), rec.ExecutableAt)

	err = lc.ExecuteRecovery(context.Background(), owner)
	require.Error(t, err, "should fail before delay elapses and before quorum")

	require.NoError(t, lc.ApproveRecovery(owner, g1))
	err = lc.ExecuteRecovery(context.Background(), owner)
	require.Error(t, err, "single guardian approval is below min_recovery_guardians")

	require.NoError(t, lc.ApproveRecovery(owner, g2))
	clock.now = time.Unix(1101, 0)
	require.NoError(t, lc.ExecuteRecovery(context.Background(), owner))

	doc, ok := registry.Get(owner)
	require.True(t, ok)
	active, err := doc.ActiveKey()
	require.NoError(t, err)
	require.Equal(t, newKey, active)
}

// inMemorySigner/inMemoryVerifier adapt a single crypto.PrivateKey to the
// icntypes.Signer/Verifier capability interfaces for tests.
type inMemorySigner struct {
	did icntypes.DID
	key *crypto.PrivateKey
}

func (s inMemorySigner) Sign(_ context.Context, did icntypes.DID, message []byte) (icntypes.Signature, error) {
	if did != s.did {
		return nil, icntypes.ErrPermissionDenied
	}
	return s.key.Sign(message), nil
}

type inMemoryVerifier struct{ key *crypto.PublicKey }

func (v inMemoryVerifier) Verify(_ icntypes.VerificationKey, message []byte, sig icntypes.Signature) bool {
	return v.key.Verify(message, sig)
}

func TestCredentialIssuerIssueAndVerify(t *testing.T) {
	priv, err := crypto.GeneratePrivateKey()
	require.NoError(t, err)
	pub := priv.PubKey()

	registry := NewRegistry()
	issuerDID := icntypes.DID("did:icn:issuer")
	registry.Put(&Document{ID: issuerDID, VerificationMethods: []VerificationMethod{{Key: icntypes.VerificationKey(pub.Bytes())}}})
	resolver, err := NewResolver(registry, 8)
	require.NoError(t, err)

	ci := NewCredentialIssuer(inMemorySigner{did: issuerDID, key: priv}, inMemoryVerifier{key: pub}, resolver)
	att, err := ci.Issue(context.Background(), issuerDID, icntypes.DID("did:icn:subject"), "trusted-peer", 0.8, 1000, 2000)
	require.NoError(t, err)

	ok, err := ci.Verify(context.Background(), att)
	require.NoError(t, err)
	require.True(t, ok)

	att.Claim = "tampered"
	ok, err = ci.Verify(context.Background(), att)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMembershipRegistryBestOrgBonus(t *testing.T) {
	reg := NewMembershipRegistry()
	member := icntypes.DID("did:icn:member")
	require.Equal(t, 1.0, reg.BestOrgBonus(member))

	reg.Join(Membership{Member: member, OrgID: "coop-1", Kind: Cooperative, Active: true})
	reg.Join(Membership{Member: member, OrgID: "fed-1", Kind: Federation, Active: true})
	require.Equal(t, Cooperative.OrgBonusMultiplier(), reg.BestOrgBonus(member))

	reg.Leave(member, "coop-1")
	require.Equal(t, Federation.OrgBonusMultiplier(), reg.BestOrgBonus(member))
}
