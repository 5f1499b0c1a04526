package mesh

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/native/mana"
	"github.com/InterCooperative-Network/icn-core/native/reputation"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }
func (c *fixedClock) advance(d time.Duration) { c.now = c.now.Add(d) }

type stubDAG struct {
	stored map[icntypes.CID][]byte
}

func newStubDAG() *stubDAG { return &stubDAG{stored: make(map[icntypes.CID][]byte)} }

func (d *stubDAG) Put(_ context.Context, payload []byte) (icntypes.CID, error) {
	cid := icntypes.NewCID(payload)
	d.stored[cid] = payload
	return cid, nil
}

func (d *stubDAG) Get(_ context.Context, id icntypes.CID) ([]byte, bool, error) {
	v, ok := d.stored[id]
	return v, ok, nil
}

func testKnobs() config.Knobs {
	k := config.DefaultKnobs()
	k.BidWindowMS = 1000
	k.ExecutionTimeoutMS = 1000
	k.ReceiptTimeoutMS = 1000
	k.MinExecutorReputation = 0.1
	return k
}

func newTestPipeline(t *testing.T, clock *fixedClock, dag *stubDAG) (*Pipeline, *mana.Store, *reputation.Store) {
	t.Helper()
	ledger := mana.NewStore()
	rep := reputation.NewStore()
	p := NewPipeline(Config{
		Self:       icntypes.DID("did:icn:node"),
		Clock:      clock,
		Knobs:      testKnobs(),
		Ledger:     ledger,
		Reputation: rep,
		DAG:        dag,
	})
	return p, ledger, rep
}

func TestSubmitDebitsCreatorAndEntersBidding(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, _ := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	require.NoError(t, ledger.Set(ctx, creator, 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)

	balance, err := ledger.Balance(ctx, creator)
	require.NoError(t, err)
	require.Equal(t, uint64(60), balance)

	status, ok := p.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusBidding, status)
}

func TestSubmitFailsOnInsufficientMana(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, _ := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	require.NoError(t, ledger.Set(ctx, creator, 10))

	_, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40})
	require.ErrorIs(t, err, icntypes.ErrInsufficientBalance)
}

func TestBidExpiryWithNoBidsRefundsCreator(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, _ := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	require.NoError(t, ledger.Set(ctx, creator, 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40})
	require.NoError(t, err)

	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	status, ok := p.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusExpired, status)

	balance, err := ledger.Balance(ctx, creator)
	require.NoError(t, err)
	require.Equal(t, uint64(100), balance)
}

func TestBidDeduplicationKeepsLastByLamportTS(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, rep := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)

	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 30, LamportTS: 1}))
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 10, LamportTS: 2}))
	// Stale bid (lower Lamport ts) must not overwrite the newer one.
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 999, LamportTS: 0}))

	p.mu.Lock()
	st := p.jobs[id]
	bid := st.bids[executor]
	p.mu.Unlock()
	require.Equal(t, uint64(10), bid.PriceMana)
}

func TestSubmitBidDiscardedForLowReputationExecutor(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, rep := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	// Drive the executor's score below the 0.1 minimum via repeated violations.
	for i := 0; i < 10; i++ {
		require.NoError(t, rep.RecordEvent(ctx, executor, "violation", 0))
	}

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)

	err = p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 10, LamportTS: 1})
	require.ErrorIs(t, err, ErrInsufficientReputation)
}

func TestFullLifecycleAssignExecuteReceiptSuccess(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	dag := newStubDAG()
	p, ledger, rep := newTestPipeline(t, clock, dag)
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 15, Availability: 1, LamportTS: 1}))

	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	status, ok := p.Status(id)
	require.True(t, ok)
	require.Equal(t, StatusExecuting, status)

	cid, err := dag.Put(ctx, []byte("result"))
	require.NoError(t, err)

	require.NoError(t, p.ReceiveReceipt(ctx, ExecutionReceipt{
		JobID: id, Executor: executor, ResultCID: cid, Timestamp: clock.Now(),
	}))

	status, _ = p.Status(id)
	require.Equal(t, StatusCompleted, status)

	balance, err := ledger.Balance(ctx, executor)
	require.NoError(t, err)
	require.Equal(t, uint64(15), balance)
}

func TestReceiptWithUnresolvableCIDFailsWithoutCredit(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	dag := newStubDAG()
	p, ledger, rep := newTestPipeline(t, clock, dag)
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 15, Availability: 1, LamportTS: 1}))
	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	require.NoError(t, p.ReceiveReceipt(ctx, ExecutionReceipt{
		JobID: id, Executor: executor, ResultCID: icntypes.NewCID([]byte("never-stored")), Timestamp: clock.Now(),
	}))

	status, _ := p.Status(id)
	require.Equal(t, StatusFailed, status)

	balance, err := ledger.Balance(ctx, executor)
	require.NoError(t, err)
	require.Zero(t, balance)
}

func TestReceiptTimeoutRecordsViolationAgainstExecutor(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, rep := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))
	before, err := rep.Score(ctx, executor)
	require.NoError(t, err)

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 15, Availability: 1, LamportTS: 1}))
	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	status, _ := p.Status(id)
	require.Equal(t, StatusFailed, status)

	after, err := rep.Score(ctx, executor)
	require.NoError(t, err)
	require.Less(t, after, before)
}

func TestDuplicateReceiptIsIdempotent(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	dag := newStubDAG()
	p, ledger, rep := newTestPipeline(t, clock, dag)
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))

	id, err := p.Submit(ctx, Job{ID: "job-1", Creator: creator, CostMana: 40, BudgetMana: 40})
	require.NoError(t, err)
	require.NoError(t, p.SubmitBid(ctx, Bid{JobID: id, Executor: executor, PriceMana: 15, Availability: 1, LamportTS: 1}))
	clock.advance(2 * time.Second)
	require.NoError(t, p.Tick(ctx))

	cid, err := dag.Put(ctx, []byte("result"))
	require.NoError(t, err)
	receipt := ExecutionReceipt{JobID: id, Executor: executor, ResultCID: cid, Timestamp: clock.Now()}

	require.NoError(t, p.ReceiveReceipt(ctx, receipt))
	require.NoError(t, p.ReceiveReceipt(ctx, receipt))

	balance, err := ledger.Balance(ctx, executor)
	require.NoError(t, err)
	require.Equal(t, uint64(15), balance)
}

func TestOutOfStateBidIsDiscardedSilently(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	p, ledger, rep := newTestPipeline(t, clock, newStubDAG())
	ctx := context.Background()
	creator := icntypes.DID("did:icn:creator")
	executor := icntypes.DID("did:icn:executor")
	require.NoError(t, ledger.Set(ctx, creator, 100))
	require.NoError(t, rep.RecordEvent(ctx, executor, "job_success", 100))

	err := p.SubmitBid(ctx, Bid{JobID: "unknown-job", Executor: executor, PriceMana: 10, LamportTS: 1})
	require.NoError(t, err)
}
