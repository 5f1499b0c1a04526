package governance

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func testKnobs() config.Knobs {
	k := config.DefaultKnobs()
	k.DefaultVotingDuration = 3600
	k.DefaultQuorum = 100
	k.DefaultApproval = 5000
	k.MaxProposalsPerProposer = 2
	k.AutoExpireProposals = true
	return k
}

func TestCreateAndCastVoteTally(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	mgr := NewManager("node-a", clock, testKnobs())
	ctx := context.Background()
	proposer := icntypes.DID("did:icn:proposer")

	id, err := mgr.Create(ctx, proposer, "Raise storage quota", "...", "param.update", nil, 0)
	require.NoError(t, err)

	require.NoError(t, mgr.CastVote(ctx, id, icntypes.DID("did:icn:voter1"), VoteChoiceYes, 80))
	require.NoError(t, mgr.CastVote(ctx, id, icntypes.DID("did:icn:voter2"), VoteChoiceNo, 20))

	approvalBps, hasQuorum, err := mgr.Tally(ctx, string(id))
	require.NoError(t, err)
	require.True(t, hasQuorum)
	require.Equal(t, uint64(8000), approvalBps) // 80/(80+20) = 80%
}

func TestCastVoteOverwritesPriorBallotFromSameVoter(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	mgr := NewManager("node-a", clock, testKnobs())
	ctx := context.Background()
	id, err := mgr.Create(ctx, icntypes.DID("did:icn:proposer"), "t", "s", "k", nil, 0)
	require.NoError(t, err)

	voter := icntypes.DID("did:icn:voter1")
	require.NoError(t, mgr.CastVote(ctx, id, voter, VoteChoiceNo, 10))
	require.NoError(t, mgr.CastVote(ctx, id, voter, VoteChoiceYes, 10))

	approvalBps, _, err := mgr.Tally(ctx, string(id))
	require.NoError(t, err)
	require.Equal(t, uint64(10000), approvalBps)
}

func TestCastVoteRejectedAfterVotingWindowCloses(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	mgr := NewManager("node-a", clock, testKnobs())
	ctx := context.Background()
	id, err := mgr.Create(ctx, icntypes.DID("did:icn:proposer"), "t", "s", "k", nil, time.Hour)
	require.NoError(t, err)

	clock.now = clock.now.Add(2 * time.Hour)
	err = mgr.CastVote(ctx, id, icntypes.DID("did:icn:voter1"), VoteChoiceYes, 10)
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestCreateRejectsTooManyOpenProposals(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	mgr := NewManager("node-a", clock, testKnobs())
	ctx := context.Background()
	proposer := icntypes.DID("did:icn:proposer")

	_, err := mgr.Create(ctx, proposer, "a", "", "k", nil, 0)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, proposer, "b", "", "k", nil, 0)
	require.NoError(t, err)
	_, err = mgr.Create(ctx, proposer, "c", "", "k", nil, 0)
	require.ErrorIs(t, err, ErrTooManyProposals)
}

func TestProcessExpiredTransitionsPassedRejectedAndExpired(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	mgr := NewManager("node-a", clock, testKnobs())
	ctx := context.Background()

	passing, err := mgr.Create(ctx, icntypes.DID("did:icn:p1"), "passing", "", "k", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mgr.CastVote(ctx, passing, icntypes.DID("did:icn:v1"), VoteChoiceYes, 90))
	require.NoError(t, mgr.CastVote(ctx, passing, icntypes.DID("did:icn:v2"), VoteChoiceNo, 10))

	failing, err := mgr.Create(ctx, icntypes.DID("did:icn:p2"), "failing", "", "k", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mgr.CastVote(ctx, failing, icntypes.DID("did:icn:v1"), VoteChoiceYes, 10))
	require.NoError(t, mgr.CastVote(ctx, failing, icntypes.DID("did:icn:v2"), VoteChoiceNo, 90))

	noQuorum, err := mgr.Create(ctx, icntypes.DID("did:icn:p3"), "no-quorum", "", "k", nil, time.Hour)
	require.NoError(t, err)
	require.NoError(t, mgr.CastVote(ctx, noQuorum, icntypes.DID("did:icn:v1"), VoteChoiceYes, 1))

	clock.now = clock.now.Add(2 * time.Hour)
	transitioned, err := mgr.ProcessExpired(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []ProposalID{passing, failing, noQuorum}, transitioned)

	status, _ := mgr.Status(ctx, string(passing))
	require.Equal(t, string(ProposalStatusPassed), status)
	status, _ = mgr.Status(ctx, string(failing))
	require.Equal(t, string(ProposalStatusRejected), status)
	status, _ = mgr.Status(ctx, string(noQuorum))
	require.Equal(t, string(ProposalStatusExpired), status)
}

func TestManagerMergeConverges(t *testing.T) {
	clock := &fixedClock{now: time.Unix(0, 0)}
	nodeA := NewManager("node-a", clock, testKnobs())
	nodeB := NewManager("node-b", clock, testKnobs())
	ctx := context.Background()

	id, err := nodeA.Create(ctx, icntypes.DID("did:icn:proposer"), "t", "s", "k", nil, time.Hour)
	require.NoError(t, err)

	nodeB.CRDTMap().Merge(nodeA.CRDTMap())
	require.NoError(t, nodeB.CastVote(ctx, id, icntypes.DID("did:icn:voter1"), VoteChoiceYes, 50))

	nodeA.CRDTMap().Merge(nodeB.CRDTMap())
	approvalBps, _, err := nodeA.Tally(ctx, string(id))
	require.NoError(t, err)
	require.Equal(t, uint64(10000), approvalBps)
}
