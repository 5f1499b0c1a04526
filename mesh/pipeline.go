package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/InterCooperative-Network/icn-core/config"
	"github.com/InterCooperative-Network/icn-core/icntypes"
	"github.com/InterCooperative-Network/icn-core/native/common"
	"github.com/InterCooperative-Network/icn-core/native/reputation"
	"github.com/InterCooperative-Network/icn-core/observability/metrics"
	"github.com/InterCooperative-Network/icn-core/p2p"
	"github.com/InterCooperative-Network/icn-core/reputationintegration"
)

var (
	// ErrJobNotFound marks operations against an unknown job.
	ErrJobNotFound = errors.New("mesh: job not found")
	// ErrInsufficientReputation marks a bid from an executor below
	// min_executor_reputation.
	ErrInsufficientReputation = errors.New("mesh: executor reputation below minimum")
	// ErrSignatureInvalid marks a bid or receipt whose signature does not
	// verify under the claimed DID's current key.
	ErrSignatureInvalid = errors.New("mesh: signature invalid")
)

// pauseModuleName is the governance pause_module payload value that halts
// new job submissions on this pipeline (an emergency stop a passed
// proposal can trigger without a code deploy).
const pauseModuleName = "mesh"

type jobState struct {
	job    Job
	status Status

	bids      map[icntypes.DID]Bid
	assigned  icntypes.DID
	winningBid Bid

	bidDeadline     time.Time
	receiptDeadline time.Time

	seenReceipt bool
}

// Pipeline is one node's view of the job mesh state machine (spec.md §4.5).
// Every node runs its own Pipeline; jobs this node created are driven
// through Submit/Tick, jobs gossiped by other nodes are fed in via
// HandleAnnouncement/SubmitBid/HandleAssignment/ReceiveReceipt.
type Pipeline struct {
	self   icntypes.DID
	clock  icntypes.TimeProvider
	knobs  config.Knobs
	log    *slog.Logger

	ledger     icntypes.ManaLedger
	reputation *reputation.Store
	network    icntypes.NetworkService
	dag        icntypes.DAGStore
	resolver   icntypes.DidResolver
	verifier   icntypes.Verifier
	pauseView  common.PauseView

	mu   sync.Mutex
	jobs map[JobID]*jobState
}

// Config bundles Pipeline's external collaborators.
type Config struct {
	Self       icntypes.DID
	Clock      icntypes.TimeProvider
	Knobs      config.Knobs
	Logger     *slog.Logger
	Ledger     icntypes.ManaLedger
	Reputation *reputation.Store
	Network    icntypes.NetworkService
	DAG        icntypes.DAGStore
	Resolver   icntypes.DidResolver
	Verifier   icntypes.Verifier
	// PauseView reports whether governance has paused the mesh module
	// (typically a *governance.Manager). Nil means never paused.
	PauseView common.PauseView
}

// NewPipeline constructs a Pipeline bound to cfg's collaborators.
func NewPipeline(cfg Config) *Pipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		self:       cfg.Self,
		clock:      cfg.Clock,
		knobs:      cfg.Knobs,
		log:        logger,
		ledger:     cfg.Ledger,
		reputation: cfg.Reputation,
		network:    cfg.Network,
		dag:        cfg.DAG,
		resolver:   cfg.Resolver,
		verifier:   cfg.Verifier,
		pauseView:  cfg.PauseView,
		jobs:       make(map[JobID]*jobState),
	}
}

const (
	topicAnnouncement = "icn/jobs/announce"
	topicBid          = "icn/jobs/bid"
	topicAssignment   = "icn/jobs/assign"
	topicReceipt      = "icn/jobs/receipt"
)

// capabilityNames returns the capabilities set's true-valued keys, sorted,
// for a deterministic wire encoding of a map.
func capabilityNames(caps map[string]bool) []string {
	names := make([]string, 0, len(caps))
	for name, ok := range caps {
		if ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// announcementPayload renders job as the canonical p2p.MeshJobAnnouncement
// gossiped to every peer, carrying everything a remote node needs to
// evaluate the job without calling back to this node.
func announcementPayload(job Job) p2p.MeshJobAnnouncement {
	return p2p.MeshJobAnnouncement{
		JobID:                string(job.ID),
		Creator:              string(job.Creator),
		Spec:                 job.Spec,
		CostMana:             job.CostMana,
		BudgetMana:           job.BudgetMana,
		RequiredCapabilities: append([]string(nil), job.RequiredCapabilities...),
		CreatedAtUnixNano:    job.CreatedAt.UnixNano(),
	}
}

func bidWindow(k config.Knobs) time.Duration {
	if k.BidWindowMS == 0 {
		return 10 * time.Second
	}
	return time.Duration(k.BidWindowMS) * time.Millisecond
}

func executionWindow(k config.Knobs) time.Duration {
	exec := time.Duration(k.ExecutionTimeoutMS) * time.Millisecond
	receipt := time.Duration(k.ReceiptTimeoutMS) * time.Millisecond
	if exec == 0 {
		exec = 5 * time.Minute
	}
	if receipt == 0 {
		receipt = 15 * time.Second
	}
	return exec + receipt
}

// Submit implements spec.md §4.5 step 1: verifies the creator can afford
// cost_mana, debits it, and transitions the job straight through Announced
// into Bidding (this node is both submitter and the pipeline instance
// tracking the job's lifecycle).
func (p *Pipeline) Submit(ctx context.Context, job Job) (JobID, error) {
	if err := common.Guard(p.pauseView, pauseModuleName); err != nil {
		return "", fmt.Errorf("mesh: submit: %w", err)
	}
	balance, err := p.ledger.Balance(ctx, job.Creator)
	if err != nil {
		return "", fmt.Errorf("mesh: submit: %w", err)
	}
	if balance < job.CostMana {
		return "", fmt.Errorf("mesh: submit: %w", icntypes.ErrInsufficientBalance)
	}
	if err := p.ledger.Spend(ctx, job.Creator, job.CostMana); err != nil {
		return "", fmt.Errorf("mesh: submit: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = p.clock.Now()
	}

	st := &jobState{
		job:         job,
		status:      StatusBidding,
		bids:        make(map[icntypes.DID]Bid),
		bidDeadline: p.clock.Now().Add(bidWindow(p.knobs)),
	}

	p.mu.Lock()
	p.jobs[job.ID] = st
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusBidding))

	if p.network != nil {
		if data, err := p2p.EncodeEnvelope(announcementPayload(job)); err == nil {
			_ = p.network.Publish(ctx, topicAnnouncement, data)
		} else {
			p.log.ErrorContext(ctx, "mesh: encode job announcement", "job", job.ID, "error", err)
		}
	}
	return job.ID, nil
}

// HandleAnnouncement registers a job this node learned about via gossip so
// it can submit bids against it. It is a no-op if the job is already known.
func (p *Pipeline) HandleAnnouncement(ctx context.Context, job Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.jobs[job.ID]; ok {
		return
	}
	p.jobs[job.ID] = &jobState{
		job:         job,
		status:      StatusBidding,
		bids:        make(map[icntypes.DID]Bid),
		bidDeadline: p.clock.Now().Add(bidWindow(p.knobs)),
	}
}

// SubmitBid implements spec.md §4.5 step 2. Bids for unknown jobs or jobs no
// longer in Bidding are discarded silently (logged at debug); a bid from an
// executor below min_executor_reputation is rejected with
// ErrInsufficientReputation. A second bid from the same
// executor only replaces the first if its LamportTS is higher.
func (p *Pipeline) SubmitBid(ctx context.Context, bid Bid) error {
	if p.verifier != nil && p.resolver != nil {
		key, err := p.resolver.Resolve(ctx, bid.Executor)
		if err != nil || !p.verifier.Verify(key, CanonicalBidBytes(bid), bid.Signature) {
			return ErrSignatureInvalid
		}
	}

	p.mu.Lock()
	st, ok := p.jobs[bid.JobID]
	if !ok || st.status != StatusBidding {
		p.mu.Unlock()
		p.log.DebugContext(ctx, "mesh: discarding out-of-state bid", "job", bid.JobID)
		return nil
	}
	p.mu.Unlock()

	if p.reputation != nil {
		score, err := p.reputation.Score(ctx, bid.Executor)
		if err != nil {
			return err
		}
		if score < p.knobs.MinExecutorReputation {
			return ErrInsufficientReputation
		}
	}

	p.mu.Lock()
	if st.status != StatusBidding {
		p.mu.Unlock()
		return nil
	}
	if existing, ok := st.bids[bid.Executor]; ok && existing.LamportTS >= bid.LamportTS {
		p.mu.Unlock()
		metrics.Mesh().RecordDuplicate("bid")
		return nil
	}
	if max := p.knobs.MaxBidsPerJob; max > 0 && uint32(len(st.bids)) >= max {
		if _, exists := st.bids[bid.Executor]; !exists {
			p.mu.Unlock()
			return nil
		}
	}
	st.bids[bid.Executor] = bid
	p.mu.Unlock()
	metrics.Mesh().RecordBid()

	if p.network != nil {
		payload := p2p.BidSubmission{
			JobID:        string(bid.JobID),
			Executor:     string(bid.Executor),
			PriceMana:    bid.PriceMana,
			Capabilities: capabilityNames(bid.Capabilities),
			Availability: bid.Availability,
			LamportTS:    bid.LamportTS,
			Signature:    []byte(bid.Signature),
		}
		if data, err := p2p.EncodeEnvelope(payload); err == nil {
			_ = p.network.Publish(ctx, topicBid, data)
		} else {
			p.log.ErrorContext(ctx, "mesh: encode bid", "job", bid.JobID, "error", err)
		}
	}
	return nil
}

// Tick advances every tracked job whose current phase deadline has
// elapsed: closes the bidding window (assigning or expiring), and fails
// jobs whose assigned executor never delivered a receipt in time.
func (p *Pipeline) Tick(ctx context.Context) error {
	now := p.clock.Now()

	p.mu.Lock()
	var toAssign, toExpire, toFail []JobID
	for id, st := range p.jobs {
		switch st.status {
		case StatusBidding:
			if !now.Before(st.bidDeadline) {
				if len(st.bids) == 0 {
					toExpire = append(toExpire, id)
				} else {
					toAssign = append(toAssign, id)
				}
			}
		case StatusExecuting:
			if !now.Before(st.receiptDeadline) {
				toFail = append(toFail, id)
			}
		}
	}
	p.mu.Unlock()

	for _, id := range toAssign {
		if err := p.assign(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range toExpire {
		if err := p.expire(ctx, id); err != nil {
			return err
		}
	}
	for _, id := range toFail {
		if err := p.failTimeout(ctx, id); err != nil {
			return err
		}
	}

	p.mu.Lock()
	open := 0
	for _, st := range p.jobs {
		switch st.status {
		case StatusCompleted, StatusFailed, StatusExpired:
		default:
			open++
		}
	}
	p.mu.Unlock()
	metrics.Mesh().SetOpenJobs(open)
	return nil
}

func (p *Pipeline) assign(ctx context.Context, id JobID) error {
	p.mu.Lock()
	st, ok := p.jobs[id]
	if !ok || st.status != StatusBidding {
		p.mu.Unlock()
		return nil
	}
	candidates := make([]reputationintegration.ExecutorCandidate, 0, len(st.bids))
	for _, b := range st.bids {
		candidates = append(candidates, reputationintegration.ExecutorCandidate{
			Executor:          b.Executor,
			Price:             b.PriceMana,
			Capabilities:      b.Capabilities,
			AvailabilityScore: b.Availability,
		})
	}
	job := st.job
	p.mu.Unlock()

	if p.reputation == nil {
		return ErrJobNotFound
	}
	executor, err := reputationintegration.SelectExecutor(ctx, p.reputation, reputationintegration.JobRequirements{
		Budget:               job.BudgetMana,
		RequiredCapabilities: job.RequiredCapabilities,
	}, candidates, p.knobs)
	if err != nil {
		return p.expire(ctx, id)
	}

	p.mu.Lock()
	st, ok = p.jobs[id]
	if !ok || st.status != StatusBidding {
		p.mu.Unlock()
		return nil
	}
	st.assigned = executor
	st.winningBid = st.bids[executor]
	st.status = StatusExecuting
	st.receiptDeadline = p.clock.Now().Add(executionWindow(p.knobs))
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusExecuting))

	if p.network != nil {
		payload := p2p.JobAssignmentNotification{JobID: string(id), Executor: string(executor)}
		if data, err := p2p.EncodeEnvelope(payload); err == nil {
			_ = p.network.Publish(ctx, topicAssignment, data)
		} else {
			p.log.ErrorContext(ctx, "mesh: encode job assignment", "job", id, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) expire(ctx context.Context, id JobID) error {
	p.mu.Lock()
	st, ok := p.jobs[id]
	if !ok || (st.status != StatusBidding) {
		p.mu.Unlock()
		return nil
	}
	st.status = StatusExpired
	job := st.job
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusExpired))

	// Full refund of cost_mana on Expired (no bid received, or none
	// selectable), per spec.md §7.
	return p.ledger.Credit(ctx, job.Creator, job.CostMana)
}

func (p *Pipeline) failTimeout(ctx context.Context, id JobID) error {
	p.mu.Lock()
	st, ok := p.jobs[id]
	if !ok || st.status != StatusExecuting {
		p.mu.Unlock()
		return nil
	}
	st.status = StatusFailed
	executor := st.assigned
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusFailed))

	if p.reputation != nil {
		return p.reputation.RecordEvent(ctx, executor, "violation", 0)
	}
	return nil
}

// ReceiveReceipt implements spec.md §4.5 step 5: verifies job_id, sender
// identity, signature, and that result_cid resolves in the DAG store. On
// any failure the job transitions to Failed with no executor credit (the
// creator's cost_mana is not refunded — only a fully Expired job refunds,
// per spec.md §7). On success the executor is credited the winning bid
// price and a success reputation event is recorded.
func (p *Pipeline) ReceiveReceipt(ctx context.Context, receipt ExecutionReceipt) error {
	p.mu.Lock()
	st, ok := p.jobs[receipt.JobID]
	if !ok {
		p.mu.Unlock()
		return ErrJobNotFound
	}
	if st.status != StatusExecuting {
		p.mu.Unlock()
		p.log.DebugContext(ctx, "mesh: discarding out-of-state receipt", "job", receipt.JobID)
		return nil
	}
	if st.seenReceipt {
		p.mu.Unlock()
		metrics.Mesh().RecordDuplicate("receipt")
		return nil
	}
	assigned := st.assigned
	price := st.winningBid.PriceMana
	p.mu.Unlock()

	if receipt.Executor != assigned {
		return p.failReceipt(ctx, receipt.JobID, assigned)
	}
	if p.verifier != nil && p.resolver != nil {
		key, err := p.resolver.Resolve(ctx, receipt.Executor)
		if err != nil || !p.verifier.Verify(key, CanonicalReceiptBytes(receipt), receipt.Signature) {
			return p.failReceipt(ctx, receipt.JobID, assigned)
		}
	}
	if p.dag != nil {
		if _, found, err := p.dag.Get(ctx, receipt.ResultCID); err != nil || !found {
			return p.failReceipt(ctx, receipt.JobID, assigned)
		}
	}

	p.mu.Lock()
	st.seenReceipt = true
	st.status = StatusCompleted
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusCompleted))

	if err := p.ledger.Credit(ctx, assigned, price); err != nil {
		return err
	}
	if p.reputation != nil {
		if err := p.reputation.RecordEvent(ctx, assigned, "job_success", 100); err != nil {
			return err
		}
	}
	if p.network != nil {
		payload := p2p.SubmitReceipt{
			JobID:             string(receipt.JobID),
			Executor:          string(receipt.Executor),
			ResultCID:         receipt.ResultCID.Bytes(),
			TimestampUnixNano: receipt.Timestamp.UnixNano(),
			Signature:         []byte(receipt.Signature),
		}
		if data, err := p2p.EncodeEnvelope(payload); err == nil {
			_ = p.network.Publish(ctx, topicReceipt, data)
		} else {
			p.log.ErrorContext(ctx, "mesh: encode receipt", "job", receipt.JobID, "error", err)
		}
	}
	return nil
}

func (p *Pipeline) failReceipt(ctx context.Context, id JobID, executor icntypes.DID) error {
	p.mu.Lock()
	st, ok := p.jobs[id]
	if ok {
		st.status = StatusFailed
		st.seenReceipt = true
	}
	p.mu.Unlock()
	metrics.Mesh().RecordTransition(string(StatusFailed))
	if p.reputation != nil {
		return p.reputation.RecordEvent(ctx, executor, "violation", 0)
	}
	return nil
}

// Status returns the current status of a tracked job.
func (p *Pipeline) Status(id JobID) (Status, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.jobs[id]
	if !ok {
		return "", false
	}
	return st.status, true
}
