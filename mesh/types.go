// Package mesh implements the job mesh pipeline of spec.md §4.5: a
// cooperative, per-node distributed state machine that announces jobs,
// collects bids, assigns an executor, and anchors the signed execution
// receipt, debiting and crediting mana and reputation along the way.
package mesh

import (
	"strconv"
	"time"

	"github.com/InterCooperative-Network/icn-core/icntypes"
)

// JobID identifies a mesh job; callers mint one (typically a CID over the
// job's canonical bytes) before calling Pipeline.Submit.
type JobID string

// Status enumerates the seven terminal/non-terminal phases of spec.md §4.5's
// state machine.
type Status string

const (
	StatusAnnounced Status = "announced"
	StatusBidding   Status = "bidding"
	StatusAssigned  Status = "assigned"
	StatusExecuting Status = "executing"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Job is the work order a creator submits, gossiped as a
// MeshJobAnnouncement once accepted.
type Job struct {
	ID                   JobID
	Creator              icntypes.DID
	Spec                 []byte
	CostMana             uint64
	BudgetMana           uint64
	RequiredCapabilities []string
	CreatedAt            time.Time
}

// Bid is an executor's offer to run a job, deduplicated by executor DID and
// ordered by LamportTS (spec.md §4.5 step 2: "keep last by Lamport ts").
type Bid struct {
	JobID        JobID
	Executor     icntypes.DID
	PriceMana    uint64
	Capabilities map[string]bool
	Availability float64
	LamportTS    uint64
	Signature    icntypes.Signature
}

// ExecutionReceipt is the assigned executor's signed proof of completion.
type ExecutionReceipt struct {
	JobID     JobID
	Executor  icntypes.DID
	ResultCID icntypes.CID
	Timestamp time.Time
	Signature icntypes.Signature
}

// CanonicalBidBytes returns the bytes an executor signs to produce a Bid's
// Signature. Exported so callers outside this package (a real executor
// process, or a test harness) can sign a bid the same way Pipeline verifies
// it.
func CanonicalBidBytes(b Bid) []byte {
	return []byte(string(b.JobID) + "|" + string(b.Executor) + "|" +
		strconv.FormatUint(b.PriceMana, 10) + "|" + strconv.FormatUint(b.LamportTS, 10))
}

// CanonicalReceiptBytes returns the bytes an executor signs to produce an
// ExecutionReceipt's Signature.
func CanonicalReceiptBytes(r ExecutionReceipt) []byte {
	return []byte(string(r.JobID) + "|" + string(r.Executor) + "|" + r.ResultCID.String() + "|" + r.Timestamp.UTC().Format(time.RFC3339Nano))
}
