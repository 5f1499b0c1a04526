package p2p

// EnvelopeKind tags which concrete variant an Envelope carries on the wire.
// It is the single byte DecodeEnvelope reads before dispatching to the rest
// of the codec — never a string topic name.
type EnvelopeKind byte

const (
	EnvelopeMeshJobAnnouncement EnvelopeKind = iota + 1
	EnvelopeBidSubmission
	EnvelopeJobAssignmentNotification
	EnvelopeSubmitReceipt
	EnvelopeGossipSub
)

// EnvelopePayload is implemented by every concrete message variant an
// Envelope can carry. Router.Dispatch recovers the concrete type with a Go
// type switch; nothing past that boundary routes on a string key again.
type EnvelopePayload interface {
	envelopeKind() EnvelopeKind
}

// MeshJobAnnouncement is the gossiped form of a mesh.Job: everything a
// remote node needs to evaluate whether to bid, without calling back to the
// announcing node.
type MeshJobAnnouncement struct {
	JobID                string
	Creator              string
	Spec                 []byte
	CostMana             uint64
	BudgetMana           uint64
	RequiredCapabilities []string
	CreatedAtUnixNano    int64
}

func (MeshJobAnnouncement) envelopeKind() EnvelopeKind { return EnvelopeMeshJobAnnouncement }

// BidSubmission is the gossiped form of a mesh.Bid.
type BidSubmission struct {
	JobID        string
	Executor     string
	PriceMana    uint64
	Capabilities []string
	Availability float64
	LamportTS    uint64
	Signature    []byte
}

func (BidSubmission) envelopeKind() EnvelopeKind { return EnvelopeBidSubmission }

// JobAssignmentNotification announces the executor a job's creator selected,
// so losing bidders can release any reservations tied to their bid.
type JobAssignmentNotification struct {
	JobID    string
	Executor string
}

func (JobAssignmentNotification) envelopeKind() EnvelopeKind {
	return EnvelopeJobAssignmentNotification
}

// SubmitReceipt is the gossiped form of a mesh.ExecutionReceipt.
type SubmitReceipt struct {
	JobID             string
	Executor          string
	ResultCID         []byte
	TimestampUnixNano int64
	Signature         []byte
}

func (SubmitReceipt) envelopeKind() EnvelopeKind { return EnvelopeSubmitReceipt }

func (GossipSubPayload) envelopeKind() EnvelopeKind { return EnvelopeGossipSub }

// Envelope is the tagged sum of every application message exchanged over
// icn/* gossip topics (spec §4.6): exactly one concrete EnvelopePayload per
// Envelope, selected by Payload's own dynamic type.
type Envelope struct {
	Payload EnvelopePayload
}
