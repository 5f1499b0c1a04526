package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// identityMetrics tracks DID lifecycle activity (spec §4 identity module):
// creations, rotations (a recovery counts as a rotation), and the
// rate-limit/quota rejections
// chargeAndRateLimit applies against a payer.
type identityMetrics struct {
	operations *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// governanceMetrics tracks proposal and vote throughput for
// native/governance.Manager.
type governanceMetrics struct {
	proposals *prometheus.CounterVec
	votes     *prometheus.CounterVec
	conflicts prometheus.Counter
}

var (
	identityMetricsOnce sync.Once
	identityRegistry    *identityMetrics

	governanceMetricsOnce sync.Once
	governanceRegistry     *governanceMetrics
)

// Identity returns the lazily-initialised identity lifecycle metrics
// registry.
func Identity() *identityMetrics {
	identityMetricsOnce.Do(func() {
		identityRegistry = &identityMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "identity",
				Name:      "operations_total",
				Help:      "Count of DID lifecycle operations segmented by kind and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "identity",
				Name:      "rejections_total",
				Help:      "Count of DID lifecycle operations rejected by quota or rate limit.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(identityRegistry.operations, identityRegistry.rejections)
	})
	return identityRegistry
}

// RecordOperation records the outcome of a create or rotate call; a guardian
// recovery is recorded as the rotate it performs.
func (m *identityMetrics) RecordOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(labelOrUnknown(operation), outcome).Inc()
}

// RecordRejection increments the rejection counter for the supplied reason
// ("quota" or "rate_limit").
func (m *identityMetrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(labelOrUnknown(reason)).Inc()
}

// Governance returns the lazily-initialised governance metrics registry.
func Governance() *governanceMetrics {
	governanceMetricsOnce.Do(func() {
		governanceRegistry = &governanceMetrics{
			proposals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "governance",
				Name:      "proposals_total",
				Help:      "Count of proposals segmented by scope and terminal status.",
			}, []string{"scope", "status"}),
			votes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "governance",
				Name:      "votes_total",
				Help:      "Count of votes cast segmented by choice.",
			}, []string{"choice"}),
			conflicts: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "governance",
				Name:      "conflicts_detected_total",
				Help:      "Count of concurrent proposal conflicts detected by the conflict resolver.",
			}),
		}
		prometheus.MustRegister(governanceRegistry.proposals, governanceRegistry.votes, governanceRegistry.conflicts)
	})
	return governanceRegistry
}

// RecordProposal records a proposal reaching a terminal status.
func (m *governanceMetrics) RecordProposal(scope, status string) {
	if m == nil {
		return
	}
	m.proposals.WithLabelValues(labelOrUnknown(scope), labelOrUnknown(status)).Inc()
}

// RecordVote records a cast vote.
func (m *governanceMetrics) RecordVote(choice string) {
	if m == nil {
		return
	}
	m.votes.WithLabelValues(labelOrUnknown(choice)).Inc()
}

// RecordConflict increments the detected-conflict counter.
func (m *governanceMetrics) RecordConflict(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.conflicts.Add(float64(n))
}

func labelOrUnknown(s string) string {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
