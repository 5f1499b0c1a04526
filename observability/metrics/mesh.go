// Package metrics holds prometheus collectors for subsystems dense enough
// to warrant their own file, split out of the top-level observability
// package the way the mesh job pipeline warrants its own (spec.md §4.5's
// six-state machine).
package metrics

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// MeshMetrics tracks mesh.Pipeline's job lifecycle: the six states a job
// moves through (announced, bidding, assigned, executing, completed,
// failed/expired) plus bid volume and duplicate-message discards.
type MeshMetrics struct {
	jobTransitions *prometheus.CounterVec
	bidsReceived   prometheus.Counter
	duplicates     *prometheus.CounterVec
	openJobs       prometheus.Gauge
}

var (
	meshOnce     sync.Once
	meshRegistry *MeshMetrics
)

// Mesh returns the lazily-initialised mesh pipeline metrics registry.
func Mesh() *MeshMetrics {
	meshOnce.Do(func() {
		meshRegistry = &MeshMetrics{
			jobTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "mesh",
				Name:      "job_transitions_total",
				Help:      "Count of mesh job state transitions segmented by resulting status.",
			}, []string{"status"}),
			bidsReceived: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "mesh",
				Name:      "bids_received_total",
				Help:      "Count of bids accepted into a job's bidding window.",
			}),
			duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "mesh",
				Name:      "duplicate_messages_total",
				Help:      "Count of gossiped bids/receipts discarded as already-seen.",
			}, []string{"kind"}),
			openJobs: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "icn",
				Subsystem: "mesh",
				Name:      "open_jobs",
				Help:      "Jobs currently tracked by this node's pipeline in a non-terminal state.",
			}),
		}
		prometheus.MustRegister(
			meshRegistry.jobTransitions,
			meshRegistry.bidsReceived,
			meshRegistry.duplicates,
			meshRegistry.openJobs,
		)
	})
	return meshRegistry
}

// RecordTransition increments the counter for a job reaching status.
func (m *MeshMetrics) RecordTransition(status string) {
	if m == nil {
		return
	}
	trimmed := strings.TrimSpace(status)
	if trimmed == "" {
		trimmed = "unknown"
	}
	m.jobTransitions.WithLabelValues(trimmed).Inc()
}

// RecordBid increments the accepted-bid counter.
func (m *MeshMetrics) RecordBid() {
	if m == nil {
		return
	}
	m.bidsReceived.Inc()
}

// RecordDuplicate increments the duplicate-discard counter for kind ("bid"
// or "receipt").
func (m *MeshMetrics) RecordDuplicate(kind string) {
	if m == nil {
		return
	}
	m.duplicates.WithLabelValues(kind).Inc()
}

// SetOpenJobs reports the current count of non-terminal jobs.
func (m *MeshMetrics) SetOpenJobs(n int) {
	if m == nil {
		return
	}
	m.openJobs.Set(float64(n))
}
