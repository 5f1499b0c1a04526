package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// manaEvents tracks native/mana.Ledger movements (spend, credit, regen,
// pool_distribute; a pool contribution is recorded as a spend) segmented by
// kind.
type manaEvents struct {
	transfers *prometheus.CounterVec
}

var (
	manaEventsOnce sync.Once
	manaEventsReg  *manaEvents
)

// ManaEvents returns the metrics registry tracking mana ledger movements.
func ManaEvents() *manaEvents {
	manaEventsOnce.Do(func() {
		manaEventsReg = &manaEvents{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "icn",
				Subsystem: "mana",
				Name:      "movements_total",
				Help:      "Count of mana ledger movements segmented by kind.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(manaEventsReg.transfers)
	})
	return manaEventsReg
}

// Record increments the movement counter for the supplied kind (e.g.
// "spend", "credit", "regen", "pool_distribute").
func (m *manaEvents) Record(kind string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		normalized = "unknown"
	}
	m.transfers.WithLabelValues(normalized).Inc()
}
