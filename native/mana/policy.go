package mana

import "github.com/InterCooperative-Network/icn-core/config"

// Default contribution category weights (spec.md §4.3): compute, storage,
// bandwidth, governance, mutual_aid, knowledge, community, innovation,
// care — summing to 1.0.
func defaultContributionWeights() map[string]float64 {
	return map[string]float64{
		"compute":    0.20,
		"storage":    0.15,
		"bandwidth":  0.15,
		"governance": 0.15,
		"mutual_aid": 0.12,
		"knowledge":  0.08,
		"community":  0.05,
		"innovation": 0.05,
		"care":       0.05,
	}
}

func defaultCapacityWeights() map[string]float64 {
	return map[string]float64{
		"compute_availability": 0.25,
		"storage_availability": 0.2,
		"bandwidth":            0.2,
		"uptime":               0.15,
		"reliability":          0.1,
		"quality":              0.1,
	}
}

// Policy bundles the coefficients native/mana.Ledger.Regen applies,
// sourced from config.Knobs with the spec's fixed default weight tables
// filled in when the operator leaves ContributionWeights/CapacityWeights
// empty.
type Policy struct {
	BaseRate             float64
	ContributionWeights  map[string]float64
	CapacityWeights      map[string]float64
	MaxAccumulationRatio float64
	EscalationRate       float64
	UseItOrLoseItPeriod  uint64 // days
	MaxCapacity          uint64
}

// PolicyFromKnobs builds a Policy from config.Knobs, falling back to the
// spec's fixed default weight tables when the operator hasn't overridden
// ContributionWeights/CapacityWeights.
func PolicyFromKnobs(k config.Knobs, maxCapacity uint64) Policy {
	contribWeights := k.ContributionWeights
	if len(contribWeights) == 0 {
		contribWeights = defaultContributionWeights()
	}
	capWeights := k.CapacityWeights
	if len(capWeights) == 0 {
		capWeights = defaultCapacityWeights()
	}
	return Policy{
		BaseRate:             k.BaseRegenerationRate,
		ContributionWeights:  contribWeights,
		CapacityWeights:      capWeights,
		MaxAccumulationRatio: k.AntiAccumulation.MaxRatio,
		EscalationRate:       k.AntiAccumulation.EscalationRate,
		UseItOrLoseItPeriod:  k.AntiAccumulation.UseItOrLoseItPeriod,
		MaxCapacity:          maxCapacity,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func weightedSum(metrics, weights map[string]float64) float64 {
	var total float64
	for key, weight := range weights {
		total += metrics[key] * weight
	}
	return total
}
