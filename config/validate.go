package config

import "fmt"

var (
	MinVotingPeriodSeconds = uint64(3600)
)

// ValidateKnobs checks the bounds spec.md §6 places on every tunable: quorum
// and approval thresholds are basis points, mesh timeouts are all mandatory,
// and executor-selection weights must contribute something. Load calls this
// on every decoded config so a malformed TOML file fails fast at startup
// rather than producing a node that silently never assigns jobs.
func ValidateKnobs(k Knobs) error {
	if k.DefaultVotingDuration < MinVotingPeriodSeconds {
		return fmt.Errorf("knobs: default_voting_duration too small")
	}
	return validateKnobs(k)
}

func validateKnobs(k Knobs) error {
	if k.MaxOperationsPerHour == 0 {
		return fmt.Errorf("knobs: max_operations_per_hour must be > 0")
	}
	if k.MinRecoveryGuardians == 0 {
		return fmt.Errorf("knobs: min_recovery_guardians must be > 0")
	}
	if k.DefaultQuorum > 10000 || k.DefaultApproval > 10000 {
		return fmt.Errorf("knobs: default_quorum/default_approval are basis points, must be <= 10000")
	}
	if k.AntiAccumulation.MaxRatio <= 1 {
		return fmt.Errorf("knobs: anti_accumulation.max_ratio must be > 1")
	}
	if k.BidWindowMS == 0 || k.AssignmentTimeoutMS == 0 || k.ExecutionTimeoutMS == 0 || k.ReceiptTimeoutMS == 0 {
		return fmt.Errorf("knobs: mesh timeouts must all be > 0")
	}
	sum := k.ExecutorSelectionWeight + k.RoutingWeight + k.GovernanceWeight
	if sum <= 0 {
		return fmt.Errorf("knobs: selection weights must sum to > 0")
	}
	if k.MinSuccessRate < 0 || k.MinSuccessRate > 1 {
		return fmt.Errorf("knobs: min_success_rate must be in [0,1]")
	}
	return nil
}
