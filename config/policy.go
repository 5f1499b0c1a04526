package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// GovernancePolicyOverrides is a YAML document operators can hand out
// per-deployment to override a subset of Knobs' governance thresholds
// (spec.md §4.2) without touching the TOML config file's other sections.
// Zero-value fields are left at whatever Knobs already has.
type GovernancePolicyOverrides struct {
	DefaultVotingDuration   *uint64 `yaml:"defaultVotingDuration"`
	DefaultQuorum           *uint64 `yaml:"defaultQuorum"`
	DefaultApproval         *uint64 `yaml:"defaultApproval"`
	MaxProposalsPerProposer *uint32 `yaml:"maxProposalsPerProposer"`
}

// LoadGovernancePolicyYAML reads and parses a GovernancePolicyOverrides
// document from path.
func LoadGovernancePolicyYAML(path string) (GovernancePolicyOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return GovernancePolicyOverrides{}, fmt.Errorf("read governance policy file: %w", err)
	}
	var overrides GovernancePolicyOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return GovernancePolicyOverrides{}, fmt.Errorf("parse governance policy file: %w", err)
	}
	return overrides, nil
}

// ApplyTo merges non-nil override fields into k.
func (o GovernancePolicyOverrides) ApplyTo(k *Knobs) {
	if o.DefaultVotingDuration != nil {
		k.DefaultVotingDuration = *o.DefaultVotingDuration
	}
	if o.DefaultQuorum != nil {
		k.DefaultQuorum = *o.DefaultQuorum
	}
	if o.DefaultApproval != nil {
		k.DefaultApproval = *o.DefaultApproval
	}
	if o.MaxProposalsPerProposer != nil {
		k.MaxProposalsPerProposer = *o.MaxProposalsPerProposer
	}
}
