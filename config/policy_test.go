package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadGovernancePolicyYAMLAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	contents := "defaultQuorum: 4000\ndefaultApproval: 6000\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}

	overrides, err := LoadGovernancePolicyYAML(path)
	if err != nil {
		t.Fatalf("load policy file: %v", err)
	}

	knobs := DefaultKnobs()
	original := knobs.DefaultVotingDuration
	overrides.ApplyTo(&knobs)

	if knobs.DefaultQuorum != 4000 {
		t.Fatalf("expected overridden quorum 4000, got %d", knobs.DefaultQuorum)
	}
	if knobs.DefaultApproval != 6000 {
		t.Fatalf("expected overridden approval 6000, got %d", knobs.DefaultApproval)
	}
	if knobs.DefaultVotingDuration != original {
		t.Fatalf("expected unset field to stay at its default")
	}
}

func TestGovernancePolicyFileMergesIntoLoadedConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	policyPath := filepath.Join(dir, "policy.yaml")

	if err := os.WriteFile(policyPath, []byte("defaultQuorum: 7500\n"), 0o644); err != nil {
		t.Fatalf("write policy file: %v", err)
	}
	contents := "DataDir = \"" + dir + "\"\nGovernancePolicyFile = \"" + policyPath + "\"\n"
	if err := os.WriteFile(cfgPath, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath, testPassphrase)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Knobs.DefaultQuorum != 7500 {
		t.Fatalf("expected policy file override to apply, got quorum %d", cfg.Knobs.DefaultQuorum)
	}
}
