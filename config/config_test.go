package config

import (
	"os"
	"path/filepath"
	"testing"
)

func testPassphrase() (string, error) { return "test-passphrase", nil }

func TestLoadCreatesDefaultConfigAndKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path, testPassphrase)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress == "" {
		t.Fatalf("expected a default listen address")
	}
	if cfg.Knobs.MaxOperationsPerHour == 0 {
		t.Fatalf("expected default knobs to be populated")
	}
	if _, err := os.Stat(cfg.KeystorePath); err != nil {
		t.Fatalf("expected keystore file to exist: %v", err)
	}
	if err := ValidateKnobs(cfg.Knobs); err != nil {
		t.Fatalf("expected default knobs to validate: %v", err)
	}
}

func TestLoadRoundTripsExplicitConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:7000"
DataDir = "` + dir + `"
BootstrapPeers = ["1.1.1.1:26656"]

[Knobs]
DidCreationCost = 10
CredentialIssuanceCost = 2
KeyRotationCost = 5
MaxOperationsPerHour = 30
RecoveryDelaySeconds = 259200
MinRecoveryGuardians = 3
DefaultVotingDuration = 604800
DefaultQuorum = 2000
DefaultApproval = 5000
MaxProposalsPerProposer = 5
BaseRegenerationRate = 1.0
BidWindowMS = 5000
AssignmentTimeoutMS = 10000
ExecutionTimeoutMS = 300000
ReceiptTimeoutMS = 15000
MinExecutorReputation = 0.2
MaxBidsPerJob = 16
ExecutorSelectionWeight = 0.5
RoutingWeight = 0.3
GovernanceWeight = 0.2
EventQueueDepth = 256

[Knobs.AntiAccumulation]
MaxRatio = 5.0
EscalationRate = 0.5
UseItOrLoseItPeriod = 30
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, testPassphrase)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.BootstrapPeers) != 1 || cfg.BootstrapPeers[0] != "1.1.1.1:26656" {
		t.Fatalf("unexpected bootstrap peers: %v", cfg.BootstrapPeers)
	}
	if cfg.Knobs.MinExecutorReputation != 0.2 {
		t.Fatalf("unexpected min executor reputation: %f", cfg.Knobs.MinExecutorReputation)
	}
	if cfg.Knobs.AntiAccumulation.MaxRatio != 5.0 {
		t.Fatalf("unexpected anti-accumulation max ratio: %f", cfg.Knobs.AntiAccumulation.MaxRatio)
	}
}
