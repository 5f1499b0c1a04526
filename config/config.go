package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/InterCooperative-Network/icn-core/crypto"
)

// Config is the full node configuration: transport addressing, data
// directory, keystore location and the domain Knobs block (mana, identity,
// governance, mesh, routing) enumerated in spec.md §6.
type Config struct {
	ListenAddress  string   `toml:"ListenAddress"`
	DataDir        string   `toml:"DataDir"`
	KeystorePath   string   `toml:"KeystorePath"`
	BootstrapPeers []string `toml:"BootstrapPeers"`
	NodeID         string   `toml:"NodeID"`
	Knobs          Knobs    `toml:"Knobs"`

	// GovernancePolicyFile optionally points at a YAML document overriding
	// a subset of Knobs' governance thresholds without editing the main
	// TOML file — operators hand these out per-deployment (e.g. a stricter
	// quorum for a production federation than the dev default).
	GovernancePolicyFile string `toml:"GovernancePolicyFile"`

	// TelemetryEndpoint is the OTLP/HTTP collector address (host:port) to
	// export traces and metrics to. Empty disables OpenTelemetry entirely.
	TelemetryEndpoint string `toml:"TelemetryEndpoint"`
	// TelemetryInsecure disables TLS when dialing TelemetryEndpoint, for
	// a collector reachable only over a private network.
	TelemetryInsecure bool `toml:"TelemetryInsecure"`
}

// Load reads the configuration at path, creating a default file (with a
// fresh keystore) the first time a node is started against an empty data
// directory.
func Load(path string, keystorePassphrase func() (string, error)) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path, keystorePassphrase)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if cfg.Knobs.MaxOperationsPerHour == 0 {
		cfg.Knobs = DefaultKnobs()
	}
	if err := ValidateKnobs(cfg.Knobs); err != nil {
		return nil, err
	}

	if cfg.GovernancePolicyFile != "" {
		overrides, err := LoadGovernancePolicyYAML(cfg.GovernancePolicyFile)
		if err != nil {
			return nil, fmt.Errorf("load governance policy file: %w", err)
		}
		overrides.ApplyTo(&cfg.Knobs)
	}

	if cfg.KeystorePath == "" {
		cfg.KeystorePath = defaultKeystorePath(cfg.DataDir)
	}
	if _, err := os.Stat(cfg.KeystorePath); os.IsNotExist(err) {
		if err := bootstrapKeystore(cfg.KeystorePath, keystorePassphrase); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func defaultKeystorePath(dataDir string) string {
	if dataDir == "" {
		dataDir = "./icn-data"
	}
	return dataDir + "/keystore.json"
}

func bootstrapKeystore(path string, keystorePassphrase func() (string, error)) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	passphrase, err := keystorePassphrase()
	if err != nil {
		return err
	}
	return crypto.SaveToKeystore(path, key, passphrase)
}

// createDefault creates and saves a default configuration file plus a fresh
// keystore for a brand-new data directory.
func createDefault(path string, keystorePassphrase func() (string, error)) (*Config, error) {
	cfg := &Config{
		ListenAddress:  ":26656",
		DataDir:        "./icn-data",
		BootstrapPeers: []string{},
		Knobs:          DefaultKnobs(),
	}
	cfg.KeystorePath = defaultKeystorePath(cfg.DataDir)

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	if err := bootstrapKeystore(cfg.KeystorePath, keystorePassphrase); err != nil {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
