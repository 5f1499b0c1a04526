package config

// AntiAccumulation bounds the ratio of an account's balance to the mean
// balance across active accounts before a hoarding penalty kicks in, and
// how fast that penalty escalates (spec.md §4.3).
type AntiAccumulation struct {
	MaxRatio            float64 `toml:"MaxRatio"`
	EscalationRate      float64 `toml:"EscalationRate"`
	UseItOrLoseItPeriod uint64  `toml:"UseItOrLoseItPeriod"`
}

// Knobs bundles every configuration value spec.md §6 enumerates, loaded
// from TOML via BurntSushi/toml and validated by ValidateKnobs.
type Knobs struct {
	// Identity & federation layer (§4.7).
	DidCreationCost         uint64  `toml:"DidCreationCost"`
	CredentialIssuanceCost  uint64  `toml:"CredentialIssuanceCost"`
	KeyRotationCost         uint64  `toml:"KeyRotationCost"`
	MaxOperationsPerHour    uint32  `toml:"MaxOperationsPerHour"`
	RecoveryDelaySeconds    uint64  `toml:"RecoveryDelaySeconds"`
	MinRecoveryGuardians    uint32  `toml:"MinRecoveryGuardians"`

	// Governance (§4.2).
	DefaultVotingDuration   uint64  `toml:"DefaultVotingDuration"`
	DefaultQuorum           uint64  `toml:"DefaultQuorum"`
	DefaultApproval         uint64  `toml:"DefaultApproval"`
	AutoExpireProposals     bool    `toml:"AutoExpireProposals"`
	MaxProposalsPerProposer uint32  `toml:"MaxProposalsPerProposer"`

	// Mana ledger (§4.3).
	BaseRegenerationRate    float64            `toml:"BaseRegenerationRate"`
	ContributionWeights     map[string]float64 `toml:"ContributionWeights"`
	CapacityWeights         map[string]float64 `toml:"CapacityWeights"`
	AntiAccumulation        AntiAccumulation   `toml:"AntiAccumulation"`

	// Job mesh (§4.5).
	BidWindowMS             uint64  `toml:"BidWindowMS"`
	AssignmentTimeoutMS     uint64  `toml:"AssignmentTimeoutMS"`
	ExecutionTimeoutMS      uint64  `toml:"ExecutionTimeoutMS"`
	ReceiptTimeoutMS        uint64  `toml:"ReceiptTimeoutMS"`
	MinExecutorReputation   float64 `toml:"MinExecutorReputation"`
	MaxBidsPerJob           uint32  `toml:"MaxBidsPerJob"`

	// Reputation integration (§4.4).
	ExecutorSelectionWeight float64 `toml:"ExecutorSelectionWeight"`
	RoutingWeight           float64 `toml:"RoutingWeight"`
	GovernanceWeight        float64 `toml:"GovernanceWeight"`
	MinSuccessRate          float64 `toml:"MinSuccessRate"`
	ReputationCacheRefreshMS uint64 `toml:"ReputationCacheRefreshMS"`

	// Concurrency & resource model (§5).
	EventQueueDepth         uint32  `toml:"EventQueueDepth"`
}

// DefaultKnobs returns the conservative defaults a fresh node starts with,
// mirroring the shape of the teacher's createDefault config bootstrap.
func DefaultKnobs() Knobs {
	return Knobs{
		DidCreationCost:         10,
		CredentialIssuanceCost:  2,
		KeyRotationCost:         5,
		MaxOperationsPerHour:    30,
		RecoveryDelaySeconds:    72 * 3600,
		MinRecoveryGuardians:    3,

		DefaultVotingDuration:   7 * 24 * 3600,
		DefaultQuorum:           2000,
		DefaultApproval:         5000,
		AutoExpireProposals:     true,
		MaxProposalsPerProposer: 5,

		BaseRegenerationRate: 1.0,
		ContributionWeights:  map[string]float64{"default": 1.0},
		CapacityWeights:      map[string]float64{"default": 1.0},
		AntiAccumulation: AntiAccumulation{
			MaxRatio:            5.0,
			EscalationRate:      0.5,
			UseItOrLoseItPeriod: 30,
		},

		BidWindowMS:           5000,
		AssignmentTimeoutMS:   10000,
		ExecutionTimeoutMS:    300000,
		ReceiptTimeoutMS:      15000,
		MinExecutorReputation: 0.2,
		MaxBidsPerJob:         16,

		ExecutorSelectionWeight:  0.4,
		RoutingWeight:            0.3,
		GovernanceWeight:         0.2,
		MinSuccessRate:           0.8,
		ReputationCacheRefreshMS: 10000,

		EventQueueDepth: 256,
	}
}

