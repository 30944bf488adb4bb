// Package consensus implements the epoch-driven, stake-weighted consensus
// engine: proposer election, proposal construction and verification,
// three-chain finalization, and catch-up, built on top of internal/state,
// internal/blockpool, and internal/mempool.
package consensus

import "time"

// NodeStatus is the node-level lifecycle state the engine is told about
// from outside: the engine only proposes and votes while Serving, though
// chain-segment catch-up proceeds regardless.
type NodeStatus int

const (
	NodeStarting NodeStatus = iota
	NodeSyncing
	NodeServing
)

func (s NodeStatus) String() string {
	switch s {
	case NodeStarting:
		return "STARTING"
	case NodeSyncing:
		return "SYNCING"
	case NodeServing:
		return "SERVING"
	default:
		return "UNKNOWN"
	}
}

// LightweightMode is the boot-time flag pair controlling verification
// depth. StrictStateProof makes proposal verification compare the replayed
// state proof hash against the block's state_proof_hash; turning it off
// skips that comparison. StrictShardingRules is carried through the
// configuration but no verification step reads it.
type LightweightMode struct {
	StrictStateProof    bool
	StrictShardingRules bool
}

// DefaultStrictMode is the safe default: every invariant is checked.
func DefaultStrictMode() LightweightMode {
	return LightweightMode{StrictStateProof: true, StrictShardingRules: true}
}

// Config bundles the engine's tunables.
type Config struct {
	// EpochMS is the wall-clock partition length driving proposer election.
	EpochMS int64
	// GenesisTimestampMs anchors epoch 0; epoch(t) = floor((t -
	// GenesisTimestampMs - timeAdjustment) / EpochMS).
	GenesisTimestampMs int64
	// MinNumValidators is the floor below which a proposal is rejected
	// outright.
	MinNumValidators int
	// ConsensusStateRetentionWindow bounds how many /consensus/number/<N>
	// slots stay live: proposing block N also nulls out the slot at
	// N minus the window.
	ConsensusStateRetentionWindow int64
	// NTPProbeEveryEpochs is the cadence of the advisory clock-skew probe.
	NTPProbeEveryEpochs int64
	// MaxTimeAdjustment clamps the NTP-probe correction so a hostile or
	// broken time source cannot drag the epoch clock arbitrarily far.
	MaxTimeAdjustment time.Duration
	Mode              LightweightMode
}

// DefaultConfig returns the values this package's tests and the single-node
// quorumd defaults run with.
func DefaultConfig() Config {
	return Config{
		EpochMS:                       2000,
		GenesisTimestampMs:            0,
		MinNumValidators:              1,
		ConsensusStateRetentionWindow: 100,
		NTPProbeEveryEpochs:           100,
		MaxTimeAdjustment:             2 * time.Second,
		Mode:                          DefaultStrictMode(),
	}
}

// EpochAt computes epoch(t) for the configured genesis and time adjustment.
func (c Config) EpochAt(nowMs, timeAdjustmentMs int64) int64 {
	delta := nowMs - c.GenesisTimestampMs - timeAdjustmentMs
	if delta < 0 {
		return 0
	}
	return delta / c.EpochMS
}
