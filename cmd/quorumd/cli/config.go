package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/quorumchain/quorumchain/internal/core"
)

// GenesisConfig is the founding validator whitelist and stake snapshot a
// fresh chain boots from.
type GenesisConfig struct {
	Validators map[string]uint64 `json:"validators"`
}

// ModeConfig is the boot-time strict/lightweight flag pair.
type ModeConfig struct {
	StrictStateProof    bool `json:"strict_state_proof"`
	StrictShardingRules bool `json:"strict_sharding_rules"`
}

// Config is the node's on-disk JSON configuration: genesis whitelist and
// stake, this validator's identity, P2P listen address and seed peers, the
// bolt data directory, and the lightweight-mode flags.
type Config struct {
	DataDir         string        `json:"data_dir"`
	Listen          string        `json:"listen"`
	SeedPeers       []string      `json:"seed_peers"`
	ValidatorKeyHex string        `json:"validator_key_hex,omitempty"`
	Genesis         GenesisConfig `json:"genesis"`
	Mode            ModeConfig    `json:"mode"`
}

func defaultConfig() Config {
	return Config{
		DataDir: "./data",
		Listen:  ":7946",
		Mode:    ModeConfig{StrictStateProof: true, StrictShardingRules: true},
	}
}

// LoadConfig reads and validates the JSON config at path, filling in any
// field a fresh file omits with its default.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("cli: read config %s: %w", path, err)
	}
	cfg := defaultConfig()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("cli: parse config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("cli: data_dir must not be empty")
	}
	if len(c.Genesis.Validators) == 0 {
		return fmt.Errorf("cli: genesis.validators must name at least one validator")
	}
	return nil
}

// Save writes cfg as indented JSON to path, creating parent directories as
// needed.
func (c Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("cli: create config directory: %w", err)
		}
	}
	raw, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// ValidatorsMap converts the JSON-friendly string-keyed genesis map to the
// core.Address-keyed form NewGenesisBlock expects.
func (c Config) ValidatorsMap() map[core.Address]uint64 {
	out := make(map[core.Address]uint64, len(c.Genesis.Validators))
	for addr, stake := range c.Genesis.Validators {
		out[core.Address(addr)] = stake
	}
	return out
}

// ChainPath is where the bolt-backed finalized chain lives under DataDir.
func (c Config) ChainPath() string {
	return filepath.Join(c.DataDir, "chain.db")
}
