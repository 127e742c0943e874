// Package config loads and validates the coordinator's YAML configuration.
// Configuration is read once at start; there is no hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Network selects the timeout profile.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkDevnet  Network = "devnet"
)

// TimeoutProfile carries the per-network swap timing constants.
type TimeoutProfile struct {
	SourceDeadline time.Duration
	DestDeadline   time.Duration
	SafetyMargin   time.Duration
	MinTimeout     time.Duration
}

var timeoutProfiles = map[Network]TimeoutProfile{
	NetworkMainnet: {SourceDeadline: 3 * time.Hour, DestDeadline: 30 * time.Minute, SafetyMargin: 30 * time.Minute, MinTimeout: 10 * time.Minute},
	NetworkTestnet: {SourceDeadline: 30 * time.Minute, DestDeadline: 5 * time.Minute, SafetyMargin: 5 * time.Minute, MinTimeout: 2 * time.Minute},
	NetworkDevnet:  {SourceDeadline: 10 * time.Minute, DestDeadline: 2 * time.Minute, SafetyMargin: 2 * time.Minute, MinTimeout: 1 * time.Minute},
}

// Profile resolves the network's timeout profile.
func (n Network) Profile() (TimeoutProfile, error) {
	profile, ok := timeoutProfiles[n]
	if !ok {
		return TimeoutProfile{}, fmt.Errorf("unknown network %q", n)
	}
	return profile, nil
}

// LedgerConfig tunes one chain's adapter and ingestion loop.
type LedgerConfig struct {
	Endpoint      string   `yaml:"endpoint"`
	AuthToken     string   `yaml:"auth_token"`
	Contract      string   `yaml:"contract"`
	Registry      string   `yaml:"registry"`
	OwnerCap      string   `yaml:"owner_cap"`
	FinalityDepth uint64   `yaml:"finality_depth"`
	PollInterval  Duration `yaml:"poll_interval"`
	RateLimitRPS  float64  `yaml:"rate_limit_rps"`
	ResolverStake string   `yaml:"resolver_stake"`
	// SignerEndpoint and KeyRef locate the signing key at the external
	// key provider. The coordinator never sees key material.
	SignerEndpoint string `yaml:"signer_endpoint"`
	KeyRef         string `yaml:"key_ref"`
}

// RetryConfig tunes on-chain submit retries.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseBackoff Duration `yaml:"base_backoff"`
	MaxBackoff  Duration `yaml:"max_backoff"`
}

// Config captures runtime configuration for the coordinator.
type Config struct {
	Network       Network      `yaml:"network"`
	ListenAddress string       `yaml:"listen"`
	DatabasePath  string       `yaml:"database"`
	AdminToken    string       `yaml:"admin_token"`
	LogFile       string       `yaml:"log_file"`
	EVM           LedgerConfig `yaml:"evm"`
	Sui           LedgerConfig `yaml:"sui"`
	Retry         RetryConfig  `yaml:"retry"`
	Retention     Duration     `yaml:"retention"`
	RefundHorizon Duration     `yaml:"refund_horizon"`
	Workers       int          `yaml:"workers"`
	FeeBps        int          `yaml:"fee_bps"`
}

// Load reads configuration from the supplied path and validates it.
func Load(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Network == "" {
		c.Network = NetworkDevnet
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":8545"
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 5
	}
	if c.Retry.BaseBackoff.Duration <= 0 {
		c.Retry.BaseBackoff.Duration = 500 * time.Millisecond
	}
	if c.Retry.MaxBackoff.Duration <= 0 {
		c.Retry.MaxBackoff.Duration = 30 * time.Second
	}
	if c.Retention.Duration <= 0 {
		c.Retention.Duration = 72 * time.Hour
	}
	if c.RefundHorizon.Duration <= 0 {
		c.RefundHorizon.Duration = 6 * time.Hour
	}
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.EVM.PollInterval.Duration <= 0 {
		c.EVM.PollInterval.Duration = 5 * time.Second
	}
	if c.Sui.PollInterval.Duration <= 0 {
		c.Sui.PollInterval.Duration = 2 * time.Second
	}
}

// Validate rejects configurations the daemon must not start with. The
// caller maps a failure here to exit code 2.
func (c *Config) Validate() error {
	if _, err := c.Network.Profile(); err != nil {
		return err
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database path required")
	}
	if c.EVM.Endpoint == "" {
		return fmt.Errorf("evm endpoint required")
	}
	if c.EVM.Contract == "" {
		return fmt.Errorf("evm escrow contract address required")
	}
	if c.Sui.Endpoint == "" {
		return fmt.Errorf("sui endpoint required")
	}
	if c.Sui.Registry == "" {
		return fmt.Errorf("sui registry object required")
	}
	if c.FeeBps < 0 || c.FeeBps > 10_000 {
		return fmt.Errorf("fee_bps must be within 0..10000, got %d", c.FeeBps)
	}
	return nil
}
