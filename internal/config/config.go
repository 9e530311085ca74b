// Package config loads and validates the bridge's YAML configuration.
// Missing required fields are fatal at startup; everything optional has an
// explicit default applied on load.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deluthium/liquidity-bridge/internal/bridge"
	"github.com/deluthium/liquidity-bridge/internal/fix"
	"github.com/deluthium/liquidity-bridge/internal/lifecycle"
)

// Config is the full process configuration.
type Config struct {
	Upstream  UpstreamConfig  `yaml:"upstream"`
	FIX       FIXConfig       `yaml:"fix"`
	Rate      RateConfig      `yaml:"rate"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Bridge    BridgeConfig    `yaml:"bridge"`
	Split     SplitConfig     `yaml:"split"`
	Admin     AdminConfig     `yaml:"admin"`
	Journal   JournalConfig   `yaml:"journal"`
	Signer    SignerConfig    `yaml:"signer"`
	Log       LogConfig       `yaml:"log"`

	Counterparties []lifecycle.Counterparty `yaml:"counterparties"`
}

// UpstreamConfig covers the RFQ source REST and WS endpoints.
type UpstreamConfig struct {
	BaseURL    string `yaml:"base_url"`
	WSURL      string `yaml:"ws_url"`
	AuthToken  string `yaml:"auth_token"`
	ChainID    int64  `yaml:"chain_id"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
	RPS        int    `yaml:"rps"`
	Burst      int    `yaml:"burst"`
	// FromAddr funds on-chain settlement.
	FromAddr string `yaml:"from_addr"`
}

// FIXConfig covers the acceptor and its per-counterparty sessions.
type FIXConfig struct {
	Host        string              `yaml:"host"`
	Port        int                 `yaml:"port"`
	TLSCertPath string              `yaml:"tls_cert_path"`
	TLSKeyPath  string              `yaml:"tls_key_path"`
	MaxSessions int                 `yaml:"max_sessions"`
	AllowedIPs  []string            `yaml:"allowed_ips"`
	Sessions    []fix.SessionConfig `yaml:"sessions"`
}

// ListenAddr joins host and port.
func (f FIXConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", f.Host, f.Port)
}

// RateConfig covers the publisher loop and cache backend.
type RateConfig struct {
	RefreshIntervalMS int    `yaml:"refresh_interval_ms"`
	MarkupBps         int    `yaml:"markup_bps"`
	MaxConcurrent     int    `yaml:"max_concurrent"`
	Backend           string `yaml:"backend"` // memory | redis
	RedisAddr         string `yaml:"redis_addr"`
	RedisDB           int    `yaml:"redis_db"`
	MaxEntries        int    `yaml:"max_entries"`
}

// LifecycleConfig covers quote validity and fees.
type LifecycleConfig struct {
	DefaultQuoteValidityS int `yaml:"default_quote_validity_s"`
	DefaultFeeRateBps     int `yaml:"default_fee_rate_bps"`
}

// BridgeConfig covers the order-book reconciler and its downstream venue.
type BridgeConfig struct {
	Enabled                  bool                   `yaml:"enabled"`
	RefreshIntervalMS        int                    `yaml:"refresh_interval_ms"`
	Strategy                 string                 `yaml:"strategy"` // mirror | spread | dynamic
	SpreadBps                int                    `yaml:"spread_bps"`
	MaxOrders                int                    `yaml:"max_orders"`
	PriceDeviationThreshold  int                    `yaml:"price_deviation_threshold_bps"`
	Venue                    bridge.RESTVenueConfig `yaml:"venue"`
	Mappings                 []BridgeMappingConfig  `yaml:"mappings"`
}

// BridgeMappingConfig ties an upstream pair to a downstream order slot.
type BridgeMappingConfig struct {
	PairID string `yaml:"pair_id"`
	Ticker string `yaml:"ticker"`
	Side   string `yaml:"side"` // buy | sell
	Size   string `yaml:"size"`
}

// SplitConfig covers the split-route optimiser.
type SplitConfig struct {
	Enabled        bool   `yaml:"enabled"`
	MinSplitBps    int    `yaml:"min_split_bps"`
	MaxSlippageBps int    `yaml:"max_slippage_bps"`
	AMMBaseURL     string `yaml:"amm_base_url"`
	AMMAPIKey      string `yaml:"amm_api_key"`
	GasPriceWei    string `yaml:"gas_price_wei"`
	// RelayURL enables execution. Without it the router plans only.
	RelayURL string `yaml:"relay_url"`
}

// AdminConfig covers the HTTP admin surface.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// JournalConfig selects the audit sink.
type JournalConfig struct {
	Backend    string `yaml:"backend"` // memory | postgres
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxEntries int    `yaml:"max_entries"`
	MaxAgeH    int    `yaml:"max_age_h"`
}

// SignerConfig selects the settlement signer.
type SignerConfig struct {
	Mode      string `yaml:"mode"` // local | kms
	Address   string `yaml:"address"`
	KMSURL    string `yaml:"kms_url"`
	KMSKeyID  string `yaml:"kms_key_id"`
	TimeoutMS int    `yaml:"timeout_ms"`
}

// LogConfig covers log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// Load reads, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Upstream.TimeoutMS <= 0 {
		c.Upstream.TimeoutMS = 30_000
	}
	if c.Upstream.MaxRetries <= 0 {
		c.Upstream.MaxRetries = 3
	}
	if c.FIX.Port == 0 {
		c.FIX.Port = 9878
	}
	if c.FIX.MaxSessions <= 0 {
		c.FIX.MaxSessions = 16
	}
	if c.Rate.RefreshIntervalMS <= 0 {
		c.Rate.RefreshIntervalMS = 5000
	}
	if c.Rate.Backend == "" {
		c.Rate.Backend = "memory"
	}
	if c.Rate.MaxEntries <= 0 {
		c.Rate.MaxEntries = 1024
	}
	if c.Lifecycle.DefaultQuoteValidityS <= 0 {
		c.Lifecycle.DefaultQuoteValidityS = 30
	}
	if c.Bridge.RefreshIntervalMS <= 0 {
		c.Bridge.RefreshIntervalMS = 2000
	}
	if c.Bridge.Strategy == "" {
		c.Bridge.Strategy = "mirror"
	}
	if c.Bridge.MaxOrders <= 0 {
		c.Bridge.MaxOrders = 8
	}
	if c.Split.MaxSlippageBps <= 0 {
		c.Split.MaxSlippageBps = 50
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":8780"
	}
	if c.Journal.Backend == "" {
		c.Journal.Backend = "memory"
	}
	if c.Journal.MaxEntries <= 0 {
		c.Journal.MaxEntries = 10_000
	}
	if c.Signer.Mode == "" {
		c.Signer.Mode = "local"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	for i := range c.FIX.Sessions {
		if c.FIX.Sessions[i].Version == "" {
			c.FIX.Sessions[i].Version = fix.VersionFIX44
		}
		if c.FIX.Sessions[i].HeartbeatSec <= 0 {
			c.FIX.Sessions[i].HeartbeatSec = 30
		}
	}
}

// Validate enforces the required fields.
func (c *Config) Validate() error {
	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if c.Upstream.ChainID == 0 {
		return fmt.Errorf("upstream.chain_id is required")
	}
	if c.Upstream.AuthToken == "" {
		return fmt.Errorf("upstream.auth_token is required")
	}

	seen := make(map[string]bool, len(c.FIX.Sessions))
	for _, s := range c.FIX.Sessions {
		if s.SenderCompID == "" || s.TargetCompID == "" {
			return fmt.Errorf("fix session requires sender_comp_id and target_comp_id")
		}
		if seen[s.SenderCompID] {
			return fmt.Errorf("duplicate fix session for comp id %s", s.SenderCompID)
		}
		seen[s.SenderCompID] = true
		if s.CounterpartyID == "" {
			return fmt.Errorf("fix session %s requires counterparty_id", s.SenderCompID)
		}
	}

	switch c.Rate.Backend {
	case "memory":
	case "redis":
		if c.Rate.RedisAddr == "" {
			return fmt.Errorf("rate.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown rate backend %q", c.Rate.Backend)
	}

	switch c.Bridge.Strategy {
	case "mirror", "spread", "dynamic":
	default:
		return fmt.Errorf("unknown bridge strategy %q", c.Bridge.Strategy)
	}
	if c.Bridge.Enabled && c.Bridge.Venue.BaseURL == "" {
		return fmt.Errorf("bridge.venue.base_url is required when the bridge is enabled")
	}

	if c.Split.Enabled && c.Split.AMMBaseURL == "" {
		return fmt.Errorf("split.amm_base_url is required when the split router is enabled")
	}
	if c.Split.RelayURL != "" && c.Signer.Address == "" {
		return fmt.Errorf("signer.address is required when split.relay_url is set")
	}

	switch c.Journal.Backend {
	case "memory":
	case "postgres":
		if c.Journal.PostgresDSN == "" {
			return fmt.Errorf("journal.postgres_dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown journal backend %q", c.Journal.Backend)
	}

	switch c.Signer.Mode {
	case "local":
	case "kms":
		if c.Signer.KMSURL == "" || c.Signer.KMSKeyID == "" {
			return fmt.Errorf("signer.kms_url and signer.kms_key_id are required for the kms signer")
		}
	default:
		return fmt.Errorf("unknown signer mode %q", c.Signer.Mode)
	}
	return nil
}

// UpstreamTimeout returns the upstream call timeout.
func (c *Config) UpstreamTimeout() time.Duration {
	return time.Duration(c.Upstream.TimeoutMS) * time.Millisecond
}

// RateRefreshInterval returns the publisher refresh interval.
func (c *Config) RateRefreshInterval() time.Duration {
	return time.Duration(c.Rate.RefreshIntervalMS) * time.Millisecond
}

// BridgeRefreshInterval returns the reconciler interval.
func (c *Config) BridgeRefreshInterval() time.Duration {
	return time.Duration(c.Bridge.RefreshIntervalMS) * time.Millisecond
}
