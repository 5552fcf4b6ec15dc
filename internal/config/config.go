// Package config handles configuration management with validation, mirroring
// tommy-ca-opensqt_market_maker's internal/config/config.go: a nested YAML
// struct loaded with environment-variable expansion, validated by hand with
// descriptive ValidationError values rather than struct tags alone.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration named across §6's
// "Configuration (all tunable via process config)" list, plus the
// ambient sections every long-running service in this pack carries
// (store/cache connection, logging).
type Config struct {
	Matching   MatchingConfig   `yaml:"matching"`
	Settlement SettlementConfig `yaml:"settlement"`
	Topology   TopologyConfig   `yaml:"topology"`
	Cache      CacheConfig      `yaml:"cache"`
	Store      StoreConfig      `yaml:"store"`
	Log        LogConfig        `yaml:"log"`
}

type MatchingConfig struct {
	CycleIntervalMillis int `yaml:"cycle_interval_millis" validate:"required,min=1"`
	MaxOrdersPerCycle   int `yaml:"max_orders_per_cycle" validate:"required,min=1"`
}

type SettlementConfig struct {
	FeeRate               float64 `yaml:"fee_rate"`
	MinConfirmationSlots  int     `yaml:"min_confirmation_slots"`
	MaxRetries            int     `yaml:"max_retries"`
	RetryBaseSecs         int     `yaml:"retry_base_secs"`
	RetryCapSecs          int     `yaml:"retry_cap_secs"`
	RealLedgerEnabled     bool    `yaml:"real_ledger_enabled"`
	Asset                 string  `yaml:"asset"`
	AssetDecimals         int     `yaml:"asset_decimals"`
	GridLossSinkWallet    string  `yaml:"grid_loss_sink_wallet"`
	PlatformFeeAccount    string  `yaml:"platform_fee_account" validate:"required,uuid"`
	GridOperatorAccount   string  `yaml:"grid_operator_account" validate:"required,uuid"`
	BatchLimit            int     `yaml:"batch_limit"`
	InterCallDelayMillis  int     `yaml:"inter_call_delay_millis"`
	SolanaRPCEndpoint     string  `yaml:"solana_rpc_endpoint"`
	EncryptionSecretEnv   string  `yaml:"encryption_secret_env" validate:"required"`
}

type TopologyConfig struct {
	RefreshIntervalSecs int `yaml:"refresh_interval_secs"`
}

type CacheConfig struct {
	Addr      string        `yaml:"addr" validate:"required"`
	KeyPrefix string        `yaml:"key_prefix"`
	TTL       time.Duration `yaml:"ttl"`
}

type StoreConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"required,oneof=debug info warn error"`
}

// ValidationError mirrors the teacher's descriptive field/value/message shape.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads a YAML config file, expands ${VAR} environment references, and
// validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.Expand(string(data), os.Getenv)

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settlement.FeeRate == 0 {
		c.Settlement.FeeRate = 0.01
	}
	if c.Settlement.MinConfirmationSlots == 0 {
		c.Settlement.MinConfirmationSlots = 32
	}
	if c.Settlement.MaxRetries == 0 {
		c.Settlement.MaxRetries = 3
	}
	if c.Settlement.RetryBaseSecs == 0 {
		c.Settlement.RetryBaseSecs = 5
	}
	if c.Settlement.RetryCapSecs == 0 {
		c.Settlement.RetryCapSecs = 300
	}
	if c.Settlement.AssetDecimals == 0 {
		c.Settlement.AssetDecimals = 9
	}
	if c.Settlement.BatchLimit == 0 {
		c.Settlement.BatchLimit = 100
	}
	if c.Topology.RefreshIntervalSecs == 0 {
		c.Topology.RefreshIntervalSecs = 60
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = 24 * time.Hour
	}
}

// Validate performs comprehensive validation, same shape as the teacher's
// per-section validators collecting into one joined error.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateMatching(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSettlement(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateLog(); err != nil {
		errs = append(errs, err.Error())
	}
	if c.Cache.Addr == "" {
		errs = append(errs, ValidationError{Field: "cache.addr", Message: "cache address is required"}.Error())
	}
	if c.Store.Path == "" {
		errs = append(errs, ValidationError{Field: "store.path", Message: "store path is required"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateMatching() error {
	if c.Matching.CycleIntervalMillis <= 0 {
		return ValidationError{Field: "matching.cycle_interval_millis", Value: c.Matching.CycleIntervalMillis, Message: "must be positive"}
	}
	if c.Matching.MaxOrdersPerCycle <= 0 {
		return ValidationError{Field: "matching.max_orders_per_cycle", Value: c.Matching.MaxOrdersPerCycle, Message: "must be positive"}
	}
	return nil
}

func (c *Config) validateSettlement() error {
	if c.Settlement.FeeRate < 0 || c.Settlement.FeeRate > 1 {
		return ValidationError{Field: "settlement.fee_rate", Value: c.Settlement.FeeRate, Message: "must be within [0,1]"}
	}
	if c.Settlement.MaxRetries < 1 {
		return ValidationError{Field: "settlement.max_retries", Value: c.Settlement.MaxRetries, Message: "must be at least 1"}
	}
	if c.Settlement.EncryptionSecretEnv == "" {
		return ValidationError{Field: "settlement.encryption_secret_env", Message: "must name the env var holding the key-decryption secret"}
	}
	if _, err := uuid.Parse(c.Settlement.PlatformFeeAccount); err != nil {
		return ValidationError{Field: "settlement.platform_fee_account", Value: c.Settlement.PlatformFeeAccount, Message: "must be a valid uuid"}
	}
	if _, err := uuid.Parse(c.Settlement.GridOperatorAccount); err != nil {
		return ValidationError{Field: "settlement.grid_operator_account", Value: c.Settlement.GridOperatorAccount, Message: "must be a valid uuid"}
	}
	if c.Settlement.RealLedgerEnabled && c.Settlement.SolanaRPCEndpoint == "" {
		return ValidationError{Field: "settlement.solana_rpc_endpoint", Message: "required when real_ledger_enabled is true"}
	}
	return nil
}

func (c *Config) validateLog() error {
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
		return nil
	default:
		return ValidationError{Field: "log.level", Value: c.Log.Level, Message: "must be one of: debug, info, warn, error"}
	}
}

// EncryptionSecret resolves the key-decryption secret from the environment
// variable named by Settlement.EncryptionSecretEnv.
func (c *Config) EncryptionSecret() []byte {
	return []byte(os.Getenv(c.Settlement.EncryptionSecretEnv))
}
