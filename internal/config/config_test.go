package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validYAML(cacheAddr, platformFeeAccount, gridOperatorAccount string, realLedger bool) string {
	return fmt.Sprintf(`
matching:
  cycle_interval_millis: 500
  max_orders_per_cycle: 200
settlement:
  fee_rate: 0.01
  max_retries: 3
  platform_fee_account: %s
  grid_operator_account: %s
  encryption_secret_env: GRIDTOKENX_WALLET_SECRET
  real_ledger_enabled: %t
cache:
  addr: %s
store:
  path: ./gridtokenx.db
log:
  level: info
`, platformFeeAccount, gridOperatorAccount, realLedger, cacheAddr)
}

func writeTemp(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad_ValidConfig_AppliesDefaults(t *testing.T) {
	path := writeTemp(t, validYAML("localhost:6379", uuid.NewString(), uuid.NewString(), false))
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 32, cfg.Settlement.MinConfirmationSlots)
	assert.Equal(t, 5, cfg.Settlement.RetryBaseSecs)
	assert.Equal(t, 300, cfg.Settlement.RetryCapSecs)
	assert.Equal(t, 60, cfg.Topology.RefreshIntervalSecs)
	assert.Equal(t, 9, cfg.Settlement.AssetDecimals)
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	require.NoError(t, os.Setenv("GRIDTOKENX_TEST_CACHE_ADDR", "redis.internal:6379"))
	defer os.Unsetenv("GRIDTOKENX_TEST_CACHE_ADDR")

	path := writeTemp(t, validYAML("${GRIDTOKENX_TEST_CACHE_ADDR}", uuid.NewString(), uuid.NewString(), false))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Cache.Addr)
}

func TestLoad_InvalidPlatformFeeAccount_FailsValidation(t *testing.T) {
	path := writeTemp(t, validYAML("localhost:6379", "not-a-uuid", uuid.NewString(), false))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "platform_fee_account")
}

func TestLoad_RealLedgerEnabledWithoutEndpoint_FailsValidation(t *testing.T) {
	path := writeTemp(t, validYAML("localhost:6379", uuid.NewString(), uuid.NewString(), true))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solana_rpc_endpoint")
}

func baseConfig() *Config {
	return &Config{
		Matching:   MatchingConfig{CycleIntervalMillis: 100, MaxOrdersPerCycle: 10},
		Settlement: SettlementConfig{FeeRate: 0.01, MaxRetries: 1, EncryptionSecretEnv: "X", PlatformFeeAccount: uuid.NewString(), GridOperatorAccount: uuid.NewString()},
		Cache:      CacheConfig{Addr: "x"},
		Store:      StoreConfig{Path: "x"},
		Log:        LogConfig{Level: "info"},
	}
}

func TestValidate_FeeRateOutOfRange(t *testing.T) {
	cfg := baseConfig()
	cfg.Settlement.FeeRate = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fee_rate")
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := baseConfig()
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
}

func TestValidate_MissingCacheAddr(t *testing.T) {
	cfg := baseConfig()
	cfg.Cache.Addr = ""

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.addr")
}
