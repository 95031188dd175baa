package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/ledger-engine/internal/model"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "USDT", cfg.Positions.BaseCurrencyFor(model.Crypto, "BTC"))
	assert.Equal(t, "EUR", cfg.Positions.BaseCurrencyFor(model.Cash, "EUR"))
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	for _, key := range []string{"PORT", "DATABASE_URL", "REDIS_URL", "LEDGER_STORE_DRIVER"} {
		t.Setenv(key, "")
	}
	path := writeConfig(t, `
log_level = "debug"

[server]
port = 9090
request_timeout = "5s"

[redis]
addr = "localhost:6379"
cache_ttl = "1m"

[positions.base_currency]
crypto = "USDC"
stock = "USD"

[positions.cash_equivalents]
crypto = ["USDC"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.RequestTimeout.Duration)
	assert.Equal(t, time.Minute, cfg.Redis.CacheTTL.Duration)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Redis.LockTTL.Duration)
	assert.Equal(t, "memory", cfg.Store.Driver)

	assert.Equal(t, "USDC", cfg.Positions.BaseCurrencyFor(model.Crypto, ""))
	assert.Equal(t, "USD", cfg.Positions.BaseCurrencyFor(model.Stock, ""))
	assert.True(t, cfg.Positions.IsCashEquivalent(model.Crypto, "USDC"))
	assert.False(t, cfg.Positions.IsCashEquivalent(model.Crypto, "BTC"))
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LEDGER_SERVER_PORT", "7000")
	t.Setenv("DATABASE_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("LEDGER_LOG_LEVEL", "warn")
	t.Setenv("LEDGER_REDIS_LOCK_TTL", "3s")

	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://ledger@localhost/ledger", cfg.Postgres.DSN)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 3*time.Second, cfg.Redis.LockTTL.Duration)
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.Store.Driver = "postgres"
	cfg.Positions.BaseCurrency["crypto_spot"] = "USDT"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
	assert.Contains(t, err.Error(), "postgres: dsn")
	assert.Contains(t, err.Error(), "crypto_spot")
}

func TestIsCashEquivalent(t *testing.T) {
	p := Defaults().Positions

	tests := []struct {
		name     string
		asset    model.AssetType
		currency string
		want     bool
	}{
		{"cash account", model.Cash, "EUR", true},
		{"stablecoin", model.Crypto, "BUSD", true},
		{"base currency", model.Crypto, "USDT", true},
		{"coin", model.Crypto, "ETH", false},
		{"unconfigured asset", model.Stock, "USD", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.IsCashEquivalent(tt.asset, tt.currency))
		})
	}
}
