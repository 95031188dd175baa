// Package config defines the configuration for the ledger engine server and
// the static asset-type mappings the position book depends on.
package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/atmx/ledger-engine/internal/model"
)

// Config is the root configuration structure. Fields are populated from a
// TOML file and then optionally overridden by LEDGER_* environment variables.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Store     StoreConfig     `toml:"store"`
	Postgres  PostgresConfig  `toml:"postgres"`
	Redis     RedisConfig     `toml:"redis"`
	Positions PositionsConfig `toml:"positions"`
	LogLevel  string          `toml:"log_level"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Port            int      `toml:"port"`
	RequestTimeout  duration `toml:"request_timeout"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	// Driver is "memory" or "postgres".
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	MinConns      int    `toml:"min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters. An empty Addr disables
// both the read cache and the distributed write lock.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL duration `toml:"cache_ttl"`
	LockTTL  duration `toml:"lock_ttl"`
}

// PositionsConfig maps asset types to the currency positions are valued in
// and to the currencies treated as cash for them. Keys are asset type names.
type PositionsConfig struct {
	BaseCurrency    map[string]string   `toml:"base_currency"`
	CashEquivalents map[string][]string `toml:"cash_equivalents"`
}

// BaseCurrencyFor returns the valuation currency for positions of the given
// asset type, or fallback when none is configured.
func (p PositionsConfig) BaseCurrencyFor(asset model.AssetType, fallback string) string {
	if cur, ok := p.BaseCurrency[string(asset)]; ok && cur != "" {
		return cur
	}
	return fallback
}

// IsCashEquivalent reports whether currency counts as cash for the asset
// type: it is configured as a cash equivalent, or it is the base currency.
func (p PositionsConfig) IsCashEquivalent(asset model.AssetType, currency string) bool {
	if asset == model.Cash {
		return true
	}
	if slices.Contains(p.CashEquivalents[string(asset)], currency) {
		return true
	}
	return p.BaseCurrency[string(asset)] == currency
}

// duration wraps time.Duration so it can be decoded from TOML strings
// like "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with sensible defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			RequestTimeout:  duration{30 * time.Second},
			ShutdownTimeout: duration{5 * time.Second},
		},
		Store: StoreConfig{
			Driver: "memory",
		},
		Postgres: PostgresConfig{
			MaxConns:      10,
			MinConns:      1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			CacheTTL: duration{30 * time.Second},
			LockTTL:  duration{10 * time.Second},
		},
		Positions: PositionsConfig{
			BaseCurrency: map[string]string{
				string(model.Crypto): "USDT",
			},
			CashEquivalents: map[string][]string{
				string(model.Crypto): {"USDT", "BUSD", "USDC"},
			},
		},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validDrivers = map[string]bool{
	"memory":   true,
	"postgres": true,
}

// Validate checks the configuration for missing or inconsistent values and
// reports all problems at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RequestTimeout.Duration <= 0 {
		errs = append(errs, "server: request_timeout must be positive")
	}

	if !validDrivers[c.Store.Driver] {
		errs = append(errs, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres)", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			errs = append(errs, "postgres: dsn must be set when store.driver is postgres")
		}
		if c.Postgres.MaxConns < 1 {
			errs = append(errs, "postgres: max_conns must be >= 1")
		}
	}

	if c.Redis.Addr != "" {
		if c.Redis.CacheTTL.Duration <= 0 {
			errs = append(errs, "redis: cache_ttl must be positive")
		}
		if c.Redis.LockTTL.Duration <= 0 {
			errs = append(errs, "redis: lock_ttl must be positive")
		}
	}

	for asset := range c.Positions.BaseCurrency {
		if !model.AssetType(asset).Valid() {
			errs = append(errs, fmt.Sprintf("positions: unknown asset type %q in base_currency", asset))
		}
	}
	for asset := range c.Positions.CashEquivalents {
		if !model.AssetType(asset).Valid() {
			errs = append(errs, fmt.Sprintf("positions: unknown asset type %q in cash_equivalents", asset))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
