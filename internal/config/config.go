// Package config defines the node configuration and its validation rules.
package config

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jverbraeken/UniversalMarket/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by ANYDEX_* environment variables.
type Config struct {
	Identity IdentityConfig `toml:"identity"`
	Market   MarketConfig   `toml:"market"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Wallet   WalletConfig   `toml:"wallet"`
	Server   ServerConfig   `toml:"server"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// IdentityConfig names the trader key. A raw key wins over a key file.
type IdentityConfig struct {
	PrivateKey       string `toml:"private_key"`
	EncryptedKeyPath string `toml:"encrypted_key_path"`
	KeyPassword      string `toml:"key_password"`
}

// MarketConfig holds order book, negotiation and archive parameters.
type MarketConfig struct {
	OrderTimeout       duration `toml:"order_timeout"`
	BlockTTL           duration `toml:"block_ttl"`
	NegotiationTimeout duration `toml:"negotiation_timeout"`
	ExpiryPollInterval duration `toml:"expiry_poll_interval"`
	SweepInterval      duration `toml:"sweep_interval"`
	ArchiveEnabled     bool     `toml:"archive_enabled"`
	ArchiveCron        string   `toml:"archive_cron"`
	ArchiveRetention   duration `toml:"archive_retention"`
	ArchivePartSizeMB  int      `toml:"archive_part_size_mb"`
}

// StorageConfig selects where orders and transactions live.
type StorageConfig struct {
	Backend string `toml:"backend"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters for the message bus and the
// identity lock.
type RedisConfig struct {
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	StreamMaxLen int64    `toml:"stream_max_len"`
	LockTTL      duration `toml:"lock_ttl"`
}

// S3Config holds S3-compatible object storage parameters for the ledger and
// the archive.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// WalletConfig seeds the balance wallet. Balances maps an asset urn to an
// integer amount written as a string.
type WalletConfig struct {
	Address  string            `toml:"address"`
	Balances map[string]string `toml:"balances"`
}

// duration is a wrapper around time.Duration that supports TOML string decoding
// (e.g. "5m", "30s").
type duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler so the TOML decoder can
// parse duration strings like "5m" or "30s".
func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler for round-trip encoding.
func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// ServerConfig holds HTTP server parameters. RateLimit <= 0 disables the
// per-client limiter.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Market: MarketConfig{
			OrderTimeout:       duration{time.Hour},
			BlockTTL:           duration{10 * time.Second},
			NegotiationTimeout: duration{30 * time.Second},
			ExpiryPollInterval: duration{time.Second},
			SweepInterval:      duration{5 * time.Second},
			ArchiveEnabled:     false,
			ArchiveCron:        "0 3 * * *",
			ArchiveRetention:   duration{30 * 24 * time.Hour},
			ArchivePartSizeMB:  8,
		},
		Storage: StorageConfig{
			Backend: "memory",
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "anydex",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			StreamMaxLen: 10000,
			LockTTL:      duration{30 * time.Second},
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "anydex-ledger",
			ForcePathStyle: true,
		},
		Wallet: WalletConfig{
			Balances: map[string]string{},
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000"},
			RateLimit:   120,
			RateWindow:  duration{time.Minute},
		},
		Mode:     "node",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"node":    true,
	"matcher": true,
	"api":     true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validModes[strings.ToLower(c.Mode)] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: node, matcher, api)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Every mode acts for one trader.
	if c.Identity.PrivateKey == "" && c.Identity.EncryptedKeyPath == "" {
		errs = append(errs, "identity: either private_key or encrypted_key_path must be set")
	}
	if c.Identity.PrivateKey == "" && c.Identity.EncryptedKeyPath != "" && c.Identity.KeyPassword == "" {
		errs = append(errs, "identity: key_password is required when encrypted_key_path is set")
	}

	m := c.Market
	for name, d := range map[string]time.Duration{
		"order_timeout":        m.OrderTimeout.Duration,
		"block_ttl":            m.BlockTTL.Duration,
		"negotiation_timeout":  m.NegotiationTimeout.Duration,
		"expiry_poll_interval": m.ExpiryPollInterval.Duration,
		"sweep_interval":       m.SweepInterval.Duration,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("market: %s must be > 0", name))
		}
	}
	if m.OrderTimeout.Duration%time.Second != 0 {
		errs = append(errs, "market: order_timeout must be a whole number of seconds")
	}
	if m.ArchiveEnabled {
		if strings.TrimSpace(m.ArchiveCron) == "" {
			errs = append(errs, "market: archive_cron must not be empty when archiving is enabled")
		}
		if m.ArchiveRetention.Duration < 0 {
			errs = append(errs, "market: archive_retention must be >= 0")
		}
		if m.ArchivePartSizeMB < 5 {
			errs = append(errs, "market: archive_part_size_mb must be >= 5")
		}
		if !c.S3.Enabled {
			errs = append(errs, "market: archiving needs s3.enabled")
		}
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				errs = append(errs, "postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				errs = append(errs, fmt.Sprintf("postgres: port must be 1-65535, got %d", c.Postgres.Port))
			}
			if c.Postgres.Database == "" {
				errs = append(errs, "postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			errs = append(errs, "postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			errs = append(errs, "postgres: pool_min_conns must be between 0 and pool_max_conns")
		}
	default:
		errs = append(errs, fmt.Sprintf("storage: unknown backend %q (valid: memory, postgres)", c.Storage.Backend))
	}

	if c.Redis.Addr == "" {
		errs = append(errs, "redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}
	if c.Redis.LockTTL.Duration < time.Second {
		errs = append(errs, "redis: lock_ttl must be at least 1s")
	}

	if c.S3.Enabled {
		if c.S3.Endpoint == "" {
			errs = append(errs, "s3: endpoint must not be empty")
		}
		if c.S3.Bucket == "" {
			errs = append(errs, "s3: bucket must not be empty")
		}
	}

	for urn, amount := range c.Wallet.Balances {
		if _, err := domain.ParseUrn(urn); err != nil {
			errs = append(errs, fmt.Sprintf("wallet: balance key %q is not a urn", urn))
		}
		if n, ok := new(big.Int).SetString(amount, 10); !ok || n.Sign() < 0 {
			errs = append(errs, fmt.Sprintf("wallet: balance %q for %s must be a non-negative integer", amount, urn))
		}
	}

	if c.Server.Enabled && c.Mode != "matcher" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
