package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies ANYDEX_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known ANYDEX_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Identity ──
	setStr(&cfg.Identity.PrivateKey, "ANYDEX_IDENTITY_PRIVATE_KEY")
	setStr(&cfg.Identity.EncryptedKeyPath, "ANYDEX_IDENTITY_ENCRYPTED_KEY_PATH")
	setStr(&cfg.Identity.KeyPassword, "ANYDEX_IDENTITY_KEY_PASSWORD")

	// ── Market ──
	setDuration(&cfg.Market.OrderTimeout, "ANYDEX_MARKET_ORDER_TIMEOUT")
	setDuration(&cfg.Market.BlockTTL, "ANYDEX_MARKET_BLOCK_TTL")
	setDuration(&cfg.Market.NegotiationTimeout, "ANYDEX_MARKET_NEGOTIATION_TIMEOUT")
	setDuration(&cfg.Market.ExpiryPollInterval, "ANYDEX_MARKET_EXPIRY_POLL_INTERVAL")
	setDuration(&cfg.Market.SweepInterval, "ANYDEX_MARKET_SWEEP_INTERVAL")
	setBool(&cfg.Market.ArchiveEnabled, "ANYDEX_MARKET_ARCHIVE_ENABLED")
	setStr(&cfg.Market.ArchiveCron, "ANYDEX_MARKET_ARCHIVE_CRON")
	setDuration(&cfg.Market.ArchiveRetention, "ANYDEX_MARKET_ARCHIVE_RETENTION")
	setInt(&cfg.Market.ArchivePartSizeMB, "ANYDEX_MARKET_ARCHIVE_PART_SIZE_MB")

	// ── Storage ──
	setStr(&cfg.Storage.Backend, "ANYDEX_STORAGE_BACKEND")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ANYDEX_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "ANYDEX_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ANYDEX_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ANYDEX_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ANYDEX_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ANYDEX_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ANYDEX_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ANYDEX_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ANYDEX_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ANYDEX_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "ANYDEX_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ANYDEX_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ANYDEX_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ANYDEX_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ANYDEX_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ANYDEX_REDIS_TLS_ENABLED")
	setInt64(&cfg.Redis.StreamMaxLen, "ANYDEX_REDIS_STREAM_MAX_LEN")
	setDuration(&cfg.Redis.LockTTL, "ANYDEX_REDIS_LOCK_TTL")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ANYDEX_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ANYDEX_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ANYDEX_S3_REGION")
	setStr(&cfg.S3.Bucket, "ANYDEX_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ANYDEX_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ANYDEX_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ANYDEX_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ANYDEX_S3_FORCE_PATH_STYLE")

	// ── Wallet ──
	setStr(&cfg.Wallet.Address, "ANYDEX_WALLET_ADDRESS")
	setBalances(&cfg.Wallet.Balances, "ANYDEX_WALLET_BALANCES")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ANYDEX_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ANYDEX_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ANYDEX_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ANYDEX_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "ANYDEX_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "ANYDEX_SERVER_RATE_WINDOW")

	// ── Top-level ──
	setStr(&cfg.Mode, "ANYDEX_MODE")
	setStr(&cfg.LogLevel, "ANYDEX_LOG_LEVEL")
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the environment
// variable is present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setBalances reads "urn=amount" pairs separated by commas. Pairs it cannot
// split are ignored; values are checked by Validate.
func setBalances(dst *map[string]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	for _, pair := range strings.Split(v, ",") {
		urn, amount, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && urn != "" {
			(*dst)[urn] = strings.TrimSpace(amount)
		}
	}
}
