package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/jverbraeken/UniversalMarket/internal/blob/s3"
	"github.com/jverbraeken/UniversalMarket/internal/cache/redis"
	"github.com/jverbraeken/UniversalMarket/internal/config"
	"github.com/jverbraeken/UniversalMarket/internal/crypto"
	"github.com/jverbraeken/UniversalMarket/internal/domain"
	"github.com/jverbraeken/UniversalMarket/internal/server/handler"
	"github.com/jverbraeken/UniversalMarket/internal/store/memory"
	"github.com/jverbraeken/UniversalMarket/internal/store/postgres"
)

// Dependencies bundles the infrastructure a node runs on. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Identity *crypto.Identity

	// Stores
	Orders       domain.OrderRepository
	Transactions domain.TransactionRepository
	Ticks        domain.TickStore // nil with the memory backend

	// Redis
	SignalBus   domain.SignalBus
	LockManager domain.LockManager
	RateLimiter domain.RateLimiter

	// Blob storage, nil unless s3.enabled
	Ledger   domain.Ledger
	Archiver domain.Archiver

	// Checks test each backing service for the health endpoint.
	Checks map[string]handler.Check
}

// Wire constructs every concrete dependency from cfg and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	id, err := crypto.LoadIdentity(crypto.KeyConfig{
		RawPrivateKey:    cfg.Identity.PrivateKey,
		EncryptedKeyPath: cfg.Identity.EncryptedKeyPath,
		KeyPassword:      cfg.Identity.KeyPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("wire: identity: %w", err)
	}
	deps := &Dependencies{
		Identity: id,
		Checks:   make(map[string]handler.Check),
	}
	trader := id.TraderID()

	// --- Order and transaction storage ---
	switch cfg.Storage.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)
		deps.Checks["postgres"] = pgClient.Ping

		if err := checkSchema(ctx, pgClient, cfg.Postgres.RunMigrations, logger); err != nil {
			cleanup()
			return nil, nil, err
		}

		pool := pgClient.Pool()
		deps.Orders = postgres.NewOrderRepository(pool, trader)
		deps.Transactions = postgres.NewTransactionRepository(pool)
		deps.Ticks = postgres.NewTickStore(pool)
	default:
		deps.Orders = memory.NewOrderRepository(trader)
		deps.Transactions = memory.NewTransactionRepository()
	}

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient.Ping

	deps.SignalBus = redis.NewSignalBus(redisClient, cfg.Redis.StreamMaxLen, logger)
	deps.LockManager = redis.NewLockManager(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)

	// --- S3 ledger and archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		if err := s3Client.Health(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: %w", err)
		}
		deps.Checks["s3"] = s3Client.Health

		reader, writer := s3blob.NewReader(s3Client), s3blob.NewWriter(s3Client)
		deps.Ledger = s3blob.NewLedger(reader, writer, logger)
		if cfg.Market.ArchiveEnabled {
			partSize := int64(cfg.Market.ArchivePartSizeMB) << 20
			deps.Archiver = s3blob.NewArchiver(reader, writer, deps.Transactions, partSize, logger)
		}
	}

	return deps, cleanup, nil
}

// checkSchema upgrades the schema when migrations are enabled and otherwise
// only reports the version found.
func checkSchema(ctx context.Context, c *postgres.Client, migrate bool, logger *slog.Logger) error {
	if migrate {
		version, err := c.CheckDatabase(ctx)
		if err != nil {
			return fmt.Errorf("wire: postgres migrations: %w", err)
		}
		logger.InfoContext(ctx, "wire: postgres schema ready", slog.Int("version", version))
		return nil
	}
	version, err := c.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("wire: postgres schema version: %w", err)
	}
	logger.InfoContext(ctx, "wire: postgres schema found", slog.Int("version", version))
	return nil
}
