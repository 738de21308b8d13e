package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/dexpricer/internal/blob/s3"
	"github.com/alanyoungcy/dexpricer/internal/cache/redis"
	"github.com/alanyoungcy/dexpricer/internal/config"
	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/feed"
	"github.com/alanyoungcy/dexpricer/internal/notify"
	"github.com/alanyoungcy/dexpricer/internal/server/handler"
	"github.com/alanyoungcy/dexpricer/internal/store/memory"
	"github.com/alanyoungcy/dexpricer/internal/store/postgres"
)

// Dependencies bundles every infrastructure dependency that the application
// modes need to operate. It is constructed by Wire and torn down by the
// returned cleanup function. Optional backends are nil when disabled.
type Dependencies struct {
	// Stores
	TokenStore    domain.TokenStore
	PoolStore     domain.PoolStore
	SnapshotStore domain.SnapshotStore
	AuditStore    domain.AuditStore

	// Caches (Redis)
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   *redis.SignalBus

	// Blob storage (S3)
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader
	Archiver   *s3blob.Archiver

	// Chain RPC
	Chain *ethclient.Client

	// Health checks keyed by backend name.
	Checks map[string]handler.Check

	// Alert channels
	Senders []notify.Sender
}

// needsChain returns true when the mode consumes chain logs or resolves pool
// metadata over RPC.
func needsChain(cfg *config.Config) bool {
	mode := strings.ToLower(cfg.Mode)
	if mode != "full" && mode != "ingest" {
		return false
	}
	feedKind := strings.ToLower(cfg.Pipeline.Feed)
	return feedKind == "chain" || feedKind == "both" || cfg.Chain.ResolveMetadata
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config) (*Dependencies, func(), error) {
	logger := slog.Default()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Check)}

	// --- Persistence ---
	switch strings.ToLower(cfg.Storage.Driver) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:             cfg.Postgres.DSN,
			Host:            cfg.Postgres.Host,
			Port:            cfg.Postgres.Port,
			Database:        cfg.Postgres.Database,
			User:            cfg.Postgres.User,
			Password:        cfg.Postgres.Password,
			SSLMode:         cfg.Postgres.SSLMode,
			MaxConns:        cfg.Postgres.PoolMaxConns,
			MinConns:        cfg.Postgres.PoolMinConns,
			MaxConnIdleTime: cfg.PostgresIdleTime(),
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}

		pool := pgClient.Pool()
		deps.TokenStore = postgres.NewTokenStore(pool)
		deps.PoolStore = postgres.NewPoolStore(pool)
		deps.SnapshotStore = postgres.NewSnapshotStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.Checks["postgres"] = pgClient.Ping
	default:
		// Tokens and pools live only in the reserve store itself.
		deps.SnapshotStore = memory.NewSnapshotStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:        cfg.Redis.Addr,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			PoolSize:    cfg.Redis.PoolSize,
			MaxRetries:  cfg.Redis.MaxRetries,
			DialTimeout: cfg.RedisDialTimeout(),
			TLSEnabled:  cfg.Redis.TLSEnabled,
			KeyPrefix:   cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.PriceCacheTTL())
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Checks["redis"] = redisClient.Ping
	}

	// --- S3 blob storage ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}

		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Archiver = s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.SnapshotStore, deps.AuditStore)
		deps.Checks["s3"] = s3Client.Health
	}

	// --- Chain RPC ---
	if needsChain(cfg) {
		client, err := feed.Dial(ctx, cfg.Chain.RPCURL)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: chain: %w", err)
		}
		closers = append(closers, client.Close)
		deps.Chain = client
	}

	// --- Alert channels ---
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		deps.Senders = append(deps.Senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		deps.Senders = append(deps.Senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}

	logger.InfoContext(ctx, "dependencies wired",
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("redis", deps.SignalBus != nil),
		slog.Bool("s3", deps.Archiver != nil),
		slog.Bool("chain", deps.Chain != nil),
		slog.Int("alert_senders", len(deps.Senders)),
	)

	return deps, cleanup, nil
}
