package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load reads a TOML configuration file at path, merges it on top of the
// built-in defaults, applies DEXPRICER_* environment variable overrides, and
// returns the final Config. The returned Config has NOT been validated; the
// caller should invoke Config.Validate() after Load.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	// The decoder fills existing slice elements in place, so a configured
	// list would inherit fields from the default at the same index. Lists
	// are decoded into empty slices and defaulted only when absent.
	defaults := cfg
	cfg.Snapshot.Tiers = nil
	cfg.Server.CORSOrigins = nil
	cfg.Notify.Metrics = nil

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Snapshot.Tiers) == 0 {
		cfg.Snapshot.Tiers = defaults.Snapshot.Tiers
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if len(cfg.Notify.Metrics) == 0 {
		cfg.Notify.Metrics = defaults.Notify.Metrics
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides reads well-known DEXPRICER_* environment variables and
// overwrites the corresponding Config fields when a variable is set (i.e. not
// empty). This lets operators inject secrets at deploy time without touching
// the TOML file.
func applyEnvOverrides(cfg *Config) {
	// ── Chain ──
	setStr(&cfg.Chain.RPCURL, "DEXPRICER_CHAIN_RPC_URL")
	setBool(&cfg.Chain.ResolveMetadata, "DEXPRICER_CHAIN_RESOLVE_METADATA")

	// ── Pricing ──
	setInt(&cfg.Pricing.MaxDepth, "DEXPRICER_PRICING_MAX_DEPTH")
	setDecimal(&cfg.Pricing.NotifyThreshold, "DEXPRICER_PRICING_NOTIFY_THRESHOLD")
	setDuration(&cfg.Pricing.PriceCacheTTL, "DEXPRICER_PRICING_PRICE_CACHE_TTL")

	// ── Snapshot ──
	setInt64(&cfg.Snapshot.TolerancePPM, "DEXPRICER_SNAPSHOT_TOLERANCE_PPM")
	setStr(&cfg.Snapshot.PruneCron, "DEXPRICER_SNAPSHOT_PRUNE_CRON")
	setDuration(&cfg.Snapshot.PruneLockTTL, "DEXPRICER_SNAPSHOT_PRUNE_LOCK_TTL")
	setBool(&cfg.Snapshot.ArchiveBeforePrune, "DEXPRICER_SNAPSHOT_ARCHIVE_BEFORE_PRUNE")

	// ── Volume ──
	setDuration(&cfg.Volume.DecayInterval, "DEXPRICER_VOLUME_DECAY_INTERVAL")

	// ── Pipeline ──
	setInt(&cfg.Pipeline.Workers, "DEXPRICER_PIPELINE_WORKERS")
	setInt(&cfg.Pipeline.QueueSize, "DEXPRICER_PIPELINE_QUEUE_SIZE")
	setStr(&cfg.Pipeline.Feed, "DEXPRICER_PIPELINE_FEED")
	setStr(&cfg.Pipeline.Stream, "DEXPRICER_PIPELINE_STREAM")
	setStr(&cfg.Pipeline.StreamStartID, "DEXPRICER_PIPELINE_STREAM_START_ID")
	setDuration(&cfg.Pipeline.TVLInterval, "DEXPRICER_PIPELINE_TVL_INTERVAL")
	setInt(&cfg.Pipeline.NotifyWorkers, "DEXPRICER_PIPELINE_NOTIFY_WORKERS")

	// ── Storage ──
	setStr(&cfg.Storage.Driver, "DEXPRICER_STORAGE_DRIVER")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "DEXPRICER_POSTGRES_DSN")
	setStr(&cfg.Postgres.DSN, "DATABASE_URL") // compatibility alias
	setStr(&cfg.Postgres.Host, "DEXPRICER_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "DEXPRICER_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "DEXPRICER_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "DEXPRICER_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "DEXPRICER_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "DEXPRICER_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "DEXPRICER_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "DEXPRICER_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "DEXPRICER_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "DEXPRICER_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "DEXPRICER_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "DEXPRICER_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "DEXPRICER_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "DEXPRICER_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "DEXPRICER_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "DEXPRICER_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "DEXPRICER_REDIS_KEY_PREFIX")
	setBool(&cfg.Redis.PublishNotifications, "DEXPRICER_REDIS_PUBLISH_NOTIFICATIONS")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "DEXPRICER_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "DEXPRICER_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "DEXPRICER_S3_REGION")
	setStr(&cfg.S3.Bucket, "DEXPRICER_S3_BUCKET")
	setStr(&cfg.S3.Prefix, "DEXPRICER_S3_PREFIX")
	setStr(&cfg.S3.AccessKey, "DEXPRICER_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "DEXPRICER_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "DEXPRICER_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "DEXPRICER_S3_FORCE_PATH_STYLE")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "DEXPRICER_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "DEXPRICER_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "DEXPRICER_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "DEXPRICER_SERVER_API_KEY")
	setInt(&cfg.Server.RateLimit, "DEXPRICER_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "DEXPRICER_SERVER_RATE_WINDOW")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "DEXPRICER_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "DEXPRICER_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "DEXPRICER_NOTIFY_DISCORD_WEBHOOK_URL")
	setDecimal(&cfg.Notify.AlertThreshold, "DEXPRICER_NOTIFY_ALERT_THRESHOLD")
	setStringSlice(&cfg.Notify.Metrics, "DEXPRICER_NOTIFY_METRICS")

	// ── Repair / Restore ──
	setStr(&cfg.Repair.Pool, "DEXPRICER_REPAIR_POOL")
	setDuration(&cfg.Repair.Lookback, "DEXPRICER_REPAIR_LOOKBACK")
	setStr(&cfg.Restore.Tier, "DEXPRICER_RESTORE_TIER")
	setStr(&cfg.Restore.Day, "DEXPRICER_RESTORE_DAY")

	// ── Top-level ──
	setStr(&cfg.Mode, "DEXPRICER_MODE")
	setStr(&cfg.LogLevel, "DEXPRICER_LOG_LEVEL")
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

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
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
