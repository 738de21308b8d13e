// Package config defines the top-level configuration for the DEX pricer and
// provides validation helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// Config is the root configuration structure. Fields are populated from a TOML
// file and then optionally overridden by DEXPRICER_* environment variables.
// It is not modified after startup.
type Config struct {
	Chain    ChainConfig    `toml:"chain"`
	Pricing  PricingConfig  `toml:"pricing"`
	Snapshot SnapshotConfig `toml:"snapshot"`
	Volume   VolumeConfig   `toml:"volume"`
	Pipeline PipelineConfig `toml:"pipeline"`
	Storage  StorageConfig  `toml:"storage"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Server   ServerConfig   `toml:"server"`
	Notify   NotifyConfig   `toml:"notify"`
	Repair   RepairConfig   `toml:"repair"`
	Restore  RestoreConfig  `toml:"restore"`
	Mode     string         `toml:"mode"`
	LogLevel string         `toml:"log_level"`
}

// ChainConfig describes the chain log feed and the pools to follow.
type ChainConfig struct {
	RPCURL string `toml:"rpc_url"`
	// ResolveMetadata looks up token0/token1 and ERC-20 metadata over
	// eth_call for pools seen on the feed but absent from Pools.
	ResolveMetadata bool         `toml:"resolve_metadata"`
	Pools           []PoolConfig `toml:"pools"`
}

// PoolConfig is a statically configured pool.
type PoolConfig struct {
	Address string      `toml:"address"`
	Token0  TokenConfig `toml:"token0"`
	Token1  TokenConfig `toml:"token1"`
}

// TokenConfig is static ERC-20 metadata.
type TokenConfig struct {
	Address  string `toml:"address"`
	Symbol   string `toml:"symbol"`
	Decimals uint8  `toml:"decimals"`
}

// PricingConfig holds the price oracle settings.
type PricingConfig struct {
	References []ReferenceConfig `toml:"references"`
	MaxDepth   int               `toml:"max_depth"`
	// NotifyThreshold is the relative change below which updates are
	// suppressed, e.g. "0.0001" for 0.01%.
	NotifyThreshold decimal.Decimal `toml:"notify_threshold"`
	PriceCacheTTL   duration        `toml:"price_cache_ttl"`
}

// ReferenceConfig is a USD reference asset. Price is required for pinned
// references and is written as a string, e.g. price = "1.00".
type ReferenceConfig struct {
	Address string          `toml:"address"`
	Symbol  string          `toml:"symbol"`
	Mode    string          `toml:"mode"`
	Price   decimal.Decimal `toml:"price"`
}

// SnapshotConfig holds the snapshot tiers and retention schedule.
type SnapshotConfig struct {
	Tiers        []TierConfig `toml:"tiers"`
	TolerancePPM int64        `toml:"tolerance_ppm"`
	PruneCron    string       `toml:"prune_cron"`
	PruneLockTTL duration     `toml:"prune_lock_ttl"`
	// ArchiveBeforePrune uploads expiring snapshots to S3 before deleting
	// them. Requires s3.enabled.
	ArchiveBeforePrune bool `toml:"archive_before_prune"`
}

// TierConfig is one snapshot granularity. A zero retention keeps snapshots
// forever.
type TierConfig struct {
	Name        string   `toml:"name"`
	Granularity duration `toml:"granularity"`
	Retention   duration `toml:"retention"`
}

// VolumeConfig holds the volume aggregator settings.
type VolumeConfig struct {
	DecayInterval duration `toml:"decay_interval"`
}

// PipelineConfig holds the event pipeline settings.
type PipelineConfig struct {
	Workers       int      `toml:"workers"`
	QueueSize     int      `toml:"queue_size"`
	Feed          string   `toml:"feed"`
	Stream        string   `toml:"stream"`
	StreamStartID string   `toml:"stream_start_id"`
	TVLInterval   duration `toml:"tvl_interval"`
	NotifyWorkers int      `toml:"notify_workers"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `toml:"driver"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	DSN             string   `toml:"dsn"`
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	Database        string   `toml:"database"`
	User            string   `toml:"user"`
	Password        string   `toml:"password"`
	SSLMode         string   `toml:"ssl_mode"`
	PoolMaxConns    int      `toml:"pool_max_conns"`
	PoolMinConns    int      `toml:"pool_min_conns"`
	MaxConnIdleTime duration `toml:"max_conn_idle_time"`
	RunMigrations   bool     `toml:"run_migrations"`
}

// RedisConfig holds Redis connection parameters.
type RedisConfig struct {
	Enabled     bool     `toml:"enabled"`
	Addr        string   `toml:"addr"`
	Password    string   `toml:"password"`
	DB          int      `toml:"db"`
	PoolSize    int      `toml:"pool_size"`
	MaxRetries  int      `toml:"max_retries"`
	DialTimeout duration `toml:"dial_timeout"`
	TLSEnabled  bool     `toml:"tls_enabled"`
	KeyPrefix   string   `toml:"key_prefix"`
	// PublishNotifications mirrors every change notification onto the
	// dex:<type>:<metric> pub/sub channels.
	PublishNotifications bool `toml:"publish_notifications"`
}

// S3Config holds S3-compatible object storage parameters.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	Prefix         string `toml:"prefix"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
	RateLimit   int      `toml:"rate_limit"`
	RateWindow  duration `toml:"rate_window"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string          `toml:"telegram_token"`
	TelegramChatID    string          `toml:"telegram_chat_id"`
	DiscordWebhookURL string          `toml:"discord_webhook_url"`
	AlertThreshold    decimal.Decimal `toml:"alert_threshold"`
	Metrics           []string        `toml:"metrics"`
}

// RepairConfig scopes the one-shot repair run. An empty Pool repairs every
// pool.
type RepairConfig struct {
	Pool     string   `toml:"pool"`
	Lookback duration `toml:"lookback"`
}

// RestoreConfig selects the archived day loaded back by restore mode.
type RestoreConfig struct {
	Tier string `toml:"tier"`
	// Day is a UTC date in YYYY-MM-DD form.
	Day string `toml:"day"`
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

// Defaults returns a Config populated with reasonable default values.
func Defaults() Config {
	return Config{
		Pricing: PricingConfig{
			MaxDepth:        2,
			NotifyThreshold: decimal.RequireFromString("0.0001"),
			PriceCacheTTL:   duration{10 * time.Minute},
		},
		Snapshot: SnapshotConfig{
			Tiers: []TierConfig{
				{Name: "minute", Granularity: duration{time.Minute}, Retention: duration{48 * time.Hour}},
				{Name: "hour", Granularity: duration{time.Hour}, Retention: duration{90 * 24 * time.Hour}},
				{Name: "day", Granularity: duration{24 * time.Hour}},
			},
			TolerancePPM: 1000,
			PruneCron:    "17 * * * *",
			PruneLockTTL: duration{10 * time.Minute},
		},
		Volume: VolumeConfig{
			DecayInterval: duration{time.Minute},
		},
		Pipeline: PipelineConfig{
			Workers:       8,
			QueueSize:     1024,
			Feed:          "chain",
			Stream:        "dex:events",
			StreamStartID: "$",
			TVLInterval:   duration{time.Minute},
			NotifyWorkers: 4,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "dexpricer",
			User:            "postgres",
			SSLMode:         "disable",
			PoolMaxConns:    10,
			PoolMinConns:    2,
			MaxConnIdleTime: duration{5 * time.Minute},
			RunMigrations:   true,
		},
		Redis: RedisConfig{
			Addr:                 "localhost:6379",
			PoolSize:             20,
			MaxRetries:           3,
			DialTimeout:          duration{5 * time.Second},
			KeyPrefix:            "dexpricer:",
			PublishNotifications: true,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "dexpricer-archive",
			ForcePathStyle: true,
		},
		Server: ServerConfig{
			Enabled:     true,
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			RateLimit:   600,
			RateWindow:  duration{time.Minute},
		},
		Notify: NotifyConfig{
			AlertThreshold: decimal.RequireFromString("0.05"),
			Metrics:        []string{"price"},
		},
		Repair: RepairConfig{
			Lookback: duration{7 * 24 * time.Hour},
		},
		Restore: RestoreConfig{
			Tier: "minute",
		},
		Mode:     "full",
		LogLevel: "info",
	}
}

// validModes enumerates the accepted values for Config.Mode.
var validModes = map[string]bool{
	"full":    true,
	"ingest":  true,
	"prune":   true,
	"repair":  true,
	"restore": true,
}

// validLogLevels enumerates the accepted values for Config.LogLevel.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validFeeds = map[string]bool{
	"chain":  true,
	"stream": true,
	"both":   true,
	"none":   true,
}

var validMetrics = map[string]bool{
	string(domain.MetricPrice):  true,
	string(domain.MetricVolume): true,
	string(domain.MetricTVL):    true,
}

// Validate checks Config for obviously invalid or missing values and returns a
// combined error describing every problem found.
func (c *Config) Validate() error {
	var errs []string
	mode := strings.ToLower(c.Mode)

	if !validModes[mode] {
		errs = append(errs, fmt.Sprintf("unknown mode %q (valid: full, ingest, prune, repair, restore)", c.Mode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Pricing: nothing can be priced without a pinned reference.
	if len(c.Pricing.References) == 0 {
		errs = append(errs, "pricing: at least one reference asset is required")
	}
	pinned := 0
	for i, r := range c.Pricing.References {
		if _, err := domain.NormalizeAddress(r.Address); err != nil {
			errs = append(errs, fmt.Sprintf("pricing: references[%d]: invalid address %q", i, r.Address))
		}
		switch domain.ReferenceMode(strings.ToLower(r.Mode)) {
		case domain.ReferencePinned:
			pinned++
			if !r.Price.IsPositive() {
				errs = append(errs, fmt.Sprintf("pricing: references[%d]: pinned price must be > 0", i))
			}
		case domain.ReferenceDerived:
		default:
			errs = append(errs, fmt.Sprintf("pricing: references[%d]: mode must be pinned or derived, got %q", i, r.Mode))
		}
	}
	if len(c.Pricing.References) > 0 && pinned == 0 {
		errs = append(errs, "pricing: at least one reference asset must be pinned")
	}
	if c.Pricing.MaxDepth < 1 {
		errs = append(errs, "pricing: max_depth must be >= 1")
	}
	if !c.Pricing.NotifyThreshold.IsPositive() {
		errs = append(errs, "pricing: notify_threshold must be > 0")
	}

	// Chain
	for i, p := range c.Chain.Pools {
		if _, err := domain.NormalizeAddress(p.Address); err != nil {
			errs = append(errs, fmt.Sprintf("chain: pools[%d]: invalid address %q", i, p.Address))
		}
		for side, t := range map[string]TokenConfig{"token0": p.Token0, "token1": p.Token1} {
			if _, err := domain.NormalizeAddress(t.Address); err != nil {
				errs = append(errs, fmt.Sprintf("chain: pools[%d]: %s: invalid address %q", i, side, t.Address))
			}
		}
	}

	// Snapshot
	if len(c.Snapshot.Tiers) == 0 {
		errs = append(errs, "snapshot: at least one tier is required")
	}
	seen := make(map[string]bool, len(c.Snapshot.Tiers))
	for i, t := range c.Snapshot.Tiers {
		if t.Name == "" {
			errs = append(errs, fmt.Sprintf("snapshot: tiers[%d]: name must not be empty", i))
		} else if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("snapshot: duplicate tier %q", t.Name))
		}
		seen[t.Name] = true
		if t.Granularity.Duration <= 0 {
			errs = append(errs, fmt.Sprintf("snapshot: tiers[%d]: granularity must be > 0", i))
		}
		if t.Retention.Duration < 0 {
			errs = append(errs, fmt.Sprintf("snapshot: tiers[%d]: retention must be >= 0", i))
		}
	}
	if c.Snapshot.TolerancePPM <= 0 {
		errs = append(errs, "snapshot: tolerance_ppm must be > 0")
	}
	if c.Snapshot.PruneCron != "" {
		if _, err := cron.ParseStandard(c.Snapshot.PruneCron); err != nil {
			errs = append(errs, fmt.Sprintf("snapshot: prune_cron %q: %v", c.Snapshot.PruneCron, err))
		}
	}
	if c.Snapshot.ArchiveBeforePrune && !c.S3.Enabled {
		errs = append(errs, "snapshot: archive_before_prune requires s3.enabled")
	}

	// Volume
	if c.Volume.DecayInterval.Duration <= 0 {
		errs = append(errs, "volume: decay_interval must be > 0")
	}

	// Pipeline
	if c.Pipeline.Workers < 1 {
		errs = append(errs, "pipeline: workers must be >= 1")
	}
	if c.Pipeline.QueueSize < 1 {
		errs = append(errs, "pipeline: queue_size must be >= 1")
	}
	feed := strings.ToLower(c.Pipeline.Feed)
	if !validFeeds[feed] {
		errs = append(errs, fmt.Sprintf("pipeline: unknown feed %q (valid: chain, stream, both, none)", c.Pipeline.Feed))
	}
	ingesting := mode == "full" || mode == "ingest"
	if ingesting && (feed == "chain" || feed == "both") && strings.TrimSpace(c.Chain.RPCURL) == "" {
		errs = append(errs, "chain: rpc_url is required for the chain feed")
	}
	if ingesting && (feed == "stream" || feed == "both") && !c.Redis.Enabled {
		errs = append(errs, "pipeline: the stream feed requires redis.enabled")
	}
	if c.Chain.ResolveMetadata && strings.TrimSpace(c.Chain.RPCURL) == "" {
		errs = append(errs, "chain: resolve_metadata requires rpc_url")
	}

	// Storage
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
		if mode == "prune" || mode == "repair" || mode == "restore" {
			errs = append(errs, fmt.Sprintf("storage: mode %q needs a persistent driver (postgres)", mode))
		}
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
		errs = append(errs, fmt.Sprintf("storage: unknown driver %q (valid: memory, postgres)", c.Storage.Driver))
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			errs = append(errs, "redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			errs = append(errs, "redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled && c.S3.Bucket == "" {
		errs = append(errs, "s3: bucket must not be empty")
	}

	// Server
	if c.Server.Enabled && mode == "full" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
		}
		if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
			errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
		}
	}

	// Notify
	if !c.Notify.AlertThreshold.IsPositive() {
		errs = append(errs, "notify: alert_threshold must be > 0")
	}
	for _, m := range c.Notify.Metrics {
		if !validMetrics[m] {
			errs = append(errs, fmt.Sprintf("notify: unknown metric %q (valid: price, volume, tvl)", m))
		}
	}

	// Repair
	if mode == "repair" {
		if c.Repair.Pool != "" {
			if _, err := domain.NormalizeAddress(c.Repair.Pool); err != nil {
				errs = append(errs, fmt.Sprintf("repair: invalid pool %q", c.Repair.Pool))
			}
		}
		if c.Repair.Lookback.Duration <= 0 {
			errs = append(errs, "repair: lookback must be > 0")
		}
	}

	// Restore
	if mode == "restore" {
		if !c.S3.Enabled {
			errs = append(errs, "restore: requires s3.enabled")
		}
		if !seen[c.Restore.Tier] {
			errs = append(errs, fmt.Sprintf("restore: unknown tier %q", c.Restore.Tier))
		}
		if _, err := c.RestoreDay(); err != nil {
			errs = append(errs, fmt.Sprintf("restore: day %q must be YYYY-MM-DD", c.Restore.Day))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ReferenceAssets converts the configured references to domain values.
func (c *Config) ReferenceAssets() []domain.ReferenceAsset {
	out := make([]domain.ReferenceAsset, 0, len(c.Pricing.References))
	for _, r := range c.Pricing.References {
		out = append(out, domain.ReferenceAsset{
			Address:     r.Address,
			Mode:        domain.ReferenceMode(strings.ToLower(r.Mode)),
			PinnedPrice: r.Price,
		})
	}
	return out
}

// SnapshotTiers converts the configured tiers to domain values.
func (c *Config) SnapshotTiers() []domain.SnapshotTier {
	out := make([]domain.SnapshotTier, 0, len(c.Snapshot.Tiers))
	for _, t := range c.Snapshot.Tiers {
		out = append(out, domain.SnapshotTier{
			Name:        t.Name,
			Granularity: t.Granularity.Duration,
			Retention:   t.Retention.Duration,
		})
	}
	return out
}

// PoolInfos converts the statically configured pools to domain values.
func (c *Config) PoolInfos() []domain.PoolInfo {
	out := make([]domain.PoolInfo, 0, len(c.Chain.Pools))
	for _, p := range c.Chain.Pools {
		out = append(out, domain.PoolInfo{
			Address: p.Address,
			Token0:  domain.TokenInfo{Address: p.Token0.Address, Symbol: p.Token0.Symbol, Decimals: p.Token0.Decimals},
			Token1:  domain.TokenInfo{Address: p.Token1.Address, Symbol: p.Token1.Symbol, Decimals: p.Token1.Decimals},
		})
	}
	return out
}

// AlertMetrics returns the metric kinds that raise alerts.
func (c *Config) AlertMetrics() []domain.MetricKind {
	out := make([]domain.MetricKind, 0, len(c.Notify.Metrics))
	for _, m := range c.Notify.Metrics {
		out = append(out, domain.MetricKind(m))
	}
	return out
}

// RestoreDay parses Restore.Day as a UTC date.
func (c *Config) RestoreDay() (time.Time, error) {
	return time.ParseInLocation(time.DateOnly, strings.TrimSpace(c.Restore.Day), time.UTC)
}

// Duration accessors for the unexported wrapper type.

func (c *Config) PriceCacheTTL() time.Duration { return c.Pricing.PriceCacheTTL.Duration }
func (c *Config) PruneLockTTL() time.Duration { return c.Snapshot.PruneLockTTL.Duration }
func (c *Config) DecayInterval() time.Duration { return c.Volume.DecayInterval.Duration }
func (c *Config) TVLInterval() time.Duration { return c.Pipeline.TVLInterval.Duration }
func (c *Config) PostgresIdleTime() time.Duration { return c.Postgres.MaxConnIdleTime.Duration }
func (c *Config) RedisDialTimeout() time.Duration { return c.Redis.DialTimeout.Duration }
func (c *Config) RateWindow() time.Duration { return c.Server.RateWindow.Duration }
func (c *Config) RepairLookback() time.Duration { return c.Repair.Lookback.Duration }
