package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
mode = "full"
log_level = "debug"

[chain]
rpc_url = "wss://rpc.example/ws"

[[chain.pools]]
address = "0xB4e16d0168e52d35CaCD2c6185b44281Ec28C9Dc"
token0 = { address = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", symbol = "USDC", decimals = 6 }
token1 = { address = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", symbol = "WETH", decimals = 18 }

[pricing]
max_depth = 3
notify_threshold = "0.001"

[[pricing.references]]
address = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
symbol = "USDC"
mode = "pinned"
price = "1.00"

[[pricing.references]]
address = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
mode = "derived"

[[snapshot.tiers]]
name = "minute"
granularity = "1m"
retention = "24h"

[[snapshot.tiers]]
name = "day"
granularity = "24h"

[volume]
decay_interval = "30s"

[server]
port = 9090
rate_window = "10s"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMergesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	require.Equal(t, "debug", cfg.LogLevel)
	require.Equal(t, 3, cfg.Pricing.MaxDepth)
	require.True(t, cfg.Pricing.NotifyThreshold.Equal(decimal.RequireFromString("0.001")))
	require.Equal(t, 30*time.Second, cfg.DecayInterval())
	require.Equal(t, 10*time.Second, cfg.RateWindow())
	require.Equal(t, 9090, cfg.Server.Port)

	// Untouched sections keep their defaults.
	require.Equal(t, 8, cfg.Pipeline.Workers)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 10*time.Minute, cfg.PriceCacheTTL())

	refs := cfg.ReferenceAssets()
	require.Len(t, refs, 2)
	require.Equal(t, "pinned", string(refs[0].Mode))
	require.True(t, refs[0].PinnedPrice.Equal(decimal.NewFromInt(1)))

	tiers := cfg.SnapshotTiers()
	require.Len(t, tiers, 2)
	require.Equal(t, 24*time.Hour, tiers[0].Retention)
	require.Zero(t, tiers[1].Retention)

	pools := cfg.PoolInfos()
	require.Len(t, pools, 1)
	require.Equal(t, uint8(18), pools[0].Token1.Decimals)
}

func TestLoadListsReplaceDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[[snapshot.tiers]]
name = "day"
granularity = "24h"
`))
	require.NoError(t, err)

	// A configured tier must not pick up the retention of the default at
	// the same index.
	tiers := cfg.SnapshotTiers()
	require.Len(t, tiers, 1)
	require.Equal(t, "day", tiers[0].Name)
	require.Equal(t, 24*time.Hour, tiers[0].Granularity)
	require.Zero(t, tiers[0].Retention)

	// Lists that are absent fall back to the defaults.
	require.Equal(t, Defaults().Server.CORSOrigins, cfg.Server.CORSOrigins)
	require.Equal(t, Defaults().Notify.Metrics, cfg.Notify.Metrics)
}

func TestLoadKeepsDefaultTiersWhenUnset(t *testing.T) {
	cfg, err := Load(writeConfig(t, "log_level = \"warn\"\n"))
	require.NoError(t, err)

	require.Equal(t, Defaults().Snapshot.Tiers, cfg.Snapshot.Tiers)
	tiers := cfg.SnapshotTiers()
	require.Len(t, tiers, 3)
	require.Equal(t, 48*time.Hour, tiers[0].Retention)
	require.Zero(t, tiers[2].Retention)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DEXPRICER_PIPELINE_WORKERS", "16")
	t.Setenv("DEXPRICER_SERVER_CORS_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("DEXPRICER_NOTIFY_ALERT_THRESHOLD", "0.1")
	t.Setenv("DEXPRICER_VOLUME_DECAY_INTERVAL", "2m")
	t.Setenv("DEXPRICER_REDIS_ENABLED", "true")
	t.Setenv("DEXPRICER_SERVER_PORT", "not-a-number")

	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)

	require.Equal(t, 16, cfg.Pipeline.Workers)
	require.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.CORSOrigins)
	require.True(t, cfg.Notify.AlertThreshold.Equal(decimal.RequireFromString("0.1")))
	require.Equal(t, 2*time.Minute, cfg.DecayInterval())
	require.True(t, cfg.Redis.Enabled)
	// Unparseable values leave the file value in place.
	require.Equal(t, 9090, cfg.Server.Port)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load(writeConfig(t, sampleTOML))
	require.NoError(t, err)
	return cfg
}

func TestValidateRequiresPinnedReference(t *testing.T) {
	cfg := validConfig(t)
	cfg.Pricing.References = nil
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "at least one reference asset is required")

	cfg = validConfig(t)
	cfg.Pricing.References[0].Mode = "derived"
	err = cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "must be pinned")

	cfg = validConfig(t)
	cfg.Pricing.References[0].Price = decimal.Zero
	require.ErrorContains(t, cfg.Validate(), "pinned price must be > 0")
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := validConfig(t)
	cfg.Mode = "trade"
	cfg.Pipeline.Workers = 0
	cfg.Snapshot.PruneCron = "every day"
	cfg.Storage.Driver = "sqlite"
	cfg.Notify.Metrics = []string{"apy"}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown mode "trade"`,
		"pipeline: workers must be >= 1",
		"snapshot: prune_cron",
		`unknown driver "sqlite"`,
		`unknown metric "apy"`,
	} {
		require.Contains(t, err.Error(), want)
	}
	require.Equal(t, 5, strings.Count(err.Error(), "\n  - "))
}

func TestValidateRejectsNonPositiveTuning(t *testing.T) {
	cfg := validConfig(t)
	cfg.Snapshot.TolerancePPM = 0
	require.ErrorContains(t, cfg.Validate(), "tolerance_ppm must be > 0")

	cfg = validConfig(t)
	cfg.Pricing.NotifyThreshold = decimal.Zero
	require.ErrorContains(t, cfg.Validate(), "notify_threshold must be > 0")

	cfg.Pricing.NotifyThreshold = decimal.RequireFromString("0.0001")
	require.NoError(t, cfg.Validate())
}

func TestValidateFeedRequirements(t *testing.T) {
	cfg := validConfig(t)
	cfg.Chain.RPCURL = ""
	require.ErrorContains(t, cfg.Validate(), "rpc_url is required")

	cfg = validConfig(t)
	cfg.Pipeline.Feed = "stream"
	require.ErrorContains(t, cfg.Validate(), "requires redis.enabled")
	cfg.Redis.Enabled = true
	require.NoError(t, cfg.Validate())
}

func TestValidateOneShotModes(t *testing.T) {
	cfg := validConfig(t)
	cfg.Mode = "prune"
	require.ErrorContains(t, cfg.Validate(), "needs a persistent driver")
	cfg.Storage.Driver = "postgres"
	require.NoError(t, cfg.Validate())

	cfg.Mode = "restore"
	cfg.Restore.Day = "01/02/2026"
	err := cfg.Validate()
	require.ErrorContains(t, err, "requires s3.enabled")
	require.ErrorContains(t, err, "must be YYYY-MM-DD")

	cfg.S3.Enabled = true
	cfg.Restore.Day = "2026-01-02"
	require.NoError(t, cfg.Validate())
	day, err := cfg.RestoreDay()
	require.NoError(t, err)
	require.Equal(t, time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), day)
}

func TestRedactedConfig(t *testing.T) {
	cfg := validConfig(t)
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Notify.TelegramToken = "tg"

	out := RedactedConfig(cfg)
	require.Equal(t, "***", out.Postgres.Password)
	require.Equal(t, "***", out.Server.APIKey)
	require.Equal(t, "***", out.Notify.TelegramToken)
	require.Equal(t, "***", out.Chain.RPCURL)
	require.Empty(t, out.S3.AccessKey)

	// The original is untouched, including shared slices.
	out.Server.CORSOrigins[0] = "mutated"
	require.Equal(t, "hunter2", cfg.Postgres.Password)
	require.NotEqual(t, "mutated", cfg.Server.CORSOrigins[0])
}
