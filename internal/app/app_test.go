package app

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/config"
	"github.com/alanyoungcy/dexpricer/internal/domain"
)

const (
	usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	pair = "0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig(mode string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = mode
	cfg.Pricing.References = []config.ReferenceConfig{
		{Address: usdc, Symbol: "USDC", Mode: "pinned", Price: decimal.NewFromInt(1)},
	}
	cfg.Chain.Pools = []config.PoolConfig{{
		Address: pair,
		Token0:  config.TokenConfig{Address: usdc, Symbol: "USDC", Decimals: 6},
		Token1:  config.TokenConfig{Address: weth, Symbol: "WETH", Decimals: 18},
	}}
	return &cfg
}

func wireMemory(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestWireMemoryBackends(t *testing.T) {
	deps := wireMemory(t, testConfig("repair"))

	require.NotNil(t, deps.SnapshotStore)
	require.NotNil(t, deps.AuditStore)
	require.Nil(t, deps.PoolStore)
	require.Nil(t, deps.SignalBus)
	require.Nil(t, deps.Archiver)
	require.Nil(t, deps.Chain)
	require.Empty(t, deps.Checks)
	require.Empty(t, deps.Senders)
}

func TestWireCollectsAlertSenders(t *testing.T) {
	cfg := testConfig("repair")
	cfg.Notify.TelegramToken = "tg"
	cfg.Notify.TelegramChatID = "42"
	cfg.Notify.DiscordWebhookURL = "https://discord.example/webhook"

	deps := wireMemory(t, cfg)
	require.Len(t, deps.Senders, 2)
}

func TestBuildCoreRegistersConfiguredPools(t *testing.T) {
	cfg := testConfig("ingest")
	deps := wireMemory(t, testConfig("repair"))
	a := New(cfg, testLogger)

	c, err := a.buildCore(context.Background(), deps)
	require.NoError(t, err)
	require.Len(t, c.reserves.Pools(), 1)
	require.Len(t, c.reserves.Tokens(), 2)

	price, _, err := c.oracle.GetTokenPriceUSD(context.Background(), usdc)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(1)))

	// A sync through the processor derives the WETH price from the pool.
	err = c.processor.HandleSync(context.Background(), domain.SyncEvent{
		PoolAddress: pair,
		Reserve0:    big.NewInt(2_000_000_000),
		Reserve1:    big.NewInt(1e18),
		BlockNumber: 100,
		Timestamp:   time.Now().UTC(),
	})
	require.NoError(t, err)
	price, _, err = c.oracle.GetTokenPriceUSD(context.Background(), weth)
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.NewFromInt(2000)), price.String())
}

func TestSourcesRequireBackends(t *testing.T) {
	deps := wireMemory(t, testConfig("repair"))

	for _, kind := range []string{"chain", "stream", "both"} {
		cfg := testConfig("ingest")
		cfg.Pipeline.Feed = kind
		_, err := New(cfg, testLogger).sources(deps)
		require.Error(t, err, kind)
	}
}

func TestRepairModeOnEmptyStore(t *testing.T) {
	cfg := testConfig("repair")
	cfg.Repair.Pool = pair
	deps := wireMemory(t, cfg)

	require.NoError(t, New(cfg, testLogger).RepairMode(context.Background(), deps))

	cfg.Repair.Pool = "not-an-address"
	require.ErrorIs(t, New(cfg, testLogger).RepairMode(context.Background(), deps), domain.ErrInvalidAddress)
}

func TestRestoreModeRequiresArchive(t *testing.T) {
	cfg := testConfig("restore")
	deps := wireMemory(t, cfg)

	err := New(cfg, testLogger).RestoreMode(context.Background(), deps)
	require.ErrorContains(t, err, "s3 is not enabled")
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := testConfig("trade")
	a := New(cfg, testLogger)
	defer a.Close()

	require.ErrorContains(t, a.Run(context.Background()), `unsupported mode "trade"`)
}
