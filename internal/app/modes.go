package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/feed"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
	"github.com/alanyoungcy/dexpricer/internal/notify"
	"github.com/alanyoungcy/dexpricer/internal/oracle"
	"github.com/alanyoungcy/dexpricer/internal/pipeline"
	"github.com/alanyoungcy/dexpricer/internal/reserve"
	"github.com/alanyoungcy/dexpricer/internal/server"
	"github.com/alanyoungcy/dexpricer/internal/server/handler"
	"github.com/alanyoungcy/dexpricer/internal/server/ws"
	"github.com/alanyoungcy/dexpricer/internal/snapshot"
	"github.com/alanyoungcy/dexpricer/internal/volume"
)

// core holds the domain components shared by every mode.
type core struct {
	reserves   *reserve.Store
	oracle     *oracle.Oracle
	recorder   *snapshot.Recorder
	aggregator *volume.Aggregator
	notifier   *notifier.Notifier
	processor  *pipeline.Processor
	pruner     *pipeline.Pruner
}

// buildCore constructs the reserve store, oracle, snapshot recorder, volume
// aggregator and notifier, loads persisted state and registers the configured
// pools. Extra publishers receive every change notification.
func (a *App) buildCore(ctx context.Context, deps *Dependencies, publishers ...notifier.Publisher) (*core, error) {
	refs := a.cfg.ReferenceAssets()
	refAddrs := make([]string, 0, len(refs))
	for _, r := range refs {
		refAddrs = append(refAddrs, r.Address)
	}

	var storeOpts []reserve.Option
	if deps.PoolStore != nil {
		storeOpts = append(storeOpts, reserve.WithPoolStore(deps.PoolStore))
	}
	if deps.TokenStore != nil {
		storeOpts = append(storeOpts, reserve.WithTokenStore(deps.TokenStore))
	}
	reserves := reserve.NewStore(refAddrs, a.logger, storeOpts...)
	if err := reserves.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: load reserves: %w", err)
	}
	for _, info := range a.cfg.PoolInfos() {
		if _, _, err := reserves.RegisterPool(ctx, info); err != nil {
			return nil, fmt.Errorf("app: register pool %s: %w", info.Address, err)
		}
	}

	var oracleOpts []oracle.Option
	if deps.PriceCache != nil {
		oracleOpts = append(oracleOpts, oracle.WithPriceCache(deps.PriceCache))
	}
	if deps.TokenStore != nil {
		oracleOpts = append(oracleOpts, oracle.WithTokenStore(deps.TokenStore))
	}
	priceOracle, err := oracle.New(reserves, oracle.Config{
		References: refs,
		MaxDepth:   a.cfg.Pricing.MaxDepth,
	}, a.logger, oracleOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: price oracle: %w", err)
	}
	// Last known prices survive restarts until the next sync re-derives them.
	priceOracle.Seed(reserves.Tokens())

	recOpts := []snapshot.Option{snapshot.WithAudit(deps.AuditStore)}
	if a.cfg.Snapshot.ArchiveBeforePrune && deps.Archiver != nil {
		recOpts = append(recOpts, snapshot.WithArchiver(deps.Archiver))
	}
	recorder := snapshot.NewRecorder(reserves, deps.SnapshotStore, snapshot.Config{
		Tiers:        a.cfg.SnapshotTiers(),
		TolerancePPM: a.cfg.Snapshot.TolerancePPM,
	}, a.logger, recOpts...)

	aggregator := volume.NewAggregator(reserves, priceOracle, a.logger)

	var notifyOpts []notifier.Option
	if deps.SignalBus != nil && a.cfg.Redis.PublishNotifications {
		notifyOpts = append(notifyOpts, notifier.WithPublisher(deps.SignalBus))
	}
	for _, p := range publishers {
		notifyOpts = append(notifyOpts, notifier.WithPublisher(p))
	}
	changes := notifier.New(a.cfg.Pricing.NotifyThreshold, a.logger, notifyOpts...)

	resolver := feed.FallbackResolver{}
	static, err := feed.NewStaticResolver(a.cfg.PoolInfos())
	if err != nil {
		return nil, fmt.Errorf("app: static resolver: %w", err)
	}
	resolver = append(resolver, static)
	if a.cfg.Chain.ResolveMetadata && deps.Chain != nil {
		resolver = append(resolver, feed.NewChainResolver(deps.Chain))
	}

	processor := pipeline.NewProcessor(reserves, priceOracle, recorder, aggregator, changes, resolver, a.logger)
	pruner := pipeline.NewPruner(recorder, deps.LockManager, a.cfg.Snapshot.PruneCron, a.cfg.PruneLockTTL(), a.logger)

	a.logger.InfoContext(ctx, "core components ready",
		slog.Int("tokens", len(reserves.Tokens())),
		slog.Int("pools", len(reserves.Pools())),
		slog.Int("references", len(refs)),
	)

	return &core{
		reserves:   reserves,
		oracle:     priceOracle,
		recorder:   recorder,
		aggregator: aggregator,
		notifier:   changes,
		processor:  processor,
		pruner:     pruner,
	}, nil
}

// sources returns the event feeds selected by pipeline.feed.
func (a *App) sources(deps *Dependencies) ([]pipeline.Source, error) {
	var out []pipeline.Source
	kind := strings.ToLower(a.cfg.Pipeline.Feed)

	if kind == "chain" || kind == "both" {
		if deps.Chain == nil {
			return nil, fmt.Errorf("app: feed %q needs a chain client", kind)
		}
		addrs := make([]string, 0, len(a.cfg.Chain.Pools))
		for _, p := range a.cfg.Chain.Pools {
			addrs = append(addrs, p.Address)
		}
		src, err := feed.NewChainSource(deps.Chain, addrs, a.logger)
		if err != nil {
			return nil, fmt.Errorf("app: chain source: %w", err)
		}
		out = append(out, src)
	}
	if kind == "stream" || kind == "both" {
		if deps.SignalBus == nil {
			return nil, fmt.Errorf("app: feed %q needs redis", kind)
		}
		out = append(out, feed.NewStreamSource(deps.SignalBus, a.cfg.Pipeline.Stream, a.cfg.Pipeline.StreamStartID, a.logger))
	}
	return out, nil
}

// newOrchestrator wires the dispatcher and feeds around c.
func (a *App) newOrchestrator(deps *Dependencies, c *core) (*pipeline.Orchestrator, error) {
	srcs, err := a.sources(deps)
	if err != nil {
		return nil, err
	}
	dispatcher := pipeline.NewDispatcher(c.processor, a.cfg.Pipeline.Workers, a.cfg.Pipeline.QueueSize, a.logger)
	return pipeline.NewOrchestrator(srcs, dispatcher, c.processor, c.aggregator, c.notifier, c.pruner,
		pipeline.OrchestratorConfig{
			DecayInterval:  a.cfg.DecayInterval(),
			TVLInterval:    a.cfg.TVLInterval(),
			NotifyWorkers:  a.cfg.Pipeline.NotifyWorkers,
			DisablePruning: a.cfg.Snapshot.PruneCron == "",
		}, a.logger), nil
}

// startAlerter subscribes the Telegram/Discord alerter to every change.
func (a *App) startAlerter(ctx context.Context, g *errgroup.Group, deps *Dependencies, c *core) {
	if len(deps.Senders) == 0 {
		return
	}
	alerter := notify.NewAlerter(deps.Senders, a.cfg.Notify.AlertThreshold, a.cfg.AlertMetrics(), c.reserves, a.logger)
	c.notifier.Subscribe("", "", "", alerter.Observe)
	g.Go(func() error {
		return alerter.Run(ctx)
	})
}

// FullMode runs the ingestion pipeline together with the HTTP API, the
// WebSocket hub and the alerter.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	// The hub either follows the Redis channels or receives notifications
	// in-process, never both.
	var (
		hub        *ws.Hub
		publishers []notifier.Publisher
	)
	if a.cfg.Server.Enabled {
		var bus domain.SignalBus
		if deps.SignalBus != nil && a.cfg.Redis.PublishNotifications {
			bus = deps.SignalBus
		}
		hub = ws.NewHub(bus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		if bus == nil {
			publishers = append(publishers, hub)
		}
	}

	c, err := a.buildCore(ctx, deps, publishers...)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	orch, err := a.newOrchestrator(deps, c)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	g.Go(func() error {
		return orch.Run(ctx)
	})

	a.startAlerter(ctx, g, deps, c)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, c, hub)
	}

	return g.Wait()
}

// IngestMode runs only the pipeline: feeds, derivation and notifications,
// without the HTTP API.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("ingest mode: %w", err)
	}
	orch, err := a.newOrchestrator(deps, c)
	if err != nil {
		return fmt.Errorf("ingest mode: %w", err)
	}
	g.Go(func() error {
		return orch.Run(ctx)
	})

	a.startAlerter(ctx, g, deps, c)

	return g.Wait()
}

// PruneMode runs a single retention pass and exits.
func (a *App) PruneMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting prune mode")

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("prune mode: %w", err)
	}
	deleted, err := c.pruner.RunOnce(ctx)
	if err != nil {
		return fmt.Errorf("prune mode: %w", err)
	}
	a.logger.InfoContext(ctx, "prune mode finished", slog.Int64("deleted", deleted))
	return nil
}

// RepairMode re-derives stored snapshots over the configured lookback and
// exits.
func (a *App) RepairMode(ctx context.Context, deps *Dependencies) error {
	poolID := a.cfg.Repair.Pool
	if poolID != "" {
		norm, err := domain.NormalizeAddress(poolID)
		if err != nil {
			return fmt.Errorf("repair mode: %w", err)
		}
		poolID = norm
	}
	a.logger.InfoContext(ctx, "starting repair mode",
		slog.String("pool", poolID),
		slog.Duration("lookback", a.cfg.RepairLookback()),
	)

	c, err := a.buildCore(ctx, deps)
	if err != nil {
		return fmt.Errorf("repair mode: %w", err)
	}
	now := time.Now().UTC()
	res, err := c.recorder.Repair(ctx, poolID, now.Add(-a.cfg.RepairLookback()), now)
	if err != nil {
		return fmt.Errorf("repair mode: %w", err)
	}
	a.logger.InfoContext(ctx, "repair mode finished",
		slog.Int("checked", res.Checked),
		slog.Int("rewritten", res.Rewritten),
		slog.Int("deleted", res.Deleted),
	)
	return nil
}

// RestoreMode reloads one archived day of a tier from S3 into the snapshot
// store and exits.
func (a *App) RestoreMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("restore mode: s3 is not enabled")
	}
	day, err := a.cfg.RestoreDay()
	if err != nil {
		return fmt.Errorf("restore mode: %w", err)
	}
	tier := a.cfg.Restore.Tier
	a.logger.InfoContext(ctx, "starting restore mode",
		slog.String("tier", tier),
		slog.String("day", day.Format(time.DateOnly)),
	)

	snaps, err := deps.Archiver.Restore(ctx, tier, day)
	if err != nil {
		return fmt.Errorf("restore mode: %w", err)
	}
	for _, s := range snaps {
		if err := deps.SnapshotStore.Upsert(ctx, s); err != nil {
			return fmt.Errorf("restore mode: upsert %s/%d: %w", s.PoolID, s.Timestamp, err)
		}
	}
	if err := deps.AuditStore.Log(ctx, "snapshots_restored", map[string]any{
		"tier":  tier,
		"day":   day.Format(time.DateOnly),
		"count": len(snaps),
	}); err != nil {
		a.logger.WarnContext(ctx, "restore audit failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "restore mode finished", slog.Int("restored", len(snaps)))
	return nil
}

// startHTTPServer registers the API, stream and WebSocket endpoints and runs
// the server inside g until ctx is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	c *core,
	hub *ws.Hub,
) {
	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.cfg.Mode, a.logger),
		Tokens: handler.NewTokenHandler(c.reserves, c.oracle, a.logger),
		Pools:  handler.NewPoolHandler(c.reserves, c.oracle, c.recorder, a.logger),
		Volume: handler.NewVolumeHandler(c.aggregator, a.logger),
		Stream: handler.NewStreamHandler(c.notifier, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.RateWindow(),
	}, handlers, hub, deps.RateLimiter, a.logger)

	if hub != nil {
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	g.Go(func() error {
		port := a.cfg.Server.Port
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.logger.InfoContext(ctx, "HTTP server shutting down")
		return srv.Shutdown(shutCtx)
	})
}
