package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
	"github.com/alanyoungcy/dexpricer/internal/oracle"
	"github.com/alanyoungcy/dexpricer/internal/reserve"
	"github.com/alanyoungcy/dexpricer/internal/snapshot"
	"github.com/alanyoungcy/dexpricer/internal/volume"
)

// PoolResolver supplies the token metadata of a pool seen for the first time.
type PoolResolver interface {
	ResolvePool(ctx context.Context, address string) (domain.PoolInfo, error)
}

// Processor runs the derivation pipeline for each event: reserves, snapshot,
// prices, TVL and volume, then change detection. Failures are contained to
// the entity being processed.
type Processor struct {
	reserves   *reserve.Store
	oracle     *oracle.Oracle
	recorder   *snapshot.Recorder
	aggregator *volume.Aggregator
	notifier   *notifier.Notifier
	resolver   PoolResolver
	logger     *slog.Logger
	now        func() time.Time

	tvlMu    sync.Mutex
	poolTVL  map[string]decimal.Decimal
	totalTVL decimal.Decimal
}

// NewProcessor wires the core components into a Processor. resolver may be
// nil, in which case events for unregistered pools are dropped.
func NewProcessor(
	reserves *reserve.Store,
	priceOracle *oracle.Oracle,
	recorder *snapshot.Recorder,
	aggregator *volume.Aggregator,
	notify *notifier.Notifier,
	resolver PoolResolver,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		reserves:   reserves,
		oracle:     priceOracle,
		recorder:   recorder,
		aggregator: aggregator,
		notifier:   notify,
		resolver:   resolver,
		logger:     logger.With(slog.String("component", "processor")),
		now:        func() time.Time { return time.Now().UTC() },
		poolTVL:    make(map[string]decimal.Decimal),
		totalTVL:   decimal.Zero,
	}
}

// Handle implements Handler.
func (p *Processor) Handle(ctx context.Context, ev domain.Event) error {
	switch {
	case ev.Sync != nil:
		return p.HandleSync(ctx, *ev.Sync)
	case ev.Swap != nil:
		return p.HandleSwap(ctx, *ev.Swap)
	default:
		return fmt.Errorf("pipeline: empty event of type %q", ev.Type)
	}
}

// HandleSync applies a sync event and propagates its effects.
func (p *Processor) HandleSync(ctx context.Context, ev domain.SyncEvent) error {
	poolID, err := p.ensurePool(ctx, ev.PoolAddress)
	if err != nil {
		return err
	}

	res, err := p.reserves.ApplySync(ctx, poolID, ev.Reserve0, ev.Reserve1, ev.BlockNumber)
	if err != nil {
		return fmt.Errorf("pipeline: sync %s: %w", poolID, err)
	}
	if !res.Applied {
		return nil
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = p.now()
	}
	rec, err := p.recorder.RecordIfDue(ctx, poolID, res.Current.Reserve0, res.Current.Reserve1, ts, ev.BlockNumber)
	switch {
	case err != nil:
		p.logger.ErrorContext(ctx, "snapshot write failed",
			slog.String("pool", poolID),
			slog.String("error", err.Error()),
		)
	case errors.Is(rec.Skipped, domain.ErrZeroReserve):
		p.logger.DebugContext(ctx, "snapshot skipped for empty pool", slog.String("pool", poolID))
	}

	for _, tokenID := range p.oracle.AffectedTokens(poolID) {
		p.refreshPrice(ctx, tokenID, ev.BlockNumber)
	}
	p.refreshPoolTVL(ctx, poolID)
	return nil
}

// HandleSwap folds a swap into the volume windows.
func (p *Processor) HandleSwap(ctx context.Context, ev domain.SwapEvent) error {
	if _, err := p.ensurePool(ctx, ev.PoolAddress); err != nil {
		return err
	}
	sv, err := p.aggregator.RecordSwap(ctx, ev)
	if err != nil {
		return fmt.Errorf("pipeline: swap: %w", err)
	}
	if sv.Duplicate {
		return nil
	}
	now := p.now()
	p.notifyVolume(domain.EntityPool, sv.PoolID, now)
	p.notifyVolume(domain.EntityToken, sv.Token0ID, now)
	p.notifyVolume(domain.EntityToken, sv.Token1ID, now)
	return nil
}

// RefreshTVL recomputes every pool's TVL and the protocol total. Price moves
// of a token change the TVL of pools that saw no sync, so this runs
// periodically.
func (p *Processor) RefreshTVL(ctx context.Context) {
	for _, pool := range p.reserves.Pools() {
		p.refreshPoolTVL(ctx, pool.ID)
	}
}

// ProtocolTVL returns the running protocol TVL.
func (p *Processor) ProtocolTVL() decimal.Decimal {
	p.tvlMu.Lock()
	defer p.tvlMu.Unlock()
	return p.totalTVL
}

func (p *Processor) ensurePool(ctx context.Context, address string) (string, error) {
	poolID, err := domain.NormalizeAddress(address)
	if err != nil {
		return "", fmt.Errorf("pipeline: pool %q: %w", address, err)
	}
	if _, err := p.reserves.Pool(poolID); err == nil {
		return poolID, nil
	}
	if p.resolver == nil {
		return "", fmt.Errorf("pipeline: pool %s: %w", poolID, domain.ErrNotFound)
	}
	info, err := p.resolver.ResolvePool(ctx, poolID)
	if err != nil {
		return "", fmt.Errorf("pipeline: resolve pool %s: %w", poolID, err)
	}
	pool, created, err := p.reserves.RegisterPool(ctx, info)
	if err != nil {
		return "", fmt.Errorf("pipeline: register pool %s: %w", poolID, err)
	}
	if created {
		p.notifier.NotifyStateChange(domain.EntityPool, pool.ID)
	}
	return pool.ID, nil
}

func (p *Processor) refreshPrice(ctx context.Context, tokenID string, block uint64) {
	price, err := p.oracle.DeriveTokenPriceUSD(ctx, tokenID, block)
	switch {
	case err == nil:
		p.notifier.CheckAndNotify(domain.EntityToken, tokenID, domain.MetricPrice, price)
	case errors.Is(err, domain.ErrNoPriceRoute):
		p.logger.DebugContext(ctx, "price not updated",
			slog.String("token", tokenID),
			slog.String("reason", err.Error()),
		)
	default:
		p.logger.ErrorContext(ctx, "price derivation failed",
			slog.String("token", tokenID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *Processor) refreshPoolTVL(ctx context.Context, poolID string) {
	tvl, err := p.oracle.PoolTVL(ctx, poolID)
	if err != nil {
		return
	}
	p.notifier.CheckAndNotify(domain.EntityPool, poolID, domain.MetricTVL, tvl)

	p.tvlMu.Lock()
	p.totalTVL = p.totalTVL.Sub(p.poolTVL[poolID]).Add(tvl)
	p.poolTVL[poolID] = tvl
	total := p.totalTVL
	p.tvlMu.Unlock()

	p.notifier.CheckAndNotify(domain.EntityProtocol, domain.ProtocolEntityID, domain.MetricTVL, total)
}

func (p *Processor) notifyVolume(et domain.EntityType, id string, now time.Time) {
	vw, err := p.aggregator.Volume(id, domain.Window24h, now)
	if err != nil {
		return
	}
	p.notifier.CheckAndNotify(et, id, domain.MetricVolume, vw.VolumeUSD)
}
