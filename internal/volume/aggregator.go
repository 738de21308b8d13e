// Package volume maintains rolling traded-volume windows per pool and per
// token from individual swap contributions.
package volume

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// PoolLookup resolves pool and token metadata.
type PoolLookup interface {
	Pool(poolID string) (domain.Pool, error)
	Token(tokenID string) (domain.Token, error)
}

// PriceSource returns the current USD price of a token.
type PriceSource interface {
	GetTokenPriceUSD(ctx context.Context, tokenID string) (decimal.Decimal, time.Time, error)
}

// SwapVolume is the contribution of one swap as recorded.
type SwapVolume struct {
	PoolID      string
	Token0ID    string
	Token1ID    string
	Token0Units decimal.Decimal
	Token1Units decimal.Decimal
	USD         decimal.Decimal
	Priced      bool
	Duplicate   bool
	Timestamp   time.Time
}

type contribution struct {
	ts       time.Time
	units    decimal.Decimal
	units1   decimal.Decimal
	usd      decimal.Decimal
	unpriced bool
}

// ledger is the time-ordered list of contributions for one entity.
type ledger struct {
	mu      sync.RWMutex
	entries []contribution
	seen    map[string]time.Time
}

func (l *ledger) add(c contribution) {
	i := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].ts.After(c.ts) })
	l.entries = append(l.entries, contribution{})
	copy(l.entries[i+1:], l.entries[i:])
	l.entries[i] = c
}

// Aggregator folds swaps into per-pool and per-token ledgers.
type Aggregator struct {
	pools     PoolLookup
	prices    PriceSource
	retention time.Duration

	mu      sync.RWMutex
	ledgers map[string]*ledger

	logger *slog.Logger
	now    func() time.Time
}

// NewAggregator creates an Aggregator. Contributions are kept for the longest
// supported window.
func NewAggregator(pools PoolLookup, prices PriceSource, logger *slog.Logger) *Aggregator {
	var retention time.Duration
	for _, w := range domain.AllWindows {
		if d := w.Duration(); d > retention {
			retention = d
		}
	}
	return &Aggregator{
		pools:     pools,
		prices:    prices,
		retention: retention,
		ledgers:   make(map[string]*ledger),
		logger:    logger.With(slog.String("component", "volume_aggregator")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordSwap adds a swap to its pool's ledger and to both tokens' ledgers.
// Each side's gross volume is amountIn + amountOut. A side without a price
// contributes zero USD but its token units are still recorded and counted
// as unpriced.
func (a *Aggregator) RecordSwap(ctx context.Context, ev domain.SwapEvent) (SwapVolume, error) {
	poolID, err := domain.NormalizeAddress(ev.PoolAddress)
	if err != nil {
		return SwapVolume{}, fmt.Errorf("volume: record swap: %w", err)
	}
	p, err := a.pools.Pool(poolID)
	if err != nil {
		return SwapVolume{}, fmt.Errorf("volume: record swap %s: %w", poolID, err)
	}
	t0, err := a.pools.Token(p.Token0ID)
	if err != nil {
		return SwapVolume{}, fmt.Errorf("volume: record swap %s: %w", poolID, err)
	}
	t1, err := a.pools.Token(p.Token1ID)
	if err != nil {
		return SwapVolume{}, fmt.Errorf("volume: record swap %s: %w", poolID, err)
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = a.now()
	}
	out := SwapVolume{PoolID: poolID, Token0ID: t0.ID, Token1ID: t1.ID, Timestamp: ts}

	poolLedger := a.ledger(poolID)
	if key := dedupKey(ev); key != "" {
		poolLedger.mu.Lock()
		if _, dup := poolLedger.seen[key]; dup {
			poolLedger.mu.Unlock()
			out.Duplicate = true
			return out, nil
		}
		if poolLedger.seen == nil {
			poolLedger.seen = make(map[string]time.Time)
		}
		poolLedger.seen[key] = ts
		poolLedger.mu.Unlock()
	}

	out.Token0Units = grossUnits(ev.AmountIn0, ev.AmountOut0, t0.Decimals)
	out.Token1Units = grossUnits(ev.AmountIn1, ev.AmountOut1, t1.Decimals)

	usd0, ok0 := a.usd(ctx, t0.ID, out.Token0Units)
	usd1, ok1 := a.usd(ctx, t1.ID, out.Token1Units)
	switch {
	case ok0 && ok1:
		out.USD = usd0.Add(usd1).Div(decimal.NewFromInt(2))
		out.Priced = true
	case ok0:
		out.USD, out.Priced = usd0, true
	case ok1:
		out.USD, out.Priced = usd1, true
	}

	poolLedger.mu.Lock()
	poolLedger.add(contribution{
		ts:       ts,
		units:    out.Token0Units,
		units1:   out.Token1Units,
		usd:      out.USD,
		unpriced: !out.Priced,
	})
	poolLedger.mu.Unlock()

	a.addToken(t0.ID, contribution{ts: ts, units: out.Token0Units, usd: usd0, unpriced: !ok0})
	a.addToken(t1.ID, contribution{ts: ts, units: out.Token1Units, usd: usd1, unpriced: !ok1})

	if !out.Priced {
		a.logger.DebugContext(ctx, "swap recorded without price",
			slog.String("pool", poolID),
			slog.Uint64("block", ev.BlockNumber),
		)
	}
	return out, nil
}

// Volume sums the contributions of entityID within (now-window, now].
// A known pool or token without swaps reports a zero window; an unknown
// entity returns ErrNotFound.
func (a *Aggregator) Volume(entityID string, window domain.WindowKind, now time.Time) (domain.VolumeWindow, error) {
	d := window.Duration()
	if d == 0 {
		return domain.VolumeWindow{}, fmt.Errorf("volume: unknown window %q", window)
	}
	vw := domain.VolumeWindow{
		EntityID:          entityID,
		Window:            window,
		VolumeTokenUnits:  decimal.Zero,
		VolumeToken1Units: decimal.Zero,
		VolumeUSD:         decimal.Zero,
		WindowStart:       now.Add(-d),
		WindowEnd:         now,
	}

	a.mu.RLock()
	l, ok := a.ledgers[entityID]
	a.mu.RUnlock()
	if !ok {
		if _, err := a.pools.Pool(entityID); err == nil {
			return vw, nil
		}
		if _, err := a.pools.Token(entityID); err == nil {
			return vw, nil
		}
		return domain.VolumeWindow{}, fmt.Errorf("volume: entity %s: %w", entityID, domain.ErrNotFound)
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].ts.After(vw.WindowStart) })
	for _, c := range l.entries[start:] {
		if c.ts.After(now) {
			break
		}
		vw.VolumeTokenUnits = vw.VolumeTokenUnits.Add(c.units)
		vw.VolumeToken1Units = vw.VolumeToken1Units.Add(c.units1)
		vw.VolumeUSD = vw.VolumeUSD.Add(c.usd)
		vw.SwapCount++
		if c.unpriced {
			vw.UnpricedSwaps++
		}
	}
	return vw, nil
}

// Decay drops contributions older than the longest window and returns how
// many were removed.
func (a *Aggregator) Decay(now time.Time) int {
	cutoff := now.Add(-a.retention)

	a.mu.RLock()
	ledgers := make([]*ledger, 0, len(a.ledgers))
	for _, l := range a.ledgers {
		ledgers = append(ledgers, l)
	}
	a.mu.RUnlock()

	dropped := 0
	for _, l := range ledgers {
		l.mu.Lock()
		n := sort.Search(len(l.entries), func(i int) bool { return l.entries[i].ts.After(cutoff) })
		if n > 0 {
			l.entries = append(l.entries[:0:0], l.entries[n:]...)
			dropped += n
		}
		for k, ts := range l.seen {
			if !ts.After(cutoff) {
				delete(l.seen, k)
			}
		}
		l.mu.Unlock()
	}
	return dropped
}

// Run decays ledgers every interval until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n := a.Decay(a.now()); n > 0 {
				a.logger.DebugContext(ctx, "volume ledgers decayed", slog.Int("dropped", n))
			}
		}
	}
}

func (a *Aggregator) ledger(id string) *ledger {
	a.mu.RLock()
	l, ok := a.ledgers[id]
	a.mu.RUnlock()
	if ok {
		return l
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if l, ok = a.ledgers[id]; !ok {
		l = &ledger{}
		a.ledgers[id] = l
	}
	return l
}

func (a *Aggregator) addToken(tokenID string, c contribution) {
	if c.units.IsZero() {
		return
	}
	l := a.ledger(tokenID)
	l.mu.Lock()
	l.add(c)
	l.mu.Unlock()
}

func (a *Aggregator) usd(ctx context.Context, tokenID string, units decimal.Decimal) (decimal.Decimal, bool) {
	price, _, err := a.prices.GetTokenPriceUSD(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	return units.Mul(price), true
}

func grossUnits(in, out *big.Int, decimals uint8) decimal.Decimal {
	total := new(big.Int)
	if in != nil {
		total.Add(total, in)
	}
	if out != nil {
		total.Add(total, out)
	}
	return decimal.NewFromBigInt(total, -int32(decimals))
}

func dedupKey(ev domain.SwapEvent) string {
	if ev.TxHash == "" {
		return ""
	}
	return ev.TxHash + ":" + strconv.FormatUint(uint64(ev.LogIndex), 10)
}
