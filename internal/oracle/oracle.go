// Package oracle derives USD prices for tokens from pool reserves, anchored
// on a configured set of reference assets.
package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DefaultMaxDepth is the default route length cap in hops
// (token -> intermediate -> reference).
const DefaultMaxDepth = 2

// ReserveReader is the read side of the reserve store.
type ReserveReader interface {
	Token(tokenID string) (domain.Token, error)
	Pool(poolID string) (domain.Pool, error)
	PoolsForToken(tokenID string) []domain.Pool
	Pools() []domain.Pool
}

// Config holds the immutable pricing configuration.
type Config struct {
	References []domain.ReferenceAsset
	MaxDepth   int
}

type priceEntry struct {
	price     decimal.Decimal
	updatedAt time.Time
	block     uint64
}

// Oracle resolves token prices. Recomputations of the same token are
// serialized under a per-token lock.
type Oracle struct {
	reserves ReserveReader
	refs     map[string]domain.ReferenceAsset
	maxDepth int

	mu     sync.RWMutex
	prices map[string]priceEntry

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	cache      domain.PriceCache
	tokenStore domain.TokenStore
	logger     *slog.Logger
	started    time.Time
	now        func() time.Time
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithPriceCache writes every accepted price through to cache.
func WithPriceCache(c domain.PriceCache) Option {
	return func(o *Oracle) { o.cache = c }
}

// WithTokenStore persists every accepted price.
func WithTokenStore(ts domain.TokenStore) Option {
	return func(o *Oracle) { o.tokenStore = ts }
}

// WithClock overrides the clock used for PriceUpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(o *Oracle) { o.now = now }
}

// New creates an Oracle. It fails when no reference asset is configured or
// when no reference asset is pinned, since nothing could ever be priced.
func New(reserves ReserveReader, cfg Config, logger *slog.Logger, opts ...Option) (*Oracle, error) {
	refs := make(map[string]domain.ReferenceAsset, len(cfg.References))
	pinned := 0
	for _, r := range cfg.References {
		addr, err := domain.NormalizeAddress(r.Address)
		if err != nil {
			return nil, fmt.Errorf("oracle: reference %q: %w", r.Address, err)
		}
		r.Address = addr
		if r.Mode == domain.ReferencePinned {
			pinned++
		}
		refs[domain.TokenID(addr)] = r
	}
	if len(refs) == 0 {
		return nil, errors.New("oracle: no reference assets configured")
	}
	if pinned == 0 {
		return nil, errors.New("oracle: at least one reference asset must be pinned")
	}
	depth := cfg.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}
	o := &Oracle{
		reserves: reserves,
		refs:     refs,
		maxDepth: depth,
		prices:   make(map[string]priceEntry),
		locks:    make(map[string]*sync.Mutex),
		logger:   logger.With(slog.String("component", "price_oracle")),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	o.started = o.now()
	return o, nil
}

// Seed installs previously persisted prices, e.g. from TokenStore at startup.
// Any live computation supersedes a seeded price.
func (o *Oracle) Seed(tokens []domain.Token) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range tokens {
		if t.PriceUSD == nil {
			continue
		}
		if _, ok := o.prices[t.ID]; ok {
			continue
		}
		e := priceEntry{price: *t.PriceUSD}
		if t.PriceUpdatedAt != nil {
			e.updatedAt = *t.PriceUpdatedAt
		}
		o.prices[t.ID] = e
	}
}

// IsReference reports whether tokenID is a configured reference asset.
func (o *Oracle) IsReference(tokenID string) bool {
	_, ok := o.refs[tokenID]
	return ok
}

// DeriveTokenPriceUSD recomputes the USD price of a token from current
// reserves and stores it. Recomputations of the same token are serialized
// and always read live reserves, so the last one to finish has seen every
// applied sync; block only identifies the triggering event. On failure the
// previously stored price is left untouched.
func (o *Oracle) DeriveTokenPriceUSD(ctx context.Context, tokenID string, block uint64) (decimal.Decimal, error) {
	lock := o.tokenLock(tokenID)
	lock.Lock()

	price, err := o.resolve(tokenID, o.maxDepth, map[string]bool{tokenID: true})
	if err != nil {
		lock.Unlock()
		return decimal.Zero, fmt.Errorf("oracle: derive %s: %w", tokenID, err)
	}

	updatedAt := o.now()
	o.mu.Lock()
	o.prices[tokenID] = priceEntry{price: price, updatedAt: updatedAt, block: block}
	o.mu.Unlock()
	lock.Unlock()

	o.logger.DebugContext(ctx, "price derived",
		slog.String("token", tokenID),
		slog.String("price", price.String()),
		slog.Uint64("block", block),
	)
	o.persist(ctx, tokenID, price, updatedAt)
	return price, nil
}

// GetTokenPriceUSD returns the last derived price of a token. Pinned
// reference assets always report their configured price.
func (o *Oracle) GetTokenPriceUSD(ctx context.Context, tokenID string) (decimal.Decimal, time.Time, error) {
	if ref, ok := o.refs[tokenID]; ok && ref.Mode == domain.ReferencePinned {
		return ref.PinnedPrice, o.started, nil
	}
	o.mu.RLock()
	e, ok := o.prices[tokenID]
	o.mu.RUnlock()
	if ok {
		return e.price, e.updatedAt, nil
	}
	if o.cache != nil {
		p, ts, err := o.cache.GetPrice(ctx, tokenID)
		if err == nil {
			return p, ts, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			o.logger.WarnContext(ctx, "price cache read failed",
				slog.String("token", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	return decimal.Zero, time.Time{}, fmt.Errorf("oracle: price %s: %w", tokenID, domain.ErrPriceUnavailable)
}

// AffectedTokens lists the tokens whose price may change after the reserves
// of poolID change: the pool's own tokens, then tokens paired with them when
// routes may be longer than one hop. Pinned references are excluded.
func (o *Oracle) AffectedTokens(poolID string) []string {
	p, err := o.reserves.Pool(poolID)
	if err != nil {
		return nil
	}
	seen := map[string]bool{}
	var direct []string
	for _, id := range []string{p.Token0ID, p.Token1ID} {
		seen[id] = true
		if !o.isPinned(id) {
			direct = append(direct, id)
		}
	}
	// Derived references are refreshed before the tokens that route through them.
	sort.SliceStable(direct, func(i, j int) bool {
		return o.IsReference(direct[i]) && !o.IsReference(direct[j])
	})
	if o.maxDepth < 2 {
		return direct
	}

	var neighbours []string
	for _, id := range []string{p.Token0ID, p.Token1ID} {
		for _, np := range o.reserves.PoolsForToken(id) {
			other := counterpart(np, id)
			if seen[other] || o.isPinned(other) {
				continue
			}
			seen[other] = true
			neighbours = append(neighbours, other)
		}
	}
	sort.Strings(neighbours)
	return append(direct, neighbours...)
}

func (o *Oracle) isPinned(tokenID string) bool {
	r, ok := o.refs[tokenID]
	return ok && r.Mode == domain.ReferencePinned
}

func (o *Oracle) tokenLock(tokenID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[tokenID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[tokenID] = l
	}
	return l
}

func (o *Oracle) persist(ctx context.Context, tokenID string, price decimal.Decimal, at time.Time) {
	if o.cache != nil {
		if err := o.cache.SetPrice(ctx, tokenID, price, at); err != nil {
			o.logger.WarnContext(ctx, "price cache write failed",
				slog.String("token", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
	if o.tokenStore != nil {
		if err := o.tokenStore.UpdatePrice(ctx, tokenID, price, at); err != nil {
			o.logger.WarnContext(ctx, "persist price failed",
				slog.String("token", tokenID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func counterpart(p domain.Pool, tokenID string) string {
	if p.Token0ID == tokenID {
		return p.Token1ID
	}
	return p.Token0ID
}
