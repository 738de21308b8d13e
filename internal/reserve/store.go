// Package reserve holds the token and pool registry together with the latest
// on-chain reserves of every pool. It is the only writer of reserves.
package reserve

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// poolState guards a single pool. Sync events for the same pool serialize on
// mu; different pools never contend.
type poolState struct {
	mu   sync.Mutex
	pool domain.Pool

	// synced is false until the first sync is applied, so that a sync at
	// block 0 is not mistaken for a duplicate.
	synced bool
}

// Store is the in-memory reserve registry. Optional PoolStore and TokenStore
// receive write-through copies of every change.
type Store struct {
	mu      sync.RWMutex
	tokens  map[string]domain.Token
	pools   map[string]*poolState
	byToken map[string][]string
	refs    map[string]bool

	poolStore  domain.PoolStore
	tokenStore domain.TokenStore
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPoolStore enables write-through persistence of pools and reserves.
func WithPoolStore(ps domain.PoolStore) Option {
	return func(s *Store) { s.poolStore = ps }
}

// WithTokenStore enables write-through persistence of tokens.
func WithTokenStore(ts domain.TokenStore) Option {
	return func(s *Store) { s.tokenStore = ts }
}

// NewStore creates an empty Store. referenceAddrs marks which token
// addresses are reference assets when they are first observed.
func NewStore(referenceAddrs []string, logger *slog.Logger, opts ...Option) *Store {
	refs := make(map[string]bool, len(referenceAddrs))
	for _, a := range referenceAddrs {
		if norm, err := domain.NormalizeAddress(a); err == nil {
			refs[norm] = true
		}
	}
	s := &Store{
		tokens:  make(map[string]domain.Token),
		pools:   make(map[string]*poolState),
		byToken: make(map[string][]string),
		refs:    refs,
		logger:  logger.With(slog.String("component", "reserve_store")),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Load hydrates the registry from the configured stores. It is meant to be
// called once at startup before any event is applied.
func (s *Store) Load(ctx context.Context) error {
	if s.tokenStore != nil {
		tokens, err := s.tokenStore.List(ctx)
		if err != nil {
			return fmt.Errorf("reserve: load tokens: %w", err)
		}
		s.mu.Lock()
		for _, t := range tokens {
			t.IsReferenceAsset = s.refs[t.Address]
			s.tokens[t.ID] = t
		}
		s.mu.Unlock()
	}
	if s.poolStore != nil {
		pools, err := s.poolStore.List(ctx)
		if err != nil {
			return fmt.Errorf("reserve: load pools: %w", err)
		}
		s.mu.Lock()
		for _, p := range pools {
			if _, ok := s.pools[p.ID]; ok {
				continue
			}
			synced := p.LastSyncedBlock > 0 ||
				(p.Reserve0 != nil && p.Reserve0.Sign() > 0) ||
				(p.Reserve1 != nil && p.Reserve1.Sign() > 0)
			s.pools[p.ID] = &poolState{pool: clonePool(p), synced: synced}
			s.byToken[p.Token0ID] = append(s.byToken[p.Token0ID], p.ID)
			s.byToken[p.Token1ID] = append(s.byToken[p.Token1ID], p.ID)
		}
		s.mu.Unlock()
	}
	s.logger.InfoContext(ctx, "reserve store loaded",
		slog.Int("tokens", len(s.Tokens())),
		slog.Int("pools", len(s.Pools())),
	)
	return nil
}

// RegisterToken records a token on first observation. Registering an
// existing token with different decimals fails with ErrDecimalsMismatch.
func (s *Store) RegisterToken(ctx context.Context, info domain.TokenInfo) (domain.Token, bool, error) {
	addr, err := domain.NormalizeAddress(info.Address)
	if err != nil {
		return domain.Token{}, false, fmt.Errorf("reserve: register token %q: %w", info.Address, err)
	}
	id := domain.TokenID(addr)

	s.mu.Lock()
	if existing, ok := s.tokens[id]; ok {
		s.mu.Unlock()
		if existing.Decimals != info.Decimals {
			return existing, false, fmt.Errorf("reserve: register token %s: have %d decimals, got %d: %w",
				id, existing.Decimals, info.Decimals, domain.ErrDecimalsMismatch)
		}
		return existing, false, nil
	}
	tok := domain.Token{
		ID:               id,
		Address:          addr,
		Symbol:           info.Symbol,
		Decimals:         info.Decimals,
		IsReferenceAsset: s.refs[addr],
		CreatedAt:        s.now(),
	}
	s.tokens[id] = tok
	s.mu.Unlock()

	if s.tokenStore != nil {
		if err := s.tokenStore.Upsert(ctx, tok); err != nil {
			s.logger.ErrorContext(ctx, "persist token failed",
				slog.String("token", id),
				slog.String("error", err.Error()),
			)
		}
	}
	return tok, true, nil
}

// RegisterPool records a pool and its tokens. Tokens are ordered canonically
// by address regardless of the order in info. Registering a known pool is a
// no-op and reports created=false.
func (s *Store) RegisterPool(ctx context.Context, info domain.PoolInfo) (domain.Pool, bool, error) {
	addr, err := domain.NormalizeAddress(info.Address)
	if err != nil {
		return domain.Pool{}, false, fmt.Errorf("reserve: register pool %q: %w", info.Address, err)
	}
	id := addr

	if p, err := s.Pool(id); err == nil {
		return p, false, nil
	}

	t0, _, err := s.RegisterToken(ctx, info.Token0)
	if err != nil {
		return domain.Pool{}, false, err
	}
	t1, _, err := s.RegisterToken(ctx, info.Token1)
	if err != nil {
		return domain.Pool{}, false, err
	}
	if t0.ID == t1.ID {
		return domain.Pool{}, false, fmt.Errorf("reserve: register pool %s: %w", id, domain.ErrSamePoolTokens)
	}
	if t1.Address < t0.Address {
		t0, t1 = t1, t0
	}

	now := s.now()
	pool := domain.Pool{
		ID:        id,
		Address:   addr,
		Token0ID:  t0.ID,
		Token1ID:  t1.ID,
		Reserve0:  new(big.Int),
		Reserve1:  new(big.Int),
		CreatedAt: now,
		UpdatedAt: now,
	}

	s.mu.Lock()
	if ps, ok := s.pools[id]; ok {
		s.mu.Unlock()
		ps.mu.Lock()
		defer ps.mu.Unlock()
		return clonePool(ps.pool), false, nil
	}
	s.pools[id] = &poolState{pool: pool}
	s.byToken[t0.ID] = append(s.byToken[t0.ID], id)
	s.byToken[t1.ID] = append(s.byToken[t1.ID], id)
	s.mu.Unlock()

	if s.poolStore != nil {
		if err := s.poolStore.Upsert(ctx, pool); err != nil {
			s.logger.ErrorContext(ctx, "persist pool failed",
				slog.String("pool", id),
				slog.String("error", err.Error()),
			)
		}
	}
	s.logger.InfoContext(ctx, "pool registered",
		slog.String("pool", id),
		slog.String("token0", t0.ID),
		slog.String("token1", t1.ID),
	)
	return clonePool(pool), true, nil
}

// ApplySync replaces a pool's reserves when blockNumber is strictly greater
// than the last synced block, or when the pool has never been synced. Older
// or duplicate events are ignored and reported with Applied=false and a nil
// error.
func (s *Store) ApplySync(ctx context.Context, poolID string, reserve0, reserve1 *big.Int, blockNumber uint64) (domain.SyncResult, error) {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() < 0 || reserve1.Sign() < 0 {
		return domain.SyncResult{}, fmt.Errorf("reserve: apply sync %s: %w", poolID, domain.ErrInvalidReserve)
	}

	s.mu.RLock()
	ps, ok := s.pools[poolID]
	s.mu.RUnlock()
	if !ok {
		return domain.SyncResult{}, fmt.Errorf("reserve: apply sync %s: %w", poolID, domain.ErrNotFound)
	}

	ps.mu.Lock()
	prev := reservesOf(ps.pool)
	if ps.synced && blockNumber <= ps.pool.LastSyncedBlock {
		ps.mu.Unlock()
		s.logger.DebugContext(ctx, "stale sync ignored",
			slog.String("pool", poolID),
			slog.Uint64("block", blockNumber),
			slog.Uint64("last_synced_block", prev.BlockNumber),
		)
		return domain.SyncResult{Applied: false, Previous: prev, Current: prev}, nil
	}
	ps.pool.Reserve0 = new(big.Int).Set(reserve0)
	ps.pool.Reserve1 = new(big.Int).Set(reserve1)
	ps.pool.LastSyncedBlock = blockNumber
	ps.pool.UpdatedAt = s.now()
	ps.synced = true
	cur := reservesOf(ps.pool)
	ps.mu.Unlock()

	if s.poolStore != nil {
		if err := s.poolStore.UpdateReserves(ctx, cur); err != nil {
			s.logger.ErrorContext(ctx, "persist reserves failed",
				slog.String("pool", poolID),
				slog.Uint64("block", blockNumber),
				slog.String("error", err.Error()),
			)
		}
	}
	return domain.SyncResult{Applied: true, Previous: prev, Current: cur}, nil
}

// GetReserves returns the current reserve pair of a pool.
func (s *Store) GetReserves(poolID string) (domain.Reserves, error) {
	s.mu.RLock()
	ps, ok := s.pools[poolID]
	s.mu.RUnlock()
	if !ok {
		return domain.Reserves{}, fmt.Errorf("reserve: get reserves %s: %w", poolID, domain.ErrNotFound)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return reservesOf(ps.pool), nil
}

// Pool returns a copy of a pool.
func (s *Store) Pool(poolID string) (domain.Pool, error) {
	s.mu.RLock()
	ps, ok := s.pools[poolID]
	s.mu.RUnlock()
	if !ok {
		return domain.Pool{}, fmt.Errorf("reserve: pool %s: %w", poolID, domain.ErrNotFound)
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return clonePool(ps.pool), nil
}

// Token returns token metadata.
func (s *Store) Token(tokenID string) (domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return domain.Token{}, fmt.Errorf("reserve: token %s: %w", tokenID, domain.ErrNotFound)
	}
	return t, nil
}

// PoolsForToken returns copies of every pool containing the token.
func (s *Store) PoolsForToken(tokenID string) []domain.Pool {
	s.mu.RLock()
	ids := append([]string(nil), s.byToken[tokenID]...)
	states := make([]*poolState, 0, len(ids))
	for _, id := range ids {
		if ps, ok := s.pools[id]; ok {
			states = append(states, ps)
		}
	}
	s.mu.RUnlock()

	out := make([]domain.Pool, 0, len(states))
	for _, ps := range states {
		ps.mu.Lock()
		out = append(out, clonePool(ps.pool))
		ps.mu.Unlock()
	}
	return out
}

// Tokens returns all known tokens sorted by ID.
func (s *Store) Tokens() []domain.Token {
	s.mu.RLock()
	out := make([]domain.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Pools returns copies of all known pools sorted by ID.
func (s *Store) Pools() []domain.Pool {
	s.mu.RLock()
	states := make([]*poolState, 0, len(s.pools))
	for _, ps := range s.pools {
		states = append(states, ps)
	}
	s.mu.RUnlock()

	out := make([]domain.Pool, 0, len(states))
	for _, ps := range states {
		ps.mu.Lock()
		out = append(out, clonePool(ps.pool))
		ps.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func reservesOf(p domain.Pool) domain.Reserves {
	return domain.Reserves{
		PoolID:      p.ID,
		Reserve0:    cloneInt(p.Reserve0),
		Reserve1:    cloneInt(p.Reserve1),
		BlockNumber: p.LastSyncedBlock,
	}
}

func clonePool(p domain.Pool) domain.Pool {
	p.Reserve0 = cloneInt(p.Reserve0)
	p.Reserve1 = cloneInt(p.Reserve1)
	return p
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
