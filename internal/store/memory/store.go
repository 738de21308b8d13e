// Package memory implements the domain store interfaces in process memory.
// It backs storage.driver = "memory" and the tests.
package memory

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// TokenStore implements domain.TokenStore.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string]domain.Token
}

// NewTokenStore creates an empty TokenStore.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]domain.Token)}
}

// Upsert inserts a token; decimals of an existing token are kept.
func (s *TokenStore) Upsert(_ context.Context, t domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.tokens[t.ID]; ok {
		cur.Symbol = t.Symbol
		cur.IsReferenceAsset = t.IsReferenceAsset
		s.tokens[t.ID] = cur
		return nil
	}
	t.PriceUSD, t.PriceUpdatedAt = nil, nil
	s.tokens[t.ID] = t
	return nil
}

// UpdatePrice stores a price unless a newer one is already stored.
func (s *TokenStore) UpdatePrice(_ context.Context, tokenID string, price decimal.Decimal, updatedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil
	}
	if t.PriceUpdatedAt != nil && t.PriceUpdatedAt.After(updatedAt) {
		return nil
	}
	t.PriceUSD = &price
	t.PriceUpdatedAt = &updatedAt
	s.tokens[tokenID] = t
	return nil
}

// GetByID returns a token or domain.ErrNotFound.
func (s *TokenStore) GetByID(_ context.Context, id string) (domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[id]
	if !ok {
		return domain.Token{}, fmt.Errorf("memory: token %s: %w", id, domain.ErrNotFound)
	}
	return t, nil
}

// List returns every token ordered by ID.
func (s *TokenStore) List(_ context.Context) ([]domain.Token, error) {
	s.mu.RLock()
	out := make([]domain.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, t)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PoolStore implements domain.PoolStore.
type PoolStore struct {
	mu    sync.RWMutex
	pools map[string]domain.Pool
}

// NewPoolStore creates an empty PoolStore.
func NewPoolStore() *PoolStore {
	return &PoolStore{pools: make(map[string]domain.Pool)}
}

// Upsert inserts a pool; an existing pool is left unchanged.
func (s *PoolStore) Upsert(_ context.Context, p domain.Pool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.pools[p.ID]; !ok {
		s.pools[p.ID] = clonePool(p)
	}
	return nil
}

// UpdateReserves overwrites reserves when r is from a newer block or the
// pool has never been synced.
func (s *PoolStore) UpdateReserves(_ context.Context, r domain.Reserves) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pools[r.PoolID]
	if !ok || (r.BlockNumber <= p.LastSyncedBlock && !neverSynced(p)) {
		return nil
	}
	p.Reserve0 = cloneInt(r.Reserve0)
	p.Reserve1 = cloneInt(r.Reserve1)
	p.LastSyncedBlock = r.BlockNumber
	p.UpdatedAt = time.Now().UTC()
	s.pools[r.PoolID] = p
	return nil
}

func neverSynced(p domain.Pool) bool {
	return p.LastSyncedBlock == 0 && isZero(p.Reserve0) && isZero(p.Reserve1)
}

func isZero(x *big.Int) bool { return x == nil || x.Sign() == 0 }

// GetByID returns a pool or domain.ErrNotFound.
func (s *PoolStore) GetByID(_ context.Context, id string) (domain.Pool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pools[id]
	if !ok {
		return domain.Pool{}, fmt.Errorf("memory: pool %s: %w", id, domain.ErrNotFound)
	}
	return clonePool(p), nil
}

// List returns every pool ordered by ID.
func (s *PoolStore) List(_ context.Context) ([]domain.Pool, error) {
	s.mu.RLock()
	out := make([]domain.Pool, 0, len(s.pools))
	for _, p := range s.pools {
		out = append(out, clonePool(p))
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func clonePool(p domain.Pool) domain.Pool {
	p.Reserve0 = cloneInt(p.Reserve0)
	p.Reserve1 = cloneInt(p.Reserve1)
	return p
}

func cloneInt(x *big.Int) *big.Int {
	if x == nil {
		return nil
	}
	return new(big.Int).Set(x)
}
