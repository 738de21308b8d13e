package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

type snapshotKey struct {
	poolID string
	tier   string
	bucket int64
}

// SnapshotStore implements domain.SnapshotStore.
type SnapshotStore struct {
	mu    sync.RWMutex
	snaps map[snapshotKey]domain.PriceSnapshot
}

// NewSnapshotStore creates an empty SnapshotStore.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{snaps: make(map[snapshotKey]domain.PriceSnapshot)}
}

// Upsert writes snap unless the stored row comes from a newer block.
func (s *SnapshotStore) Upsert(_ context.Context, snap domain.PriceSnapshot) error {
	k := snapshotKey{snap.PoolID, snap.Tier, snap.Timestamp}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.snaps[k]; ok && cur.BlockNumber > snap.BlockNumber {
		return nil
	}
	s.snaps[k] = cloneSnapshot(snap)
	return nil
}

// Get returns one snapshot or domain.ErrNotFound.
func (s *SnapshotStore) Get(_ context.Context, poolID, tier string, bucket int64) (domain.PriceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[snapshotKey{poolID, tier, bucket}]
	if !ok {
		return domain.PriceSnapshot{}, fmt.Errorf("memory: snapshot %s/%s/%d: %w", poolID, tier, bucket, domain.ErrNotFound)
	}
	return cloneSnapshot(snap), nil
}

// ListRange returns a pool's snapshots in [from, to], oldest first.
func (s *SnapshotStore) ListRange(_ context.Context, poolID, tier string, from, to int64) ([]domain.PriceSnapshot, error) {
	return s.filter(func(k snapshotKey) bool {
		return k.poolID == poolID && k.tier == tier && k.bucket >= from && k.bucket <= to
	}), nil
}

// ListBefore returns every snapshot of a tier older than before.
func (s *SnapshotStore) ListBefore(_ context.Context, tier string, before int64) ([]domain.PriceSnapshot, error) {
	return s.filter(func(k snapshotKey) bool {
		return k.tier == tier && k.bucket < before
	}), nil
}

// DeleteBefore removes every snapshot of a tier older than before.
func (s *SnapshotStore) DeleteBefore(_ context.Context, tier string, before int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k := range s.snaps {
		if k.tier == tier && k.bucket < before {
			delete(s.snaps, k)
			n++
		}
	}
	return n, nil
}

// Delete removes a single snapshot.
func (s *SnapshotStore) Delete(_ context.Context, poolID, tier string, bucket int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snaps, snapshotKey{poolID, tier, bucket})
	return nil
}

// Len returns the number of stored snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snaps)
}

// All returns every stored snapshot ordered by pool, tier and bucket.
func (s *SnapshotStore) All() []domain.PriceSnapshot {
	return s.filter(func(snapshotKey) bool { return true })
}

func (s *SnapshotStore) filter(keep func(snapshotKey) bool) []domain.PriceSnapshot {
	s.mu.RLock()
	var out []domain.PriceSnapshot
	for k, snap := range s.snaps {
		if keep(k) {
			out = append(out, cloneSnapshot(snap))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.PoolID != b.PoolID {
			return a.PoolID < b.PoolID
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		return a.Timestamp < b.Timestamp
	})
	return out
}

func cloneSnapshot(s domain.PriceSnapshot) domain.PriceSnapshot {
	s.ExchangeRate0 = cloneInt(s.ExchangeRate0)
	s.ExchangeRate1 = cloneInt(s.ExchangeRate1)
	s.Reserve0 = cloneInt(s.Reserve0)
	s.Reserve1 = cloneInt(s.Reserve1)
	return s
}
