package memory

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

func TestTokenStoreKeepsDecimals(t *testing.T) {
	ctx := context.Background()
	s := NewTokenStore()
	require.NoError(t, s.Upsert(ctx, domain.Token{ID: "a", Decimals: 18, Symbol: "A"}))
	require.NoError(t, s.Upsert(ctx, domain.Token{ID: "a", Decimals: 6, Symbol: "AA"}))

	tok, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 18, tok.Decimals)
	require.Equal(t, "AA", tok.Symbol)

	_, err = s.GetByID(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestTokenStorePriceOrdering(t *testing.T) {
	ctx := context.Background()
	s := NewTokenStore()
	require.NoError(t, s.Upsert(ctx, domain.Token{ID: "a"}))

	t2 := time.Unix(200, 0)
	t1 := time.Unix(100, 0)
	require.NoError(t, s.UpdatePrice(ctx, "a", decimal.NewFromInt(2), t2))
	require.NoError(t, s.UpdatePrice(ctx, "a", decimal.NewFromInt(1), t1))

	tok, err := s.GetByID(ctx, "a")
	require.NoError(t, err)
	require.True(t, tok.PriceUSD.Equal(decimal.NewFromInt(2)))
}

func TestPoolStoreReserveGuard(t *testing.T) {
	ctx := context.Background()
	s := NewPoolStore()
	require.NoError(t, s.Upsert(ctx, domain.Pool{ID: "p", Token0ID: "a", Token1ID: "b"}))
	require.NoError(t, s.UpdateReserves(ctx, domain.Reserves{PoolID: "p", Reserve0: big.NewInt(5), Reserve1: big.NewInt(6), BlockNumber: 10}))
	require.NoError(t, s.UpdateReserves(ctx, domain.Reserves{PoolID: "p", Reserve0: big.NewInt(1), Reserve1: big.NewInt(1), BlockNumber: 9}))

	p, err := s.GetByID(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "5", p.Reserve0.String())
	require.EqualValues(t, 10, p.LastSyncedBlock)
}

func TestPoolStoreFirstSyncAtBlockZero(t *testing.T) {
	s := NewPoolStore()
	ctx := context.Background()
	require.NoError(t, s.Upsert(ctx, domain.Pool{ID: "p", Token0ID: "a", Token1ID: "b"}))

	require.NoError(t, s.UpdateReserves(ctx, domain.Reserves{PoolID: "p", Reserve0: big.NewInt(5), Reserve1: big.NewInt(6)}))
	p, err := s.GetByID(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "5", p.Reserve0.String())

	require.NoError(t, s.UpdateReserves(ctx, domain.Reserves{PoolID: "p", Reserve0: big.NewInt(1), Reserve1: big.NewInt(1)}))
	p, err = s.GetByID(ctx, "p")
	require.NoError(t, err)
	require.Equal(t, "5", p.Reserve0.String())
}

func TestSnapshotStoreUpsertAndRange(t *testing.T) {
	ctx := context.Background()
	s := NewSnapshotStore()
	for i, block := range []uint64{5, 7, 6} {
		require.NoError(t, s.Upsert(ctx, domain.PriceSnapshot{
			PoolID: "p", Tier: "minute", Timestamp: 60,
			ExchangeRate0: big.NewInt(int64(i)), BlockNumber: block,
		}))
	}
	snap, err := s.Get(ctx, "p", "minute", 60)
	require.NoError(t, err)
	require.EqualValues(t, 7, snap.BlockNumber)
	require.Equal(t, 1, s.Len())

	require.NoError(t, s.Upsert(ctx, domain.PriceSnapshot{PoolID: "p", Tier: "minute", Timestamp: 0}))
	require.NoError(t, s.Upsert(ctx, domain.PriceSnapshot{PoolID: "p", Tier: "minute", Timestamp: 120}))
	got, err := s.ListRange(ctx, "p", "minute", 0, 60)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.EqualValues(t, 0, got[0].Timestamp)

	n, err := s.DeleteBefore(ctx, "minute", 100)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
	require.Equal(t, 1, s.Len())
}

func TestAuditStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewAuditStore()
	for _, e := range []string{"a", "b", "c"} {
		require.NoError(t, s.Log(ctx, e, nil))
	}
	got, err := s.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "c", got[0].Event)
	require.Equal(t, []string{"a", "b", "c"}, s.Events())
}
