package oracle

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/reserve"
)

var (
	usdc = addr(0xa0)
	usdt = addr(0xa1)
	weth = addr(0xc0)
	tokX = addr(0x10)
	tokY = addr(0x20)
	tokZ = addr(0x30)
)

func addr(n int) string { return fmt.Sprintf("0x%040x", n) }

func units(n int64, decimals uint8) *big.Int {
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	return new(big.Int).Mul(big.NewInt(n), scale)
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	t      *testing.T
	store  *reserve.Store
	oracle *Oracle
	block  uint64
	pools  int
	decs   map[string]uint8
}

func newFixture(t *testing.T, decs map[string]uint8, refs ...domain.ReferenceAsset) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var refAddrs []string
	for _, r := range refs {
		refAddrs = append(refAddrs, r.Address)
	}
	store := reserve.NewStore(refAddrs, logger)
	o, err := New(store, Config{References: refs, MaxDepth: 2}, logger)
	require.NoError(t, err)
	return &fixture{t: t, store: store, oracle: o, decs: decs}
}

func pinned(a string) domain.ReferenceAsset {
	return domain.ReferenceAsset{Address: a, Mode: domain.ReferencePinned, PinnedPrice: decimal.NewFromInt(1)}
}

func derived(a string) domain.ReferenceAsset {
	return domain.ReferenceAsset{Address: a, Mode: domain.ReferenceDerived}
}

// pool registers a pool between a and b and syncs the given raw reserves,
// expressed in the order (a, b).
func (f *fixture) pool(a, b string, ra, rb *big.Int) string {
	f.t.Helper()
	ctx := context.Background()
	f.pools++
	p, _, err := f.store.RegisterPool(ctx, domain.PoolInfo{
		Address: addr(0x1000 + f.pools),
		Token0:  domain.TokenInfo{Address: a, Decimals: f.decs[a]},
		Token1:  domain.TokenInfo{Address: b, Decimals: f.decs[b]},
	})
	require.NoError(f.t, err)
	f.sync(p.ID, a, ra, rb)
	return p.ID
}

func (f *fixture) sync(poolID, a string, ra, rb *big.Int) {
	f.t.Helper()
	p, err := f.store.Pool(poolID)
	require.NoError(f.t, err)
	r0, r1 := ra, rb
	if p.Token0ID != a {
		r0, r1 = rb, ra
	}
	f.block++
	res, err := f.store.ApplySync(context.Background(), poolID, r0, r1, f.block)
	require.NoError(f.t, err)
	require.True(f.t, res.Applied)
}

func (f *fixture) derive(tokenID string) (decimal.Decimal, error) {
	return f.oracle.DeriveTokenPriceUSD(context.Background(), tokenID, f.block)
}

func TestPriceFromReservesDecimalNormalization(t *testing.T) {
	price, err := PriceFromReserves(units(1000, 18), units(2000, 6), 18, 6, decimal.NewFromInt(1))
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2")), "got %s", price)
}

func TestPriceFromReservesZero(t *testing.T) {
	_, err := PriceFromReserves(big.NewInt(0), big.NewInt(5), 18, 18, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrZeroReserve)
	_, err = PriceFromReserves(big.NewInt(5), big.NewInt(0), 18, 18, decimal.NewFromInt(1))
	require.ErrorIs(t, err, domain.ErrZeroReserve)
}

func TestDeriveDecimalNormalizationThroughPool(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 6}, pinned(usdc))
	f.pool(tokX, usdc, units(1000, 18), units(2000, 6))

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2")), "got %s", price)
}

func TestDeriveFollowsReserves(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 18}, pinned(usdc))
	id := f.pool(tokX, usdc, units(500, 18), units(1000, 18))

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2")), "got %s", price)

	f.sync(id, tokX, units(400, 18), units(1000, 18))
	price, err = f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2.5")), "got %s", price)

	got, _, err := f.oracle.GetTokenPriceUSD(context.Background(), tokX)
	require.NoError(t, err)
	require.True(t, got.Equal(dec("2.5")))
}

func TestPinnedReference(t *testing.T) {
	f := newFixture(t, nil, domain.ReferenceAsset{Address: usdc, Mode: domain.ReferencePinned, PinnedPrice: dec("0.999")})
	price, _, err := f.oracle.GetTokenPriceUSD(context.Background(), usdc)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("0.999")))
}

func TestValueParity(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 18, usdc: 18}, pinned(usdc))
	xPool := f.pool(tokX, usdc, units(1, 18), units(1, 18))
	xyPool := f.pool(tokX, tokY, units(1, 18), units(1, 18))

	for i := 0; i < 50; i++ {
		f.sync(xPool, tokX, units(rng.Int63n(1_000_000)+1, 18), units(rng.Int63n(1_000_000)+1, 18))
		rx := units(rng.Int63n(1_000_000)+1, 18)
		ry := units(rng.Int63n(1_000_000)+1, 18)
		f.sync(xyPool, tokX, rx, ry)

		px, err := f.derive(tokX)
		require.NoError(t, err)
		py, err := f.derive(tokY)
		require.NoError(t, err)

		left := px.Mul(HumanAmount(rx, 18))
		right := py.Mul(HumanAmount(ry, 18))
		diff := left.Sub(right).Abs()
		require.True(t, diff.LessThanOrEqual(left.Mul(dec("0.000001"))), "parity broken: %s vs %s", left, right)
	}
}

func TestDeepestDirectRouteWins(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 18, usdt: 18}, pinned(usdc), pinned(usdt))
	f.pool(tokX, usdc, units(10, 18), units(30, 18))
	f.pool(tokX, usdt, units(1000, 18), units(2000, 18))

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2")), "got %s", price)
}

func TestDirectRoutePreferredOverIndirect(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 18, usdc: 18}, pinned(usdc))
	f.pool(tokY, usdc, units(1, 18), units(1_000_000, 18))
	f.pool(tokX, tokY, units(1, 18), units(1_000_000, 18))
	f.pool(tokX, usdc, units(10, 18), units(30, 18))

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("3")), "got %s", price)
}

func TestIndirectRoute(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 8, usdc: 6}, pinned(usdc))
	f.pool(tokY, usdc, units(10, 8), units(40, 6))
	f.pool(tokX, tokY, units(100, 18), units(5, 8))

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("0.2")), "got %s", price)
}

func TestDepthCap(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 18, tokZ: 18, usdc: 18}, pinned(usdc))
	f.pool(tokY, usdc, units(1, 18), units(1, 18))
	f.pool(tokX, tokY, units(1, 18), units(1, 18))
	f.pool(tokZ, tokX, units(1, 18), units(1, 18))

	_, err := f.derive(tokX)
	require.NoError(t, err)
	_, err = f.derive(tokZ)
	require.ErrorIs(t, err, domain.ErrNoPriceRoute)
}

func TestDerivedReference(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, weth: 18, usdc: 6}, pinned(usdc), derived(weth))
	f.pool(weth, usdc, units(10, 18), units(30000, 6))
	f.pool(tokX, weth, units(3000, 18), units(1, 18))

	wethPrice, err := f.derive(weth)
	require.NoError(t, err)
	require.True(t, wethPrice.Equal(dec("3000")), "got %s", wethPrice)

	price, err := f.derive(tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("1")), "got %s", price)
}

func TestDerivedReferenceIgnoresNonPinnedPools(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, weth: 18}, pinned(usdc), derived(weth))
	f.pool(tokX, weth, units(1, 18), units(1, 18))

	_, err := f.derive(weth)
	require.ErrorIs(t, err, domain.ErrNoPriceRoute)
	_, err = f.derive(tokX)
	require.ErrorIs(t, err, domain.ErrNoPriceRoute)
}

func TestZeroReservePoolRejected(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 18}, pinned(usdc))
	id := f.pool(tokX, usdc, units(1, 18), units(2, 18))
	_, err := f.derive(tokX)
	require.NoError(t, err)

	f.sync(id, tokX, big.NewInt(0), units(2, 18))
	_, err = f.derive(tokX)
	require.ErrorIs(t, err, domain.ErrNoPriceRoute)

	price, _, err := f.oracle.GetTokenPriceUSD(context.Background(), tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("2")), "previous price must survive, got %s", price)
}

func TestLowerTriggerBlockStillStoresLivePrice(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 18}, pinned(usdc))
	id := f.pool(tokX, usdc, units(1, 18), units(2, 18))

	_, err := f.oracle.DeriveTokenPriceUSD(context.Background(), tokX, 100)
	require.NoError(t, err)

	// Events from different pools reach the oracle out of block order.
	f.sync(id, tokX, units(1, 18), units(5, 18))
	price, err := f.oracle.DeriveTokenPriceUSD(context.Background(), tokX, 50)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("5")), "got %s", price)

	price, _, err = f.oracle.GetTokenPriceUSD(context.Background(), tokX)
	require.NoError(t, err)
	require.True(t, price.Equal(dec("5")), "got %s", price)
}

func TestUnknownTokenUnavailable(t *testing.T) {
	f := newFixture(t, nil, pinned(usdc))
	_, _, err := f.oracle.GetTokenPriceUSD(context.Background(), tokX)
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestNewRequiresPinnedReference(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := reserve.NewStore(nil, logger)
	_, err := New(store, Config{}, logger)
	require.Error(t, err)
	_, err = New(store, Config{References: []domain.ReferenceAsset{derived(weth)}}, logger)
	require.Error(t, err)
	_, err = New(store, Config{References: []domain.ReferenceAsset{{Address: "bogus", Mode: domain.ReferencePinned}}}, logger)
	require.ErrorIs(t, err, domain.ErrInvalidAddress)
}

func TestAffectedTokens(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 18, tokZ: 18, usdc: 18}, pinned(usdc))
	xy := f.pool(tokX, tokY, units(1, 18), units(1, 18))
	f.pool(tokY, usdc, units(1, 18), units(1, 18))
	f.pool(tokZ, tokX, units(1, 18), units(1, 18))

	got := f.oracle.AffectedTokens(xy)
	require.Equal(t, []string{tokX, tokY, tokZ}, got)
}

func TestPoolAndProtocolTVL(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, tokY: 18, usdc: 6}, pinned(usdc))
	xu := f.pool(tokX, usdc, units(500, 18), units(1000, 6))
	xy := f.pool(tokX, tokY, units(10, 18), units(10, 18))
	ctx := context.Background()

	_, err := f.derive(tokX)
	require.NoError(t, err)

	tvl, err := f.oracle.PoolTVL(ctx, xu)
	require.NoError(t, err)
	require.True(t, tvl.Equal(dec("2000")), "got %s", tvl)

	// tokY has never been derived: the pool is valued at twice the X side.
	tvl, err = f.oracle.PoolTVL(ctx, xy)
	require.NoError(t, err)
	require.True(t, tvl.Equal(dec("40")), "got %s", tvl)

	require.True(t, f.oracle.ProtocolTVL(ctx).Equal(dec("2040")))
}

func TestSeedKeepsLiveComputationsAhead(t *testing.T) {
	f := newFixture(t, map[string]uint8{tokX: 18, usdc: 18}, pinned(usdc))
	p := dec("7")
	f.oracle.Seed([]domain.Token{{ID: tokX, PriceUSD: &p}})

	got, _, err := f.oracle.GetTokenPriceUSD(context.Background(), tokX)
	require.NoError(t, err)
	require.True(t, got.Equal(p))

	f.pool(tokX, usdc, units(1, 18), units(2, 18))
	got, err = f.derive(tokX)
	require.NoError(t, err)
	require.True(t, got.Equal(dec("2")))
}
