package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
)

const (
	weth = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	usdc = "0xa0b86991c6218b36c1d19d4a2e9eb0ce3606eb48"
	pair = "0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeRegistry struct {
	tokens map[string]domain.Token
	pools  map[string]domain.Pool
}

func (f *fakeRegistry) Tokens() []domain.Token {
	out := make([]domain.Token, 0, len(f.tokens))
	for _, t := range f.tokens {
		out = append(out, t)
	}
	return out
}

func (f *fakeRegistry) Token(id string) (domain.Token, error) {
	t, ok := f.tokens[id]
	if !ok {
		return domain.Token{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeRegistry) Pools() []domain.Pool {
	out := make([]domain.Pool, 0, len(f.pools))
	for _, p := range f.pools {
		out = append(out, p)
	}
	return out
}

func (f *fakeRegistry) Pool(id string) (domain.Pool, error) {
	p, ok := f.pools[id]
	if !ok {
		return domain.Pool{}, domain.ErrNotFound
	}
	return p, nil
}

func (f *fakeRegistry) GetReserves(id string) (domain.Reserves, error) {
	p, err := f.Pool(id)
	if err != nil {
		return domain.Reserves{}, err
	}
	return domain.Reserves{PoolID: id, Reserve0: p.Reserve0, Reserve1: p.Reserve1, BlockNumber: p.LastSyncedBlock}, nil
}

type fakeOracle struct {
	prices map[string]decimal.Decimal
	at     time.Time
}

func (f *fakeOracle) GetTokenPriceUSD(_ context.Context, id string) (decimal.Decimal, time.Time, error) {
	p, ok := f.prices[id]
	if !ok {
		return decimal.Zero, time.Time{}, domain.ErrPriceUnavailable
	}
	return p, f.at, nil
}

func (f *fakeOracle) PoolTVL(_ context.Context, id string) (decimal.Decimal, error) {
	if id != pair {
		return decimal.Zero, domain.ErrNotFound
	}
	return decimal.NewFromInt(4000), nil
}

func (f *fakeOracle) ProtocolTVL(context.Context) decimal.Decimal {
	return decimal.NewFromInt(4000)
}

type fakeHistory struct{ err error }

func (f fakeHistory) PriceHistory(_ context.Context, poolID, timeframe string) ([]domain.PricePoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	if timeframe == "2y" {
		return nil, domain.ErrInvalidArgument
	}
	return []domain.PricePoint{{Timestamp: 1700000000, Price0: decimal.NewFromInt(2000), Price1: decimal.RequireFromString("0.0005")}}, nil
}

type fakeVolume struct{}

func (fakeVolume) Volume(id string, window domain.WindowKind, now time.Time) (domain.VolumeWindow, error) {
	if id != pair {
		return domain.VolumeWindow{}, domain.ErrNotFound
	}
	return domain.VolumeWindow{
		EntityID:         id,
		Window:           window,
		VolumeTokenUnits: decimal.NewFromInt(3),
		VolumeUSD:        decimal.NewFromInt(6000),
		SwapCount:        2,
		WindowStart:      now.Add(-window.Duration()),
		WindowEnd:        now,
	}, nil
}

func newRegistry() *fakeRegistry {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	return &fakeRegistry{
		tokens: map[string]domain.Token{
			weth: {ID: weth, Address: weth, Symbol: "WETH", Decimals: 18},
			usdc: {ID: usdc, Address: usdc, Symbol: "USDC", Decimals: 6, IsReferenceAsset: true},
		},
		pools: map[string]domain.Pool{
			pair: {
				ID: pair, Address: pair, Token0ID: usdc, Token1ID: weth,
				Reserve0: big.NewInt(2_000_000_000), Reserve1: new(big.Int).Mul(big.NewInt(1), big.NewInt(1e18)),
				LastSyncedBlock: 42, UpdatedAt: now,
			},
		},
	}
}

func routes(reg *fakeRegistry, oracle *fakeOracle, history HistoryReader) *http.ServeMux {
	th := NewTokenHandler(reg, oracle, testLogger)
	ph := NewPoolHandler(reg, oracle, history, testLogger)
	vh := NewVolumeHandler(fakeVolume{}, testLogger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/tokens", th.ListTokens)
	mux.HandleFunc("GET /api/tokens/{id}", th.GetToken)
	mux.HandleFunc("GET /api/tokens/{id}/price", th.GetPrice)
	mux.HandleFunc("GET /api/pools", ph.ListPools)
	mux.HandleFunc("GET /api/pools/{id}", ph.GetPool)
	mux.HandleFunc("GET /api/pools/{id}/reserves", ph.GetReserves)
	mux.HandleFunc("GET /api/pools/{id}/history", ph.GetHistory)
	mux.HandleFunc("GET /api/pools/{id}/tvl", ph.GetPoolTVL)
	mux.HandleFunc("GET /api/tvl", ph.GetProtocolTVL)
	mux.HandleFunc("GET /api/volume/{id}", vh.GetVolume)
	return mux
}

func get(t *testing.T, h http.Handler, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return rec, body
}

func TestTokenEndpoints(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{usdc: decimal.NewFromInt(1), weth: decimal.NewFromInt(2000)}, at: time.Unix(1700000000, 0).UTC()}
	mux := routes(newRegistry(), oracle, fakeHistory{})

	rec, body := get(t, mux, "/api/tokens")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, body["total"])

	// Checksummed input is normalized.
	rec, body = get(t, mux, "/api/tokens/0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "WETH", body["symbol"])
	require.Equal(t, "2000", body["price_usd"])

	rec, body = get(t, mux, "/api/tokens/"+weth+"/price")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2000", body["price_usd"])
	require.Equal(t, weth, body["token_id"])
}

func TestTokenPriceUnavailable(t *testing.T) {
	oracle := &fakeOracle{prices: map[string]decimal.Decimal{usdc: decimal.NewFromInt(1)}}
	mux := routes(newRegistry(), oracle, fakeHistory{})

	rec, body := get(t, mux, "/api/tokens/"+weth+"/price")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "price unavailable", body["error"])

	// The token itself still renders, with a null price.
	rec, body = get(t, mux, "/api/tokens/"+weth)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Nil(t, body["price_usd"])
}

func TestTokenErrors(t *testing.T) {
	mux := routes(newRegistry(), &fakeOracle{}, fakeHistory{})

	rec, _ := get(t, mux, "/api/tokens/not-an-address")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body := get(t, mux, "/api/tokens/0x0000000000000000000000000000000000000001/price")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not found", body["error"])
}

func TestPoolEndpoints(t *testing.T) {
	mux := routes(newRegistry(), &fakeOracle{}, fakeHistory{})

	rec, body := get(t, mux, "/api/pools")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, body["total"])

	rec, body = get(t, mux, "/api/pools/"+pair)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "2000000000", body["reserve0"])
	require.Equal(t, "1000000000000000000", body["reserve1"])

	rec, body = get(t, mux, "/api/pools/"+pair+"/reserves")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 42, body["block_number"])

	rec, body = get(t, mux, "/api/pools/"+pair+"/tvl")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4000", body["tvl_usd"])

	rec, body = get(t, mux, "/api/tvl")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "4000", body["tvl_usd"])

	rec, _ = get(t, mux, "/api/pools/"+usdc)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPoolHistory(t *testing.T) {
	mux := routes(newRegistry(), &fakeOracle{}, fakeHistory{})

	rec, body := get(t, mux, "/api/pools/"+pair+"/history")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "24h", body["timeframe"])
	require.Len(t, body["points"], 1)

	rec, _ = get(t, mux, "/api/pools/"+pair+"/history?timeframe=2y")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	mux = routes(newRegistry(), &fakeOracle{}, fakeHistory{err: errors.New("db down")})
	rec, body = get(t, mux, "/api/pools/"+pair+"/history")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "failed to get history", body["error"])
}

func TestVolumeEndpoint(t *testing.T) {
	mux := routes(newRegistry(), &fakeOracle{}, fakeHistory{})

	rec, body := get(t, mux, "/api/volume/"+pair+"?window=7d")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "7d", body["window"])
	require.Equal(t, "6000", body["volume_usd"])
	require.EqualValues(t, 2, body["swap_count"])

	rec, _ = get(t, mux, "/api/volume/"+pair)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = get(t, mux, "/api/volume/"+pair+"?window=2h")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = get(t, mux, "/api/volume/"+weth)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]Check{
		"redis": func(context.Context) error { return nil },
	}, "full", testLogger)
	rec, body := get(t, http.HandlerFunc(h.HealthCheck), "/api/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "full", body["mode"])

	h = NewHealthHandler(map[string]Check{
		"redis":    func(context.Context) error { return nil },
		"postgres": func(context.Context) error { return errors.New("connection refused") },
	}, "full", testLogger)
	rec, body = get(t, http.HandlerFunc(h.HealthCheck), "/api/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	require.Equal(t, "ok", checks["redis"])
	require.Equal(t, "connection refused", checks["postgres"])
}

func TestStreamRejectsBadFilters(t *testing.T) {
	h := NewStreamHandler(notifier.New(decimal.Zero, testLogger), testLogger)

	for _, q := range []string{"entity_type=user", "metric=apy", "entity_type=token&entity_id=xyz"} {
		rec := httptest.NewRecorder()
		h.Stream(rec, httptest.NewRequest(http.MethodGet, "/api/stream?"+q, nil))
		require.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestStreamDeliversMatchingNotifications(t *testing.T) {
	n := notifier.New(decimal.Zero, testLogger)
	srv := httptest.NewServer(http.HandlerFunc(NewStreamHandler(n, testLogger).Stream))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"?entity_type=token&metric=price", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, ": subscribed"), line)

	// A pool notification is filtered out; the token one comes through.
	n.CheckAndNotify(domain.EntityPool, pair, domain.MetricTVL, decimal.NewFromInt(10))
	n.CheckAndNotify(domain.EntityToken, weth, domain.MetricPrice, decimal.NewFromInt(2000))
	require.Equal(t, 2, n.Flush(ctx))

	var event, data string
	for data == "" {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Equal(t, "dex:token:price", event)

	var note domain.ChangeNotification
	require.NoError(t, json.Unmarshal([]byte(data), &note))
	require.Equal(t, weth, note.EntityID)
	require.Equal(t, "2000", note.Value)
}
