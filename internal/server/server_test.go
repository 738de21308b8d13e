package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
	"github.com/alanyoungcy/dexpricer/internal/notifier"
	"github.com/alanyoungcy/dexpricer/internal/server/handler"
	"github.com/alanyoungcy/dexpricer/internal/server/ws"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type emptyRegistry struct{}

func (emptyRegistry) Tokens() []domain.Token { return nil }
func (emptyRegistry) Token(string) (domain.Token, error) {
	return domain.Token{}, domain.ErrNotFound
}
func (emptyRegistry) Pools() []domain.Pool { return nil }
func (emptyRegistry) Pool(string) (domain.Pool, error) {
	return domain.Pool{}, domain.ErrNotFound
}
func (emptyRegistry) GetReserves(string) (domain.Reserves, error) {
	return domain.Reserves{}, domain.ErrNotFound
}

type zeroOracle struct{}

func (zeroOracle) GetTokenPriceUSD(context.Context, string) (decimal.Decimal, time.Time, error) {
	return decimal.Zero, time.Time{}, domain.ErrPriceUnavailable
}
func (zeroOracle) PoolTVL(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, domain.ErrNotFound
}
func (zeroOracle) ProtocolTVL(context.Context) decimal.Decimal { return decimal.Zero }

type noHistory struct{}

func (noHistory) PriceHistory(context.Context, string, string) ([]domain.PricePoint, error) {
	return nil, nil
}

type noVolume struct{}

func (noVolume) Volume(string, domain.WindowKind, time.Time) (domain.VolumeWindow, error) {
	return domain.VolumeWindow{}, domain.ErrNotFound
}

// countingLimiter allows the first n calls per key.
type countingLimiter struct {
	mu    sync.Mutex
	n     int
	calls map[string]int
}

func (l *countingLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[key]++
	return l.calls[key] <= l.n, nil
}

func testHandlers(feed *notifier.Notifier) Handlers {
	return Handlers{
		Health: handler.NewHealthHandler(nil, "full", testLogger),
		Tokens: handler.NewTokenHandler(emptyRegistry{}, zeroOracle{}, testLogger),
		Pools:  handler.NewPoolHandler(emptyRegistry{}, zeroOracle{}, noHistory{}, testLogger),
		Volume: handler.NewVolumeHandler(noVolume{}, testLogger),
		Stream: handler.NewStreamHandler(feed, testLogger),
	}
}

func serve(t *testing.T, s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	s := NewServer(Config{APIKey: "secret"}, testHandlers(notifier.New(decimal.Zero, testLogger)), nil, nil, testLogger)

	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/api/health", nil).Code)
	require.Equal(t, http.StatusUnauthorized, serve(t, s, http.MethodGet, "/api/tvl", nil).Code)
	require.Equal(t, http.StatusUnauthorized,
		serve(t, s, http.MethodGet, "/api/tvl", http.Header{"X-Api-Key": {"wrong"}}).Code)
	require.Equal(t, http.StatusOK,
		serve(t, s, http.MethodGet, "/api/tvl", http.Header{"Authorization": {"Bearer secret"}}).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/api/tvl?api_key=secret", nil).Code)
}

func TestRateLimit(t *testing.T) {
	limiter := &countingLimiter{n: 2, calls: map[string]int{}}
	s := NewServer(Config{RateLimit: 2, RateWindow: time.Minute}, testHandlers(notifier.New(decimal.Zero, testLogger)), nil, limiter, testLogger)

	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/api/tvl", nil).Code)
	require.Equal(t, http.StatusOK, serve(t, s, http.MethodGet, "/api/tvl", nil).Code)
	rec := serve(t, s, http.MethodGet, "/api/tvl", nil)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "60", rec.Header().Get("Retry-After"))
	require.Equal(t, 3, limiter.calls["api:192.0.2.1"])
}

func TestCORSPreflight(t *testing.T) {
	s := NewServer(Config{APIKey: "secret", CORSOrigins: []string{"https://app.example"}}, testHandlers(notifier.New(decimal.Zero, testLogger)), nil, nil, testLogger)

	rec := serve(t, s, http.MethodOptions, "/api/tvl", http.Header{"Origin": {"https://app.example"}})
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(t, s, http.MethodOptions, "/api/tvl", http.Header{"Origin": {"https://evil.example"}})
	require.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestUnknownResourceIs404(t *testing.T) {
	s := NewServer(Config{}, testHandlers(notifier.New(decimal.Zero, testLogger)), nil, nil, testLogger)

	rec := serve(t, s, http.MethodGet, "/api/pools/0xb4e16d0168e52d35cacd2c6185b44281ec28c9dc", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, http.StatusMethodNotAllowed, serve(t, s, http.MethodPost, "/api/tvl", nil).Code)
}

func TestWebSocketReceivesNotifications(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hub := ws.NewHub(nil, testLogger, ws.Config{Mode: "full"})
	go func() { _ = hub.Run(ctx) }()

	feed := notifier.New(decimal.Zero, testLogger, notifier.WithPublisher(hub))
	s := NewServer(Config{}, testHandlers(feed), hub, nil, testLogger)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?channel=dex:token:*"
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))

	type frame struct {
		Type    string          `json:"type"`
		Channel string          `json:"channel"`
		Payload json.RawMessage `json:"payload"`
	}
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	require.Equal(t, "status", f.Type)

	// Registration happens asynchronously after the status frame is queued,
	// so keep publishing until the client sees a change.
	const token = "0xc02aaa39b223fe8d0a0e5c4f27ead9083c756cc2"
	got := make(chan frame, 1)
	go func() {
		var f frame
		if err := conn.ReadJSON(&f); err == nil {
			got <- f
		}
	}()
	price := int64(1000)
	for {
		feed.CheckAndNotify(domain.EntityPool, token, domain.MetricTVL, decimal.NewFromInt(price))
		feed.CheckAndNotify(domain.EntityToken, token, domain.MetricPrice, decimal.NewFromInt(price))
		feed.Flush(ctx)
		price *= 2
		select {
		case f = <-got:
			require.Equal(t, "change", f.Type)
			require.Equal(t, "dex:token:price", f.Channel)
			var note domain.ChangeNotification
			require.NoError(t, json.Unmarshal(f.Payload, &note))
			require.Equal(t, token, note.EntityID)
			return
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			t.Fatal("no notification received")
		}
	}
}
