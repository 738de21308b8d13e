package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

func testLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type recordingSender struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingSender) Send(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.titles = append(r.titles, title)
	return r.err
}

func (r *recordingSender) Name() string { return "recording" }

func (r *recordingSender) sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.titles...)
}

type symbols map[string]string

func (s symbols) Token(id string) (domain.Token, error) {
	sym, ok := s[id]
	if !ok {
		return domain.Token{}, domain.ErrNotFound
	}
	return domain.Token{ID: id, Symbol: sym}, nil
}

func priceNote(id, value string) domain.ChangeNotification {
	return domain.ChangeNotification{EntityType: domain.EntityToken, EntityID: id, MetricKind: domain.MetricPrice, Value: value}
}

func TestAlerterThreshold(t *testing.T) {
	rec := &recordingSender{}
	failing := &recordingSender{err: errors.New("boom")}
	a := NewAlerter([]Sender{failing, rec}, decimal.Zero, nil, symbols{"0x1": "WETH"}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = a.Run(ctx) }()

	a.Observe(priceNote("0x1", "100")) // baseline
	a.Observe(priceNote("0x1", "104")) // +4%, below threshold
	a.Observe(priceNote("0x1", "105")) // +5% from baseline
	a.Observe(priceNote("0x1", "106")) // +0.95% from new baseline
	a.Observe(priceNote("0x2", "1"))   // baseline for another token
	a.Observe(priceNote("0x2", "0.5")) // -50%
	a.Observe(domain.ChangeNotification{EntityType: domain.EntityPool, EntityID: "0xp", MetricKind: domain.MetricTVL, Value: "1"})
	a.Observe(domain.ChangeNotification{EntityType: domain.EntityPool, EntityID: "0xp", MetricKind: domain.MetricTVL, Value: "100"})

	require.Eventually(t, func() bool { return len(rec.sent()) == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"WETH price moved 5.00%", "token 0x2 price moved -50.00%"}, rec.sent())
	require.Len(t, failing.sent(), 2)
}

func TestAlerterWatchesConfiguredMetrics(t *testing.T) {
	rec := &recordingSender{}
	a := NewAlerter([]Sender{rec}, decimal.RequireFromString("0.1"), []domain.MetricKind{domain.MetricTVL}, nil, testLogger())

	a.Observe(domain.ChangeNotification{EntityType: domain.EntityProtocol, EntityID: "protocol", MetricKind: domain.MetricTVL, Value: "1000"})
	a.Observe(domain.ChangeNotification{EntityType: domain.EntityProtocol, EntityID: "protocol", MetricKind: domain.MetricTVL, Value: "1200"})
	a.Observe(priceNote("0x1", "1"))
	a.Observe(priceNote("0x1", "9"))

	require.Len(t, a.queue, 1)
	msg := <-a.queue
	require.Equal(t, "protocol protocol tvl moved 20.00%", msg.title)
	require.Equal(t, "1000 → 1200", msg.message)
}

func TestTelegramSender(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.apiBase = srv.URL
	require.NoError(t, s.Send(context.Background(), "WETH price moved 5.00%", "100 → 105"))
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "WETH price moved 5.00%\n100 → 105", got["text"])
	require.Equal(t, "telegram", s.Name())
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.ErrorContains(t, err, "429")
}
