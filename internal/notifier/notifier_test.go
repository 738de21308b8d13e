package notifier

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

func newTestNotifier(opts ...Option) *Notifier {
	return New(decimal.Zero, slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

type recorder struct {
	mu    sync.Mutex
	notes []domain.ChangeNotification
}

func (r *recorder) cb(n domain.ChangeNotification) {
	r.mu.Lock()
	r.notes = append(r.notes, n)
	r.mu.Unlock()
}

func (r *recorder) all() []domain.ChangeNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.ChangeNotification(nil), r.notes...)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestSuppressionThreshold(t *testing.T) {
	n := newTestNotifier()
	rec := &recorder{}
	n.Subscribe(domain.EntityToken, "x", domain.MetricPrice, rec.cb)
	ctx := context.Background()

	require.True(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("100")))
	require.Equal(t, 1, n.Flush(ctx))

	// 0.001% change stays below the 0.01% default.
	require.False(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("100.001")))
	require.Zero(t, n.Flush(ctx))

	// 1% change emits exactly once.
	require.True(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("101")))
	require.Equal(t, 1, n.Flush(ctx))

	notes := rec.all()
	require.Len(t, notes, 2)
	require.Equal(t, "101", notes[1].Value)
	require.Equal(t, domain.MetricPrice, notes[1].MetricKind)
	require.NotEmpty(t, notes[1].ID)
}

func TestThresholdComparesAgainstLastNotified(t *testing.T) {
	n := newTestNotifier()
	require.True(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("100")))
	// Small steps accumulate against the last notified value, not the last seen one.
	require.False(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("100.006")))
	require.True(t, n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("100.012")))
}

func TestZeroBaseline(t *testing.T) {
	n := newTestNotifier()
	require.True(t, n.CheckAndNotify(domain.EntityPool, "p", domain.MetricVolume, decimal.Zero))
	require.False(t, n.CheckAndNotify(domain.EntityPool, "p", domain.MetricVolume, decimal.Zero))
	require.True(t, n.CheckAndNotify(domain.EntityPool, "p", domain.MetricVolume, d("0.5")))
	require.True(t, n.CheckAndNotify(domain.EntityPool, "p", domain.MetricVolume, decimal.Zero))
}

func TestStateChangeIsUnconditional(t *testing.T) {
	n := newTestNotifier()
	rec := &recorder{}
	n.Subscribe(domain.EntityPool, "", domain.MetricState, rec.cb)

	n.NotifyStateChange(domain.EntityPool, "p1")
	n.Flush(context.Background())
	n.NotifyStateChange(domain.EntityPool, "p1")
	n.Flush(context.Background())
	require.Len(t, rec.all(), 2)
}

func TestCoalescesPendingByKey(t *testing.T) {
	n := newTestNotifier()
	rec := &recorder{}
	n.Subscribe("", "", "", rec.cb)

	n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("1"))
	n.CheckAndNotify(domain.EntityToken, "y", domain.MetricPrice, d("1"))
	n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("2"))
	require.Equal(t, 2, n.Pending())

	n.Flush(context.Background())
	notes := rec.all()
	require.Len(t, notes, 2)
	require.Equal(t, "x", notes[0].EntityID)
	require.Equal(t, "2", notes[0].Value)
	require.Equal(t, "y", notes[1].EntityID)
}

func TestSubscriptionFiltersAndUnsubscribe(t *testing.T) {
	n := newTestNotifier()
	tokenX, anyPrice := &recorder{}, &recorder{}
	id := n.Subscribe(domain.EntityToken, "x", domain.MetricPrice, tokenX.cb)
	n.Subscribe(domain.EntityToken, "", domain.MetricPrice, anyPrice.cb)

	n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("1"))
	n.CheckAndNotify(domain.EntityToken, "y", domain.MetricPrice, d("1"))
	n.CheckAndNotify(domain.EntityPool, "p", domain.MetricTVL, d("1"))
	n.Flush(context.Background())

	require.Len(t, tokenX.all(), 1)
	require.Len(t, anyPrice.all(), 2)

	require.True(t, n.Unsubscribe(id))
	require.False(t, n.Unsubscribe(id))
	n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, d("5"))
	n.Flush(context.Background())
	require.Len(t, tokenX.all(), 1)
	require.Len(t, anyPrice.all(), 3)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	n := newTestNotifier()
	rec := &recorder{}
	n.Subscribe("", "", "", func(domain.ChangeNotification) { panic("boom") })
	n.Subscribe("", "", "", rec.cb)

	n.NotifyStateChange(domain.EntityPool, "p")
	require.NotPanics(t, func() { n.Flush(context.Background()) })
	require.Len(t, rec.all(), 1)
}

func TestSlowSubscriberDoesNotBlockProducer(t *testing.T) {
	n := newTestNotifier()
	release := make(chan struct{})
	received := make(chan domain.ChangeNotification, 16)
	n.Subscribe("", "", "", func(note domain.ChangeNotification) {
		<-release
		received <- note
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = n.Run(ctx, 1) }()

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			n.CheckAndNotify(domain.EntityToken, "x", domain.MetricPrice, decimal.NewFromInt(int64(i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("producer blocked by subscriber")
	}
	close(release)

	// The backlog for the key collapses to its newest value.
	var last domain.ChangeNotification
	require.Eventually(t, func() bool {
		for {
			select {
			case last = <-received:
			default:
				return last.Value == "1000"
			}
		}
	}, 5*time.Second, 10*time.Millisecond)
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
}

func (f *fakePublisher) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, payload)
	return nil
}

func TestPublisherReceivesJSON(t *testing.T) {
	pub := &fakePublisher{}
	n := newTestNotifier(WithPublisher(pub))
	n.CheckAndNotify(domain.EntityProtocol, domain.ProtocolEntityID, domain.MetricTVL, d("123.45"))
	n.Flush(context.Background())

	require.Equal(t, []string{"dex:protocol:tvl"}, pub.channels)
	var got domain.ChangeNotification
	require.NoError(t, json.Unmarshal(pub.payloads[0], &got))
	require.Equal(t, "123.45", got.Value)
	require.Equal(t, domain.EntityProtocol, got.EntityType)
}
