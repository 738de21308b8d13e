// Package notifier detects material changes of derived metrics and fans
// change notifications out to subscribers without blocking the producer.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DefaultThreshold is the default relative change (0.01%) a numeric metric
// must exceed before a notification is emitted.
var DefaultThreshold = decimal.RequireFromString("0.0001")

// Callback receives delivered notifications. It runs on a dispatch
// goroutine, never on the caller of CheckAndNotify.
type Callback func(domain.ChangeNotification)

// Publisher is an external sink such as the Redis signal bus.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type key struct {
	entityType domain.EntityType
	entityID   string
	metric     domain.MetricKind
}

type subscription struct {
	key key
	cb  Callback
}

func (s subscription) matches(n domain.ChangeNotification) bool {
	return (s.key.entityType == "" || s.key.entityType == n.EntityType) &&
		(s.key.entityID == "" || s.key.entityID == n.EntityID) &&
		(s.key.metric == "" || s.key.metric == n.MetricKind)
}

// Notifier compares metrics against the last notified value and queues
// notifications. Undelivered notifications for the same key are coalesced
// so only the newest is delivered.
type Notifier struct {
	threshold decimal.Decimal

	lastMu sync.Mutex
	last   map[key]decimal.Decimal

	subsMu sync.RWMutex
	subs   map[string]subscription

	queueMu  sync.Mutex
	pending  map[key]domain.ChangeNotification
	order    []key
	inflight map[key]bool
	wake     chan struct{}

	publishers []Publisher
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithPublisher adds an external sink receiving every delivered
// notification as JSON on its channel.
func WithPublisher(p Publisher) Option {
	return func(n *Notifier) { n.publishers = append(n.publishers, p) }
}

// WithClock overrides the notification timestamp source.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// New creates a Notifier. A non-positive threshold uses DefaultThreshold.
func New(threshold decimal.Decimal, logger *slog.Logger, opts ...Option) *Notifier {
	if !threshold.IsPositive() {
		threshold = DefaultThreshold
	}
	n := &Notifier{
		threshold: threshold,
		last:      make(map[key]decimal.Decimal),
		subs:      make(map[string]subscription),
		pending:   make(map[key]domain.ChangeNotification),
		inflight:  make(map[key]bool),
		wake:      make(chan struct{}, 1),
		logger:    logger.With(slog.String("component", "update_notifier")),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// CheckAndNotify queues a notification when newValue differs from the last
// notified value of the key by more than the threshold. The first value
// observed for a key always notifies; a change away from zero notifies.
// It reports whether a notification was queued.
func (n *Notifier) CheckAndNotify(entityType domain.EntityType, entityID string, metric domain.MetricKind, newValue decimal.Decimal) bool {
	k := key{entityType, entityID, metric}

	n.lastMu.Lock()
	old, seen := n.last[k]
	emit := !seen || n.exceeds(old, newValue)
	if emit {
		n.last[k] = newValue
	}
	n.lastMu.Unlock()

	if emit {
		n.enqueue(k, newValue.String())
	}
	return emit
}

// NotifyStateChange queues a discrete state notification unconditionally.
func (n *Notifier) NotifyStateChange(entityType domain.EntityType, entityID string) {
	n.enqueue(key{entityType, entityID, domain.MetricState}, "")
}

// Forget drops the last notified value of a key so the next value notifies.
func (n *Notifier) Forget(entityType domain.EntityType, entityID string, metric domain.MetricKind) {
	n.lastMu.Lock()
	delete(n.last, key{entityType, entityID, metric})
	n.lastMu.Unlock()
}

func (n *Notifier) exceeds(old, cur decimal.Decimal) bool {
	if old.IsZero() {
		return !cur.IsZero()
	}
	change := cur.Sub(old).Abs().Div(old.Abs())
	return change.GreaterThan(n.threshold)
}

// Subscribe registers cb for notifications matching the key. Empty fields
// match anything. The returned ID is used to unsubscribe.
func (n *Notifier) Subscribe(entityType domain.EntityType, entityID string, metric domain.MetricKind, cb Callback) string {
	id := uuid.NewString()
	n.subsMu.Lock()
	n.subs[id] = subscription{key: key{entityType, entityID, metric}, cb: cb}
	n.subsMu.Unlock()
	return id
}

// Unsubscribe removes a subscription and reports whether it existed.
func (n *Notifier) Unsubscribe(id string) bool {
	n.subsMu.Lock()
	defer n.subsMu.Unlock()
	if _, ok := n.subs[id]; !ok {
		return false
	}
	delete(n.subs, id)
	return true
}

// Pending returns the number of queued, undelivered notifications.
func (n *Notifier) Pending() int {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	return len(n.pending)
}

func (n *Notifier) enqueue(k key, value string) {
	note := domain.ChangeNotification{
		ID:         uuid.NewString(),
		EntityType: k.entityType,
		EntityID:   k.entityID,
		MetricKind: k.metric,
		Value:      value,
		Timestamp:  n.now(),
	}
	n.queueMu.Lock()
	if _, queued := n.pending[k]; !queued {
		n.order = append(n.order, k)
	}
	n.pending[k] = note
	n.queueMu.Unlock()
	n.signal()
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// next pops the oldest pending notification whose key is not being
// delivered by another worker.
func (n *Notifier) next() (key, domain.ChangeNotification, bool) {
	n.queueMu.Lock()
	defer n.queueMu.Unlock()
	for i, k := range n.order {
		if n.inflight[k] {
			continue
		}
		note := n.pending[k]
		delete(n.pending, k)
		n.order = append(n.order[:i:i], n.order[i+1:]...)
		n.inflight[k] = true
		return k, note, true
	}
	return key{}, domain.ChangeNotification{}, false
}

func (n *Notifier) done(k key) {
	n.queueMu.Lock()
	delete(n.inflight, k)
	more := len(n.pending) > 0
	n.queueMu.Unlock()
	if more {
		n.signal()
	}
}

// Flush delivers every pending notification on the calling goroutine.
func (n *Notifier) Flush(ctx context.Context) int {
	delivered := 0
	for {
		k, note, ok := n.next()
		if !ok {
			return delivered
		}
		n.deliver(ctx, note)
		n.done(k)
		delivered++
	}
}

// Run starts workers dispatch goroutines and blocks until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case <-n.wake:
					n.Flush(ctx)
				}
			}
		}()
	}
	n.signal()
	wg.Wait()
	return ctx.Err()
}

func (n *Notifier) deliver(ctx context.Context, note domain.ChangeNotification) {
	n.subsMu.RLock()
	targets := make([]Callback, 0, len(n.subs))
	for _, s := range n.subs {
		if s.matches(note) {
			targets = append(targets, s.cb)
		}
	}
	n.subsMu.RUnlock()

	for _, cb := range targets {
		n.invoke(ctx, cb, note)
	}

	if len(n.publishers) == 0 {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		n.logger.ErrorContext(ctx, "marshal notification", slog.String("error", err.Error()))
		return
	}
	for _, p := range n.publishers {
		if err := p.Publish(ctx, note.Channel(), payload); err != nil {
			n.logger.WarnContext(ctx, "publish notification failed",
				slog.String("channel", note.Channel()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (n *Notifier) invoke(ctx context.Context, cb Callback, note domain.ChangeNotification) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.ErrorContext(ctx, "subscriber panicked",
				slog.String("entity", note.EntityID),
				slog.String("metric", string(note.MetricKind)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	cb(note)
}
