// Package notify sends operator alerts for large moves of derived metrics to
// chat channels such as Telegram and Discord.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DefaultAlertThreshold is the relative move (5%) that triggers an alert.
var DefaultAlertThreshold = decimal.RequireFromString("0.05")

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// TokenLookup resolves token symbols for alert text.
type TokenLookup interface {
	Token(tokenID string) (domain.Token, error)
}

type alertKey struct {
	entityType domain.EntityType
	entityID   string
	metric     domain.MetricKind
}

type alert struct {
	title   string
	message string
}

// Alerter watches change notifications and alerts every sender when a
// metric moved by at least the threshold since the last alert for it. The
// first value seen for a key only sets the baseline.
type Alerter struct {
	senders   []Sender
	threshold decimal.Decimal
	metrics   map[domain.MetricKind]bool
	tokens    TokenLookup
	logger    *slog.Logger

	mu       sync.Mutex
	baseline map[alertKey]decimal.Decimal

	queue chan alert
}

// NewAlerter creates an Alerter. A non-positive threshold uses
// DefaultAlertThreshold; an empty metric list watches prices only. tokens
// may be nil.
func NewAlerter(senders []Sender, threshold decimal.Decimal, metrics []domain.MetricKind, tokens TokenLookup, logger *slog.Logger) *Alerter {
	if !threshold.IsPositive() {
		threshold = DefaultAlertThreshold
	}
	if len(metrics) == 0 {
		metrics = []domain.MetricKind{domain.MetricPrice}
	}
	watched := make(map[domain.MetricKind]bool, len(metrics))
	for _, m := range metrics {
		watched[m] = true
	}
	return &Alerter{
		senders:   senders,
		threshold: threshold,
		metrics:   watched,
		tokens:    tokens,
		logger:    logger.With(slog.String("component", "alerter")),
		baseline:  make(map[alertKey]decimal.Decimal),
		queue:     make(chan alert, 64),
	}
}

// Observe is a notifier callback. It never blocks on delivery: when the
// send queue is full the alert is dropped and logged.
func (a *Alerter) Observe(note domain.ChangeNotification) {
	if !a.metrics[note.MetricKind] || note.Value == "" {
		return
	}
	cur, err := decimal.NewFromString(note.Value)
	if err != nil {
		return
	}
	k := alertKey{note.EntityType, note.EntityID, note.MetricKind}

	a.mu.Lock()
	base, seen := a.baseline[k]
	if !seen || base.IsZero() {
		a.baseline[k] = cur
		a.mu.Unlock()
		return
	}
	change := cur.Sub(base).Div(base.Abs())
	if change.Abs().LessThan(a.threshold) {
		a.mu.Unlock()
		return
	}
	a.baseline[k] = cur
	a.mu.Unlock()

	msg := alert{
		title: fmt.Sprintf("%s %s moved %s%%", a.label(note), note.MetricKind,
			change.Mul(decimal.NewFromInt(100)).StringFixed(2)),
		message: fmt.Sprintf("%s → %s", base.String(), cur.String()),
	}
	select {
	case a.queue <- msg:
	default:
		a.logger.Warn("alert queue full, alert dropped", slog.String("title", msg.title))
	}
}

func (a *Alerter) label(note domain.ChangeNotification) string {
	if note.EntityType == domain.EntityToken && a.tokens != nil {
		if t, err := a.tokens.Token(note.EntityID); err == nil && t.Symbol != "" {
			return t.Symbol
		}
	}
	return string(note.EntityType) + " " + note.EntityID
}

// Run delivers queued alerts until ctx is cancelled.
func (a *Alerter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-a.queue:
			if err := a.dispatch(ctx, msg.title, msg.message); err != nil && ctx.Err() == nil {
				a.logger.WarnContext(ctx, "alert delivery incomplete", slog.String("error", err.Error()))
			}
		}
	}
}

// dispatch sends to every sender; one failing sender does not stop the rest.
func (a *Alerter) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range a.senders {
		if err := s.Send(ctx, title, message); err != nil {
			a.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		a.logger.DebugContext(ctx, "alert sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}
