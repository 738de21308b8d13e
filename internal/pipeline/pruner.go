package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

const pruneLockKey = "dexpricer:lock:prune"

// SnapshotPruner deletes snapshots past their tier retention.
type SnapshotPruner interface {
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Pruner runs snapshot retention on a cron schedule. When a LockManager is
// configured only one replica prunes per run.
type Pruner struct {
	recorder SnapshotPruner
	locks    domain.LockManager
	schedule string
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewPruner creates a Pruner. locks may be nil for single-instance setups.
func NewPruner(recorder SnapshotPruner, locks domain.LockManager, schedule string, lockTTL time.Duration, logger *slog.Logger) *Pruner {
	if lockTTL <= 0 {
		lockTTL = 10 * time.Minute
	}
	return &Pruner{
		recorder: recorder,
		locks:    locks,
		schedule: schedule,
		lockTTL:  lockTTL,
		logger:   logger.With(slog.String("component", "pruner")),
	}
}

// RunOnce executes a single retention run. A run already held by another
// instance is skipped without error.
func (p *Pruner) RunOnce(ctx context.Context) (int64, error) {
	if p.locks != nil {
		unlock, err := p.locks.Acquire(ctx, pruneLockKey, p.lockTTL)
		if errors.Is(err, domain.ErrLockHeld) {
			p.logger.InfoContext(ctx, "prune skipped, lock held elsewhere")
			return 0, nil
		}
		if err != nil {
			return 0, fmt.Errorf("pipeline: prune lock: %w", err)
		}
		defer unlock()
	}
	start := time.Now()
	n, err := p.recorder.Prune(ctx, start.UTC())
	p.logger.InfoContext(ctx, "prune run finished",
		slog.Int64("deleted", n),
		slog.Duration("took", time.Since(start)),
	)
	return n, err
}

// RunCron runs RunOnce on the configured 5-field cron schedule until ctx is
// cancelled.
func (p *Pruner) RunCron(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(p.schedule, func() {
		if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil {
			p.logger.ErrorContext(ctx, "prune run failed", slog.String("error", err.Error()))
		}
	}); err != nil {
		return fmt.Errorf("pipeline: parse prune schedule %q: %w", p.schedule, err)
	}

	p.logger.InfoContext(ctx, "pruner cron started", slog.String("schedule", p.schedule))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	p.logger.InfoContext(ctx, "pruner cron stopped")
	return ctx.Err()
}
