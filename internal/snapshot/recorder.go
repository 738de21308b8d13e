// Package snapshot records time-bucketed exchange-rate snapshots per pool
// across retention tiers, serves price history and prunes expired tiers.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// PoolLookup resolves pool and token metadata.
type PoolLookup interface {
	Pool(poolID string) (domain.Pool, error)
	Token(tokenID string) (domain.Token, error)
	Pools() []domain.Pool
}

// Config holds the recorder settings.
type Config struct {
	Tiers        []domain.SnapshotTier
	TolerancePPM int64
}

// DefaultTiers returns the minute, hour and day tiers.
func DefaultTiers() []domain.SnapshotTier {
	return []domain.SnapshotTier{
		{Name: "minute", Granularity: time.Minute, Retention: 48 * time.Hour},
		{Name: "hour", Granularity: time.Hour, Retention: 90 * 24 * time.Hour},
		{Name: "day", Granularity: 24 * time.Hour},
	}
}

// RecordResult reports what RecordIfDue did. Skipped is ErrZeroReserve or
// ErrMalformedSnapshot when nothing was written.
type RecordResult struct {
	Tiers   []string
	Rate0   *big.Int
	Rate1   *big.Int
	Skipped error
}

// Recorder writes snapshots to a SnapshotStore.
type Recorder struct {
	pools    PoolLookup
	store    domain.SnapshotStore
	audit    domain.AuditStore
	archiver domain.SnapshotArchiver
	tiers    []domain.SnapshotTier
	tol      int64
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithAudit logs malformed snapshots, prune runs and repairs.
func WithAudit(a domain.AuditStore) Option {
	return func(r *Recorder) { r.audit = a }
}

// WithArchiver copies expiring snapshots to cold storage before pruning.
func WithArchiver(a domain.SnapshotArchiver) Option {
	return func(r *Recorder) { r.archiver = a }
}

// WithClock overrides the clock used for history windows and UpdatedAt.
func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

// NewRecorder creates a Recorder. Empty tiers fall back to DefaultTiers.
func NewRecorder(pools PoolLookup, store domain.SnapshotStore, cfg Config, logger *slog.Logger, opts ...Option) *Recorder {
	tiers := cfg.Tiers
	if len(tiers) == 0 {
		tiers = DefaultTiers()
	}
	tol := cfg.TolerancePPM
	if tol <= 0 {
		tol = DefaultTolerancePPM
	}
	r := &Recorder{
		pools:  pools,
		store:  store,
		tiers:  tiers,
		tol:    tol,
		logger: logger.With(slog.String("component", "snapshot_recorder")),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Tiers returns the configured tiers, finest first.
func (r *Recorder) Tiers() []domain.SnapshotTier {
	return append([]domain.SnapshotTier(nil), r.tiers...)
}

// RecordIfDue upserts a snapshot for the bucket containing ts in every tier.
// Zero reserves and rates failing the reciprocal check are skipped without
// error; the latter is logged and audited.
func (r *Recorder) RecordIfDue(ctx context.Context, poolID string, reserve0, reserve1 *big.Int, ts time.Time, blockNumber uint64) (RecordResult, error) {
	p, err := r.pools.Pool(poolID)
	if err != nil {
		return RecordResult{}, fmt.Errorf("snapshot: record %s: %w", poolID, err)
	}
	dec0, dec1, err := r.decimals(p)
	if err != nil {
		return RecordResult{}, fmt.Errorf("snapshot: record %s: %w", poolID, err)
	}

	rate0, rate1, err := ExchangeRates(reserve0, reserve1, dec0, dec1)
	if err != nil {
		return RecordResult{Skipped: err}, nil
	}
	if err := CheckReciprocal(rate0, rate1, r.tol); err != nil {
		r.logger.WarnContext(ctx, "malformed snapshot skipped",
			slog.String("pool", poolID),
			slog.Uint64("block", blockNumber),
			slog.String("rate0", rate0.String()),
			slog.String("rate1", rate1.String()),
		)
		r.auditLog(ctx, "snapshot.malformed", map[string]any{
			"pool":     poolID,
			"block":    blockNumber,
			"reserve0": reserve0.String(),
			"reserve1": reserve1.String(),
			"rate0":    rate0.String(),
			"rate1":    rate1.String(),
		})
		return RecordResult{Skipped: err, Rate0: rate0, Rate1: rate1}, nil
	}

	res := RecordResult{Rate0: rate0, Rate1: rate1}
	now := r.now()
	var errs []error
	for _, tier := range r.tiers {
		snap := domain.PriceSnapshot{
			PoolID:        poolID,
			Tier:          tier.Name,
			Timestamp:     tier.Bucket(ts),
			ExchangeRate0: rate0,
			ExchangeRate1: rate1,
			Reserve0:      new(big.Int).Set(reserve0),
			Reserve1:      new(big.Int).Set(reserve1),
			BlockNumber:   blockNumber,
			UpdatedAt:     now,
		}
		if err := r.store.Upsert(ctx, snap); err != nil {
			errs = append(errs, fmt.Errorf("tier %s: %w", tier.Name, err))
			continue
		}
		res.Tiers = append(res.Tiers, tier.Name)
	}
	if len(errs) > 0 {
		return res, fmt.Errorf("snapshot: record %s: %w", poolID, errors.Join(errs...))
	}
	return res, nil
}

func (r *Recorder) decimals(p domain.Pool) (uint8, uint8, error) {
	t0, err := r.pools.Token(p.Token0ID)
	if err != nil {
		return 0, 0, err
	}
	t1, err := r.pools.Token(p.Token1ID)
	if err != nil {
		return 0, 0, err
	}
	return t0.Decimals, t1.Decimals, nil
}

func (r *Recorder) auditLog(ctx context.Context, event string, detail map[string]any) {
	if r.audit == nil {
		return
	}
	if err := r.audit.Log(ctx, event, detail); err != nil {
		r.logger.WarnContext(ctx, "audit log failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
