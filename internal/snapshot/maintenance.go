package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// Prune deletes snapshots older than each tier's retention. When an archiver
// is configured the rows are archived first and a failed archive leaves the
// tier untouched.
func (r *Recorder) Prune(ctx context.Context, now time.Time) (int64, error) {
	var (
		total int64
		errs  []error
	)
	for _, tier := range r.tiers {
		if tier.Retention <= 0 {
			continue
		}
		cutoff := tier.Bucket(now.Add(-tier.Retention))
		if r.archiver != nil {
			n, err := r.archiver.ArchiveSnapshots(ctx, tier.Name, cutoff)
			if err != nil {
				errs = append(errs, fmt.Errorf("archive tier %s: %w", tier.Name, err))
				continue
			}
			if n > 0 {
				r.logger.InfoContext(ctx, "snapshots archived",
					slog.String("tier", tier.Name),
					slog.Int64("count", n),
				)
			}
		}
		n, err := r.store.DeleteBefore(ctx, tier.Name, cutoff)
		if err != nil {
			errs = append(errs, fmt.Errorf("prune tier %s: %w", tier.Name, err))
			continue
		}
		total += n
		if n > 0 {
			r.auditLog(ctx, "snapshot.pruned", map[string]any{
				"tier":    tier.Name,
				"before":  cutoff,
				"deleted": n,
			})
		}
	}
	r.logger.InfoContext(ctx, "snapshot prune complete", slog.Int64("deleted", total))
	if len(errs) > 0 {
		return total, fmt.Errorf("snapshot: prune: %w", errors.Join(errs...))
	}
	return total, nil
}

// RepairResult summarizes a repair run.
type RepairResult struct {
	Checked   int
	Rewritten int
	Deleted   int
}

// Repair re-derives stored snapshots of poolID (every pool when empty)
// between from and to from their stored reserves. Rows whose rates differ are
// rewritten and rows that fail the reciprocal check are deleted.
func (r *Recorder) Repair(ctx context.Context, poolID string, from, to time.Time) (RepairResult, error) {
	var pools []domain.Pool
	if poolID == "" {
		pools = r.pools.Pools()
	} else {
		p, err := r.pools.Pool(poolID)
		if err != nil {
			return RepairResult{}, fmt.Errorf("snapshot: repair %s: %w", poolID, err)
		}
		pools = []domain.Pool{p}
	}

	var res RepairResult
	for _, p := range pools {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		dec0, dec1, err := r.decimals(p)
		if err != nil {
			return res, fmt.Errorf("snapshot: repair %s: %w", p.ID, err)
		}
		for _, tier := range r.tiers {
			snaps, err := r.store.ListRange(ctx, p.ID, tier.Name, from.Unix(), to.Unix())
			if err != nil {
				return res, fmt.Errorf("snapshot: repair %s: %w", p.ID, err)
			}
			for _, s := range snaps {
				res.Checked++
				if err := r.repairOne(ctx, s, dec0, dec1, &res); err != nil {
					return res, fmt.Errorf("snapshot: repair %s: %w", p.ID, err)
				}
			}
		}
	}
	r.auditLog(ctx, "snapshot.repaired", map[string]any{
		"pool":      poolID,
		"from":      from.Unix(),
		"to":        to.Unix(),
		"checked":   res.Checked,
		"rewritten": res.Rewritten,
		"deleted":   res.Deleted,
	})
	r.logger.InfoContext(ctx, "snapshot repair complete",
		slog.Int("checked", res.Checked),
		slog.Int("rewritten", res.Rewritten),
		slog.Int("deleted", res.Deleted),
	)
	return res, nil
}

func (r *Recorder) repairOne(ctx context.Context, s domain.PriceSnapshot, dec0, dec1 uint8, res *RepairResult) error {
	rate0, rate1, err := ExchangeRates(s.Reserve0, s.Reserve1, dec0, dec1)
	if err != nil {
		// No usable reserves: keep the row only if its stored rates are sane.
		if CheckReciprocal(s.ExchangeRate0, s.ExchangeRate1, r.tol) == nil {
			return nil
		}
		return r.deleteSnapshot(ctx, s, res)
	}
	if CheckReciprocal(rate0, rate1, r.tol) != nil {
		return r.deleteSnapshot(ctx, s, res)
	}
	if s.ExchangeRate0 != nil && s.ExchangeRate1 != nil &&
		s.ExchangeRate0.Cmp(rate0) == 0 && s.ExchangeRate1.Cmp(rate1) == 0 {
		return nil
	}
	s.ExchangeRate0 = rate0
	s.ExchangeRate1 = rate1
	s.UpdatedAt = r.now()
	if err := r.store.Upsert(ctx, s); err != nil {
		return err
	}
	res.Rewritten++
	return nil
}

func (r *Recorder) deleteSnapshot(ctx context.Context, s domain.PriceSnapshot, res *RepairResult) error {
	if err := r.store.Delete(ctx, s.PoolID, s.Tier, s.Timestamp); err != nil {
		return err
	}
	res.Deleted++
	return nil
}
