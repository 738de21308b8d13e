package snapshot

import (
	"context"
	"fmt"
	"time"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

var timeframes = map[string]time.Duration{
	"1h":  time.Hour,
	"24h": 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
	"90d": 90 * 24 * time.Hour,
	"1y":  365 * 24 * time.Hour,
	"all": 0,
}

// ParseTimeframe returns the lookback of a history timeframe; "all" is 0.
func ParseTimeframe(s string) (time.Duration, error) {
	d, ok := timeframes[s]
	if !ok {
		return 0, fmt.Errorf("unknown timeframe %q: %w", s, domain.ErrInvalidArgument)
	}
	return d, nil
}

// tierFor picks the finest tier whose retention covers lookback. A zero
// lookback needs a tier that is never pruned.
func (r *Recorder) tierFor(lookback time.Duration) domain.SnapshotTier {
	for _, t := range r.tiers {
		if t.Retention == 0 {
			return t
		}
		if lookback > 0 && t.Retention >= lookback {
			return t
		}
	}
	return r.tiers[len(r.tiers)-1]
}

// PriceHistory returns the pool's price points over timeframe, oldest first.
// Price0 is the value of token0 in token1 units and Price1 its reciprocal.
func (r *Recorder) PriceHistory(ctx context.Context, poolID, timeframe string) ([]domain.PricePoint, error) {
	lookback, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, fmt.Errorf("snapshot: history %s: %w", poolID, err)
	}
	if _, err := r.pools.Pool(poolID); err != nil {
		return nil, fmt.Errorf("snapshot: history %s: %w", poolID, err)
	}
	tier := r.tierFor(lookback)
	now := r.now()
	var from int64
	if lookback > 0 {
		from = tier.Bucket(now.Add(-lookback))
	}
	snaps, err := r.store.ListRange(ctx, poolID, tier.Name, from, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("snapshot: history %s: %w", poolID, err)
	}
	points := make([]domain.PricePoint, 0, len(snaps))
	for _, s := range snaps {
		points = append(points, domain.PricePoint{
			Timestamp: s.Timestamp,
			Price0:    RateToDecimal(s.ExchangeRate0),
			Price1:    RateToDecimal(s.ExchangeRate1),
		})
	}
	return points, nil
}
