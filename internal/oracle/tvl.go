package oracle

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// PoolTVL returns the USD value locked in a pool. When only one side has a
// price the pool is valued at twice that side.
func (o *Oracle) PoolTVL(ctx context.Context, poolID string) (decimal.Decimal, error) {
	p, err := o.reserves.Pool(poolID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("oracle: pool tvl %s: %w", poolID, err)
	}
	v0, ok0 := o.sideValue(ctx, p.Token0ID, p)
	v1, ok1 := o.sideValue(ctx, p.Token1ID, p)
	switch {
	case ok0 && ok1:
		return v0.Add(v1), nil
	case ok0:
		return v0.Mul(decimal.NewFromInt(2)), nil
	case ok1:
		return v1.Mul(decimal.NewFromInt(2)), nil
	default:
		return decimal.Zero, fmt.Errorf("oracle: pool tvl %s: %w", poolID, domain.ErrPriceUnavailable)
	}
}

// ProtocolTVL sums the TVL of every pool whose value is known.
func (o *Oracle) ProtocolTVL(ctx context.Context) decimal.Decimal {
	total := decimal.Zero
	for _, p := range o.reserves.Pools() {
		v, err := o.PoolTVL(ctx, p.ID)
		if err != nil {
			continue
		}
		total = total.Add(v)
	}
	return total
}

func (o *Oracle) sideValue(ctx context.Context, tokenID string, p domain.Pool) (decimal.Decimal, bool) {
	tok, err := o.reserves.Token(tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	price, _, err := o.GetTokenPriceUSD(ctx, tokenID)
	if err != nil {
		return decimal.Zero, false
	}
	raw := p.Reserve0
	if p.Token1ID == tokenID {
		raw = p.Reserve1
	}
	return HumanAmount(raw, tok.Decimals).Mul(price), true
}
