package oracle

import (
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

type route struct {
	poolID    string
	price     decimal.Decimal
	liquidity decimal.Decimal
}

// better reports whether r should replace cur: deeper counterpart liquidity
// wins, ties go to the lower pool ID.
func (r route) better(cur *route) bool {
	if cur == nil {
		return true
	}
	if c := r.liquidity.Cmp(cur.liquidity); c != 0 {
		return c > 0
	}
	return r.poolID < cur.poolID
}

// resolve prices tokenID using at most hops pool hops. It reads live
// reserves and has no side effects.
func (o *Oracle) resolve(tokenID string, hops int, visiting map[string]bool) (decimal.Decimal, error) {
	if ref, ok := o.refs[tokenID]; ok {
		if ref.Mode == domain.ReferencePinned {
			return ref.PinnedPrice, nil
		}
		return o.resolveDerivedReference(tokenID)
	}
	if hops < 1 {
		return decimal.Zero, domain.ErrNoPriceRoute
	}
	tok, err := o.reserves.Token(tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	pools := o.reserves.PoolsForToken(tokenID)

	var best *route
	for _, p := range pools {
		other := counterpart(p, tokenID)
		if !o.IsReference(other) {
			continue
		}
		otherPrice, err := o.resolve(other, 0, visiting)
		if err != nil {
			continue
		}
		if r, ok := o.routeVia(tok, p, other, otherPrice); ok && r.better(best) {
			best = &r
		}
	}
	if best != nil {
		return best.price, nil
	}
	if hops < 2 {
		return decimal.Zero, domain.ErrNoPriceRoute
	}

	for _, p := range pools {
		other := counterpart(p, tokenID)
		if o.IsReference(other) || visiting[other] {
			continue
		}
		visiting[other] = true
		otherPrice, err := o.resolve(other, hops-1, visiting)
		delete(visiting, other)
		if err != nil {
			continue
		}
		if r, ok := o.routeVia(tok, p, other, otherPrice); ok && r.better(best) {
			best = &r
		}
	}
	if best == nil {
		return decimal.Zero, domain.ErrNoPriceRoute
	}
	return best.price, nil
}

// resolveDerivedReference prices a derived reference asset against pinned
// references only.
func (o *Oracle) resolveDerivedReference(tokenID string) (decimal.Decimal, error) {
	tok, err := o.reserves.Token(tokenID)
	if err != nil {
		return decimal.Zero, err
	}
	var best *route
	for _, p := range o.reserves.PoolsForToken(tokenID) {
		other := counterpart(p, tokenID)
		ref, ok := o.refs[other]
		if !ok || ref.Mode != domain.ReferencePinned {
			continue
		}
		if r, ok := o.routeVia(tok, p, other, ref.PinnedPrice); ok && r.better(best) {
			best = &r
		}
	}
	if best == nil {
		return decimal.Zero, domain.ErrNoPriceRoute
	}
	return best.price, nil
}

func (o *Oracle) routeVia(tok domain.Token, p domain.Pool, otherID string, otherPrice decimal.Decimal) (route, bool) {
	other, err := o.reserves.Token(otherID)
	if err != nil {
		return route{}, false
	}
	reserveToken, reserveOther := p.Reserve0, p.Reserve1
	if p.Token1ID == tok.ID {
		reserveToken, reserveOther = p.Reserve1, p.Reserve0
	}
	price, err := PriceFromReserves(reserveToken, reserveOther, tok.Decimals, other.Decimals, otherPrice)
	if err != nil {
		return route{}, false
	}
	return route{
		poolID:    p.ID,
		price:     price,
		liquidity: HumanAmount(reserveOther, other.Decimals).Mul(otherPrice),
	}, true
}
