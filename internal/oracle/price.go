package oracle

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DivisionPrecision is the number of fractional digits kept when dividing
// normalized reserves.
const DivisionPrecision = 18

// HumanAmount converts a raw integer amount into token units.
func HumanAmount(raw *big.Int, decimals uint8) decimal.Decimal {
	if raw == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(raw, -int32(decimals))
}

// PriceFromReserves returns the USD price of a token from one pool:
//
//	(reserveCounter / 10^decCounter) / (reserveToken / 10^decToken) * counterPriceUSD
//
// Both reserves are normalized to token units before the division. This is
// the single price function used by the live pipeline, the repair tooling
// and the tests.
func PriceFromReserves(reserveToken, reserveCounter *big.Int, decToken, decCounter uint8, counterPriceUSD decimal.Decimal) (decimal.Decimal, error) {
	if reserveToken == nil || reserveCounter == nil || reserveToken.Sign() <= 0 || reserveCounter.Sign() <= 0 {
		return decimal.Zero, domain.ErrZeroReserve
	}
	tokenUnits := HumanAmount(reserveToken, decToken)
	counterUnits := HumanAmount(reserveCounter, decCounter)
	return counterUnits.Mul(counterPriceUSD).DivRound(tokenUnits, DivisionPrecision), nil
}
