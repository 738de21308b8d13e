package snapshot

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/dexpricer/internal/domain"
)

// DefaultTolerancePPM is the default reciprocal tolerance in parts per
// million. Integer truncation of small rates alone can exceed 1 ppm.
const DefaultTolerancePPM = 1000

var (
	ten        = big.NewInt(10)
	million    = big.NewInt(1_000_000)
	rateSquare = new(big.Int).Mul(domain.RateScale, domain.RateScale)
)

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(ten, big.NewInt(int64(n)), nil)
}

// ExchangeRates computes the 1e18-scaled exchange rates of a pool with
// integer arithmetic only:
//
//	rate0 = reserve1 * 1e18 * 10^dec0 / (reserve0 * 10^dec1)
//	rate1 = reserve0 * 1e18 * 10^dec1 / (reserve1 * 10^dec0)
//
// rate0 is the value of one token0 in token1 units.
func ExchangeRates(reserve0, reserve1 *big.Int, dec0, dec1 uint8) (*big.Int, *big.Int, error) {
	if reserve0 == nil || reserve1 == nil || reserve0.Sign() <= 0 || reserve1.Sign() <= 0 {
		return nil, nil, domain.ErrZeroReserve
	}
	s0 := pow10(dec0)
	s1 := pow10(dec1)

	num0 := new(big.Int).Mul(reserve1, domain.RateScale)
	num0.Mul(num0, s0)
	den0 := new(big.Int).Mul(reserve0, s1)
	rate0 := new(big.Int).Quo(num0, den0)

	num1 := new(big.Int).Mul(reserve0, domain.RateScale)
	num1.Mul(num1, s1)
	den1 := new(big.Int).Mul(reserve1, s0)
	rate1 := new(big.Int).Quo(num1, den1)

	return rate0, rate1, nil
}

// CheckReciprocal verifies rate0*rate1 is within tolerancePPM parts per
// million of 1e36.
func CheckReciprocal(rate0, rate1 *big.Int, tolerancePPM int64) error {
	if rate0 == nil || rate1 == nil || rate0.Sign() <= 0 || rate1.Sign() <= 0 {
		return fmt.Errorf("non-positive rate: %w", domain.ErrMalformedSnapshot)
	}
	product := new(big.Int).Mul(rate0, rate1)
	diff := new(big.Int).Sub(product, rateSquare)
	diff.Abs(diff)
	diff.Mul(diff, million)

	limit := new(big.Int).Mul(rateSquare, big.NewInt(tolerancePPM))
	if diff.Cmp(limit) > 0 {
		return fmt.Errorf("rate0*rate1=%s deviates from 1e36: %w", product, domain.ErrMalformedSnapshot)
	}
	return nil
}

// RateToDecimal converts a 1e18-scaled rate into a decimal price.
func RateToDecimal(rate *big.Int) decimal.Decimal {
	if rate == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(rate, -18)
}
