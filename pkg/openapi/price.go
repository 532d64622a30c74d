package openapi

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of decimal places in a raw integer price.
// Spot, depth and trendbar prices arrive in 1/100000 units.
const PriceScale = 5

// Price converts a raw integer price into a decimal.
func Price(raw int64) decimal.Decimal { return decimal.New(raw, -PriceScale) }

// PriceU converts an unsigned raw price into a decimal.
func PriceU(raw uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(raw), -PriceScale)
}

// RawPrice converts a decimal price into raw units, rounding half away from zero.
func RawPrice(p decimal.Decimal) int64 {
	return p.Shift(PriceScale).Round(0).IntPart()
}

// PriceFloat converts a decimal to the float64 the order messages carry,
// rounded to digits places.
func PriceFloat(p decimal.Decimal, digits int32) float64 {
	f, _ := p.Round(digits).Float64()
	return f
}
