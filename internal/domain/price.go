// Package domain defines the core value types shared across the trading
// engine: fixed-point prices, instruments, market data, orders, fills,
// positions and account money.
package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// PriceScale is the number of Price units in one unit of currency.
const PriceScale = 10000

const priceFractionDigits = 4

// maxFloatPrice bounds broker-supplied floats; larger values are vendor
// placeholders for "no price".
const maxFloatPrice = 1e14

// ErrInvalidPrice is returned when a price string cannot be parsed.
var ErrInvalidPrice = errors.New("invalid price")

// Price is a signed fixed-point amount in units of 1/10000 of the base
// currency. All arithmetic on prices is integer arithmetic.
type Price int64

// ParsePrice parses a decimal string such as "274.52". More than four
// fractional digits is an error.
func ParsePrice(s string) (Price, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("%w: empty string", ErrInvalidPrice)
	}
	if strings.ContainsAny(s, "eE") {
		return 0, fmt.Errorf("%w: %q uses exponent notation", ErrInvalidPrice, s)
	}
	if i := strings.IndexByte(s, '.'); i >= 0 && len(s)-i-1 > priceFractionDigits {
		return 0, fmt.Errorf("%w: %q has more than %d fractional digits", ErrInvalidPrice, s, priceFractionDigits)
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidPrice, err)
	}
	p, ok := scaled(d.Shift(priceFractionDigits))
	if !ok {
		return 0, fmt.Errorf("%w: %q out of range", ErrInvalidPrice, s)
	}
	return p, nil
}

var (
	maxScaled = decimal.NewFromInt(math.MaxInt64)
	minScaled = decimal.NewFromInt(math.MinInt64)
)

// scaled converts an integral amount of Price units, reporting false when it
// does not fit in an int64.
func scaled(d decimal.Decimal) (Price, bool) {
	if d.GreaterThan(maxScaled) || d.LessThan(minScaled) {
		return 0, false
	}
	return Price(d.IntPart()), true
}

// MustParsePrice is ParsePrice for constants; it panics on error.
func MustParsePrice(s string) Price {
	p, err := ParsePrice(s)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceFromFloat converts a broker float to a Price, rounding to the nearest
// unit. NaN, infinities and vendor "unset" sentinels map to zero.
func PriceFromFloat(f float64) Price {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxFloatPrice {
		return 0
	}
	return Price(decimal.NewFromFloat(f).Shift(priceFractionDigits).Round(0).IntPart())
}

// Float returns p in currency units.
func (p Price) Float() float64 {
	return float64(p) / PriceScale
}

// Decimal returns p as an exact decimal in currency units.
func (p Price) Decimal() decimal.Decimal {
	return decimal.New(int64(p), -priceFractionDigits)
}

// String prints p in currency units without trailing zeros.
func (p Price) String() string {
	return p.Decimal().String()
}

// Mul multiplies p by an integer quantity.
func (p Price) Mul(n int64) Price {
	return p * Price(n)
}

// MulRatio multiplies p by a floating ratio and rounds to the nearest unit.
// Results beyond the int64 range saturate.
func (p Price) MulRatio(r float64) Price {
	d := p.Decimal().Mul(decimal.NewFromFloat(r)).Shift(priceFractionDigits).Round(0)
	if v, ok := scaled(d); ok {
		return v
	}
	if d.IsPositive() {
		return math.MaxInt64
	}
	return math.MinInt64
}
