package domain

import (
	"errors"
	"math"
	"math/rand"
	"reflect"
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePrice(t *testing.T) {
	cases := []struct {
		in   string
		want Price
	}{
		{"274.52", 2745200},
		{"274.5200", 2745200},
		{"0.0001", 1},
		{"-3.5", -35000},
		{"100", 1000000},
	}
	for _, c := range cases {
		got, err := ParsePrice(c.in)
		require.NoError(t, err, c.in)
		assert.Equal(t, c.want, got, c.in)
	}
}

func TestParsePriceRejectsExtraDigits(t *testing.T) {
	for _, in := range []string{"274.52001", "0.00001", "", "abc", "1e3"} {
		_, err := ParsePrice(in)
		require.Error(t, err, in)
		assert.True(t, errors.Is(err, ErrInvalidPrice), in)
	}
}

func TestPriceFloatRoundTrip(t *testing.T) {
	for _, p := range []Price{0, 1, -1, 2745200, 2743800, 123456789, -987654321, 99999999999} {
		assert.Equal(t, p, PriceFromFloat(p.Float()), "price %d", p)
		back, err := ParsePrice(p.String())
		require.NoError(t, err)
		assert.Equal(t, p, back)
	}
}

func TestPriceFromFloatSentinels(t *testing.T) {
	assert.Equal(t, Price(0), PriceFromFloat(1.7976931348623157e308))
	assert.Equal(t, Price(2745200), PriceFromFloat(274.52))
}

func TestPriceString(t *testing.T) {
	assert.Equal(t, "274.52", Price(2745200).String())
	assert.Equal(t, "-0.0001", Price(-1).String())
}

func TestPriceMulRatio(t *testing.T) {
	// 274.52 * 1000 * 0.08 = 21961.6
	notional := MustParsePrice("274.52").Mul(1000)
	assert.Equal(t, MustParsePrice("21961.6"), notional.MulRatio(0.08))
}

func TestParsePriceRange(t *testing.T) {
	for _, in := range []string{"1000000000000000", "-1000000000000000", "922337203685477.5808", "-922337203685477.5809"} {
		_, err := ParsePrice(in)
		assert.ErrorIs(t, err, ErrInvalidPrice, in)
	}
	p, err := ParsePrice("922337203685477.5807")
	require.NoError(t, err)
	assert.Equal(t, Price(math.MaxInt64), p)
	p, err = ParsePrice("-922337203685477.5808")
	require.NoError(t, err)
	assert.Equal(t, Price(math.MinInt64), p)
}

func TestPriceMulRatioSaturates(t *testing.T) {
	assert.Equal(t, Price(math.MaxInt64), Price(math.MaxInt64/2).MulRatio(4))
	assert.Equal(t, Price(math.MinInt64), Price(math.MaxInt64/2).MulRatio(-4))
}

func TestPriceStringRoundTripProperty(t *testing.T) {
	roundTrip := func(v int64) bool {
		back, err := ParsePrice(Price(v).String())
		return err == nil && back == Price(v)
	}
	require.NoError(t, quick.Check(roundTrip, &quick.Config{MaxCount: 5000}))
}

func TestPriceFloatRoundTripProperty(t *testing.T) {
	// Floats carry the four fractional digits exactly below 2^53 units.
	cfg := &quick.Config{
		MaxCount: 5000,
		Rand:     rand.New(rand.NewSource(1)),
		Values: func(args []reflect.Value, r *rand.Rand) {
			args[0] = reflect.ValueOf(r.Int63n(1<<50) - 1<<49)
		},
	}
	roundTrip := func(v int64) bool {
		return PriceFromFloat(Price(v).Float()) == Price(v)
	}
	require.NoError(t, quick.Check(roundTrip, cfg))
}
