package ledger

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func fill(minute int, symbol string, side Side, amount, price float64) Fill {
	return Fill{
		Timestamp: t0.Add(time.Duration(minute) * time.Minute),
		Symbol:    symbol,
		Side:      side,
		Amount:    amount,
		Price:     price,
	}
}

func TestFIFOExample(t *testing.T) {
	l := New()
	for _, f := range []Fill{
		fill(0, "BTCUSDT", Buy, 10, 100),
		fill(1, "BTCUSDT", Buy, 5, 110),
	} {
		r, err := l.Apply(f)
		require.NoError(t, err)
		assert.Nil(t, r)
	}

	r, err := l.Apply(fill(2, "BTCUSDT", Sell, 12, 120))
	require.NoError(t, err)
	require.NotNil(t, r)

	assert.InDelta(t, 220, r.PnL, 1e-9)
	assert.InDelta(t, 1220, r.CostBasis, 1e-9)
	assert.InDelta(t, 1440, r.Proceeds, 1e-9)
	assert.InDelta(t, 12, r.Matched, 1e-9)
	assert.Equal(t, 0.0, r.Unmatched)
	assert.Equal(t, "BTCUSDT", r.Symbol)
	assert.Equal(t, t0.Add(2*time.Minute), r.Timestamp)

	assert.Equal(t, []Lot{{Amount: 3, Price: 110}}, l.OpenLots("BTCUSDT"))
}

func TestComputeRealizedPnL(t *testing.T) {
	t.Run("one record per sell in input order", func(t *testing.T) {
		fills := []Fill{
			fill(0, "ETHUSDT", Buy, 2, 1000),
			fill(1, "BTCUSDT", Buy, 1, 100),
			fill(2, "BTCUSDT", Sell, 1, 90),
			fill(3, "ETHUSDT", Sell, 1, 1100),
			fill(4, "ETHUSDT", Sell, 1, 1200),
		}
		rs, err := ComputeRealizedPnL(fills)
		require.NoError(t, err)

		require.Len(t, rs, 3)
		assert.Equal(t, "BTCUSDT", rs[0].Symbol)
		assert.InDelta(t, -10, rs[0].PnL, 1e-9)
		assert.InDelta(t, 100, rs[1].PnL, 1e-9)
		assert.InDelta(t, 200, rs[2].PnL, 1e-9)

		cum := Cumulative(rs)
		assert.InDeltaSlice(t, []float64{-10, 90, 290}, cum, 1e-9)
	})

	t.Run("symbols are independent", func(t *testing.T) {
		rs, err := ComputeRealizedPnL([]Fill{
			fill(0, "AAA", Buy, 1, 10),
			fill(1, "BBB", Sell, 1, 50),
		})
		require.NoError(t, err)
		require.Len(t, rs, 1)
		assert.Equal(t, 0.0, rs[0].PnL)
		assert.Equal(t, 0.0, rs[0].Matched)
		assert.InDelta(t, 1, rs[0].Unmatched, 1e-12)
	})

	t.Run("oversized sell truncates", func(t *testing.T) {
		l := New()
		_, err := l.Apply(fill(0, "AAA", Buy, 2, 10))
		require.NoError(t, err)
		r, err := l.Apply(fill(1, "AAA", Sell, 5, 12))
		require.NoError(t, err)

		assert.InDelta(t, 4, r.PnL, 1e-9)
		assert.InDelta(t, 2, r.Matched, 1e-9)
		assert.InDelta(t, 3, r.Unmatched, 1e-9)
		assert.Empty(t, l.OpenLots("AAA"))
		assert.Empty(t, l.Symbols())
	})

	t.Run("strict rejects oversized sell and keeps lots", func(t *testing.T) {
		l := New(Strict())
		_, err := l.Apply(fill(0, "AAA", Buy, 2, 10))
		require.NoError(t, err)

		_, err = l.Apply(fill(1, "AAA", Sell, 2.5, 12))
		assert.ErrorIs(t, err, ErrInsufficientLots)
		assert.Equal(t, []Lot{{Amount: 2, Price: 10}}, l.OpenLots("AAA"))

		r, err := l.Apply(fill(2, "AAA", Sell, 2, 12))
		require.NoError(t, err)
		assert.InDelta(t, 4, r.PnL, 1e-9)
	})

	t.Run("strict through the batch helper", func(t *testing.T) {
		_, err := ComputeRealizedPnL([]Fill{fill(0, "AAA", Sell, 1, 1)}, Strict())
		assert.ErrorIs(t, err, ErrInsufficientLots)
	})

	t.Run("empty input", func(t *testing.T) {
		rs, err := ComputeRealizedPnL(nil)
		require.NoError(t, err)
		assert.Empty(t, rs)
		assert.Empty(t, Cumulative(rs))
	})
}

func TestFees(t *testing.T) {
	buy := fill(0, "AAA", Buy, 4, 100)
	buy.Fee = 4
	sell := fill(1, "AAA", Sell, 2, 110)
	sell.Fee = 1

	l := New()
	_, err := l.Apply(buy)
	require.NoError(t, err)
	r, err := l.Apply(sell)
	require.NoError(t, err)

	// half of the buy fee follows the matched half of the lot
	assert.InDelta(t, 202, r.CostBasis, 1e-9)
	assert.InDelta(t, 219, r.Proceeds, 1e-9)
	assert.InDelta(t, 17, r.PnL, 1e-9)

	r, err = l.Apply(fill(2, "AAA", Sell, 2, 100))
	require.NoError(t, err)
	assert.InDelta(t, -2, r.PnL, 1e-9)
}

func TestDustLotsAreClosed(t *testing.T) {
	l := New()
	_, err := l.Apply(fill(0, "AAA", Buy, 0.3, 10))
	require.NoError(t, err)
	_, err = l.Apply(fill(1, "AAA", Buy, 1, 20))
	require.NoError(t, err)

	r, err := l.Apply(fill(2, "AAA", Sell, 0.3-1e-10, 30))
	require.NoError(t, err)
	assert.Equal(t, 0.0, r.Unmatched)
	assert.Equal(t, []Lot{{Amount: 1, Price: 20}}, l.OpenLots("AAA"))
}

func TestInvalidFills(t *testing.T) {
	tests := []struct {
		name string
		f    Fill
	}{
		{"zero amount", fill(0, "AAA", Buy, 0, 10)},
		{"negative price", fill(0, "AAA", Buy, 1, -10)},
		{"NaN price", fill(0, "AAA", Sell, 1, math.NaN())},
		{"unknown side", fill(0, "AAA", Side("short"), 1, 10)},
		{"negative fee", Fill{Symbol: "AAA", Side: Buy, Amount: 1, Price: 1, Fee: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New().Apply(tt.f)
			assert.ErrorIs(t, err, ErrInvalidFill)
		})
	}
}

func TestParseSide(t *testing.T) {
	for in, want := range map[string]Side{"buy": Buy, "BUY": Buy, " Sell ": Sell, "SELL (SL)": Sell} {
		got, err := ParseSide(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSide("hold")
	assert.ErrorIs(t, err, ErrInvalidFill)
}
