package indicator

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func assertSeries(t *testing.T, expected, actual []float64) {
	t.Helper()
	if !assert.Equal(t, len(expected), len(actual), "length mismatch") {
		return
	}
	for i := range expected {
		if math.IsNaN(expected[i]) {
			assert.True(t, math.IsNaN(actual[i]), "expected NaN at index %d, got %v", i, actual[i])
			continue
		}
		assert.InDelta(t, expected[i], actual[i], 0.01, "mismatch at index %d", i)
	}
}

func TestWilderRSI(t *testing.T) {
	nan := math.NaN()
	tests := []struct {
		name     string
		prices   []float64
		period   int
		expected []float64
		isNil    bool
	}{
		{
			name:   "Basic RSI calculation",
			prices: []float64{10, 11, 12, 11, 10, 9, 10, 11, 12, 13, 14, 13, 12, 11, 12},
			period: 5,
			expected: []float64{
				nan, nan, nan, nan, nan,
				40.00, 52.00, 61.60, 69.28, 75.42, 80.34, 64.27, 51.42, 41.13, 52.91,
			},
		},
		{
			name:     "All increasing prices",
			prices:   []float64{10, 11, 12, 13, 14, 15, 16},
			period:   3,
			expected: []float64{nan, nan, nan, 100, 100, 100, 100},
		},
		{
			name:     "All decreasing prices",
			prices:   []float64{20, 19, 18, 17, 16, 15},
			period:   3,
			expected: []float64{nan, nan, nan, 0, 0, 0},
		},
		{
			name:     "Flat prices",
			prices:   []float64{10, 10, 10, 10, 10},
			period:   3,
			expected: []float64{nan, nan, nan, 100, 100},
		},
		{
			name:     "Alternating prices",
			prices:   []float64{10, 11, 10, 11, 10, 11, 10, 11, 10},
			period:   2,
			expected: []float64{nan, nan, 50.00, 75.00, 37.50, 68.75, 34.38, 67.19, 33.59},
		},
		{
			name:     "Extreme price changes",
			prices:   []float64{10, 100, 5, 200, 1, 300, 2, 400},
			period:   3,
			expected: []float64{nan, nan, nan, 75.00, 42.00, 70.88, 40.63, 67.99},
		},
		{name: "Insufficient data", prices: []float64{10, 11, 12}, period: 5, isNil: true},
		{name: "Exactly period prices", prices: []float64{10, 11, 12}, period: 3, isNil: true},
		{name: "Invalid period", prices: []float64{10, 11, 12, 13, 14}, period: 0, isNil: true},
		{name: "Empty prices", prices: []float64{}, period: 5, isNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := WilderRSI(tt.prices, tt.period)
			if tt.isNil {
				assert.Nil(t, result)
				return
			}
			assertSeries(t, tt.expected, result)
		})
	}
}

func TestRSI(t *testing.T) {
	nan := math.NaN()

	t.Run("rolling means", func(t *testing.T) {
		// gains: -, 1, 1, 0  losses: -, 0, 0, 1
		assertSeries(t, []float64{nan, 100, 100, 50}, RSI([]float64{10, 11, 12, 11}, 2))
	})

	t.Run("falling prices", func(t *testing.T) {
		assertSeries(t, []float64{nan, 0, 0}, RSI([]float64{3, 2, 1}, 14))
	})

	t.Run("no movement is undefined", func(t *testing.T) {
		assertSeries(t, []float64{nan, nan, nan}, RSI([]float64{5, 5, 5}, 2))
	})

	t.Run("single price", func(t *testing.T) {
		assertSeries(t, []float64{nan}, RSI([]float64{5}, 14))
	})

	t.Run("invalid window", func(t *testing.T) {
		assert.Nil(t, RSI([]float64{1, 2}, 0))
	})
}
