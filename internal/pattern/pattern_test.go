package pattern

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/simple-backtester/internal/candle"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func bar(i int, open, high, low, close, volume float64) candle.Candle {
	return candle.Candle{
		Timestamp: start.Add(time.Duration(i) * time.Hour),
		Open:      open, High: high, Low: low, Close: close, Volume: volume,
		Symbol: "BTCUSDT", Timeframe: "1h",
	}
}

func TestEngulfing(t *testing.T) {
	candles := []candle.Candle{
		bar(0, 105, 106, 99, 100, 10), // bearish
		bar(1, 99, 108, 98, 107, 20),  // bullish, engulfs 100..105
		bar(2, 108, 109, 96, 97, 10),  // bearish, engulfs 99..107
		bar(3, 97, 99, 96, 98, 10),    // small bullish, no engulf
	}

	matches := Engulfing(candles)
	require.Len(t, matches, 2)

	assert.Equal(t, 1, matches[0].Index)
	assert.Equal(t, Bullish, matches[0].Direction)
	assert.Equal(t, candles[1].Timestamp, matches[0].Timestamp)
	// ratio 8/5 halved, boosted by the volume surge
	assert.InDelta(t, 0.96, matches[0].Strength, 1e-9)

	assert.Equal(t, 2, matches[1].Index)
	assert.Equal(t, Bearish, matches[1].Direction)
	assert.InDelta(t, 11.0/8.0/2, matches[1].Strength, 1e-9)
}

func TestEngulfingSkipsUnusable(t *testing.T) {
	candles := []candle.Candle{
		bar(0, 105, 106, 99, 100, 10),
		bar(1, 99, 108, 98, math.NaN(), 20),
		bar(2, 99, 108, 98, 107, 20),
	}
	assert.Empty(t, Engulfing(candles))
	assert.Empty(t, Engulfing(candles[:1]))
}

func TestEngulfingStrengthBounds(t *testing.T) {
	prev := bar(0, 100, 100, 100, 100, 1)
	assert.Equal(t, StrengthWeak, engulfingStrength(bar(1, 90, 120, 90, 120, 1), prev))

	prev = bar(0, 101, 101, 100, 100, 1)
	assert.Equal(t, 1.0, engulfingStrength(bar(1, 90, 120, 90, 120, 10), prev))

	prev = bar(0, 110, 110, 100, 100, 1)
	assert.Equal(t, StrengthWeak, engulfingStrength(bar(1, 100, 110, 100, 100.5, 1), prev))
}
