package pattern

import (
	"math"

	"github.com/amirphl/simple-backtester/internal/candle"
)

// Engulfing finds bars whose body covers the opposite-colored body of the
// previous bar. Pairs with an unusable candle are skipped.
func Engulfing(candles []candle.Candle) []Match {
	var matches []Match
	for i := 1; i < len(candles); i++ {
		current, previous := candles[i], candles[i-1]
		if !usable(current) || !usable(previous) {
			continue
		}
		if bodyHigh(current) < bodyHigh(previous) || bodyLow(current) > bodyLow(previous) {
			continue
		}

		var dir Direction
		switch {
		case isBullish(current) && isBearish(previous):
			dir = Bullish
		case isBearish(current) && isBullish(previous):
			dir = Bearish
		default:
			continue
		}

		matches = append(matches, Match{
			Index:     i,
			Pattern:   "engulfing",
			Direction: dir,
			Strength:  engulfingStrength(current, previous),
			Timestamp: current.Timestamp,
		})
	}
	return matches
}

// engulfingStrength grows with the body ratio, with boosts for a volume
// surge and for a body more than three times the previous one.
func engulfingStrength(current, previous candle.Candle) float64 {
	prevBody := bodySize(previous)
	if prevBody == 0 {
		return StrengthWeak
	}

	ratio := bodySize(current) / prevBody
	strength := math.Min(ratio/2, 1)
	if current.Volume > previous.Volume*1.5 {
		strength = math.Min(strength*1.2, 1)
	}
	if ratio > 3 {
		strength = math.Min(strength*1.3, 1)
	}
	return math.Max(strength, StrengthWeak)
}
