// Package candle
package candle

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/amirphl/simple-backtester/internal/tfutils"
)

// Candle is one OHLCV bar. Engines borrow candles read-only.
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Symbol    string    `json:"symbol"`
	Timeframe string    `json:"timeframe"`
	Source    string    `json:"source"`
}

// Validate checks if a candle has valid data
func (c *Candle) Validate() error {
	if c.Timestamp.IsZero() {
		return errors.New("candle timestamp is zero")
	}
	if c.Open <= 0 || c.High <= 0 || c.Low <= 0 || c.Close <= 0 {
		return errors.New("candle prices must be positive")
	}
	if c.High < c.Low {
		return errors.New("candle high cannot be less than low")
	}
	if c.Open < c.Low || c.Open > c.High {
		return errors.New("candle open price must be between high and low")
	}
	if c.Close < c.Low || c.Close > c.High {
		return errors.New("candle close price must be between high and low")
	}
	if c.Volume < 0 {
		return errors.New("candle volume cannot be negative")
	}
	if c.Symbol == "" {
		return errors.New("candle symbol cannot be empty")
	}
	if c.Timeframe == "" {
		return errors.New("candle timeframe cannot be empty")
	}
	return nil
}

// Price returns v when it is a usable price, otherwise 0.
// NaN, infinities and non-positive values are not usable.
func Price(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0
	}
	return v
}

// Sort orders candles by timestamp in place
func Sort(candles []Candle) {
	sort.SliceStable(candles, func(i, j int) bool {
		return candles[i].Timestamp.Before(candles[j].Timestamp)
	})
}

// IsStrictlyIncreasing reports whether timestamps are unique and ascending
func IsStrictlyIncreasing(candles []Candle) bool {
	for i := 1; i < len(candles); i++ {
		if !candles[i].Timestamp.After(candles[i-1].Timestamp) {
			return false
		}
	}
	return true
}

// Closes extracts close prices
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Normalize sorts, truncates timestamps to the timeframe, keeps the first candle
// of each timestamp and trims to [start, to). When fillGaps is set, missing bars
// between the first and last candle are synthesized flat at the previous close.
func Normalize(candles []Candle, symbol, timeframe string, start, to time.Time, fillGaps bool) []Candle {
	if len(candles) == 0 {
		return nil
	}

	duration := tfutils.GetTimeframeDuration(timeframe)

	sorted := make([]Candle, len(candles))
	copy(sorted, candles)
	Sort(sorted)

	seen := make(map[time.Time]bool, len(sorted))
	trimmed := make([]Candle, 0, len(sorted))
	for _, c := range sorted {
		if duration > 0 {
			c.Timestamp = c.Timestamp.Truncate(duration)
		}
		if seen[c.Timestamp] {
			continue
		}
		seen[c.Timestamp] = true
		if c.Timestamp.Before(start) || !c.Timestamp.Before(to) {
			continue
		}
		trimmed = append(trimmed, c)
	}

	if !fillGaps || duration == 0 || len(trimmed) == 0 {
		return trimmed
	}

	complete := make([]Candle, 0, len(trimmed))
	basePrice := trimmed[0].Close
	last := trimmed[len(trimmed)-1].Timestamp
	i := 0
	for current := trimmed[0].Timestamp; !current.After(last); current = current.Add(duration) {
		if i < len(trimmed) && trimmed[i].Timestamp.Equal(current) {
			complete = append(complete, trimmed[i])
			basePrice = trimmed[i].Close
			i++
			continue
		}
		complete = append(complete, Candle{
			Timestamp: current,
			Open:      basePrice,
			High:      basePrice,
			Low:       basePrice,
			Close:     basePrice,
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    "synthetic",
		})
	}

	return complete
}
