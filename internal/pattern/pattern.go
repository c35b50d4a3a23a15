// Package pattern detects candlestick patterns on candle series.
package pattern

import (
	"math"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
)

type Direction string

const (
	Bullish Direction = "bullish"
	Bearish Direction = "bearish"
)

const (
	StrengthWeak   = 0.3
	StrengthMedium = 0.6
	StrengthStrong = 0.9
)

// Match is one detected pattern ending at Index. Strength is in [StrengthWeak, 1].
type Match struct {
	Index     int       `json:"index"`
	Pattern   string    `json:"pattern"`
	Direction Direction `json:"direction"`
	Strength  float64   `json:"strength"`
	Timestamp time.Time `json:"timestamp"`
}

// usable reports whether all OHLC prices are usable and consistent
func usable(c candle.Candle) bool {
	for _, v := range []float64{c.Open, c.High, c.Low, c.Close} {
		if candle.Price(v) == 0 {
			return false
		}
	}
	return c.High >= c.Low &&
		c.Open >= c.Low && c.Open <= c.High &&
		c.Close >= c.Low && c.Close <= c.High
}

func bodySize(c candle.Candle) float64 { return math.Abs(c.Close - c.Open) }

func bodyHigh(c candle.Candle) float64 { return math.Max(c.Open, c.Close) }

func bodyLow(c candle.Candle) float64 { return math.Min(c.Open, c.Close) }

func isBullish(c candle.Candle) bool { return c.Close > c.Open }

func isBearish(c candle.Candle) bool { return c.Close < c.Open }
