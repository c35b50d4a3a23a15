// Package signal defines the per-bar trading signal contract and ships a few
// reference generators.
package signal

import (
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
)

// Signal is the desired exposure for one bar.
type Signal int8

const (
	Sell Signal = -1
	Flat Signal = 0
	Buy  Signal = 1
)

// Coerce maps any value outside {-1, 0, 1} to Flat.
func Coerce(v int) Signal {
	switch v {
	case -1:
		return Sell
	case 1:
		return Buy
	default:
		return Flat
	}
}

func (s Signal) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "flat"
	}
}

// Point is the signal for the bar opening at Timestamp. Value is kept raw so
// that producers can hand over anything; consumers read it through Signal.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     int       `json:"value"`
}

func (p Point) Signal() Signal { return Coerce(p.Value) }

// Series is a signal series aligned with a candle series.
type Series []Point

// Index maps unix nanoseconds to the coerced signal
func (s Series) Index() map[int64]Signal {
	idx := make(map[int64]Signal, len(s))
	for _, p := range s {
		idx[p.Timestamp.UnixNano()] = p.Signal()
	}
	return idx
}

// Values returns the coerced signals in order
func (s Series) Values() []Signal {
	out := make([]Signal, len(s))
	for i, p := range s {
		out[i] = p.Signal()
	}
	return out
}

// FromValues builds a series over the candles' timestamps. Extra values are
// ignored and missing ones read as Flat.
func FromValues(candles []candle.Candle, values []int) Series {
	s := make(Series, len(candles))
	for i, c := range candles {
		s[i].Timestamp = c.Timestamp
		if i < len(values) {
			s[i].Value = values[i]
		}
	}
	return s
}

// Func maps a price series to a signal series of the same length and order.
// Implementations must be pure.
type Func func(candles []candle.Candle) (Series, error)
