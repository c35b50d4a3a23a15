// Package backtest simulates long-only strategies bar by bar over candle
// series, for one instrument (Run) or a shared-cash portfolio (RunPortfolio).
package backtest

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/signal"
)

var (
	ErrInvalidParams = errors.New("invalid backtest parameters")
	ErrMisaligned    = errors.New("price and signal series are misaligned")
)

// Side of a simulated fill
type Side string

const (
	SideBuy      Side = "BUY"
	SideSell     Side = "SELL"
	SideStopLoss Side = "SELL (SL)"
)

// IsSell reports whether the side closes a position
func (s Side) IsSell() bool { return s == SideSell || s == SideStopLoss }

// Trade is one simulated fill. Amount is in base units, Commission in quote.
type Trade struct {
	Timestamp  time.Time `json:"timestamp"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Price      float64   `json:"price"`
	Amount     float64   `json:"amount"`
	Commission float64   `json:"commission"`
}

// Gross is price times amount
func (t Trade) Gross() float64 { return t.Price * t.Amount }

// EquityPoint is the account value at the close of one bar.
type EquityPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Equity    float64   `json:"equity"`
	Cash      float64   `json:"cash"`
	Returns   float64   `json:"returns"`
	Peak      float64   `json:"peak"`
	Drawdown  float64   `json:"drawdown"`
}

// Result of one run. Both traces are freshly allocated.
type Result struct {
	Equity []EquityPoint `json:"equity"`
	Trades []Trade       `json:"trades"`
}

// FinalEquity returns the last equity value, or 0 for an empty run
func (r Result) FinalEquity() float64 {
	if len(r.Equity) == 0 {
		return 0
	}
	return r.Equity[len(r.Equity)-1].Equity
}

// Params shared by both engines.
// StopLoss is a fraction below the entry price; 0 disables it.
type Params struct {
	InitialCash    float64 `json:"initial_cash" yaml:"initial_cash"`
	CommissionRate float64 `json:"commission_rate" yaml:"commission_rate"`
	StopLoss       float64 `json:"stop_loss" yaml:"stop_loss"`
}

// DefaultParams mirrors the usual CLI defaults: 1000 quote, 10 bps, no stop.
func DefaultParams() Params {
	return Params{InitialCash: 1000, CommissionRate: 0.001}
}

func (p Params) validate() error {
	switch {
	case !finite(p.InitialCash) || p.InitialCash <= 0:
		return fmt.Errorf("%w: initial cash must be positive, got %v", ErrInvalidParams, p.InitialCash)
	case !finite(p.CommissionRate) || p.CommissionRate < 0 || p.CommissionRate >= 1:
		return fmt.Errorf("%w: commission rate must be in [0, 1), got %v", ErrInvalidParams, p.CommissionRate)
	case !finite(p.StopLoss) || p.StopLoss < 0:
		return fmt.Errorf("%w: stop loss must be non-negative, got %v", ErrInvalidParams, p.StopLoss)
	}
	return nil
}

// MarkPolicy decides how an open position is valued at a timestamp where its
// symbol has no usable close.
type MarkPolicy int

const (
	// MarkZero values the position at 0 for that timestamp
	MarkZero MarkPolicy = iota
	// MarkCarryForward values it at the last usable close
	MarkCarryForward
)

func (m MarkPolicy) String() string {
	if m == MarkCarryForward {
		return "carry-forward"
	}
	return "zero"
}

// ParseMarkPolicy accepts "zero" or "carry-forward"
func ParseMarkPolicy(s string) (MarkPolicy, error) {
	switch s {
	case "", "zero":
		return MarkZero, nil
	case "carry-forward":
		return MarkCarryForward, nil
	}
	return MarkZero, fmt.Errorf("%w: unknown mark policy %q", ErrInvalidParams, s)
}

// PortfolioParams adds the per-entry allocation, a fraction of total equity.
type PortfolioParams struct {
	Params
	Allocation   float64    `json:"allocation" yaml:"allocation"`
	MissingClose MarkPolicy `json:"missing_close" yaml:"-"`
}

func (p PortfolioParams) validate() error {
	if err := p.Params.validate(); err != nil {
		return err
	}
	if !finite(p.Allocation) || p.Allocation <= 0 || p.Allocation > 1 {
		return fmt.Errorf("%w: allocation must be in (0, 1], got %v", ErrInvalidParams, p.Allocation)
	}
	return nil
}

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func checkIncreasing(symbol string, candles []candle.Candle) error {
	if !candle.IsStrictlyIncreasing(candles) {
		return fmt.Errorf("%w: %s timestamps are not strictly increasing", ErrMisaligned, symbol)
	}
	return nil
}

func checkAligned(candles []candle.Candle, signals signal.Series) error {
	if len(candles) != len(signals) {
		return fmt.Errorf("%w: %d candles, %d signals", ErrMisaligned, len(candles), len(signals))
	}
	for i := range candles {
		if !candles[i].Timestamp.Equal(signals[i].Timestamp) {
			return fmt.Errorf("%w: bar %d at %s, signal at %s", ErrMisaligned, i,
				candles[i].Timestamp.Format(time.RFC3339), signals[i].Timestamp.Format(time.RFC3339))
		}
	}
	return nil
}

// finalize fills returns, running peak and drawdown in place.
func finalize(points []EquityPoint) {
	var peak float64
	for i := range points {
		eq := points[i].Equity
		if i > 0 {
			if prev := points[i-1].Equity; prev != 0 {
				points[i].Returns = eq/prev - 1
			}
		}
		if i == 0 || eq > peak {
			peak = eq
		}
		points[i].Peak = peak
		if peak != 0 {
			points[i].Drawdown = eq/peak - 1
		}
	}
}
