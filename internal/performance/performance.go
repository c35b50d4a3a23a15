// Package performance computes summary statistics of backtest runs.
package performance

import (
	"encoding/json"
	"math"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/ledger"
)

// DefaultPeriodsPerYear assumes daily bars on a market that never closes
const DefaultPeriodsPerYear = 365.0

// Float64 marshals NaN and infinities as JSON null
type Float64 float64

func (f Float64) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte(`null`), nil
	}
	return json.Marshal(v)
}

func (f *Float64) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float64(math.NaN())
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Float64(v)
	return nil
}

// Summary of an equity trace. SharpeRatio is NaN when the return series has
// fewer than two points or no variance. AnnualizedReturn can overflow to +Inf
// on very short traces.
type Summary struct {
	TotalReturn      float64 `json:"total_return"`
	AnnualizedReturn Float64 `json:"annualized_return"`
	SharpeRatio      Float64 `json:"sharpe_ratio"`
	MaxDrawdown      float64 `json:"max_drawdown"`
	Periods          int     `json:"periods"`
}

// Compute summarizes an equity trace. A non-positive periodsPerYear falls back
// to DefaultPeriodsPerYear.
func Compute(equity []backtest.EquityPoint, periodsPerYear float64) Summary {
	if periodsPerYear <= 0 {
		periodsPerYear = DefaultPeriodsPerYear
	}
	n := len(equity)
	s := Summary{Periods: n, SharpeRatio: Float64(math.NaN())}
	if n == 0 {
		return s
	}

	if first := equity[0].Equity; first > 0 {
		s.TotalReturn = equity[n-1].Equity/first - 1
	}
	s.AnnualizedReturn = Float64(math.Pow(1+s.TotalReturn, periodsPerYear/float64(n)) - 1)

	returns := make([]float64, n)
	for i, pt := range equity {
		returns[i] = pt.Returns
		if i == 0 || pt.Drawdown < s.MaxDrawdown {
			s.MaxDrawdown = pt.Drawdown
		}
	}
	mean, std := meanStd(returns)
	if std > 0 && !math.IsNaN(std) {
		s.SharpeRatio = Float64(mean / std * math.Sqrt(periodsPerYear))
	}
	return s
}

// meanStd returns the mean and the sample standard deviation; std is NaN
// for fewer than two values.
func meanStd(values []float64) (float64, float64) {
	n := len(values)
	if n == 0 {
		return math.NaN(), math.NaN()
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(n)
	if n < 2 {
		return mean, math.NaN()
	}
	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	return mean, math.Sqrt(sq / float64(n-1))
}

// TradeSummary holds trade-level statistics. Rates are NaN without trades.
type TradeSummary struct {
	NumTrades int     `json:"num_trades"`
	Wins      int     `json:"wins"`
	WinRate   Float64 `json:"win_rate"`
	AvgPnLPct Float64 `json:"avg_pnl_pct"`
	TotalPnL  float64 `json:"total_pnl"`
}

// TradeStats pairs simulated trades through a FIFO ledger, commissions on
// both legs included. Every sell that matched a lot counts as one trade.
func TradeStats(trades []backtest.Trade) (TradeSummary, error) {
	realized, err := ledger.ComputeRealizedPnL(ToFills(trades))
	if err != nil {
		return TradeSummary{}, err
	}

	s := TradeSummary{WinRate: Float64(math.NaN()), AvgPnLPct: Float64(math.NaN())}
	var pctSum float64
	for _, r := range realized {
		if r.Matched == 0 {
			continue
		}
		s.NumTrades++
		s.TotalPnL += r.PnL
		if r.PnL > 0 {
			s.Wins++
		}
		if r.CostBasis > 0 {
			pctSum += r.PnL / r.CostBasis * 100
		}
	}
	if s.NumTrades > 0 {
		s.WinRate = Float64(float64(s.Wins) / float64(s.NumTrades))
		s.AvgPnLPct = Float64(pctSum / float64(s.NumTrades))
	}
	return s, nil
}

// ToFills converts simulated trades into ledger fills, commission as fee
func ToFills(trades []backtest.Trade) []ledger.Fill {
	fills := make([]ledger.Fill, len(trades))
	for i, t := range trades {
		side := ledger.Buy
		if t.Side.IsSell() {
			side = ledger.Sell
		}
		fills[i] = ledger.Fill{
			Timestamp: t.Timestamp,
			Symbol:    t.Symbol,
			Side:      side,
			Amount:    t.Amount,
			Price:     t.Price,
			Fee:       t.Commission,
		}
	}
	return fills
}
