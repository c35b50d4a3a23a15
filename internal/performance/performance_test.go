package performance

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/signal"
)

var day0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func points(equity ...float64) []backtest.EquityPoint {
	out := make([]backtest.EquityPoint, len(equity))
	peak := 0.0
	for i, e := range equity {
		out[i].Timestamp = day0.AddDate(0, 0, i)
		out[i].Equity = e
		if i > 0 {
			out[i].Returns = e/equity[i-1] - 1
		}
		peak = math.Max(peak, e)
		out[i].Peak = peak
		out[i].Drawdown = e/peak - 1
	}
	return out
}

func TestCompute(t *testing.T) {
	t.Run("growing equity", func(t *testing.T) {
		s := Compute(points(100, 110, 121), 365)

		assert.InDelta(t, 0.21, s.TotalReturn, 1e-12)
		assert.InDelta(t, math.Pow(1.21, 365.0/3)-1, float64(s.AnnualizedReturn), 1e-6)
		mean := 0.2 / 3
		std := math.Sqrt((mean*mean + 2*(0.1-mean)*(0.1-mean)) / 2)
		assert.InDelta(t, mean/std*math.Sqrt(365), float64(s.SharpeRatio), 1e-9)
		assert.Equal(t, 0.0, s.MaxDrawdown)
		assert.Equal(t, 3, s.Periods)
	})

	t.Run("drawdown is the minimum", func(t *testing.T) {
		s := Compute(points(100, 120, 90, 110), 365)
		assert.InDelta(t, -0.25, s.MaxDrawdown, 1e-12)
		assert.InDelta(t, 0.1, s.TotalReturn, 1e-12)
	})

	t.Run("flat equity has undefined sharpe", func(t *testing.T) {
		s := Compute(points(100, 100, 100), 365)
		assert.True(t, math.IsNaN(float64(s.SharpeRatio)))
		assert.Equal(t, 0.0, s.TotalReturn)
		assert.Equal(t, 0.0, float64(s.AnnualizedReturn))
	})

	t.Run("single point", func(t *testing.T) {
		s := Compute(points(100), 365)
		assert.True(t, math.IsNaN(float64(s.SharpeRatio)))
		assert.Equal(t, 0.0, s.TotalReturn)
	})

	t.Run("empty trace", func(t *testing.T) {
		s := Compute(nil, 365)
		assert.Equal(t, 0.0, s.TotalReturn)
		assert.Equal(t, 0.0, float64(s.AnnualizedReturn))
		assert.Equal(t, 0.0, s.MaxDrawdown)
		assert.True(t, math.IsNaN(float64(s.SharpeRatio)))
	})

	t.Run("default periods", func(t *testing.T) {
		assert.Equal(t, Compute(points(100, 110, 121), DefaultPeriodsPerYear), Compute(points(100, 110, 121), 0))
	})
}

func TestSummaryJSON(t *testing.T) {
	b, err := json.Marshal(Compute(points(100), 365))
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sharpe_ratio":null`)

	var back Summary
	require.NoError(t, json.Unmarshal(b, &back))
	assert.True(t, math.IsNaN(float64(back.SharpeRatio)))

	b, err = json.Marshal(Float64(1.5))
	require.NoError(t, err)
	assert.Equal(t, "1.5", string(b))
}

func TestTradeStats(t *testing.T) {
	trade := func(i int, side backtest.Side, price float64) backtest.Trade {
		return backtest.Trade{Timestamp: day0.AddDate(0, 0, i), Symbol: "BTCUSDT", Side: side, Price: price, Amount: 10}
	}

	t.Run("win and loss", func(t *testing.T) {
		s, err := TradeStats([]backtest.Trade{
			trade(0, backtest.SideBuy, 100),
			trade(1, backtest.SideSell, 110),
			trade(2, backtest.SideBuy, 100),
			trade(3, backtest.SideStopLoss, 90),
		})
		require.NoError(t, err)

		assert.Equal(t, 2, s.NumTrades)
		assert.Equal(t, 1, s.Wins)
		assert.InDelta(t, 0.5, float64(s.WinRate), 1e-12)
		assert.InDelta(t, 0, float64(s.AvgPnLPct), 1e-9)
		assert.InDelta(t, 0, s.TotalPnL, 1e-9)
	})

	t.Run("commissions count on both legs", func(t *testing.T) {
		candles := []candle.Candle{
			{Timestamp: day0, Open: 100, High: 102, Low: 95, Close: 102, Symbol: "BTCUSDT"},
			{Timestamp: day0.AddDate(0, 0, 1), Open: 103, High: 105, Low: 100, Close: 105, Symbol: "BTCUSDT"},
			{Timestamp: day0.AddDate(0, 0, 2), Open: 104, High: 104, Low: 99, Close: 98, Symbol: "BTCUSDT"},
		}
		res, err := backtest.Run(candles, signal.FromValues(candles, []int{1, 1, -1}),
			backtest.Params{InitialCash: 1000, CommissionRate: 0.01})
		require.NoError(t, err)

		s, err := TradeStats(res.Trades)
		require.NoError(t, err)
		assert.Equal(t, 1, s.NumTrades)
		assert.InDelta(t, res.FinalEquity()-1000, s.TotalPnL, 1e-9)
		assert.InDelta(t, (res.FinalEquity()-1000)/1000*100, float64(s.AvgPnLPct), 1e-9)
	})

	t.Run("open position only", func(t *testing.T) {
		s, err := TradeStats([]backtest.Trade{trade(0, backtest.SideBuy, 100)})
		require.NoError(t, err)
		assert.Equal(t, 0, s.NumTrades)
		assert.True(t, math.IsNaN(float64(s.WinRate)))
		assert.True(t, math.IsNaN(float64(s.AvgPnLPct)))
	})
}
