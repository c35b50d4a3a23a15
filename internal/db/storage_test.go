package db

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/performance"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func testCandle(i int, close float64, source string) candle.Candle {
	return candle.Candle{
		Timestamp: t0.Add(time.Duration(i) * time.Hour),
		Open:      close,
		High:      close + 1,
		Low:       close - 1,
		Close:     close,
		Volume:    10,
		Symbol:    "BTC-USDT",
		Timeframe: "1h",
		Source:    source,
	}
}

// runStorageSuite checks behavior shared by every Storage implementation
func runStorageSuite(t *testing.T, s Storage) {
	ctx := context.Background()

	t.Run("candles upsert and range", func(t *testing.T) {
		require.NoError(t, s.SaveCandles(ctx, []candle.Candle{
			testCandle(2, 102, "binance"),
			testCandle(0, 100, "binance"),
			testCandle(1, 101, "binance"),
			testCandle(3, 103, "binance"),
		}))
		// upsert replaces
		require.NoError(t, s.SaveCandles(ctx, []candle.Candle{testCandle(1, 111, "binance")}))

		got, err := s.GetCandles(ctx, "BTC-USDT", "1h", "", t0, t0.Add(3*time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, t0, got[0].Timestamp)
		assert.Equal(t, 111.0, got[1].Close)
		assert.Equal(t, 102.0, got[2].Close)

		got, err = s.GetCandles(ctx, "BTC-USDT", "1h", "wallex", t0, t0.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)

		got, err = s.GetCandles(ctx, "ETH-USDT", "1h", "", t0, t0.Add(3*time.Hour))
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("candles from two sources collapse to one per bar", func(t *testing.T) {
		require.NoError(t, s.SaveCandles(ctx, []candle.Candle{testCandle(0, 999, "wallex")}))
		got, err := s.GetCandles(ctx, "BTC-USDT", "1h", "", t0, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "binance", got[0].Source)
	})

	t.Run("invalid candle rejected", func(t *testing.T) {
		bad := testCandle(10, 100, "binance")
		bad.Low = 200
		assert.Error(t, s.SaveCandles(ctx, []candle.Candle{bad}))
	})

	t.Run("fills keep insertion order", func(t *testing.T) {
		fills := []ledger.Fill{
			{Timestamp: t0, Symbol: "BTC-USDT", Side: ledger.Buy, Amount: 10, Price: 100},
			{Timestamp: t0, Symbol: "BTC-USDT", Side: ledger.Buy, Amount: 5, Price: 110, Fee: 0.5},
			{Timestamp: t0.Add(time.Hour), Symbol: "BTC-USDT", Side: ledger.Sell, Amount: 12, Price: 120},
			{Timestamp: t0.Add(time.Hour), Symbol: "ETH-USDT", Side: ledger.Buy, Amount: 1, Price: 10},
		}
		require.NoError(t, s.SaveFills(ctx, "live", fills))

		got, err := s.GetFills(ctx, "BTC-USDT", t0, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, fills[:3], got)

		all, err := s.GetFills(ctx, "", t0, t0.Add(2*time.Hour))
		require.NoError(t, err)
		assert.Len(t, all, 4)

		realized, err := ledger.ComputeRealizedPnL(got)
		require.NoError(t, err)
		require.Len(t, realized, 1)
		assert.InDelta(t, 219.8, realized[0].PnL, 1e-9)
	})

	t.Run("runs round trip", func(t *testing.T) {
		params, err := json.Marshal(backtest.DefaultParams())
		require.NoError(t, err)

		run := Run{
			Mode:      "backtest",
			Symbols:   []string{"BTC-USDT"},
			Timeframe: "1h",
			From:      t0,
			To:        t0.Add(24 * time.Hour),
			Params:    params,
			Summary: performance.Summary{
				TotalReturn:      0.03,
				AnnualizedReturn: 1.5,
				SharpeRatio:      performance.Float64(math.NaN()),
				MaxDrawdown:      -0.01,
				Periods:          24,
			},
			TradeStats: performance.TradeSummary{NumTrades: 1, Wins: 1, WinRate: 1, TotalPnL: 30},
			Trades: []backtest.Trade{
				{Timestamp: t0, Symbol: "BTC-USDT", Side: backtest.SideBuy, Price: 100, Amount: 10},
				{Timestamp: t0.Add(2 * time.Hour), Symbol: "BTC-USDT", Side: backtest.SideSell, Price: 103, Amount: 10},
			},
		}

		id, err := s.SaveRun(ctx, run)
		require.NoError(t, err)
		assert.Positive(t, id)

		got, err := s.GetRun(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, run.Symbols, got.Symbols)
		assert.Equal(t, run.Trades, got.Trades)
		assert.Equal(t, run.TradeStats, got.TradeStats)
		assert.InDelta(t, 0.03, float64(got.Summary.TotalReturn), 1e-12)
		assert.True(t, math.IsNaN(float64(got.Summary.SharpeRatio)))
		assert.JSONEq(t, string(params), string(got.Params))

		_, err = s.GetRun(ctx, id+1000)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("events by type", func(t *testing.T) {
		require.NoError(t, s.LogEvent(ctx, journal.Event{Time: t0.Add(time.Minute), Type: "order", Description: "buy", Data: map[string]any{"qty": 1.5}}))
		require.NoError(t, s.LogEvent(ctx, journal.Event{Time: t0, Type: "signal", Description: "flat"}))

		events, err := s.GetEvents(ctx, "order", t0, t0.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, events, 1)
		assert.Equal(t, "buy", events[0].Description)
		assert.Equal(t, 1.5, events[0].Data["qty"])
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, NewMemory())
}
