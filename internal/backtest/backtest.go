package backtest

import (
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/signal"
)

// Run simulates a single long-only position over candles.
//
// Each bar is processed in order: a stop-loss breach on the bar low exits at
// the stop price and ends the bar; otherwise a fresh Buy signal (previous
// signal not Buy) enters with all cash at the open, and a non-Buy signal right
// after a Buy exits the whole position at the open. Equity is marked at the
// close.
//
// Prices that are NaN, infinite or not positive are treated as missing: a
// missing open blocks trading on that bar (a blocked exit is not retried while
// the signal stays non-Buy), a missing low skips the stop check
// and a missing close marks at the last usable close.
func Run(candles []candle.Candle, signals signal.Series, p Params) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}
	if err := checkAligned(candles, signals); err != nil {
		return Result{}, err
	}
	symbol := ""
	if len(candles) > 0 {
		symbol = candles[0].Symbol
	}
	if err := checkIncreasing(symbol, candles); err != nil {
		return Result{}, err
	}

	rate := p.CommissionRate
	cash := p.InitialCash
	var amount, entryPrice, lastClose float64
	prev := signal.Flat

	result := Result{
		Equity: make([]EquityPoint, 0, len(candles)),
		Trades: make([]Trade, 0),
	}

	for i, c := range candles {
		sig := signals[i].Signal()
		open, low, close := candle.Price(c.Open), candle.Price(c.Low), candle.Price(c.Close)
		if close > 0 {
			lastClose = close
		}

		if amount > 0 && p.StopLoss > 0 && low > 0 {
			stop := entryPrice * (1 - p.StopLoss)
			if low <= stop {
				cash = amount * stop * (1 - rate)
				result.Trades = append(result.Trades, Trade{
					Timestamp:  c.Timestamp,
					Symbol:     c.Symbol,
					Side:       SideStopLoss,
					Price:      stop,
					Amount:     amount,
					Commission: amount * stop * rate,
				})
				amount = 0
				prev = signal.Flat
				result.Equity = append(result.Equity, EquityPoint{Timestamp: c.Timestamp, Equity: cash, Cash: cash})
				continue
			}
		}

		if amount == 0 && prev != signal.Buy && sig == signal.Buy && open > 0 {
			entryPrice = open
			amount = cash * (1 - rate) / open
			result.Trades = append(result.Trades, Trade{
				Timestamp:  c.Timestamp,
				Symbol:     c.Symbol,
				Side:       SideBuy,
				Price:      open,
				Amount:     amount,
				Commission: cash * rate,
			})
			cash = 0
		} else if amount > 0 && prev == signal.Buy && sig != signal.Buy && open > 0 {
			cash = amount * open * (1 - rate)
			result.Trades = append(result.Trades, Trade{
				Timestamp:  c.Timestamp,
				Symbol:     c.Symbol,
				Side:       SideSell,
				Price:      open,
				Amount:     amount,
				Commission: amount * open * rate,
			})
			amount = 0
		}

		prev = sig

		equity := cash
		if amount > 0 {
			mark := lastClose
			if mark == 0 {
				mark = entryPrice
			}
			equity += amount * mark
		}
		result.Equity = append(result.Equity, EquityPoint{Timestamp: c.Timestamp, Equity: equity, Cash: cash})
	}

	finalize(result.Equity)
	return result, nil
}
