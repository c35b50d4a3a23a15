package backtest

import (
	"fmt"
	"sort"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/signal"
)

type holding struct {
	amount     float64
	entryPrice float64
}

type symbolSeries struct {
	symbol    string
	bars      map[int64]*candle.Candle
	signals   map[int64]signal.Signal
	lastClose float64
}

// RunPortfolio simulates several long-only positions sharing one cash balance.
//
// Timestamps are the union of all series, visited once in ascending order; a
// symbol without a bar at a timestamp is left alone there. At each timestamp
// the engine values the book, then runs a stop-loss pass, an exit pass and an
// entry pass, visiting symbols by name. Each entry commits Allocation of the
// equity valued at the start of the timestamp, if that much cash is free. A
// signal missing for a bar reads as Flat.
func RunPortfolio(prices map[string][]candle.Candle, signals map[string]signal.Series, p PortfolioParams) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, err
	}

	symbols := make([]string, 0, len(prices))
	for symbol := range prices {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	for symbol := range signals {
		if _, ok := prices[symbol]; !ok {
			return Result{}, fmt.Errorf("%w: signals for %s have no price series", ErrMisaligned, symbol)
		}
	}

	series := make([]*symbolSeries, 0, len(symbols))
	seen := make(map[int64]time.Time)
	for _, symbol := range symbols {
		candles := prices[symbol]
		if err := checkIncreasing(symbol, candles); err != nil {
			return Result{}, err
		}
		s := &symbolSeries{
			symbol:  symbol,
			bars:    make(map[int64]*candle.Candle, len(candles)),
			signals: signals[symbol].Index(),
		}
		for i := range candles {
			key := candles[i].Timestamp.UnixNano()
			s.bars[key] = &candles[i]
			seen[key] = candles[i].Timestamp
		}
		series = append(series, s)
	}

	keys := make([]int64, 0, len(seen))
	for key := range seen {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	rate := p.CommissionRate
	cash := p.InitialCash
	positions := make(map[string]*holding)

	result := Result{
		Equity: make([]EquityPoint, 0, len(keys)),
		Trades: make([]Trade, 0),
	}

	for _, key := range keys {
		ts := seen[key]

		for _, s := range series {
			if bar, ok := s.bars[key]; ok {
				if close := candle.Price(bar.Close); close > 0 {
					s.lastClose = close
				}
			}
		}

		totalEquity := cash + marketValue(series, positions, key, p.MissingClose)

		if p.StopLoss > 0 {
			for _, s := range series {
				pos, ok := positions[s.symbol]
				bar, hasBar := s.bars[key]
				if !ok || !hasBar {
					continue
				}
				low := candle.Price(bar.Low)
				stop := pos.entryPrice * (1 - p.StopLoss)
				if low == 0 || low > stop {
					continue
				}
				gross := pos.amount * stop
				commission := gross * rate
				cash += gross - commission
				result.Trades = append(result.Trades, Trade{
					Timestamp:  ts,
					Symbol:     s.symbol,
					Side:       SideStopLoss,
					Price:      stop,
					Amount:     pos.amount,
					Commission: commission,
				})
				delete(positions, s.symbol)
			}
		}

		for _, s := range series {
			pos, ok := positions[s.symbol]
			bar, hasBar := s.bars[key]
			if !ok || !hasBar || s.signals[key] == signal.Buy {
				continue
			}
			open := candle.Price(bar.Open)
			if open == 0 {
				continue
			}
			gross := pos.amount * open
			commission := gross * rate
			cash += gross - commission
			result.Trades = append(result.Trades, Trade{
				Timestamp:  ts,
				Symbol:     s.symbol,
				Side:       SideSell,
				Price:      open,
				Amount:     pos.amount,
				Commission: commission,
			})
			delete(positions, s.symbol)
		}

		for _, s := range series {
			_, ok := positions[s.symbol]
			bar, hasBar := s.bars[key]
			if ok || !hasBar || s.signals[key] != signal.Buy {
				continue
			}
			capital := totalEquity * p.Allocation
			open := candle.Price(bar.Open)
			if capital <= 0 || cash < capital || open == 0 {
				continue
			}
			commission := capital * rate
			amount := (capital - commission) / open
			positions[s.symbol] = &holding{amount: amount, entryPrice: open}
			cash -= capital
			result.Trades = append(result.Trades, Trade{
				Timestamp:  ts,
				Symbol:     s.symbol,
				Side:       SideBuy,
				Price:      open,
				Amount:     amount,
				Commission: commission,
			})
		}

		equity := cash + marketValue(series, positions, key, p.MissingClose)
		result.Equity = append(result.Equity, EquityPoint{Timestamp: ts, Equity: equity, Cash: cash})
	}

	finalize(result.Equity)
	return result, nil
}

// marketValue sums open positions at their close for the timestamp. Positions
// without a usable close count per the mark policy.
func marketValue(series []*symbolSeries, positions map[string]*holding, key int64, policy MarkPolicy) float64 {
	var value float64
	for _, s := range series {
		pos, ok := positions[s.symbol]
		if !ok {
			continue
		}
		var close float64
		if bar, hasBar := s.bars[key]; hasBar {
			close = candle.Price(bar.Close)
		}
		if close == 0 && policy == MarkCarryForward {
			close = s.lastClose
			if close == 0 {
				close = pos.entryPrice
			}
		}
		value += pos.amount * close
	}
	return value
}
