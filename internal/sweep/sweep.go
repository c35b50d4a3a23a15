// Package sweep runs a grid of backtests in parallel and ranks them.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/metrics"
	"github.com/amirphl/simple-backtester/internal/performance"
	"github.com/amirphl/simple-backtester/internal/signal"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var ErrEmptyGrid = errors.New("sweep grid is empty")

// Grid lists the values to combine. An empty dimension uses the base value.
type Grid struct {
	CommissionRates []float64 `yaml:"commission_rates"`
	StopLosses      []float64 `yaml:"stop_losses"`
	Allocations     []float64 `yaml:"allocations"`
}

// Result of one grid point
type Result struct {
	Params      backtest.PortfolioParams `json:"params"`
	Summary     performance.Summary      `json:"summary"`
	TradeStats  performance.TradeSummary `json:"trade_stats"`
	FinalEquity float64                  `json:"final_equity"`
	NumTrades   int                      `json:"num_trades"`
}

func orBase(values []float64, base float64) []float64 {
	if len(values) == 0 {
		return []float64{base}
	}
	return values
}

// expand returns the cartesian product in commission, stop-loss, allocation order
func (g Grid) expand(base backtest.PortfolioParams) []backtest.PortfolioParams {
	var out []backtest.PortfolioParams
	for _, rate := range orBase(g.CommissionRates, base.CommissionRate) {
		for _, sl := range orBase(g.StopLosses, base.StopLoss) {
			for _, alloc := range orBase(g.Allocations, base.Allocation) {
				p := base
				p.CommissionRate = rate
				p.StopLoss = sl
				p.Allocation = alloc
				out = append(out, p)
			}
		}
	}
	return out
}

// Runner evaluates grid points with at most Workers goroutines
type Runner struct {
	Workers        int
	PeriodsPerYear float64
}

func (r Runner) workers() int {
	if r.Workers > 0 {
		return r.Workers
	}
	return runtime.GOMAXPROCS(0)
}

// Single sweeps the single-asset engine. Allocations are ignored.
func (r Runner) Single(ctx context.Context, candles []candle.Candle, signals signal.Series, base backtest.Params, grid Grid) ([]Result, error) {
	grid.Allocations = nil
	return r.run(ctx, "sweep", backtest.PortfolioParams{Params: base, Allocation: 1}, grid, func(p backtest.PortfolioParams) (backtest.Result, error) {
		return backtest.Run(candles, signals, p.Params)
	})
}

// Portfolio sweeps the portfolio engine
func (r Runner) Portfolio(ctx context.Context, prices map[string][]candle.Candle, signals map[string]signal.Series, base backtest.PortfolioParams, grid Grid) ([]Result, error) {
	return r.run(ctx, "sweep-portfolio", base, grid, func(p backtest.PortfolioParams) (backtest.Result, error) {
		return backtest.RunPortfolio(prices, signals, p)
	})
}

func (r Runner) run(ctx context.Context, mode string, base backtest.PortfolioParams, grid Grid, engine func(backtest.PortfolioParams) (backtest.Result, error)) ([]Result, error) {
	points := grid.expand(base)
	if len(points) == 0 {
		return nil, ErrEmptyGrid
	}

	results := make([]Result, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers())

	for i, p := range points {
		i, p := i, p
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}

			start := time.Now()
			res, err := engine(p)
			metrics.ObserveRun(mode, start, res, err)
			if err != nil {
				return fmt.Errorf("commission %v stop-loss %v allocation %v: %w", p.CommissionRate, p.StopLoss, p.Allocation, err)
			}

			stats, err := performance.TradeStats(res.Trades)
			if err != nil {
				return fmt.Errorf("trade stats: %w", err)
			}

			results[i] = Result{
				Params:      p,
				Summary:     performance.Compute(res.Equity, r.PeriodsPerYear),
				TradeStats:  stats,
				FinalEquity: res.FinalEquity(),
				NumTrades:   len(res.Trades),
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	Rank(results)
	utils.GetLogger().Printf("Sweep | %s evaluated %d grid points", mode, len(results))
	return results, nil
}

// Rank sorts by total return, best first. NaN returns sort last.
func Rank(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := float64(results[i].Summary.TotalReturn), float64(results[j].Summary.TotalReturn)
		if math.IsNaN(b) {
			return !math.IsNaN(a)
		}
		if math.IsNaN(a) {
			return false
		}
		return a > b
	})
}
