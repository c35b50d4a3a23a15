package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/config"
	"github.com/amirphl/simple-backtester/internal/dataset"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/livetrading"
	"github.com/amirphl/simple-backtester/internal/metrics"
	"github.com/amirphl/simple-backtester/internal/notifier"
	"github.com/amirphl/simple-backtester/internal/performance"
	"github.com/amirphl/simple-backtester/internal/report"
	signals "github.com/amirphl/simple-backtester/internal/signal"
	"github.com/amirphl/simple-backtester/internal/sweep"
	"github.com/amirphl/simple-backtester/internal/tfutils"
)

type app struct {
	cfg     config.Config
	store   db.Storage
	gateway exchange.Gateway
	notify  notifier.Notifier
	logger  *log.Logger
}

func (a *app) run(ctx context.Context) error {
	switch a.cfg.Mode {
	case "download":
		return a.runDownload(ctx)
	case "backtest":
		return a.runBacktest(ctx)
	case "portfolio":
		return a.runPortfolio(ctx)
	case "sweep":
		return a.runSweep(ctx)
	case "pnl":
		return a.runPnL(ctx)
	case "live":
		return a.runLive(ctx)
	}
	return fmt.Errorf("unknown mode %q", a.cfg.Mode)
}

func (a *app) loader() *dataset.Loader {
	return dataset.NewLoader(a.store, a.gateway, a.cfg.DatasetOptions())
}

func (a *app) loadAll(ctx context.Context) (map[string][]candle.Candle, error) {
	return a.loader().LoadMany(ctx, a.cfg.Symbols, a.cfg.Timeframe, a.cfg.From.Time, a.cfg.To.Time)
}

func (a *app) signalFunc() (signals.Func, error) {
	return signals.New(a.cfg.Signal, a.cfg.SignalParams)
}

func (a *app) evaluate(prices map[string][]candle.Candle) (map[string]signals.Series, error) {
	fn, err := a.signalFunc()
	if err != nil {
		return nil, err
	}
	out := make(map[string]signals.Series, len(prices))
	for symbol, candles := range prices {
		s, err := fn(candles)
		if err != nil {
			return nil, fmt.Errorf("signal for %s: %w", symbol, err)
		}
		out[symbol] = s
	}
	return out, nil
}

func (a *app) periodsPerYear() float64 {
	// timeframe is validated by config.Load
	ppy, _ := tfutils.PeriodsPerYear(a.cfg.Timeframe)
	return ppy
}

func (a *app) runDownload(ctx context.Context) error {
	prices, err := a.loadAll(ctx)
	if err != nil {
		return err
	}
	for _, symbol := range a.cfg.Symbols {
		candles := prices[symbol]
		if len(candles) == 0 {
			continue
		}
		a.logger.Printf("runDownload | %s %s: %d candles from %s to %s", symbol, a.cfg.Timeframe, len(candles),
			candles[0].Timestamp.Format(time.RFC3339), candles[len(candles)-1].Timestamp.Format(time.RFC3339))
	}
	return nil
}

// runBacktest runs the single-asset engine once per symbol
func (a *app) runBacktest(ctx context.Context) error {
	prices, err := a.loadAll(ctx)
	if err != nil {
		return err
	}
	series, err := a.evaluate(prices)
	if err != nil {
		return err
	}

	params := a.cfg.BacktestParams()
	var errs []error
	for _, symbol := range a.cfg.Symbols {
		start := time.Now()
		result, err := backtest.Run(prices[symbol], series[symbol], params)
		metrics.ObserveRun("backtest", start, result, err)
		if err != nil {
			errs = append(errs, fmt.Errorf("symbol %s: %w", symbol, err))
			continue
		}
		dir := filepath.Join(a.cfg.OutputDir, "backtest", symbol)
		if err := a.finish(ctx, "backtest", []string{symbol}, params, result, dir); err != nil {
			errs = append(errs, fmt.Errorf("symbol %s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) runPortfolio(ctx context.Context) error {
	prices, err := a.loadAll(ctx)
	if err != nil {
		return err
	}
	series, err := a.evaluate(prices)
	if err != nil {
		return err
	}

	params := a.cfg.PortfolioParams()
	start := time.Now()
	result, err := backtest.RunPortfolio(prices, series, params)
	metrics.ObserveRun("portfolio", start, result, err)
	if err != nil {
		return err
	}
	return a.finish(ctx, "portfolio", a.cfg.Symbols, params, result, filepath.Join(a.cfg.OutputDir, "portfolio"))
}

// finish computes metrics, persists the run and writes the report files
func (a *app) finish(ctx context.Context, mode string, symbols []string, params any, result backtest.Result, dir string) error {
	stats, err := performance.TradeStats(result.Trades)
	if err != nil {
		return fmt.Errorf("trade stats: %w", err)
	}
	summary := report.Summary{
		Mode:        mode,
		Symbols:     symbols,
		Timeframe:   a.cfg.Timeframe,
		From:        a.cfg.From.Time,
		To:          a.cfg.To.Time,
		Signal:      a.cfg.Signal,
		Params:      params,
		Metrics:     performance.Compute(result.Equity, a.periodsPerYear()),
		TradeStats:  stats,
		FinalEquity: result.FinalEquity(),
		NumTrades:   len(result.Trades),
	}

	if a.cfg.SaveRuns {
		raw, err := json.Marshal(map[string]any{"engine": params, "signal": a.cfg.Signal, "signal_params": a.cfg.SignalParams})
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
		id, err := a.store.SaveRun(ctx, db.Run{
			Mode:       mode,
			Symbols:    symbols,
			Timeframe:  a.cfg.Timeframe,
			From:       a.cfg.From.Time,
			To:         a.cfg.To.Time,
			Params:     raw,
			Summary:    summary.Metrics,
			TradeStats: stats,
			Trades:     result.Trades,
		})
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}
		summary.RunID = id
	}

	report.LogSummary(a.logger, summary, result.Trades)
	return report.SaveRun(dir, summary, result)
}

// runSweep sweeps the single-asset engine for one symbol and the portfolio
// engine for several.
func (a *app) runSweep(ctx context.Context) error {
	prices, err := a.loadAll(ctx)
	if err != nil {
		return err
	}
	series, err := a.evaluate(prices)
	if err != nil {
		return err
	}

	runner := sweep.Runner{Workers: a.cfg.Sweep.Workers, PeriodsPerYear: a.periodsPerYear()}
	var results []sweep.Result
	if len(a.cfg.Symbols) == 1 {
		symbol := a.cfg.Symbols[0]
		results, err = runner.Single(ctx, prices[symbol], series[symbol], a.cfg.BacktestParams(), a.cfg.Sweep.Grid)
	} else {
		results, err = runner.Portfolio(ctx, prices, series, a.cfg.PortfolioParams(), a.cfg.Sweep.Grid)
	}
	if err != nil {
		return err
	}

	for i, r := range results {
		if i >= 5 {
			break
		}
		a.logger.Printf("runSweep | #%d commission=%v stop-loss=%v allocation=%v: return=%.2f%% sharpe=%.2f drawdown=%.2f%% trades=%d",
			i+1, r.Params.CommissionRate, r.Params.StopLoss, r.Params.Allocation,
			r.Summary.TotalReturn*100, float64(r.Summary.SharpeRatio), r.Summary.MaxDrawdown*100, r.NumTrades)
	}
	return report.SaveCSV(filepath.Join(a.cfg.OutputDir, report.SweepFile), report.SweepRows(results))
}

// runPnL rebuilds realized P&L from persisted fills or from the exchange's
// own trade history.
func (a *app) runPnL(ctx context.Context) error {
	var fills []ledger.Fill
	switch a.cfg.PnLSource {
	case "exchange":
		for _, symbol := range a.cfg.Symbols {
			trades, err := a.gateway.FetchTrades(ctx, symbol, a.cfg.From.Time)
			if err != nil {
				return fmt.Errorf("fetching trades for %s: %w", symbol, err)
			}
			for _, t := range trades {
				if t.Timestamp.Before(a.cfg.To.Time) {
					fills = append(fills, t.ToFill())
				}
			}
		}
		sort.SliceStable(fills, func(i, j int) bool { return fills[i].Timestamp.Before(fills[j].Timestamp) })
	default:
		stored, err := a.store.GetFills(ctx, "", a.cfg.From.Time, a.cfg.To.Time)
		if err != nil {
			return err
		}
		wanted := make(map[string]bool, len(a.cfg.Symbols))
		for _, s := range a.cfg.Symbols {
			wanted[strings.ToUpper(s)] = true
		}
		for _, f := range stored {
			if wanted[strings.ToUpper(f.Symbol)] {
				fills = append(fills, f)
			}
		}
	}

	var opts []ledger.Option
	if a.cfg.StrictPnL {
		opts = append(opts, ledger.Strict())
	}
	realized, err := ledger.ComputeRealizedPnL(fills, opts...)
	if err != nil {
		return err
	}
	total, wins := 0.0, 0
	for _, r := range realized {
		total += r.PnL
		if r.PnL > 0 {
			wins++
		}
		if r.Unmatched > 0 {
			a.logger.Printf("runPnL | %s sell at %s had %.8f unmatched", r.Symbol, r.Timestamp.Format(time.RFC3339), r.Unmatched)
		}
	}
	a.logger.Printf("runPnL | %d fills, %d realized sells, total realized PnL %.8f", len(fills), len(realized), total)
	if err := report.SavePnL(filepath.Join(a.cfg.OutputDir, "pnl"), realized); err != nil {
		return err
	}

	if a.notify != nil && len(realized) > 0 {
		msg := fmt.Sprintf("<b>PnL Report</b> %s to %s\nClosed trades: %d\nWin rate: %.2f%%\nTotal realized PnL: %.2f",
			a.cfg.From, a.cfg.To, len(realized), float64(wins)/float64(len(realized))*100, total)
		if err := a.notify.Send(ctx, msg); err != nil {
			a.logger.Printf("runPnL | Failed to send report: %v", err)
		}
	}
	return nil
}

func (a *app) runLive(ctx context.Context) error {
	fn, err := a.signalFunc()
	if err != nil {
		return err
	}

	gateway := a.gateway
	if a.cfg.Paper.Enabled {
		gateway = exchange.NewPaperGateway(a.gateway, a.cfg.Paper.Balances, a.cfg.Paper.FeeRate)
		a.logger.Printf("runLive | Paper trading against %s prices", a.gateway.Name())
	}

	session, err := livetrading.NewSession(a.cfg.Live, gateway, a.store, fn, a.logger)
	if err != nil {
		return err
	}
	if a.notify != nil {
		session.SetNotifier(a.notify)
	}
	if err := session.Restore(ctx, a.cfg.From.Time); err != nil {
		return err
	}
	return session.Run(ctx)
}
