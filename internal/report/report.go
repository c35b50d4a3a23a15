// Package report writes run artifacts: equity and trade CSVs, a JSON summary,
// realized P&L tables and a log digest.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/performance"
	"github.com/amirphl/simple-backtester/internal/sweep"
	"github.com/amirphl/simple-backtester/internal/utils"
)

const (
	EquityFile  = "equity.csv"
	TradesFile  = "trades.csv"
	SummaryFile = "summary.json"
	PnLFile     = "pnl.csv"
	DailyFile   = "daily_pnl.csv"
	SweepFile   = "sweep.csv"
)

// Summary is the JSON document written for a run
type Summary struct {
	RunID       int64                    `json:"run_id,omitempty"`
	Mode        string                   `json:"mode"`
	Symbols     []string                 `json:"symbols"`
	Timeframe   string                   `json:"timeframe"`
	From        time.Time                `json:"from"`
	To          time.Time                `json:"to"`
	Signal      string                   `json:"signal"`
	Params      any                      `json:"params"`
	Metrics     performance.Summary      `json:"metrics"`
	TradeStats  performance.TradeSummary `json:"trade_stats"`
	FinalEquity float64                  `json:"final_equity"`
	NumTrades   int                      `json:"num_trades"`
}

func ff(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func EquityRows(equity []backtest.EquityPoint) [][]string {
	rows := [][]string{{"timestamp", "equity", "cash", "returns", "peak", "drawdown"}}
	for _, p := range equity {
		rows = append(rows, []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			ff(p.Equity), ff(p.Cash), ff(p.Returns), ff(p.Peak), ff(p.Drawdown),
		})
	}
	return rows
}

func TradeRows(trades []backtest.Trade) [][]string {
	rows := [][]string{{"timestamp", "symbol", "side", "price", "amount", "commission"}}
	for _, t := range trades {
		rows = append(rows, []string{
			t.Timestamp.UTC().Format(time.RFC3339),
			t.Symbol, string(t.Side), ff(t.Price), ff(t.Amount), ff(t.Commission),
		})
	}
	return rows
}

// PnLRows lists every sell with its realized and cumulative P&L
func PnLRows(realized []ledger.Realized) [][]string {
	cumulative := ledger.Cumulative(realized)
	rows := [][]string{{"timestamp", "symbol", "matched", "unmatched", "cost_basis", "proceeds", "pnl", "cumulative_pnl"}}
	for i, r := range realized {
		rows = append(rows, []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.Symbol, ff(r.Matched), ff(r.Unmatched), ff(r.CostBasis), ff(r.Proceeds), ff(r.PnL), ff(cumulative[i]),
		})
	}
	return rows
}

// DailyBucket is realized P&L for one UTC calendar day
type DailyBucket struct {
	Date       string  `json:"date"`
	PnL        float64 `json:"pnl"`
	Cumulative float64 `json:"cumulative"`
	Sells      int     `json:"sells"`
}

// DailyPnL groups realized P&L by UTC day. Input must be in time order.
func DailyPnL(realized []ledger.Realized) []DailyBucket {
	var out []DailyBucket
	var total float64
	for _, r := range realized {
		day := r.Timestamp.UTC().Format("2006-01-02")
		if len(out) == 0 || out[len(out)-1].Date != day {
			out = append(out, DailyBucket{Date: day})
		}
		b := &out[len(out)-1]
		b.PnL += r.PnL
		b.Sells++
		total += r.PnL
		b.Cumulative = total
	}
	return out
}

func DailyRows(buckets []DailyBucket) [][]string {
	rows := [][]string{{"date", "sells", "pnl", "cumulative_pnl"}}
	for _, b := range buckets {
		rows = append(rows, []string{b.Date, strconv.Itoa(b.Sells), ff(b.PnL), ff(b.Cumulative)})
	}
	return rows
}

func SweepRows(results []sweep.Result) [][]string {
	rows := [][]string{{"rank", "commission_rate", "stop_loss", "allocation", "final_equity", "total_return", "annualized_return", "sharpe", "max_drawdown", "trades", "win_rate"}}
	for i, r := range results {
		rows = append(rows, []string{
			strconv.Itoa(i + 1),
			ff(r.Params.CommissionRate), ff(r.Params.StopLoss), ff(r.Params.Allocation),
			ff(r.FinalEquity),
			ff(float64(r.Summary.TotalReturn)), ff(float64(r.Summary.AnnualizedReturn)), ff(float64(r.Summary.SharpeRatio)),
			ff(r.Summary.MaxDrawdown),
			strconv.Itoa(r.TradeStats.NumTrades), ff(float64(r.TradeStats.WinRate)),
		})
	}
	return rows
}

// WriteCSV writes rows to w
func WriteCSV(w io.Writer, rows [][]string) error {
	cw := csv.NewWriter(w)
	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

// SaveCSV saves rows to a CSV file
func SaveCSV(filename string, rows [][]string) error {
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("error creating CSV file %s: %w", filename, err)
	}
	defer f.Close()

	if err := WriteCSV(f, rows); err != nil {
		return fmt.Errorf("error writing CSV file %s: %w", filename, err)
	}

	utils.GetLogger().Printf("SaveCSV | Saved results to %s", filename)
	return nil
}

// WriteSummaryJSON writes an indented summary. NaN metrics become null.
func WriteSummaryJSON(w io.Writer, s Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	return nil
}

// SaveRun writes equity.csv, trades.csv and summary.json into dir
func SaveRun(dir string, s Summary, result backtest.Result) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	if err := SaveCSV(filepath.Join(dir, EquityFile), EquityRows(result.Equity)); err != nil {
		return err
	}
	if err := SaveCSV(filepath.Join(dir, TradesFile), TradeRows(result.Trades)); err != nil {
		return err
	}

	path := filepath.Join(dir, SummaryFile)
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating summary %s: %w", path, err)
	}
	defer f.Close()
	if err := WriteSummaryJSON(f, s); err != nil {
		return err
	}
	utils.GetLogger().Printf("SaveRun | Saved summary to %s", path)
	return nil
}

// SavePnL writes pnl.csv and daily_pnl.csv into dir
func SavePnL(dir string, realized []ledger.Realized) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output dir %s: %w", dir, err)
	}
	if err := SaveCSV(filepath.Join(dir, PnLFile), PnLRows(realized)); err != nil {
		return err
	}
	return SaveCSV(filepath.Join(dir, DailyFile), DailyRows(DailyPnL(realized)))
}

// LogSummary prints the results of a run
func LogSummary(logger *log.Logger, s Summary, trades []backtest.Trade) {
	logger.Printf("Backtest Results (%s, %s, %v %s):", s.Mode, s.Signal, s.Symbols, s.Timeframe)
	logger.Printf("  FinalEquity=%.2f, TotalReturn=%.2f%%, AnnualizedReturn=%.2f%%",
		s.FinalEquity, float64(s.Metrics.TotalReturn)*100, float64(s.Metrics.AnnualizedReturn)*100)
	logger.Printf("  Sharpe=%.2f, MaxDrawdown=%.2f%%, Periods=%d",
		float64(s.Metrics.SharpeRatio), s.Metrics.MaxDrawdown*100, s.Metrics.Periods)
	logger.Printf("  Trades=%d, Wins=%d, WinRate=%.2f%%, AvgPnL=%.2f%%, RealizedPnL=%.2f",
		s.TradeStats.NumTrades, s.TradeStats.Wins, float64(s.TradeStats.WinRate)*100,
		float64(s.TradeStats.AvgPnLPct), s.TradeStats.TotalPnL)

	maxTrades := 10
	for i, t := range trades {
		if i >= maxTrades {
			logger.Printf("  ... and %d more trades", len(trades)-maxTrades)
			break
		}
		logger.Printf("  Trade %d: %s %s %.8f @ %.8f at %s (commission %.8f)",
			i+1, t.Side, t.Symbol, t.Amount, t.Price, t.Timestamp.Format(time.RFC3339), t.Commission)
	}
}
