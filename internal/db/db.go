// Package db
package db

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/performance"
)

var ErrNotFound = errors.New("not found")

// Run is a persisted backtest: inputs, metrics and the trade log
type Run struct {
	ID         int64                    `json:"id"`
	Mode       string                   `json:"mode"`
	Symbols    []string                 `json:"symbols"`
	Timeframe  string                   `json:"timeframe"`
	From       time.Time                `json:"from"`
	To         time.Time                `json:"to"`
	Params     json.RawMessage          `json:"params"`
	Summary    performance.Summary      `json:"summary"`
	TradeStats performance.TradeSummary `json:"trade_stats"`
	Trades     []backtest.Trade         `json:"trades"`
	CreatedAt  time.Time                `json:"created_at"`
}

// Storage is the interface for all persistent storage.
type Storage interface {
	// SaveCandles upserts on (symbol, timeframe, timestamp, source)
	SaveCandles(ctx context.Context, candles []candle.Candle) error
	// GetCandles returns candles in [start, end) ordered by timestamp. An empty
	// source matches every source.
	GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error)

	SaveFills(ctx context.Context, source string, fills []ledger.Fill) error
	// GetFills returns fills in [start, end) in insertion order. An empty symbol
	// matches every symbol.
	GetFills(ctx context.Context, symbol string, start, end time.Time) ([]ledger.Fill, error)

	SaveRun(ctx context.Context, run Run) (int64, error)
	GetRun(ctx context.Context, id int64) (*Run, error)

	journal.Journaler
}
