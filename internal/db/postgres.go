package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db/conf"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/lib/pq"
)

// Transaction context key
type txKey struct{}

// WithTransaction adds a transaction to the context
func WithTransaction(ctx context.Context, tx *sql.Tx) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// GetTransaction retrieves a transaction from context, or returns nil if not present
func GetTransaction(ctx context.Context) *sql.Tx {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return nil
}

// executeWithTransaction uses the transaction in ctx when present, otherwise
// it runs fn in a new one.
func (p *Default) executeWithTransaction(ctx context.Context, fn func(*sql.Tx) error) error {
	if tx := GetTransaction(ctx); tx != nil {
		return fn(tx)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	if fnErr := fn(tx); fnErr != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction rollback failed: %w (original error: %v)", rbErr, fnErr)
		}
		return fnErr
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return fmt.Errorf("transaction commit failed: %w", commitErr)
	}

	return nil
}

// queryWithTransaction executes a query using transaction from context if available
func (p *Default) queryWithTransaction(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryContext(ctx, query, args...)
	}
	return p.db.QueryContext(ctx, query, args...)
}

func (p *Default) queryRowWithTransaction(ctx context.Context, query string, args ...any) *sql.Row {
	if tx := GetTransaction(ctx); tx != nil {
		return tx.QueryRowContext(ctx, query, args...)
	}
	return p.db.QueryRowContext(ctx, query, args...)
}

// Default is the Postgres storage
type Default struct {
	db *sql.DB
}

func New(c conf.Config) (*Default, error) {
	if c.DB == nil {
		return nil, errors.New("db: nil database handle")
	}
	return &Default{db: c.DB}, nil
}

func (p *Default) GetDB() *sql.DB {
	return p.db
}

func (p *Default) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, c.Symbol, c.Timeframe, c.Timestamp, err)
		}
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO candles (symbol, timeframe, timestamp, open, high, low, close, volume, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (symbol, timeframe, timestamp, source) DO UPDATE SET
				open=EXCLUDED.open, high=EXCLUDED.high, low=EXCLUDED.low,
				close=EXCLUDED.close, volume=EXCLUDED.volume
		`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		for i, c := range candles {
			_, err := stmt.ExecContext(ctx,
				c.Symbol, c.Timeframe, c.Timestamp.UTC(), c.Open, c.High, c.Low, c.Close, c.Volume, c.Source)
			if err != nil {
				return fmt.Errorf("failed to save candle at index %d (%s %s at %s): %w",
					i, c.Symbol, c.Timeframe, c.Timestamp, err)
			}
		}
		return nil
	})
}

func (p *Default) GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error) {
	query := `
		SELECT timestamp, open, high, low, close, volume, symbol, timeframe, source
		FROM candles
		WHERE symbol=$1 AND timeframe=$2 AND timestamp >= $3 AND timestamp < $4`
	args := []any{symbol, timeframe, start.UTC(), end.UTC()}
	if source != "" {
		query += ` AND source=$5`
		args = append(args, source)
	}
	query += ` ORDER BY timestamp ASC, source ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	var candles []candle.Candle
	for rows.Next() {
		var c candle.Candle
		if err := rows.Scan(&c.Timestamp, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Symbol, &c.Timeframe, &c.Source); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timestamp = c.Timestamp.UTC()
		candles = append(candles, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate candles: %w", err)
	}

	return dedupeBySource(candles), nil
}

// dedupeBySource keeps the first candle per timestamp when several sources
// cover the same bar. Input must be ordered by timestamp.
func dedupeBySource(candles []candle.Candle) []candle.Candle {
	out := candles[:0]
	for i, c := range candles {
		if i > 0 && c.Timestamp.Equal(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (p *Default) SaveFills(ctx context.Context, source string, fills []ledger.Fill) error {
	if len(fills) == 0 {
		return nil
	}

	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO fills (time, symbol, side, amount, price, fee, source)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`)
		if err != nil {
			return fmt.Errorf("failed to prepare insert statement: %w", err)
		}
		defer stmt.Close()

		for i, f := range fills {
			if _, err := stmt.ExecContext(ctx, f.Timestamp.UTC(), f.Symbol, string(f.Side), f.Amount, f.Price, f.Fee, source); err != nil {
				return fmt.Errorf("failed to save fill at index %d (%s %s): %w", i, f.Symbol, f.Side, err)
			}
		}
		return nil
	})
}

func (p *Default) GetFills(ctx context.Context, symbol string, start, end time.Time) ([]ledger.Fill, error) {
	query := `SELECT time, symbol, side, amount, price, fee FROM fills WHERE time >= $1 AND time < $2`
	args := []any{start.UTC(), end.UTC()}
	if symbol != "" {
		query += ` AND symbol=$3`
		args = append(args, symbol)
	}
	query += ` ORDER BY time ASC, id ASC`

	rows, err := p.queryWithTransaction(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query fills: %w", err)
	}
	defer rows.Close()

	var fills []ledger.Fill
	for rows.Next() {
		var f ledger.Fill
		var side string
		if err := rows.Scan(&f.Timestamp, &f.Symbol, &side, &f.Amount, &f.Price, &f.Fee); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		f.Side = ledger.Side(side)
		f.Timestamp = f.Timestamp.UTC()
		fills = append(fills, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate fills: %w", err)
	}
	return fills, nil
}

// SaveRun stores the run and its trades in one transaction and returns the new id
func (p *Default) SaveRun(ctx context.Context, run Run) (int64, error) {
	params := run.Params
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal summary: %w", err)
	}
	stats, err := json.Marshal(run.TradeStats)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal trade stats: %w", err)
	}

	var id int64
	err = p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			INSERT INTO backtest_runs (mode, symbols, timeframe, from_time, to_time, params, summary, trade_stats)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING id`,
			run.Mode, pq.Array(run.Symbols), run.Timeframe, run.From.UTC(), run.To.UTC(), []byte(params), summary, stats,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to save run: %w", err)
		}

		if len(run.Trades) == 0 {
			return nil
		}
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO backtest_trades (run_id, seq, time, symbol, side, price, amount, commission)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
		if err != nil {
			return fmt.Errorf("failed to prepare trade insert: %w", err)
		}
		defer stmt.Close()

		for i, t := range run.Trades {
			if _, err := stmt.ExecContext(ctx, id, i, t.Timestamp.UTC(), t.Symbol, string(t.Side), t.Price, t.Amount, t.Commission); err != nil {
				return fmt.Errorf("failed to save trade %d of run %d: %w", i, id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (p *Default) GetRun(ctx context.Context, id int64) (*Run, error) {
	var (
		run            Run
		params         []byte
		summary, stats []byte
	)
	err := p.queryRowWithTransaction(ctx, `
		SELECT id, mode, symbols, timeframe, from_time, to_time, params, summary, trade_stats, created_at
		FROM backtest_runs WHERE id=$1`, id,
	).Scan(&run.ID, &run.Mode, pq.Array(&run.Symbols), &run.Timeframe, &run.From, &run.To, &params, &summary, &stats, &run.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run %d: %w", id, err)
	}

	run.Params = json.RawMessage(params)
	if err := json.Unmarshal(summary, &run.Summary); err != nil {
		return nil, fmt.Errorf("failed to unmarshal summary of run %d: %w", id, err)
	}
	if err := json.Unmarshal(stats, &run.TradeStats); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trade stats of run %d: %w", id, err)
	}
	run.From, run.To, run.CreatedAt = run.From.UTC(), run.To.UTC(), run.CreatedAt.UTC()

	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, symbol, side, price, amount, commission
		FROM backtest_trades WHERE run_id=$1 ORDER BY seq ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades of run %d: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		var t backtest.Trade
		var side string
		if err := rows.Scan(&t.Timestamp, &t.Symbol, &side, &t.Price, &t.Amount, &t.Commission); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		t.Side = backtest.Side(side)
		t.Timestamp = t.Timestamp.UTC()
		run.Trades = append(run.Trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trades: %w", err)
	}

	return &run, nil
}

func (p *Default) LogEvent(ctx context.Context, event journal.Event) error {
	return p.executeWithTransaction(ctx, func(tx *sql.Tx) error {
		data, err := json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO events (time, type, description, data) VALUES ($1,$2,$3,$4)`,
			event.Time.UTC(), event.Type, event.Description, data)
		if err != nil {
			return fmt.Errorf("failed to log event: %w", err)
		}
		return nil
	})
}

func (p *Default) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	rows, err := p.queryWithTransaction(ctx, `
		SELECT time, type, description, data FROM events
		WHERE type=$1 AND time >= $2 AND time < $3
		ORDER BY time ASC, id ASC`, eventType, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []journal.Event
	for rows.Next() {
		var e journal.Event
		var data []byte
		if err := rows.Scan(&e.Time, &e.Type, &e.Description, &data); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &e.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
			}
		}
		e.Time = e.Time.UTC()
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
