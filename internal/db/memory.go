package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/ledger"
)

// MemoryStorage keeps everything in process memory. Used by tests and runs
// without a database.
type MemoryStorage struct {
	mu sync.RWMutex

	// Candles keyed by symbol|timeframe|timestamp|source
	candles map[string]candle.Candle

	// Fills in insertion order
	fills []ledger.Fill

	runs      map[int64]Run
	nextRunID int64

	// Events (append-only)
	events []journal.Event
}

func NewMemory() *MemoryStorage {
	return &MemoryStorage{
		candles: make(map[string]candle.Candle),
		runs:    make(map[int64]Run),
		events:  make([]journal.Event, 0, 1024),
	}
}

func candleKey(symbol, timeframe string, ts time.Time, source string) string {
	return symbol + "|" + timeframe + "|" + ts.UTC().Format(time.RFC3339Nano) + "|" + source
}

func (m *MemoryStorage) SaveCandles(ctx context.Context, candles []candle.Candle) error {
	for i, c := range candles {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("invalid candle at index %d for %s %s at %s: %w",
				i, c.Symbol, c.Timeframe, c.Timestamp, err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candles {
		c.Timestamp = c.Timestamp.UTC()
		m.candles[candleKey(c.Symbol, c.Timeframe, c.Timestamp, c.Source)] = c
	}
	return nil
}

func (m *MemoryStorage) GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error) {
	m.mu.RLock()
	var out []candle.Candle
	for _, c := range m.candles {
		if c.Symbol != symbol || c.Timeframe != timeframe {
			continue
		}
		if source != "" && c.Source != source {
			continue
		}
		if c.Timestamp.Before(start) || !c.Timestamp.Before(end) {
			continue
		}
		out = append(out, c)
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Source < out[j].Source
	})
	if len(out) == 0 {
		return nil, nil
	}
	return dedupeBySource(out), nil
}

func (m *MemoryStorage) SaveFills(ctx context.Context, source string, fills []ledger.Fill) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range fills {
		f.Timestamp = f.Timestamp.UTC()
		m.fills = append(m.fills, f)
	}
	return nil
}

func (m *MemoryStorage) GetFills(ctx context.Context, symbol string, start, end time.Time) ([]ledger.Fill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []ledger.Fill
	for _, f := range m.fills {
		if symbol != "" && f.Symbol != symbol {
			continue
		}
		if f.Timestamp.Before(start) || !f.Timestamp.Before(end) {
			continue
		}
		out = append(out, f)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (m *MemoryStorage) SaveRun(ctx context.Context, run Run) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextRunID++
	run.ID = m.nextRunID
	if len(run.Params) == 0 {
		run.Params = json.RawMessage("{}")
	}
	run.Symbols = append([]string(nil), run.Symbols...)
	run.Trades = append([]backtest.Trade(nil), run.Trades...)
	run.CreatedAt = time.Now().UTC()
	m.runs[run.ID] = run
	return run.ID, nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id int64) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	run.Symbols = append([]string(nil), run.Symbols...)
	run.Trades = append([]backtest.Trade(nil), run.Trades...)
	return &run, nil
}

func (m *MemoryStorage) LogEvent(ctx context.Context, event journal.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	event.Time = event.Time.UTC()
	m.events = append(m.events, event)
	return nil
}

func (m *MemoryStorage) GetEvents(ctx context.Context, eventType string, start, end time.Time) ([]journal.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []journal.Event
	for _, e := range m.events {
		if e.Type != eventType || e.Time.Before(start) || !e.Time.Before(end) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out, nil
}
