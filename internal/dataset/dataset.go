// Package dataset loads candle series for the engines from a CSV cache, the
// database or an exchange, in that order.
package dataset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

var ErrNoCandles = errors.New("no candles available")

// CandleStore is the part of db.Storage the loader needs
type CandleStore interface {
	GetCandles(ctx context.Context, symbol, timeframe, source string, start, end time.Time) ([]candle.Candle, error)
	SaveCandles(ctx context.Context, candles []candle.Candle) error
}

// Downloader is the part of exchange.Gateway the loader needs
type Downloader interface {
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
}

type Options struct {
	// ChunkDays bounds each download request
	ChunkDays int
	// RateInterval is the minimum gap between download requests
	RateInterval   time.Duration
	RequestTimeout time.Duration
	// FillGaps synthesizes flat candles for missing bars
	FillGaps bool
	// CacheDir enables the CSV cache when set
	CacheDir string
}

func DefaultOptions() Options {
	return Options{
		ChunkDays:      14,
		RateInterval:   2 * time.Second,
		RequestTimeout: 30 * time.Second,
	}
}

type Loader struct {
	store  CandleStore
	source Downloader
	opts   Options
}

// NewLoader builds a loader. store and source may be nil.
func NewLoader(store CandleStore, source Downloader, opts Options) *Loader {
	if opts.ChunkDays <= 0 {
		opts.ChunkDays = DefaultOptions().ChunkDays
	}
	return &Loader{store: store, source: source, opts: opts}
}

// Load returns candles for symbol in [from, to)
func (l *Loader) Load(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}
	if !from.Before(to) {
		return nil, fmt.Errorf("invalid range: from %s is not before to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}

	if candles, ok := l.readCache(symbol, timeframe, from, to); ok {
		return candles, nil
	}

	var candles []candle.Candle
	if l.store != nil {
		var err error
		candles, err = l.store.GetCandles(ctx, symbol, timeframe, "", from, to)
		if err != nil {
			return nil, fmt.Errorf("Load | error loading candles from database: %w", err)
		}
	}

	if len(candles) == 0 {
		if l.source == nil {
			return nil, fmt.Errorf("%w for %s %s from %s to %s", ErrNoCandles,
				symbol, timeframe, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}

		utils.GetLogger().Printf("Load | No historical candles found for %s %s, downloading...", symbol, timeframe)
		downloaded, err := l.download(ctx, symbol, timeframe, from, to)
		if err != nil {
			return nil, err
		}
		if len(downloaded) == 0 {
			return nil, fmt.Errorf("%w for %s %s from %s to %s", ErrNoCandles,
				symbol, timeframe, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}

		candles = candle.Normalize(downloaded, symbol, timeframe, from, to, l.opts.FillGaps)
		if len(candles) == 0 {
			return nil, fmt.Errorf("%w for %s %s inside [%s, %s)", ErrNoCandles,
				symbol, timeframe, from.Format(time.RFC3339), to.Format(time.RFC3339))
		}

		if l.store != nil {
			if err := l.store.SaveCandles(ctx, candles); err != nil {
				return nil, fmt.Errorf("Load | error saving candles to database: %w", err)
			}
			utils.GetLogger().Printf("Load | Saved %d processed candles for %s", len(candles), symbol)
		}
	}

	l.writeCache(symbol, timeframe, from, to, candles)
	return candles, nil
}

// LoadMany loads every symbol, failing on the first error
func (l *Loader) LoadMany(ctx context.Context, symbols []string, timeframe string, from, to time.Time) (map[string][]candle.Candle, error) {
	out := make(map[string][]candle.Candle, len(symbols))
	for _, symbol := range symbols {
		candles, err := l.Load(ctx, symbol, timeframe, from, to)
		if err != nil {
			return nil, fmt.Errorf("symbol %s: %w", symbol, err)
		}
		out[symbol] = candles
	}
	return out, nil
}

// download fetches [from, to) in ChunkDays windows, waiting RateInterval
// between requests.
func (l *Loader) download(ctx context.Context, symbol, timeframe string, from, to time.Time) ([]candle.Candle, error) {
	var ticker *time.Ticker
	if l.opts.RateInterval > 0 {
		ticker = time.NewTicker(l.opts.RateInterval)
		defer ticker.Stop()
	}

	chunk := time.Duration(l.opts.ChunkDays) * 24 * time.Hour
	var all []candle.Candle
	for curr, first := from, true; curr.Before(to); first = false {
		next := curr.Add(chunk)
		if next.After(to) {
			next = to
		}

		if ticker != nil && !first {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-ticker.C:
			}
		}

		reqCtx, cancel := ctx, context.CancelFunc(func() {})
		if l.opts.RequestTimeout > 0 {
			reqCtx, cancel = context.WithTimeout(ctx, l.opts.RequestTimeout)
		}
		candles, err := l.source.FetchCandles(reqCtx, symbol, timeframe, curr, next)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("error fetching candles from %s to %s: %w",
				curr.Format(time.RFC3339), next.Format(time.RFC3339), err)
		}

		utils.GetLogger().Printf("Load | Downloaded %d candles for %s from %s to %s",
			len(candles), symbol, curr.Format("2006-01-02"), next.Format("2006-01-02"))

		all = append(all, candles...)
		curr = next
	}
	return all, nil
}

func (l *Loader) cachePath(symbol, timeframe string, from, to time.Time) string {
	name := fmt.Sprintf("%s_%s_%s_%s.csv",
		strings.NewReplacer("/", "", "-", "").Replace(strings.ToUpper(symbol)),
		timeframe, from.UTC().Format("20060102T1504"), to.UTC().Format("20060102T1504"))
	return filepath.Join(l.opts.CacheDir, name)
}

func (l *Loader) readCache(symbol, timeframe string, from, to time.Time) ([]candle.Candle, bool) {
	if l.opts.CacheDir == "" {
		return nil, false
	}
	path := l.cachePath(symbol, timeframe, from, to)
	f, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer f.Close()

	candles, err := candle.ReadCSV(f, symbol, timeframe)
	if err != nil {
		utils.GetLogger().Printf("Load | Ignoring unreadable cache %s: %v", path, err)
		return nil, false
	}
	if len(candles) == 0 {
		return nil, false
	}
	return candles, true
}

// writeCache is best effort; failures are logged
func (l *Loader) writeCache(symbol, timeframe string, from, to time.Time, candles []candle.Candle) {
	if l.opts.CacheDir == "" || len(candles) == 0 {
		return
	}
	if err := os.MkdirAll(l.opts.CacheDir, 0o755); err != nil {
		utils.GetLogger().Printf("Load | Failed to create cache dir %s: %v", l.opts.CacheDir, err)
		return
	}
	path := l.cachePath(symbol, timeframe, from, to)
	f, err := os.Create(path)
	if err != nil {
		utils.GetLogger().Printf("Load | Failed to create cache %s: %v", path, err)
		return
	}
	defer f.Close()
	if err := candle.WriteCSV(f, candles); err != nil {
		utils.GetLogger().Printf("Load | Failed to write cache %s: %v", path, err)
	}
}
