package signal

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/indicator"
	"github.com/amirphl/simple-backtester/internal/pattern"
)

var (
	ErrUnknownGenerator = errors.New("unknown signal generator")
	ErrInvalidParam     = errors.New("invalid signal parameter")
)

type factory func(params map[string]float64) (Func, error)

var generators = map[string]factory{
	"buy-and-hold": func(map[string]float64) (Func, error) { return BuyAndHold(), nil },
	"ma-crossover": func(p map[string]float64) (Func, error) {
		short, err := intParam(p, "short", 20)
		if err != nil {
			return nil, err
		}
		long, err := intParam(p, "long", 50)
		if err != nil {
			return nil, err
		}
		return MACrossover(short, long), nil
	},
	"rsi": func(p map[string]float64) (Func, error) {
		cfg, err := rsiParams(p)
		if err != nil {
			return nil, err
		}
		return RSI(cfg, false), nil
	},
	"reverse-rsi": func(p map[string]float64) (Func, error) {
		cfg, err := rsiParams(p)
		if err != nil {
			return nil, err
		}
		return RSI(cfg, true), nil
	},
	"stochastic": func(p map[string]float64) (Func, error) {
		cfg, err := stochasticParams(p)
		if err != nil {
			return nil, err
		}
		return Stochastic(cfg), nil
	},
	"engulfing": func(p map[string]float64) (Func, error) {
		minStrength := p["min_strength"]
		if minStrength < 0 || minStrength > 1 {
			return nil, fmt.Errorf("%w: min_strength must be in [0, 1], got %v", ErrInvalidParam, minStrength)
		}
		return Engulfing(minStrength), nil
	},
}

// Names lists the registered generators
func Names() []string {
	names := make([]string, 0, len(generators))
	for name := range generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New looks up a generator by name. Missing params take their defaults.
// A non-zero "heikin_ashi" param evaluates the generator on smoothed candles.
func New(name string, params map[string]float64) (Func, error) {
	f, ok := generators[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownGenerator, name)
	}
	fn, err := f(params)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	if params["heikin_ashi"] != 0 {
		fn = OnHeikenAshi(fn)
	}
	return fn, nil
}

// OnHeikenAshi evaluates fn on Heiken Ashi candles. Timestamps are unchanged,
// so the series still aligns with the raw candles the engines trade on.
func OnHeikenAshi(fn Func) Func {
	return func(candles []candle.Candle) (Series, error) {
		return fn(candle.HeikenAshi(candles))
	}
}

func intParam(params map[string]float64, key string, def int) (int, error) {
	v, ok := params[key]
	if !ok {
		return def, nil
	}
	if v < 1 || v != math.Trunc(v) {
		return 0, fmt.Errorf("%w: %s must be a positive integer, got %v", ErrInvalidParam, key, v)
	}
	return int(v), nil
}

// BuyAndHold emits Buy on every bar, so the engine enters once and never exits.
func BuyAndHold() Func {
	return func(candles []candle.Candle) (Series, error) {
		s := make(Series, len(candles))
		for i, c := range candles {
			s[i] = Point{Timestamp: c.Timestamp, Value: int(Buy)}
		}
		return s, nil
	}
}

// MACrossover emits Buy on the bar where the short SMA moves above the long SMA
// and Sell on the bar where it falls back to or below it.
func MACrossover(short, long int) Func {
	return func(candles []candle.Candle) (Series, error) {
		closes := candle.Closes(candles)
		fast := indicator.SMA(closes, short)
		slow := indicator.SMA(closes, long)

		s := make(Series, len(candles))
		prev := 0
		for i, c := range candles {
			above := 0
			if fast[i] > slow[i] {
				above = 1
			}
			s[i] = Point{Timestamp: c.Timestamp}
			if i > 0 {
				s[i].Value = above - prev
			}
			prev = above
		}
		return s, nil
	}
}

// RSIConfig parametrizes the RSI generators
type RSIConfig struct {
	Window     int
	Overbought float64
	Oversold   float64
	Wilder     bool
}

func rsiParams(p map[string]float64) (RSIConfig, error) {
	window, err := intParam(p, "window", 14)
	if err != nil {
		return RSIConfig{}, err
	}
	cfg := RSIConfig{Window: window, Overbought: 70, Oversold: 30}
	if v, ok := p["overbought"]; ok {
		cfg.Overbought = v
	}
	if v, ok := p["oversold"]; ok {
		cfg.Oversold = v
	}
	if cfg.Oversold < 0 || cfg.Overbought > 100 || cfg.Oversold >= cfg.Overbought {
		return RSIConfig{}, fmt.Errorf("%w: need 0 <= oversold < overbought <= 100", ErrInvalidParam)
	}
	cfg.Wilder = p["wilder"] > 0
	return cfg, nil
}

// RSI emits Sell above the overbought level and Buy below the oversold level.
// With reverse set the mapping is swapped: momentum above overbought buys.
// Bars where RSI is undefined are Flat.
func RSI(cfg RSIConfig, reverse bool) Func {
	high, low := Sell, Buy
	if reverse {
		high, low = Buy, Sell
	}
	return func(candles []candle.Candle) (Series, error) {
		closes := candle.Closes(candles)
		var rsi []float64
		if cfg.Wilder {
			rsi = indicator.WilderRSI(closes, cfg.Window)
		} else {
			rsi = indicator.RSI(closes, cfg.Window)
		}

		s := make(Series, len(candles))
		for i, c := range candles {
			s[i] = Point{Timestamp: c.Timestamp}
			if i >= len(rsi) || math.IsNaN(rsi[i]) {
				continue
			}
			switch {
			case rsi[i] > cfg.Overbought:
				s[i].Value = int(high)
			case rsi[i] < cfg.Oversold:
				s[i].Value = int(low)
			}
		}
		return s, nil
	}
}

// Engulfing emits Buy on bullish and Sell on bearish engulfing bars whose
// strength is at least minStrength.
func Engulfing(minStrength float64) Func {
	return func(candles []candle.Candle) (Series, error) {
		s := FromValues(candles, nil)
		for _, m := range pattern.Engulfing(candles) {
			if m.Strength < minStrength {
				continue
			}
			if m.Direction == pattern.Bullish {
				s[m.Index].Value = int(Buy)
			} else {
				s[m.Index].Value = int(Sell)
			}
		}
		return s, nil
	}
}

// StochasticConfig parametrizes the stochastic generator
type StochasticConfig struct {
	PeriodK    int
	SmoothK    int
	PeriodD    int
	Overbought float64
	Oversold   float64
}

func stochasticParams(p map[string]float64) (StochasticConfig, error) {
	cfg := StochasticConfig{Overbought: 80, Oversold: 20}
	var err error
	if cfg.PeriodK, err = intParam(p, "period_k", 14); err != nil {
		return cfg, err
	}
	if cfg.SmoothK, err = intParam(p, "smooth_k", 1); err != nil {
		return cfg, err
	}
	if cfg.PeriodD, err = intParam(p, "period_d", 3); err != nil {
		return cfg, err
	}
	if v, ok := p["overbought"]; ok {
		cfg.Overbought = v
	}
	if v, ok := p["oversold"]; ok {
		cfg.Oversold = v
	}
	if cfg.Oversold < 0 || cfg.Overbought > 100 || cfg.Oversold >= cfg.Overbought {
		return cfg, fmt.Errorf("%w: need 0 <= oversold < overbought <= 100", ErrInvalidParam)
	}
	return cfg, nil
}

// Stochastic emits Buy when %K crosses above %D with both below the oversold
// level, and Sell when %K crosses below %D with both above overbought.
func Stochastic(cfg StochasticConfig) Func {
	return func(candles []candle.Candle) (Series, error) {
		high := make([]float64, len(candles))
		low := make([]float64, len(candles))
		for i, c := range candles {
			high[i], low[i] = c.High, c.Low
		}
		k, d := indicator.Stochastic(high, low, candle.Closes(candles), cfg.PeriodK, cfg.SmoothK, cfg.PeriodD)

		s := FromValues(candles, nil)
		for i := 1; i < len(candles); i++ {
			pk, pd, ck, cd := k[i-1], d[i-1], k[i], d[i]
			if math.IsNaN(pk) || math.IsNaN(pd) || math.IsNaN(ck) || math.IsNaN(cd) {
				continue
			}
			switch {
			case pk <= pd && ck > cd && ck < cfg.Oversold && cd < cfg.Oversold:
				s[i].Value = int(Buy)
			case pk >= pd && ck < cd && ck > cfg.Overbought && cd > cfg.Overbought:
				s[i].Value = int(Sell)
			}
		}
		return s, nil
	}
}
