// Package config
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/amirphl/simple-backtester/internal/backtest"
	"github.com/amirphl/simple-backtester/internal/dataset"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/livetrading"
	"github.com/amirphl/simple-backtester/internal/signal"
	"github.com/amirphl/simple-backtester/internal/sweep"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

/*
YAML config example:
mode: "portfolio"
exchange: "binance"
symbols: ["BTCUSDT", "ETHUSDT"]
timeframe: "1h"
from: "2023-01-01"
to: "2024-01-01"
signal: "rsi"
signal_params: { window: 14, oversold: 30, overbought: 70 }
backtest:
  initial_cash: 10000
  commission_rate: 0.001
  stop_loss: 0.05
  allocation: 0.25
  missing_close: "carry-forward"
sweep:
  workers: 4
  grid:
    commission_rates: [0.0005, 0.001]
    stop_losses: [0, 0.05, 0.1]
live:
  allocation: 100
  stop_loss: 0.05
  interval: 1m
  execution_symbols: { BTCUSDT: "BTC-TMN" }
log:
  file: "simple-backtester.log"
  max_size_mb: 100
*/

var ErrInvalidConfig = errors.New("invalid config")

var modes = []string{"backtest", "portfolio", "sweep", "pnl", "live", "download"}

const dateLayout = "2006-01-02"

// Date is a UTC day parsed from YYYY-MM-DD in flags and YAML
type Date struct {
	time.Time
}

func ParseDate(s string) (Date, error) {
	t, err := time.Parse(dateLayout, strings.TrimSpace(s))
	if err != nil {
		return Date{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD: %w", s, err)
	}
	return Date{t.UTC()}, nil
}

func (d Date) String() string {
	if d.IsZero() {
		return ""
	}
	return d.Format(dateLayout)
}

func (d *Date) Set(s string) error {
	parsed, err := ParseDate(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func (d *Date) UnmarshalYAML(node *yaml.Node) error {
	return d.Set(node.Value)
}

func (d Date) MarshalYAML() (any, error) {
	return d.String(), nil
}

type stringList []string

func (l *stringList) String() string { return strings.Join(*l, ",") }

func (l *stringList) Set(s string) error {
	*l = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*l = append(*l, part)
		}
	}
	return nil
}

type floatList []float64

func (l *floatList) String() string {
	parts := make([]string, len(*l))
	for i, v := range *l {
		parts[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return strings.Join(parts, ",")
}

func (l *floatList) Set(s string) error {
	*l = nil
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part == "" {
			continue
		}
		v, err := strconv.ParseFloat(part, 64)
		if err != nil {
			return fmt.Errorf("invalid number %q: %w", part, err)
		}
		*l = append(*l, v)
	}
	return nil
}

// paramMap parses key=value pairs, e.g. short=10,long=30
type paramMap map[string]float64

func (m *paramMap) String() string {
	parts := make([]string, 0, len(*m))
	for k, v := range *m {
		parts = append(parts, k+"="+strconv.FormatFloat(v, 'f', -1, 64))
	}
	slices.Sort(parts)
	return strings.Join(parts, ",")
}

func (m *paramMap) Set(s string) error {
	out := make(paramMap)
	for _, pair := range strings.Split(s, ",") {
		if pair = strings.TrimSpace(pair); pair == "" {
			continue
		}
		key, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return fmt.Errorf("invalid param %q, want key=value", pair)
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return fmt.Errorf("invalid value for %s: %w", key, err)
		}
		out[strings.TrimSpace(key)] = v
	}
	*m = out
	return nil
}

type BacktestConfig struct {
	InitialCash    float64 `yaml:"initial_cash"`
	CommissionRate float64 `yaml:"commission_rate"`
	StopLoss       float64 `yaml:"stop_loss"`
	Allocation     float64 `yaml:"allocation"`
	MissingClose   string  `yaml:"missing_close"`
}

type SweepConfig struct {
	Workers int        `yaml:"workers"`
	Grid    sweep.Grid `yaml:"grid"`
}

type DatasetConfig struct {
	ChunkDays      int           `yaml:"chunk_days"`
	RateInterval   time.Duration `yaml:"rate_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	FillGaps       bool          `yaml:"fill_gaps"`
	CacheDir       string        `yaml:"cache_dir"`
}

type PaperConfig struct {
	Enabled  bool               `yaml:"enabled"`
	Balances map[string]float64 `yaml:"balances"`
	FeeRate  float64            `yaml:"fee_rate"`
}

type Config struct {
	File    string `yaml:"-"`
	EnvFile string `yaml:"-"`

	Mode      string   `yaml:"mode"`
	Exchange  string   `yaml:"exchange"`
	Symbols   []string `yaml:"symbols"`
	Timeframe string   `yaml:"timeframe"`
	From      Date     `yaml:"from"`
	To        Date     `yaml:"to"`

	Signal       string             `yaml:"signal"`
	SignalParams map[string]float64 `yaml:"signal_params"`

	Backtest BacktestConfig       `yaml:"backtest"`
	Sweep    SweepConfig          `yaml:"sweep"`
	Dataset  DatasetConfig        `yaml:"dataset"`
	Live     livetrading.Config   `yaml:"live"`
	Paper    PaperConfig          `yaml:"paper"`
	Retry    exchange.RetryConfig `yaml:"retry"`
	Log      utils.LogConfig      `yaml:"log"`

	// PnLSource is "db" or "exchange"
	PnLSource string `yaml:"pnl_source"`
	// StrictPnL fails pnl mode on a sell larger than the open lots
	StrictPnL   bool   `yaml:"strict_pnl"`
	OutputDir   string `yaml:"output_dir"`
	MetricsAddr string `yaml:"metrics_addr"`
	SaveRuns    bool   `yaml:"save_runs"`
	Migrate     bool   `yaml:"migrate"`

	WallexAPIKey     string `yaml:"wallex_api_key"`
	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceAPISecret string `yaml:"binance_api_secret"`
	BinanceTestnet   bool   `yaml:"binance_testnet"`
	TelegramToken    string `yaml:"telegram_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
	DBConnStr        string `yaml:"db_conn_str"`
	DBMaxOpen        int    `yaml:"db_max_open"`
	DBMaxIdle        int    `yaml:"db_max_idle"`
}

func Default() Config {
	now := time.Now().UTC()
	params := backtest.DefaultParams()
	opts := dataset.DefaultOptions()
	live := livetrading.DefaultConfig()
	// inherits the top-level timeframe unless set
	live.Timeframe = ""
	return Config{
		EnvFile:   ".env",
		Mode:      "backtest",
		Exchange:  "binance",
		Symbols:   []string{"BTCUSDT"},
		Timeframe: "1h",
		From:      Date{now.AddDate(-2, 0, 0).Truncate(24 * time.Hour)},
		To:        Date{now.Truncate(24 * time.Hour)},
		Signal:    "buy-and-hold",
		Backtest: BacktestConfig{
			InitialCash:    params.InitialCash,
			CommissionRate: params.CommissionRate,
			StopLoss:       params.StopLoss,
			Allocation:     1,
			MissingClose:   backtest.MarkZero.String(),
		},
		Dataset: DatasetConfig{
			ChunkDays:      opts.ChunkDays,
			RateInterval:   opts.RateInterval,
			RequestTimeout: opts.RequestTimeout,
		},
		Live:      live,
		Paper:     PaperConfig{Balances: map[string]float64{"USDT": 1000}, FeeRate: 0.001},
		Retry:     exchange.DefaultRetryConfig(),
		Log:       utils.DefaultLogConfig(),
		PnLSource: "db",
		OutputDir: "results",
		DBMaxOpen: 10,
		DBMaxIdle: 5,
	}
}

func newFlagSet(cfg *Config) *flag.FlagSet {
	fs := flag.NewFlagSet("simple-backtester", flag.ContinueOnError)
	fs.StringVar(&cfg.File, "config", cfg.File, "Path to YAML config file")
	fs.StringVar(&cfg.EnvFile, "env-file", cfg.EnvFile, "Path to .env file")
	fs.StringVar(&cfg.Mode, "mode", cfg.Mode, "Mode: "+strings.Join(modes, " or "))
	fs.StringVar(&cfg.Exchange, "exchange", cfg.Exchange, "Exchange: wallex or binance")
	fs.Var((*stringList)(&cfg.Symbols), "symbols", "Comma-separated list of symbols")
	fs.StringVar(&cfg.Timeframe, "timeframe", cfg.Timeframe, "Candle timeframe: "+strings.Join(tfutils.GetSupportedTimeframes(), ", "))
	fs.Var(&cfg.From, "from", "Start date (YYYY-MM-DD)")
	fs.Var(&cfg.To, "to", "End date, exclusive (YYYY-MM-DD)")
	fs.StringVar(&cfg.Signal, "signal", cfg.Signal, "Signal generator: "+strings.Join(signal.Names(), ", "))
	fs.Var((*paramMap)(&cfg.SignalParams), "signal-params", "Signal params as key=value pairs (e.g., short=10,long=30)")

	fs.Float64Var(&cfg.Backtest.InitialCash, "initial-cash", cfg.Backtest.InitialCash, "Initial cash in quote currency")
	fs.Float64Var(&cfg.Backtest.CommissionRate, "commission", cfg.Backtest.CommissionRate, "Commission rate per trade (e.g., 0.001 for 0.1%)")
	fs.Float64Var(&cfg.Backtest.StopLoss, "stop-loss", cfg.Backtest.StopLoss, "Stop loss fraction below entry (e.g., 0.05), 0 disables")
	fs.Float64Var(&cfg.Backtest.Allocation, "allocation", cfg.Backtest.Allocation, "Portfolio allocation per entry as a fraction of equity")
	fs.StringVar(&cfg.Backtest.MissingClose, "missing-close", cfg.Backtest.MissingClose, "Valuation of held symbols without a close: zero or carry-forward")

	fs.IntVar(&cfg.Sweep.Workers, "sweep-workers", cfg.Sweep.Workers, "Parallel sweep workers, 0 uses all CPUs")
	fs.Var((*floatList)(&cfg.Sweep.Grid.CommissionRates), "sweep-commissions", "Comma-separated commission rates to sweep")
	fs.Var((*floatList)(&cfg.Sweep.Grid.StopLosses), "sweep-stop-losses", "Comma-separated stop losses to sweep")
	fs.Var((*floatList)(&cfg.Sweep.Grid.Allocations), "sweep-allocations", "Comma-separated allocations to sweep")

	fs.BoolVar(&cfg.Dataset.FillGaps, "fill-gaps", cfg.Dataset.FillGaps, "Synthesize flat candles for missing bars")
	fs.StringVar(&cfg.Dataset.CacheDir, "cache-dir", cfg.Dataset.CacheDir, "Directory for the CSV candle cache")

	fs.Float64Var(&cfg.Live.Allocation, "live-allocation", cfg.Live.Allocation, "Quote amount spent per live entry")
	fs.Float64Var(&cfg.Live.StopLoss, "live-stop-loss", cfg.Live.StopLoss, "Live stop loss fraction below entry")
	fs.DurationVar(&cfg.Live.Interval, "live-interval", cfg.Live.Interval, "Delay between live checks (e.g., 1m)")
	fs.BoolVar(&cfg.Paper.Enabled, "paper", cfg.Paper.Enabled, "Simulate live orders against real prices")

	fs.StringVar(&cfg.PnLSource, "pnl-source", cfg.PnLSource, "Fills for pnl mode: db or exchange")
	fs.BoolVar(&cfg.StrictPnL, "strict-pnl", cfg.StrictPnL, "Fail pnl mode when a sell exceeds the open lots")
	fs.StringVar(&cfg.OutputDir, "output", cfg.OutputDir, "Directory for result files")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "Address for the Prometheus endpoint (e.g., :9090)")
	fs.BoolVar(&cfg.SaveRuns, "save-runs", cfg.SaveRuns, "Persist backtest runs to the database")
	fs.BoolVar(&cfg.Migrate, "migrate", cfg.Migrate, "Apply scripts/schema.sql before running")
	fs.StringVar(&cfg.Log.File, "log-file", cfg.Log.File, "Rotated log file, empty for stdout only")
	return fs
}

// Load parses args, then the YAML file named by -config, then the .env file
// and environment. Explicit flags win over the file; secrets from the
// environment win over both.
func Load(args []string) (Config, error) {
	cfg := Default()
	if err := newFlagSet(&cfg).Parse(args); err != nil {
		return Config{}, err
	}

	if cfg.File != "" {
		data, err := os.ReadFile(cfg.File)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		fileCfg := Default()
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
		if err := newFlagSet(&fileCfg).Parse(args); err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}

	if err := loadEnv(&cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Live.Symbols) == 0 {
		cfg.Live.Symbols = cfg.Symbols
	}
	if cfg.Live.Timeframe == "" {
		cfg.Live.Timeframe = cfg.Timeframe
	}
	if cfg.Live.Source == "" {
		cfg.Live.Source = "live"
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadEnv(cfg *Config) error {
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load env file: %w", err)
		}
	}
	for env, dst := range map[string]*string{
		"WALLEX_API_KEY":     &cfg.WallexAPIKey,
		"BINANCE_API_KEY":    &cfg.BinanceAPIKey,
		"BINANCE_API_SECRET": &cfg.BinanceAPISecret,
		"TELEGRAM_BOT_TOKEN": &cfg.TelegramToken,
		"TELEGRAM_CHAT_ID":   &cfg.TelegramChatID,
		"DB_CONN_STR":        &cfg.DBConnStr,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		testnet, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid BINANCE_TESTNET %q: %w", v, err)
		}
		cfg.BinanceTestnet = testnet
	}
	return nil
}

func (c Config) validate() error {
	switch {
	case !slices.Contains(modes, c.Mode):
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidConfig, c.Mode)
	case len(c.Symbols) == 0:
		return fmt.Errorf("%w: no symbols", ErrInvalidConfig)
	case !tfutils.IsValidTimeframe(c.Timeframe):
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidConfig, c.Timeframe)
	case !slices.Contains(signal.Names(), c.Signal):
		return fmt.Errorf("%w: unknown signal %q", ErrInvalidConfig, c.Signal)
	case c.Mode != "live" && !c.From.Before(c.To.Time):
		return fmt.Errorf("%w: from %s must be before to %s", ErrInvalidConfig, c.From, c.To)
	case c.PnLSource != "db" && c.PnLSource != "exchange":
		return fmt.Errorf("%w: pnl source must be db or exchange, got %q", ErrInvalidConfig, c.PnLSource)
	}
	if _, err := backtest.ParseMarkPolicy(c.Backtest.MissingClose); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// MustLoadConfig loads from the process arguments and exits on error
func MustLoadConfig() Config {
	cfg, err := Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func (c Config) BacktestParams() backtest.Params {
	return backtest.Params{
		InitialCash:    c.Backtest.InitialCash,
		CommissionRate: c.Backtest.CommissionRate,
		StopLoss:       c.Backtest.StopLoss,
	}
}

func (c Config) PortfolioParams() backtest.PortfolioParams {
	// validated in Load
	policy, _ := backtest.ParseMarkPolicy(c.Backtest.MissingClose)
	return backtest.PortfolioParams{
		Params:       c.BacktestParams(),
		Allocation:   c.Backtest.Allocation,
		MissingClose: policy,
	}
}

func (c Config) DatasetOptions() dataset.Options {
	return dataset.Options{
		ChunkDays:      c.Dataset.ChunkDays,
		RateInterval:   c.Dataset.RateInterval,
		RequestTimeout: c.Dataset.RequestTimeout,
		FillGaps:       c.Dataset.FillGaps,
		CacheDir:       c.Dataset.CacheDir,
	}
}

func (c Config) Credentials() exchange.Credentials {
	return exchange.Credentials{
		WallexAPIKey:     c.WallexAPIKey,
		BinanceAPIKey:    c.BinanceAPIKey,
		BinanceAPISecret: c.BinanceAPISecret,
		BinanceTestnet:   c.BinanceTestnet,
	}
}
