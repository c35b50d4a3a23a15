package livetrading

import (
	"bytes"
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/db"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Name() string { return "mock" }

func (m *mockGateway) FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	args := m.Called(ctx, symbol, timeframe, start, end)
	return args.Get(0).([]candle.Candle), args.Error(1)
}

func (m *mockGateway) FetchBalances(ctx context.Context) (map[string]exchange.Balance, error) {
	args := m.Called(ctx)
	return args.Get(0).(map[string]exchange.Balance), args.Error(1)
}

func (m *mockGateway) FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error) {
	args := m.Called(ctx, symbol)
	return args.Get(0).(exchange.Ticker), args.Error(1)
}

func (m *mockGateway) SubmitOrder(ctx context.Context, req exchange.OrderRequest) (exchange.Order, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(exchange.Order), args.Error(1)
}

func (m *mockGateway) FetchTrades(ctx context.Context, symbol string, since time.Time) ([]exchange.Trade, error) {
	args := m.Called(ctx, symbol, since)
	return args.Get(0).([]exchange.Trade), args.Error(1)
}

type recorder struct {
	messages []string
}

func (r *recorder) Send(_ context.Context, msg string) error {
	r.messages = append(r.messages, msg)
	return nil
}

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func hourly(symbol string, closes ...float64) []candle.Candle {
	out := make([]candle.Candle, len(closes))
	for i, c := range closes {
		out[i] = candle.Candle{
			Timestamp: t0.Add(time.Duration(i) * time.Hour),
			Open:      c, High: c, Low: c, Close: c,
			Symbol: symbol, Timeframe: "1h",
		}
	}
	return out
}

// scripted returns the same value for every candle
func scripted(v *int) signal.Func {
	return func(candles []candle.Candle) (signal.Series, error) {
		values := make([]int, len(candles))
		for i := range values {
			values[i] = *v
		}
		return signal.FromValues(candles, values), nil
	}
}

func newTestSession(t *testing.T, cfg Config, g exchange.Gateway, sig signal.Func) (*Session, *db.MemoryStorage, *bytes.Buffer) {
	t.Helper()
	store := db.NewMemory()
	var buf bytes.Buffer
	s, err := NewSession(cfg, g, store, sig, log.New(&buf, "", 0))
	require.NoError(t, err)
	s.now = func() time.Time { return t0.Add(3 * time.Hour) }
	return s, store, &buf
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.Allocation = 1000
	cfg.StopLoss = 0.1
	return cfg
}

func TestConfigValidation(t *testing.T) {
	g := &mockGateway{}
	sig := signal.BuyAndHold()
	store := db.NewMemory()
	logger := log.New(&bytes.Buffer{}, "", 0)

	bad := []func(c *Config){
		func(c *Config) { c.Symbols = nil },
		func(c *Config) { c.Timeframe = "2h" },
		func(c *Config) { c.Allocation = 0 },
		func(c *Config) { c.StopLoss = 1 },
		func(c *Config) { c.Lookback = 1 },
		func(c *Config) { c.Interval = 0 },
	}
	for i, mutate := range bad {
		cfg := testConfig()
		mutate(&cfg)
		_, err := NewSession(cfg, g, store, sig, logger)
		assert.ErrorIs(t, err, ErrInvalidConfig, "case %d", i)
	}

	_, err := NewSession(testConfig(), nil, store, sig, logger)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestCheckBuysOnceThenSells(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	value := 1
	s, store, _ := newTestSession(t, testConfig(), g, scripted(&value))

	candles := hourly("BTCUSDT", 90, 100, 105)
	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(candles, nil)
	g.On("SubmitOrder", ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideBuy, Type: exchange.TypeMarket, Quantity: 10}).
		Return(exchange.Order{OrderID: "1", Status: "FILLED", Symbol: "BTCUSDT", Side: exchange.SideBuy, FilledQty: 10, AvgPrice: 100, Fee: 1, Timestamp: t0.Add(2 * time.Hour)}, nil).Once()

	actions, err := s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionBuy, actions[0].Kind)
	assert.Equal(t, 10.0, actions[0].Amount)

	amount, entry := s.Position("BTCUSDT")
	assert.Equal(t, 10.0, amount)
	assert.Equal(t, 100.0, entry)

	fills, err := store.GetFills(ctx, "BTCUSDT", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, fills, 1)
	assert.Equal(t, ledger.Buy, fills[0].Side)

	// same closed candle again
	g.On("FetchTicker", ctx, "BTCUSDT").Return(exchange.Ticker{Symbol: "BTCUSDT", Price: 104}, nil)
	actions, err = s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionPulse, actions[0].Kind)

	// next candle closes with a sell signal
	value = -1
	g.ExpectedCalls = filterCalls(g.ExpectedCalls, "FetchCandles")
	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("BTCUSDT", 90, 100, 105, 110), nil)
	g.On("SubmitOrder", ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.TypeMarket, Quantity: 10}).
		Return(exchange.Order{OrderID: "2", Status: "FILLED", Symbol: "BTCUSDT", Side: exchange.SideSell, FilledQty: 10, AvgPrice: 105, Fee: 1, Timestamp: t0.Add(3 * time.Hour)}, nil).Once()

	actions, err = s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSell, actions[0].Kind)

	amount, _ = s.Position("BTCUSDT")
	assert.Zero(t, amount)

	fills, err = store.GetFills(ctx, "BTCUSDT", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	realized, err := ledger.ComputeRealizedPnL(fills)
	require.NoError(t, err)
	require.Len(t, realized, 1)
	assert.InDelta(t, 48.0, realized[0].PnL, 1e-9)

	events, err := store.GetEvents(ctx, "order", t0, t0.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, events, 2)
	g.AssertExpectations(t)
}

func filterCalls(calls []*mock.Call, method string) []*mock.Call {
	var out []*mock.Call
	for _, c := range calls {
		if c.Method != method {
			out = append(out, c)
		}
	}
	return out
}

func TestCheckStopLossRunsBeforeSignals(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	value := 1
	s, _, buf := newTestSession(t, testConfig(), g, scripted(&value))
	rec := &recorder{}
	s.SetNotifier(rec)

	_, err := s.ledger.Apply(ledger.Fill{Timestamp: t0, Symbol: "BTCUSDT", Side: ledger.Buy, Amount: 2, Price: 100})
	require.NoError(t, err)

	g.On("FetchTicker", ctx, "BTCUSDT").Return(exchange.Ticker{Symbol: "BTCUSDT", Price: 89}, nil)
	g.On("SubmitOrder", ctx, exchange.OrderRequest{Symbol: "BTCUSDT", Side: exchange.SideSell, Type: exchange.TypeMarket, Quantity: 2}).
		Return(exchange.Order{OrderID: "9", Status: "FILLED", Symbol: "BTCUSDT", Side: exchange.SideSell, FilledQty: 2, AvgPrice: 89}, nil).Once()
	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("BTCUSDT", 90, 89, 88), nil)

	actions, err := s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 2)
	assert.Equal(t, ActionStopLoss, actions[0].Kind)
	// no re-entry in the pass that stopped out
	assert.Equal(t, ActionHold, actions[1].Kind)
	assert.Contains(t, buf.String(), "STOP-LOSS")
	require.Len(t, rec.messages, 1)
	assert.Contains(t, rec.messages[0], "SELL BTCUSDT</b> (stop_loss)")

	amount, _ := s.Position("BTCUSDT")
	assert.Zero(t, amount)
	g.AssertNumberOfCalls(t, "SubmitOrder", 1)
}

func TestCheckStopLossNotTriggeredAboveThreshold(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	value := 0
	s, _, _ := newTestSession(t, testConfig(), g, scripted(&value))

	_, err := s.ledger.Apply(ledger.Fill{Timestamp: t0, Symbol: "BTCUSDT", Side: ledger.Buy, Amount: 1, Price: 100})
	require.NoError(t, err)

	g.On("FetchTicker", ctx, "BTCUSDT").Return(exchange.Ticker{Symbol: "BTCUSDT", Price: 90.5}, nil)
	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("BTCUSDT", 95, 91, 90), nil)

	actions, err := s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, ActionHold, actions[0].Kind)
	g.AssertNotCalled(t, "SubmitOrder", mock.Anything, mock.Anything)
}

func TestCheckSkipsShortHistoryAndJoinsErrors(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	value := 1
	cfg := testConfig()
	cfg.Symbols = []string{"BTCUSDT", "ETHUSDT", "XRPUSDT"}
	s, _, _ := newTestSession(t, cfg, g, scripted(&value))

	boom := errors.New("boom")
	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("BTCUSDT", 100), nil)
	g.On("FetchCandles", ctx, "ETHUSDT", "1h", mock.Anything, mock.Anything).Return([]candle.Candle(nil), boom)
	g.On("FetchCandles", ctx, "XRPUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("XRPUSDT", 1, 0, 1), nil)

	actions, err := s.Check(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "symbol ETHUSDT")
	assert.Contains(t, err.Error(), "invalid close price")
	require.Len(t, actions, 1)
	assert.Equal(t, ActionSkip, actions[0].Kind)

	// the bad candle is not marked processed
	_, ok := s.lastProcessed["XRPUSDT"]
	assert.False(t, ok)
}

func TestCheckUsesExecutionSymbol(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	value := 1
	cfg := testConfig()
	cfg.Symbols = []string{"BTCUSDT"}
	cfg.ExecutionSymbols = map[string]string{"BTCUSDT": "BTC-TMN"}
	s, _, _ := newTestSession(t, cfg, g, scripted(&value))

	g.On("FetchCandles", ctx, "BTCUSDT", "1h", mock.Anything, mock.Anything).Return(hourly("BTCUSDT", 100, 100, 100), nil)
	g.On("SubmitOrder", ctx, mock.MatchedBy(func(r exchange.OrderRequest) bool { return r.Symbol == "BTC-TMN" })).
		Return(exchange.Order{OrderID: "1", Status: "FILLED", Symbol: "BTC-TMN", Side: exchange.SideBuy, FilledQty: 10, AvgPrice: 100}, nil)

	actions, err := s.Check(ctx)
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, "BTC-TMN", actions[0].Symbol)
	amount, _ := s.Position("BTC-TMN")
	assert.Equal(t, 10.0, amount)
}

func TestRestoreReplaysTradedSymbolsOnly(t *testing.T) {
	ctx := context.Background()
	g := &mockGateway{}
	s, store, _ := newTestSession(t, testConfig(), g, signal.BuyAndHold())

	require.NoError(t, store.SaveFills(ctx, "live", []ledger.Fill{
		{Timestamp: t0, Symbol: "BTCUSDT", Side: ledger.Buy, Amount: 1, Price: 100},
		{Timestamp: t0.Add(time.Minute), Symbol: "BTCUSDT", Side: ledger.Buy, Amount: 1, Price: 110},
		{Timestamp: t0.Add(2 * time.Minute), Symbol: "DOGEUSDT", Side: ledger.Buy, Amount: 5, Price: 1},
	}))

	require.NoError(t, s.Restore(ctx, t0))
	amount, entry := s.Position("BTCUSDT")
	assert.Equal(t, 2.0, amount)
	assert.InDelta(t, 105.0, entry, 1e-9)
	assert.Equal(t, []string{"BTCUSDT"}, s.ledger.Symbols())
}

func TestRunStopsOnCancel(t *testing.T) {
	g := &mockGateway{}
	value := 0
	cfg := testConfig()
	cfg.Interval = time.Millisecond
	s, _, buf := newTestSession(t, cfg, g, scripted(&value))

	ctx, cancel := context.WithCancel(context.Background())
	g.On("FetchCandles", mock.Anything, "BTCUSDT", "1h", mock.Anything, mock.Anything).
		Return(hourly("BTCUSDT", 1, 2, 3), nil).
		Run(func(mock.Arguments) { cancel() })

	require.NoError(t, s.Run(ctx))
	assert.Contains(t, buf.String(), "Live session stopped")
}
