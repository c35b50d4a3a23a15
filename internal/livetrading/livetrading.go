// Package livetrading runs a signal function against an exchange on a timer.
// Each pass first enforces stop-losses on the live price, then acts on the
// signal of the last closed candle of every symbol.
package livetrading

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/exchange"
	"github.com/amirphl/simple-backtester/internal/journal"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/metrics"
	"github.com/amirphl/simple-backtester/internal/notifier"
	"github.com/amirphl/simple-backtester/internal/signal"
	"github.com/amirphl/simple-backtester/internal/tfutils"
)

var ErrInvalidConfig = errors.New("invalid live trading config")

// positions below this size count as flat
const dust = 1e-9

// Config for a live session
type Config struct {
	Symbols []string `yaml:"symbols"`
	// ExecutionSymbols maps an analysis symbol to the pair orders are placed on
	ExecutionSymbols map[string]string `yaml:"execution_symbols"`
	Timeframe        string            `yaml:"timeframe"`
	// Allocation is the quote amount spent per entry
	Allocation float64 `yaml:"allocation"`
	// StopLoss is a fraction below the average entry price; 0 disables it
	StopLoss float64       `yaml:"stop_loss"`
	Lookback int           `yaml:"lookback"`
	Interval time.Duration `yaml:"interval"`
	// Source tags persisted fills
	Source string `yaml:"source"`
}

func (c Config) validate() error {
	switch {
	case len(c.Symbols) == 0:
		return fmt.Errorf("%w: no symbols", ErrInvalidConfig)
	case !tfutils.IsValidTimeframe(c.Timeframe):
		return fmt.Errorf("%w: unsupported timeframe %q", ErrInvalidConfig, c.Timeframe)
	case c.Allocation <= 0 || math.IsInf(c.Allocation, 0) || math.IsNaN(c.Allocation):
		return fmt.Errorf("%w: allocation must be positive, got %v", ErrInvalidConfig, c.Allocation)
	case c.StopLoss < 0 || c.StopLoss >= 1 || math.IsNaN(c.StopLoss):
		return fmt.Errorf("%w: stop loss must be in [0, 1), got %v", ErrInvalidConfig, c.StopLoss)
	case c.Lookback < 2:
		return fmt.Errorf("%w: lookback must be at least 2, got %d", ErrInvalidConfig, c.Lookback)
	case c.Interval <= 0:
		return fmt.Errorf("%w: interval must be positive, got %v", ErrInvalidConfig, c.Interval)
	}
	return nil
}

// DefaultConfig returns a config without symbols
func DefaultConfig() Config {
	return Config{
		Timeframe:  "1h",
		Allocation: 100,
		Lookback:   250,
		Interval:   time.Minute,
		Source:     "live",
	}
}

// Store is the part of db.Storage the session writes to
type Store interface {
	SaveFills(ctx context.Context, source string, fills []ledger.Fill) error
	GetFills(ctx context.Context, symbol string, start, end time.Time) ([]ledger.Fill, error)
	LogEvent(ctx context.Context, event journal.Event) error
}

type ActionKind string

const (
	ActionStopLoss ActionKind = "stop_loss"
	ActionBuy      ActionKind = "buy"
	ActionSell     ActionKind = "sell"
	ActionHold     ActionKind = "hold"
	ActionPulse    ActionKind = "pulse"
	ActionSkip     ActionKind = "skip"
)

// Action is one outcome of a check pass
type Action struct {
	Time    time.Time  `json:"time"`
	Symbol  string     `json:"symbol"`
	Kind    ActionKind `json:"kind"`
	Price   float64    `json:"price,omitempty"`
	Amount  float64    `json:"amount,omitempty"`
	OrderID string     `json:"order_id,omitempty"`
	Message string     `json:"message"`
}

// Session holds the state of one live trader. Not safe for concurrent Check calls.
type Session struct {
	cfg     Config
	gateway exchange.Gateway
	store   Store
	signals signal.Func
	logger  *log.Logger
	notify  notifier.Notifier
	now     func() time.Time

	ledger        *ledger.Ledger
	lastProcessed map[string]time.Time
}

func NewSession(cfg Config, gateway exchange.Gateway, store Store, signals signal.Func, logger *log.Logger) (*Session, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if gateway == nil || store == nil || signals == nil || logger == nil {
		return nil, fmt.Errorf("%w: gateway, store, signal function and logger are required", ErrInvalidConfig)
	}
	return &Session{
		cfg:           cfg,
		gateway:       gateway,
		store:         store,
		signals:       signals,
		logger:        logger,
		notify:        notifier.Nop{},
		now:           func() time.Time { return time.Now().UTC() },
		ledger:        ledger.New(),
		lastProcessed: make(map[string]time.Time),
	}, nil
}

// SetNotifier reports fills and stop-losses through n
func (s *Session) SetNotifier(n notifier.Notifier) {
	if n == nil {
		n = notifier.Nop{}
	}
	s.notify = n
}

// Restore replays fills persisted since the given time so that positions
// survive a restart.
func (s *Session) Restore(ctx context.Context, since time.Time) error {
	fills, err := s.store.GetFills(ctx, "", since, s.now().Add(time.Second))
	if err != nil {
		return fmt.Errorf("Restore | failed to load fills: %w", err)
	}
	traded := make(map[string]bool, len(s.cfg.Symbols))
	for _, symbol := range s.cfg.Symbols {
		traded[s.executionSymbol(symbol)] = true
	}
	replayed := 0
	for i, f := range fills {
		if !traded[f.Symbol] {
			continue
		}
		replayed++
		if _, err := s.ledger.Apply(f); err != nil {
			return fmt.Errorf("Restore | fill %d: %w", i, err)
		}
	}
	s.logger.Printf("Restore | Replayed %d fills, open positions: %v", replayed, s.ledger.Symbols())
	return nil
}

func (s *Session) executionSymbol(symbol string) string {
	if exec, ok := s.cfg.ExecutionSymbols[symbol]; ok && exec != "" {
		return exec
	}
	return symbol
}

// Position returns the open amount and average entry price of symbol
func (s *Session) Position(symbol string) (float64, float64) {
	var amount, cost float64
	for _, l := range s.ledger.OpenLots(symbol) {
		amount += l.Amount
		cost += l.Amount * l.Price
	}
	if amount <= dust {
		return 0, 0
	}
	return amount, cost / amount
}

// Check runs one pass. Failures on one symbol do not stop the others; they
// are joined into the returned error.
func (s *Session) Check(ctx context.Context) ([]Action, error) {
	var actions []Action
	var errs []error

	// stop-losses first, on the live price
	stopped := make(map[string]bool)
	if s.cfg.StopLoss > 0 {
		for _, symbol := range s.ledger.Symbols() {
			action, hit, err := s.checkStopLoss(ctx, symbol)
			if err != nil {
				errs = append(errs, fmt.Errorf("stop-loss %s: %w", symbol, err))
				continue
			}
			if hit {
				stopped[symbol] = true
				actions = append(actions, action)
			}
		}
	}

	for _, symbol := range s.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		action, err := s.checkSignal(ctx, symbol, stopped)
		if err != nil {
			errs = append(errs, fmt.Errorf("symbol %s: %w", symbol, err))
			continue
		}
		actions = append(actions, action)
	}

	status := "ok"
	if len(errs) > 0 {
		status = "error"
	}
	metrics.LiveChecksTotal.WithLabelValues(status).Inc()

	return actions, errors.Join(errs...)
}

func (s *Session) checkStopLoss(ctx context.Context, symbol string) (Action, bool, error) {
	amount, entry := s.Position(symbol)
	if amount == 0 || entry <= 0 {
		return Action{}, false, nil
	}

	ticker, err := s.gateway.FetchTicker(ctx, symbol)
	if err != nil {
		return Action{}, false, err
	}
	stopPrice := entry * (1 - s.cfg.StopLoss)
	if ticker.Price <= 0 || ticker.Price > stopPrice {
		return Action{}, false, nil
	}

	s.logger.Printf("Check | STOP-LOSS triggered for %s at %.8f (entry %.8f, stop %.8f). Closing position.",
		symbol, ticker.Price, entry, stopPrice)

	order, err := s.submit(ctx, symbol, exchange.SideSell, amount, "stop_loss")
	if err != nil {
		return Action{}, false, err
	}
	return Action{
		Time:    s.now(),
		Symbol:  symbol,
		Kind:    ActionStopLoss,
		Price:   order.AvgPrice,
		Amount:  order.FilledQty,
		OrderID: order.OrderID,
		Message: fmt.Sprintf("stop-loss at %.8f below %.8f", ticker.Price, stopPrice),
	}, true, nil
}

func (s *Session) checkSignal(ctx context.Context, symbol string, stopped map[string]bool) (Action, error) {
	now := s.now()
	execSymbol := s.executionSymbol(symbol)

	candles, err := exchange.FetchLatestCandles(ctx, s.gateway, symbol, s.cfg.Timeframe, s.cfg.Lookback)
	if err != nil {
		return Action{}, fmt.Errorf("fetching candles: %w", err)
	}
	candle.Sort(candles)
	if len(candles) < 2 {
		return Action{Time: now, Symbol: symbol, Kind: ActionSkip, Message: "not enough data"}, nil
	}

	series, err := s.signals(candles)
	if err != nil {
		return Action{}, fmt.Errorf("evaluating signal: %w", err)
	}

	// the last candle is still forming
	last := candles[len(candles)-2]
	if prev, ok := s.lastProcessed[symbol]; ok && prev.Equal(last.Timestamp) {
		return Action{Time: now, Symbol: symbol, Kind: ActionPulse, Message: fmt.Sprintf("candle %s already processed", last.Timestamp.Format(time.RFC3339))}, nil
	}

	sig := series.Index()[last.Timestamp.UnixNano()]
	closePrice := candle.Price(last.Close)
	if closePrice == 0 {
		return Action{}, fmt.Errorf("invalid close price %v at %s", last.Close, last.Timestamp.Format(time.RFC3339))
	}

	s.logger.Printf("Check | New %s candle for %s at %s, signal %s",
		s.cfg.Timeframe, symbol, last.Timestamp.Format(time.RFC3339), sig)

	held, _ := s.Position(execSymbol)
	action := Action{Time: now, Symbol: execSymbol, Kind: ActionHold, Price: closePrice, Message: fmt.Sprintf("signal %s", sig)}

	switch {
	case sig == signal.Buy && held == 0 && !stopped[execSymbol]:
		order, err := s.submit(ctx, execSymbol, exchange.SideBuy, s.cfg.Allocation/closePrice, "signal")
		if err != nil {
			return Action{}, err
		}
		action.Kind, action.Price, action.Amount, action.OrderID = ActionBuy, order.AvgPrice, order.FilledQty, order.OrderID
	case sig == signal.Sell && held > 0:
		order, err := s.submit(ctx, execSymbol, exchange.SideSell, held, "signal")
		if err != nil {
			return Action{}, err
		}
		action.Kind, action.Price, action.Amount, action.OrderID = ActionSell, order.AvgPrice, order.FilledQty, order.OrderID
	}

	s.lastProcessed[symbol] = last.Timestamp
	return action, nil
}

// submit places a market order and books whatever filled
func (s *Session) submit(ctx context.Context, symbol, side string, quantity float64, reason string) (exchange.Order, error) {
	order, err := s.gateway.SubmitOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     side,
		Type:     exchange.TypeMarket,
		Quantity: quantity,
	})
	if err != nil {
		s.logEvent(ctx, journal.TypeError, "order_failed", map[string]any{"symbol": symbol, "side": side, "quantity": quantity, "error": err.Error()})
		return exchange.Order{}, fmt.Errorf("submitting %s order: %w", side, err)
	}
	metrics.LiveOrdersTotal.WithLabelValues(symbol, side).Inc()

	s.logEvent(ctx, journal.TypeOrder, reason, map[string]any{"order": order})
	if order.FilledQty <= 0 {
		s.logger.Printf("Check | Order %s for %s is %s with nothing filled", order.OrderID, symbol, order.Status)
		return order, nil
	}

	fill := exchange.OrderToFill(order)
	if fill.Timestamp.IsZero() {
		fill.Timestamp = s.now()
	}
	if _, err := s.ledger.Apply(fill); err != nil {
		return order, fmt.Errorf("booking fill of order %s: %w", order.OrderID, err)
	}
	if err := s.store.SaveFills(ctx, s.cfg.Source, []ledger.Fill{fill}); err != nil {
		return order, fmt.Errorf("persisting fill of order %s: %w", order.OrderID, err)
	}

	s.logger.Printf("Check | %s %s %.8f @ %.8f (order %s)", side, symbol, order.FilledQty, order.AvgPrice, order.OrderID)
	msg := fmt.Sprintf("<b>%s %s</b> (%s)\nAmount: %.8f\nPrice: %.8f\nOrder: %s",
		strings.ToUpper(side), symbol, reason, order.FilledQty, order.AvgPrice, order.OrderID)
	if err := s.notify.Send(ctx, msg); err != nil {
		s.logger.Printf("Check | Failed to send notification: %v", err)
	}
	return order, nil
}

// logEvent is best effort; the fill itself is already persisted
func (s *Session) logEvent(ctx context.Context, eventType, description string, data map[string]any) {
	err := s.store.LogEvent(ctx, journal.Event{Time: s.now(), Type: eventType, Description: description, Data: data})
	if err != nil {
		s.logger.Printf("Check | Failed to log %s event: %v", eventType, err)
	}
}

// Run calls Check immediately and then every Interval until ctx ends
func (s *Session) Run(ctx context.Context) error {
	s.logger.Printf("Run | Starting live session for %v on %s every %v", s.cfg.Symbols, s.gateway.Name(), s.cfg.Interval)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		actions, err := s.Check(ctx)
		for _, a := range actions {
			if a.Kind != ActionPulse {
				s.logger.Printf("Run | %s %s: %s", a.Kind, a.Symbol, a.Message)
			}
		}
		if err != nil {
			s.logger.Printf("Run | Check finished with errors: %v", err)
		}

		select {
		case <-ctx.Done():
			s.logger.Println("Run | Live session stopped")
			return nil
		case <-ticker.C:
		}
	}
}
