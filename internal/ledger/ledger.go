// Package ledger matches sell fills against open buy lots first-in first-out
// and reports the realized profit of every sell.
package ledger

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidFill      = errors.New("invalid fill")
	ErrInsufficientLots = errors.New("sell exceeds open lots")
)

// lots whose remainder falls to this size are closed
var dust = decimal.New(1, -9)

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// ParseSide accepts buy and sell in any case, and the simulated stop-loss
// side "SELL (SL)" as a sell.
func ParseSide(s string) (Side, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy, nil
	case "sell", "sell (sl)":
		return Sell, nil
	}
	return "", fmt.Errorf("%w: unknown side %q", ErrInvalidFill, s)
}

// Fill is one executed trade. Fee is in quote currency.
type Fill struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      Side      `json:"side"`
	Amount    float64   `json:"amount"`
	Price     float64   `json:"price"`
	Fee       float64   `json:"fee"`
}

func (f Fill) validate() error {
	if f.Side != Buy && f.Side != Sell {
		return fmt.Errorf("%w: unknown side %q", ErrInvalidFill, f.Side)
	}
	for name, v := range map[string]float64{"amount": f.Amount, "price": f.Price} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidFill, name, v)
		}
	}
	if math.IsNaN(f.Fee) || math.IsInf(f.Fee, 0) || f.Fee < 0 {
		return fmt.Errorf("%w: fee must be non-negative, got %v", ErrInvalidFill, f.Fee)
	}
	return nil
}

// Realized is the outcome of one sell. PnL = Proceeds - CostBasis, where cost
// includes the matched share of buy fees and proceeds are net of the matched
// share of the sell fee. Unmatched is the part of the sell no lot covered.
type Realized struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	PnL       float64   `json:"pnl"`
	CostBasis float64   `json:"cost_basis"`
	Proceeds  float64   `json:"proceeds"`
	Matched   float64   `json:"matched"`
	Unmatched float64   `json:"unmatched"`
}

// Lot is an open buy remainder
type Lot struct {
	Amount float64 `json:"amount"`
	Price  float64 `json:"price"`
}

type lot struct {
	amount decimal.Decimal
	price  decimal.Decimal
	fee    decimal.Decimal
}

type Option func(*Ledger)

// Strict rejects sells larger than the open lots with ErrInsufficientLots
// instead of matching what is available.
func Strict() Option {
	return func(l *Ledger) { l.strict = true }
}

// Ledger keeps a FIFO queue of open lots per symbol. Not safe for concurrent use.
type Ledger struct {
	strict bool
	lots   map[string][]*lot
}

func New(opts ...Option) *Ledger {
	l := &Ledger{lots: make(map[string][]*lot)}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Apply books a fill. Buys return nil; sells return their realized outcome.
func (l *Ledger) Apply(f Fill) (*Realized, error) {
	if err := f.validate(); err != nil {
		return nil, err
	}

	amount := decimal.NewFromFloat(f.Amount)
	price := decimal.NewFromFloat(f.Price)
	fee := decimal.NewFromFloat(f.Fee)

	if f.Side == Buy {
		l.lots[f.Symbol] = append(l.lots[f.Symbol], &lot{amount: amount, price: price, fee: fee})
		return nil, nil
	}

	queue := l.lots[f.Symbol]
	if l.strict {
		open := decimal.Zero
		for _, lt := range queue {
			open = open.Add(lt.amount)
		}
		if amount.Sub(open).GreaterThan(dust) {
			return nil, fmt.Errorf("%w: %s sell of %s at %s, %s open", ErrInsufficientLots,
				f.Symbol, amount, f.Timestamp.Format(time.RFC3339), open)
		}
	}

	remaining := amount
	matched := decimal.Zero
	cost := decimal.Zero
	for remaining.GreaterThan(dust) && len(queue) > 0 {
		front := queue[0]
		m := decimal.Min(remaining, front.amount)

		feeShare := front.fee.Mul(m).Div(front.amount)
		cost = cost.Add(m.Mul(front.price)).Add(feeShare)

		front.fee = front.fee.Sub(feeShare)
		front.amount = front.amount.Sub(m)
		remaining = remaining.Sub(m)
		matched = matched.Add(m)

		if front.amount.LessThanOrEqual(dust) {
			queue = queue[1:]
		}
	}
	if len(queue) == 0 {
		delete(l.lots, f.Symbol)
	} else {
		l.lots[f.Symbol] = queue
	}

	proceeds := matched.Mul(price)
	if fee.IsPositive() {
		proceeds = proceeds.Sub(fee.Mul(matched).Div(amount))
	}
	unmatched := decimal.Zero
	if remaining.GreaterThan(dust) {
		unmatched = remaining
	}

	return &Realized{
		Timestamp: f.Timestamp,
		Symbol:    f.Symbol,
		PnL:       proceeds.Sub(cost).InexactFloat64(),
		CostBasis: cost.InexactFloat64(),
		Proceeds:  proceeds.InexactFloat64(),
		Matched:   matched.InexactFloat64(),
		Unmatched: unmatched.InexactFloat64(),
	}, nil
}

// OpenLots returns the open lots of symbol, oldest first
func (l *Ledger) OpenLots(symbol string) []Lot {
	queue := l.lots[symbol]
	out := make([]Lot, len(queue))
	for i, lt := range queue {
		out[i] = Lot{Amount: lt.amount.InexactFloat64(), Price: lt.price.InexactFloat64()}
	}
	return out
}

// Symbols lists symbols with open lots
func (l *Ledger) Symbols() []string {
	out := make([]string, 0, len(l.lots))
	for s := range l.lots {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// ComputeRealizedPnL replays fills in the given order through a fresh ledger
// and returns one Realized per sell.
func ComputeRealizedPnL(fills []Fill, opts ...Option) ([]Realized, error) {
	l := New(opts...)
	out := make([]Realized, 0)
	for i, f := range fills {
		r, err := l.Apply(f)
		if err != nil {
			return nil, fmt.Errorf("fill %d: %w", i, err)
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, nil
}

// Cumulative returns the running total of realized PnL
func Cumulative(realized []Realized) []float64 {
	out := make([]float64, len(realized))
	sum := decimal.Zero
	for i, r := range realized {
		sum = sum.Add(decimal.NewFromFloat(r.PnL))
		out[i] = sum.InexactFloat64()
	}
	return out
}
