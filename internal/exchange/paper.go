package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/utils"
)

// PaperGateway proxies market data to an upstream gateway and fills orders locally
// against its ticker. Balances and trades live in memory.
type PaperGateway struct {
	upstream Gateway
	feeRate  float64
	now      func() time.Time

	mu           sync.Mutex
	balances     map[string]float64
	trades       []Trade
	orderCounter int64
}

// NewPaperGateway creates a paper gateway. Asset keys of initial are upper-cased.
func NewPaperGateway(upstream Gateway, initial map[string]float64, feeRate float64) *PaperGateway {
	balances := make(map[string]float64, len(initial))
	for asset, v := range initial {
		balances[strings.ToUpper(asset)] = v
	}
	return &PaperGateway{
		upstream:     upstream,
		feeRate:      feeRate,
		now:          func() time.Time { return time.Now().UTC() },
		balances:     balances,
		orderCounter: 1000,
	}
}

func (p *PaperGateway) Name() string {
	return "paper-" + p.upstream.Name()
}

func (p *PaperGateway) FetchCandles(ctx context.Context, symbol string, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	return p.upstream.FetchCandles(ctx, symbol, timeframe, start, end)
}

func (p *PaperGateway) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	return p.upstream.FetchTicker(ctx, symbol)
}

func (p *PaperGateway) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Balance, len(p.balances))
	for asset, v := range p.balances {
		out[asset] = Balance{Asset: asset, Available: v, Total: v}
	}
	return out, nil
}

// SubmitOrder fills market orders at the current ticker and limit orders at
// their limit price, charging feeRate on the quote amount.
func (p *PaperGateway) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}

	base, quote := SplitSymbol(req.Symbol)
	if base == "" {
		return Order{}, fmt.Errorf("paper exchange: cannot split symbol %q", req.Symbol)
	}

	price := req.Price
	if req.Type == TypeMarket {
		ticker, err := p.upstream.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return Order{}, fmt.Errorf("paper exchange: pricing market order: %w", err)
		}
		price = ticker.Price
	}
	if price <= 0 {
		return Order{}, fmt.Errorf("paper exchange: no usable price for %s", req.Symbol)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	notional := req.Quantity * price
	fee := notional * p.feeRate

	switch req.Side {
	case SideBuy:
		if p.balances[quote] < notional+fee {
			return Order{}, fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientFunds, notional+fee, quote, p.balances[quote])
		}
		p.balances[quote] -= notional + fee
		p.balances[base] += req.Quantity
	case SideSell:
		if p.balances[base] < req.Quantity {
			return Order{}, fmt.Errorf("%w: need %.8f %s, have %.8f", ErrInsufficientFunds, req.Quantity, base, p.balances[base])
		}
		p.balances[base] -= req.Quantity
		p.balances[quote] += notional - fee
	}

	p.orderCounter++
	now := p.now()
	orderID := fmt.Sprintf("paper_%d_%d", now.Unix(), p.orderCounter)

	p.trades = append(p.trades, Trade{
		ID:        orderID,
		OrderID:   orderID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Price:     price,
		Quantity:  req.Quantity,
		Fee:       fee,
		FeeAsset:  quote,
		Timestamp: now,
	})

	utils.GetLogger().Printf("Exchange | %s order filled: OrderID=%s, Symbol=%s, Side=%s, Price=%.8f, Quantity=%.8f",
		p.Name(), orderID, req.Symbol, req.Side, price, req.Quantity)

	return Order{
		OrderID:   orderID,
		Status:    "FILLED",
		FilledQty: req.Quantity,
		AvgPrice:  price,
		Fee:       fee,
		Timestamp: now,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}, nil
}

// FetchTrades returns paper fills for symbol at or after since, oldest first
func (p *PaperGateway) FetchTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Trade
	for _, t := range p.trades {
		if NormalizeSymbol(t.Symbol) != NormalizeSymbol(symbol) || t.Timestamp.Before(since) {
			continue
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
