// Package exchange adapts exchange REST clients to the Gateway contract used by
// the dataset loader and the live session.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/amirphl/simple-backtester/internal/tfutils"
)

var (
	ErrNotSupported      = errors.New("operation not supported by exchange")
	ErrNoData            = errors.New("exchange returned no data")
	ErrUnknownExchange   = errors.New("unknown exchange")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// Gateway is the interface for all supported exchanges.
type Gateway interface {
	Name() string
	FetchCandles(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]candle.Candle, error)
	FetchBalances(ctx context.Context) (map[string]Balance, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (Order, error)
	// FetchTrades returns the account's own fills since the given time
	FetchTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error)
}

// Balance represents an asset balance from an exchange
type Balance struct {
	Asset     string  `json:"asset"`
	Available float64 `json:"available"`
	Locked    float64 `json:"locked"`
	Total     float64 `json:"total"`
	Fiat      bool    `json:"fiat"`
}

// Ticker is the last traded price
type Ticker struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SideBuy  = "buy"
	SideSell = "sell"

	TypeMarket = "market"
	TypeLimit  = "limit"
)

// OrderRequest represents a new order to be submitted.
// Price is ignored by market orders on exchanges that do not need it.
type OrderRequest struct {
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

func (r OrderRequest) validate() error {
	if r.Side != SideBuy && r.Side != SideSell {
		return fmt.Errorf("invalid order side %q", r.Side)
	}
	if r.Type != TypeMarket && r.Type != TypeLimit {
		return fmt.Errorf("invalid order type %q", r.Type)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("order quantity must be positive, got %v", r.Quantity)
	}
	if r.Type == TypeLimit && r.Price <= 0 {
		return fmt.Errorf("limit order price must be positive, got %v", r.Price)
	}
	return nil
}

// Order represents the response from the exchange.
type Order struct {
	OrderID   string    `json:"order_id"`
	Status    string    `json:"status"`
	FilledQty float64   `json:"filled_qty"`
	AvgPrice  float64   `json:"avg_price"`
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Type      string    `json:"type"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
}

// Trade is one of the account's own executions
type Trade struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	Symbol    string    `json:"symbol"`
	Side      string    `json:"side"`
	Price     float64   `json:"price"`
	Quantity  float64   `json:"quantity"`
	Fee       float64   `json:"fee"`
	FeeAsset  string    `json:"fee_asset"`
	Timestamp time.Time `json:"timestamp"`
}

// ToFill converts the trade for the FIFO ledger. Fees paid in an asset other
// than the quote currency are dropped.
func (t Trade) ToFill() ledger.Fill {
	side := ledger.Buy
	if t.Side == SideSell {
		side = ledger.Sell
	}
	fee := 0.0
	if t.FeeAsset == "" || strings.EqualFold(t.FeeAsset, ExtractQuoteCurrency(t.Symbol)) {
		fee = t.Fee
	}
	return ledger.Fill{
		Timestamp: t.Timestamp,
		Symbol:    t.Symbol,
		Side:      side,
		Amount:    t.Quantity,
		Price:     t.Price,
		Fee:       fee,
	}
}

// OrderToFill converts a filled order for the FIFO ledger
func OrderToFill(o Order) ledger.Fill {
	side := ledger.Buy
	if o.Side == SideSell {
		side = ledger.Sell
	}
	return ledger.Fill{
		Timestamp: o.Timestamp,
		Symbol:    o.Symbol,
		Side:      side,
		Amount:    o.FilledQty,
		Price:     o.AvgPrice,
		Fee:       o.Fee,
	}
}

// Credentials for the exchange clients
type Credentials struct {
	WallexAPIKey     string
	BinanceAPIKey    string
	BinanceAPISecret string
	BinanceTestnet   bool
}

// New builds a gateway by name
func New(name string, creds Credentials, retry RetryConfig) (Gateway, error) {
	switch strings.ToLower(name) {
	case "wallex":
		return NewWallexGateway(creds.WallexAPIKey, retry), nil
	case "binance":
		return NewBinanceGateway(creds.BinanceAPIKey, creds.BinanceAPISecret, creds.BinanceTestnet, retry), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownExchange, name)
}

// FetchLatestCandles fetches the most recent count candles for a symbol and timeframe
func FetchLatestCandles(ctx context.Context, g Gateway, symbol, timeframe string, count int) ([]candle.Candle, error) {
	duration, err := tfutils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	end := time.Now().UTC()
	start := end.Add(-duration * time.Duration(count))
	return g.FetchCandles(ctx, symbol, timeframe, start, end)
}

// NormalizeSymbol converts e.g. btc-usdt or BTC/USDT to BTCUSDT
func NormalizeSymbol(symbol string) string {
	r := strings.NewReplacer("-", "", "/", "", "_", "")
	return strings.ToUpper(r.Replace(symbol))
}

var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "TMN", "IRT", "BTC", "ETH"}

// ExtractQuoteCurrency extracts the quote currency from a trading symbol
// e.g., "ETH/DAI" -> "DAI", "BTC-USDT" -> "USDT", "BTCUSDT" -> "USDT"
func ExtractQuoteCurrency(symbol string) string {
	_, quote := SplitSymbol(symbol)
	return quote
}

// ExtractBaseCurrency is the counterpart of ExtractQuoteCurrency
func ExtractBaseCurrency(symbol string) string {
	base, _ := SplitSymbol(symbol)
	return base
}

// SplitSymbol returns base and quote currencies, empty when unknown
func SplitSymbol(symbol string) (string, string) {
	for _, sep := range []string{"/", "-", "_"} {
		if parts := strings.Split(symbol, sep); len(parts) == 2 {
			return strings.ToUpper(parts[0]), strings.ToUpper(parts[1])
		}
	}
	upper := strings.ToUpper(symbol)
	for _, q := range quoteCurrencies {
		if strings.HasSuffix(upper, q) && len(upper) > len(q) {
			return strings.TrimSuffix(upper, q), q
		}
	}
	return "", ""
}
