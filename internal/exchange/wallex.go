package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
	wallex "github.com/wallexchange/wallex-go"
)

var wallexResolutions = map[string]string{
	"1m":  "1",
	"5m":  "5",
	"15m": "15",
	"30m": "30",
	"1h":  "60",
	"4h":  "240",
	"1d":  "1D",
	"1w":  "1W",
}

// NormalizedTimeframe maps a timeframe to the Wallex resolution, "" if unsupported
func NormalizedTimeframe(timeframe string) string {
	return wallexResolutions[timeframe]
}

type WallexGateway struct {
	client *wallex.Client
	retry  RetryConfig
}

func NewWallexGateway(apiKey string, retry RetryConfig) *WallexGateway {
	return &WallexGateway{
		client: wallex.New(wallex.ClientOptions{APIKey: apiKey}),
		retry:  retry,
	}
}

func (w *WallexGateway) Name() string {
	return "wallex"
}

func (w *WallexGateway) FetchCandles(ctx context.Context, symbol string, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	if !tfutils.IsValidTimeframe(timeframe) {
		return nil, fmt.Errorf("unsupported timeframe: %s", timeframe)
	}

	resolution := NormalizedTimeframe(timeframe)
	normalizedSymbol := NormalizeSymbol(symbol)

	var wallexCandles []*wallex.Candle
	err := retry(ctx, w.Name(), w.retry, func() error {
		var err error
		wallexCandles, err = w.client.Candles(normalizedSymbol, resolution, start, end)
		if err != nil {
			return fmt.Errorf("fetching candles: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FetchCandles failed: %w", err)
	}

	candles := make([]candle.Candle, 0, len(wallexCandles))
	for _, wc := range wallexCandles {
		c := candle.Candle{
			Timestamp: wc.Timestamp.UTC().Truncate(time.Minute),
			Open:      float64Ptr(&wc.Open),
			High:      float64Ptr(&wc.High),
			Low:       float64Ptr(&wc.Low),
			Close:     float64Ptr(&wc.Close),
			Volume:    float64Ptr(&wc.Volume),
			Symbol:    symbol,
			Timeframe: timeframe,
			Source:    w.Name(),
		}
		if err := c.Validate(); err != nil {
			utils.GetLogger().Printf("Exchange | %s skipping invalid candle %s at %s: %v", w.Name(), symbol, c.Timestamp.Format(time.RFC3339), err)
			continue
		}
		candles = append(candles, c)
	}

	return candles, nil
}

// FetchBalances retrieves the current balance of all assets from the Wallex exchange
func (w *WallexGateway) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	var wallexBalances map[string]*wallex.Balance
	err := retry(ctx, w.Name(), w.retry, func() error {
		var err error
		wallexBalances, err = w.client.Balances()
		if err != nil {
			return fmt.Errorf("fetching balances: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("FetchBalances failed: %w", err)
	}

	balances := make(map[string]Balance, len(wallexBalances))
	for asset, wb := range wallexBalances {
		available := float64Ptr(&wb.Value)
		locked := float64Ptr(&wb.Locked)
		balances[strings.ToUpper(asset)] = Balance{
			Asset:     strings.ToUpper(asset),
			Available: available,
			Locked:    locked,
			Total:     available + locked,
			Fiat:      wb.Fiat,
		}
	}

	return balances, nil
}

// FetchTicker uses the most recent public trade as the last price
func (w *WallexGateway) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var trades []*wallex.MarketTrade
	err := retry(ctx, w.Name(), w.retry, func() error {
		var err error
		trades, err = w.client.MarketTrades(NormalizeSymbol(symbol))
		if err != nil {
			return fmt.Errorf("fetching latest trades: %w", err)
		}
		return nil
	})
	if err != nil {
		return Ticker{}, fmt.Errorf("FetchTicker failed: %w", err)
	}

	if len(trades) == 0 {
		return Ticker{}, fmt.Errorf("%w: no trades found for symbol %s", ErrNoData, symbol)
	}

	trade := trades[0]
	return Ticker{
		Symbol:    symbol,
		Price:     float64Ptr(&trade.Price),
		Timestamp: trade.Timestamp.UTC(),
	}, nil
}

// SubmitOrder is not retried: a timeout after the exchange accepted the order
// would otherwise place it twice.
func (w *WallexGateway) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}

	select {
	case <-ctx.Done():
		utils.GetLogger().Printf("Exchange | %s SubmitOrder timeout", w.Name())
		return Order{}, ctx.Err()

	default:
		params := &wallex.OrderParams{
			Symbol:   NormalizeSymbol(req.Symbol),
			Type:     strings.ToUpper(req.Type),
			Side:     strings.ToUpper(req.Side),
			Price:    wallex.Number(strconv.FormatFloat(req.Price, 'f', 8, 64)),
			Quantity: wallex.Number(strconv.FormatFloat(req.Quantity, 'f', 8, 64)),
		}
		resp, err := w.client.PlaceOrder(params)
		if err != nil {
			return Order{}, fmt.Errorf("SubmitOrder failed: %w", err)
		}

		return Order{
			OrderID:   resp.ClientOrderID,
			Status:    strings.ToUpper(resp.Status),
			FilledQty: float64Ptr(resp.ExecutedQty),
			AvgPrice:  float64Ptr(resp.ExecutedPrice),
			Timestamp: resp.CreatedAt.UTC(),
			Symbol:    req.Symbol,
			Side:      req.Side,
			Type:      req.Type,
			Price:     req.Price,
			Quantity:  req.Quantity,
		}, nil
	}
}

// FetchTrades is not exposed by the Wallex client
func (w *WallexGateway) FetchTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	return nil, fmt.Errorf("%s FetchTrades: %w", w.Name(), ErrNotSupported)
}

// Helper to safely dereference *wallex.Number
func float64Ptr(n *wallex.Number) float64 {
	if n == nil {
		return 0
	}
	out, _ := strconv.ParseFloat(string(*n), 64)
	return out
}
