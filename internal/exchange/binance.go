package exchange

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"golang.org/x/time/rate"

	"github.com/amirphl/simple-backtester/internal/candle"
	"github.com/amirphl/simple-backtester/internal/tfutils"
	"github.com/amirphl/simple-backtester/internal/utils"
)

const binanceKlineLimit = 1000

// binance error codes that signal a transient condition
var retryableBinanceCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1015: true, // TOO_MANY_ORDERS
}

// classifyBinanceError marks API rejections as permanent unless the code is
// transient. Transport errors stay retryable.
func classifyBinanceError(err error) error {
	if err == nil {
		return nil
	}
	if common.IsAPIError(err) {
		apiErr, ok := err.(*common.APIError)
		if ok && retryableBinanceCodes[apiErr.Code] {
			return err
		}
		return Permanent(err)
	}
	return err
}

type BinanceGateway struct {
	client      *binance.Client
	rateLimiter *rate.Limiter
	retry       RetryConfig
}

// NewBinanceGateway creates a spot gateway. testnet routes every call to the
// Binance spot testnet.
func NewBinanceGateway(apiKey, secretKey string, testnet bool, retry RetryConfig) *BinanceGateway {
	binance.UseTestnet = testnet
	client := binance.NewClient(apiKey, secretKey)
	client.HTTPClient = &http.Client{
		Timeout: 10 * time.Second,
		Transport: &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 100,
			IdleConnTimeout:     90 * time.Second,
		},
	}
	return newBinanceGatewayWithClient(client, retry)
}

func newBinanceGatewayWithClient(client *binance.Client, retry RetryConfig) *BinanceGateway {
	return &BinanceGateway{
		client: client,
		// 10 requests per second with burst of 20
		rateLimiter: rate.NewLimiter(rate.Limit(10), 20),
		retry:       retry,
	}
}

func (b *BinanceGateway) Name() string {
	return "binance"
}

func (b *BinanceGateway) call(ctx context.Context, fn func() error) error {
	return retry(ctx, b.Name(), b.retry, func() error {
		if err := b.rateLimiter.Wait(ctx); err != nil {
			return Permanent(err)
		}
		return classifyBinanceError(fn())
	})
}

// FetchCandles pages through klines in [start, end)
func (b *BinanceGateway) FetchCandles(ctx context.Context, symbol string, timeframe string, start, end time.Time) ([]candle.Candle, error) {
	duration, err := tfutils.ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}

	normalizedSymbol := NormalizeSymbol(symbol)
	endMs := end.UnixMilli() - 1

	var candles []candle.Candle
	for cursor := start.UnixMilli(); cursor <= endMs; {
		var klines []*binance.Kline
		err := b.call(ctx, func() error {
			var err error
			klines, err = b.client.NewKlinesService().
				Symbol(normalizedSymbol).
				Interval(timeframe).
				StartTime(cursor).
				EndTime(endMs).
				Limit(binanceKlineLimit).
				Do(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("FetchCandles failed: %w", err)
		}
		if len(klines) == 0 {
			break
		}

		for _, k := range klines {
			c := candle.Candle{
				Timestamp: time.UnixMilli(k.OpenTime).UTC(),
				Open:      parseNum(k.Open),
				High:      parseNum(k.High),
				Low:       parseNum(k.Low),
				Close:     parseNum(k.Close),
				Volume:    parseNum(k.Volume),
				Symbol:    symbol,
				Timeframe: timeframe,
				Source:    b.Name(),
			}
			if err := c.Validate(); err != nil {
				utils.GetLogger().Printf("Exchange | %s skipping invalid candle %s at %s: %v", b.Name(), symbol, c.Timestamp.Format(time.RFC3339), err)
				continue
			}
			candles = append(candles, c)
		}

		next := klines[len(klines)-1].OpenTime + duration.Milliseconds()
		if next <= cursor {
			break
		}
		cursor = next
		if len(klines) < binanceKlineLimit {
			break
		}
	}

	return candles, nil
}

func (b *BinanceGateway) FetchBalances(ctx context.Context) (map[string]Balance, error) {
	var account *binance.Account
	err := b.call(ctx, func() error {
		var err error
		account, err = b.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("FetchBalances failed: %w", err)
	}

	balances := make(map[string]Balance, len(account.Balances))
	for _, bb := range account.Balances {
		available := parseNum(bb.Free)
		locked := parseNum(bb.Locked)
		if available == 0 && locked == 0 {
			continue
		}
		balances[bb.Asset] = Balance{
			Asset:     bb.Asset,
			Available: available,
			Locked:    locked,
			Total:     available + locked,
		}
	}
	return balances, nil
}

func (b *BinanceGateway) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var prices []*binance.SymbolPrice
	err := b.call(ctx, func() error {
		var err error
		prices, err = b.client.NewListPricesService().Symbol(NormalizeSymbol(symbol)).Do(ctx)
		return err
	})
	if err != nil {
		return Ticker{}, fmt.Errorf("FetchTicker failed: %w", err)
	}
	if len(prices) == 0 {
		return Ticker{}, fmt.Errorf("%w: no price for symbol %s", ErrNoData, symbol)
	}
	return Ticker{
		Symbol:    symbol,
		Price:     parseNum(prices[0].Price),
		Timestamp: time.Now().UTC(),
	}, nil
}

// SubmitOrder places a spot order once. Fees are summed only when charged in
// the quote currency.
func (b *BinanceGateway) SubmitOrder(ctx context.Context, req OrderRequest) (Order, error) {
	if err := req.validate(); err != nil {
		return Order{}, err
	}
	if err := b.rateLimiter.Wait(ctx); err != nil {
		return Order{}, err
	}

	side := binance.SideTypeBuy
	if req.Side == SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(NormalizeSymbol(req.Symbol)).
		Side(side).
		Quantity(strconv.FormatFloat(req.Quantity, 'f', -1, 64))
	if req.Type == TypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(strconv.FormatFloat(req.Price, 'f', -1, 64))
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("SubmitOrder failed: %w", err)
	}

	filled := parseNum(resp.ExecutedQuantity)
	avg := 0.0
	if filled > 0 {
		avg = parseNum(resp.CummulativeQuoteQuantity) / filled
	}
	quote := ExtractQuoteCurrency(req.Symbol)
	fee := 0.0
	for _, f := range resp.Fills {
		if strings.EqualFold(f.CommissionAsset, quote) {
			fee += parseNum(f.Commission)
		}
	}

	return Order{
		OrderID:   strconv.FormatInt(resp.OrderID, 10),
		Status:    string(resp.Status),
		FilledQty: filled,
		AvgPrice:  avg,
		Fee:       fee,
		Timestamp: time.UnixMilli(resp.TransactTime).UTC(),
		Symbol:    req.Symbol,
		Side:      req.Side,
		Type:      req.Type,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}, nil
}

func (b *BinanceGateway) FetchTrades(ctx context.Context, symbol string, since time.Time) ([]Trade, error) {
	var raw []*binance.TradeV3
	err := b.call(ctx, func() error {
		var err error
		svc := b.client.NewListTradesService().Symbol(NormalizeSymbol(symbol)).Limit(binanceKlineLimit)
		if !since.IsZero() {
			svc = svc.StartTime(since.UnixMilli())
		}
		raw, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("FetchTrades failed: %w", err)
	}

	trades := make([]Trade, 0, len(raw))
	for _, t := range raw {
		side := SideSell
		if t.IsBuyer {
			side = SideBuy
		}
		trades = append(trades, Trade{
			ID:        strconv.FormatInt(t.ID, 10),
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Symbol:    symbol,
			Side:      side,
			Price:     parseNum(t.Price),
			Quantity:  parseNum(t.Quantity),
			Fee:       parseNum(t.Commission),
			FeeAsset:  t.CommissionAsset,
			Timestamp: time.UnixMilli(t.Time).UTC(),
		})
	}
	return trades, nil
}

func parseNum(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
