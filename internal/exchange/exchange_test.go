package exchange

import (
	"testing"
	"time"

	"github.com/amirphl/simple-backtester/internal/ledger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSymbol(t *testing.T) {
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("btc-usdt"))
	assert.Equal(t, "BTCUSDT", NormalizeSymbol("BTC/USDT"))
	assert.Equal(t, "ETHTMN", NormalizeSymbol("eth_tmn"))
}

func TestSplitSymbol(t *testing.T) {
	tests := []struct {
		symbol string
		base   string
		quote  string
	}{
		{"ETH/DAI", "ETH", "DAI"},
		{"BTC-USDT", "BTC", "USDT"},
		{"BTCUSDT", "BTC", "USDT"},
		{"SHIBTMN", "SHIB", "TMN"},
		{"USDT", "", ""},
		{"FOOBAR", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.symbol, func(t *testing.T) {
			base, quote := SplitSymbol(tt.symbol)
			assert.Equal(t, tt.base, base)
			assert.Equal(t, tt.quote, quote)
			assert.Equal(t, tt.quote, ExtractQuoteCurrency(tt.symbol))
			assert.Equal(t, tt.base, ExtractBaseCurrency(tt.symbol))
		})
	}
}

func TestNormalizedTimeframe(t *testing.T) {
	assert.Equal(t, "60", NormalizedTimeframe("1h"))
	assert.Equal(t, "1D", NormalizedTimeframe("1d"))
	assert.Equal(t, "", NormalizedTimeframe("2h"))
}

func TestOrderRequestValidate(t *testing.T) {
	ok := OrderRequest{Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Quantity: 1}
	require.NoError(t, ok.validate())

	bad := []OrderRequest{
		{Symbol: "BTCUSDT", Side: "hold", Type: TypeMarket, Quantity: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: "stop", Quantity: 1},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: TypeMarket, Quantity: 0},
		{Symbol: "BTCUSDT", Side: SideBuy, Type: TypeLimit, Quantity: 1},
	}
	for _, req := range bad {
		assert.Error(t, req.validate(), "%+v", req)
	}
}

func TestTradeToFill(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	fill := Trade{Symbol: "BTCUSDT", Side: SideSell, Price: 100, Quantity: 2, Fee: 0.2, FeeAsset: "USDT", Timestamp: ts}.ToFill()
	assert.Equal(t, ledger.Sell, fill.Side)
	assert.Equal(t, 2.0, fill.Amount)
	assert.Equal(t, 100.0, fill.Price)
	assert.Equal(t, 0.2, fill.Fee)
	assert.Equal(t, ts, fill.Timestamp)

	// fee paid in BNB is not a quote-currency cost
	fill = Trade{Symbol: "BTCUSDT", Side: SideBuy, Price: 100, Quantity: 1, Fee: 0.01, FeeAsset: "BNB"}.ToFill()
	assert.Equal(t, ledger.Buy, fill.Side)
	assert.Zero(t, fill.Fee)
}

func TestOrderToFill(t *testing.T) {
	fill := OrderToFill(Order{Symbol: "ETH-USDT", Side: SideBuy, FilledQty: 3, AvgPrice: 10, Fee: 0.03})
	assert.Equal(t, ledger.Fill{Symbol: "ETH-USDT", Side: ledger.Buy, Amount: 3, Price: 10, Fee: 0.03}, fill)
}

func TestNewUnknownExchange(t *testing.T) {
	_, err := New("kraken", Credentials{}, DefaultRetryConfig())
	assert.ErrorIs(t, err, ErrUnknownExchange)

	g, err := New("Wallex", Credentials{}, DefaultRetryConfig())
	require.NoError(t, err)
	assert.Equal(t, "wallex", g.Name())
}
