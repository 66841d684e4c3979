package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	pkghttp "grid_trader/pkg/http"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePositions(t *testing.T) {
	body := []byte(`[
		{"symbol":"BTCUSDT","positionAmt":"27","entryPrice":"1.0000","notional":"27.352","positionSide":"LONG","leverage":"10","isolatedMargin":"0"},
		{"symbol":"BTCUSDT","positionAmt":"-59","entryPrice":"0.9600","notional":"-57.434","positionSide":"SHORT","leverage":"10","isolatedMargin":"0"},
		{"symbol":"ETHUSDT","positionAmt":"0","entryPrice":"0.0","notional":"0","positionSide":"LONG","leverage":"20","isolatedMargin":"0"},
		{"symbol":"SOLUSDT","positionAmt":"5","entryPrice":"10","notional":"50","positionSide":"BOTH","leverage":"5","isolatedMargin":"0"}
	]`)

	positions, err := parsePositions(body)
	require.NoError(t, err)
	require.Len(t, positions, 2, "flat rows and one-way BOTH rows are dropped")

	long := positions[0]
	assert.Equal(t, "BTCUSDT", long.Symbol)
	assert.Equal(t, core.SideLong, long.Side)
	assert.True(t, long.Amount.Equal(decimal.NewFromInt(27)))
	assert.Equal(t, 10, long.Leverage)

	short := positions[1]
	assert.Equal(t, core.SideShort, short.Side)
	assert.True(t, short.Amount.Equal(decimal.NewFromInt(59)), "position amount is reported as absolute value")
	assert.True(t, short.Notional.Equal(decimal.NewFromFloat(57.434)), "notional is reported as absolute value")
}

func TestParseExchangeInfo(t *testing.T) {
	body := []byte(`{"symbols":[
		{"symbol":"BTCUSDT","status":"TRADING","pricePrecision":2,"quantityPrecision":3},
		{"symbol":"DELISTED","status":"CLOSE","pricePrecision":4,"quantityPrecision":0}
	]}`)

	info, err := parseExchangeInfo(body)
	require.NoError(t, err)
	require.Len(t, info, 1, "non-trading symbols are excluded")
	assert.Equal(t, core.SymbolPrecision{QtyPrecision: 3, PricePrecision: 2}, info["BTCUSDT"])
}

func TestSumTradesFiltersPositionSide(t *testing.T) {
	body := []byte(`[
		{"symbol":"BTCUSDT","positionSide":"LONG","realizedPnl":"0.30","commission":"0.01","time":1},
		{"symbol":"BTCUSDT","positionSide":"LONG","realizedPnl":"-0.06","commission":"0.01","time":2},
		{"symbol":"BTCUSDT","positionSide":"SHORT","realizedPnl":"9.99","commission":"0.50","time":3}
	]`)

	pnl, commission, err := sumTrades(body, core.SideLong)
	require.NoError(t, err)
	assert.True(t, pnl.Equal(decimal.NewFromFloat(0.24)), "got %s", pnl)
	assert.True(t, commission.Equal(decimal.NewFromFloat(0.02)))
}

func TestFilterRiskOrders(t *testing.T) {
	body := []byte(`[
		{"orderId":1,"symbol":"BTCUSDT","positionSide":"LONG","type":"LIMIT"},
		{"orderId":2,"symbol":"BTCUSDT","positionSide":"LONG","type":"STOP_MARKET"},
		{"orderId":3,"symbol":"BTCUSDT","positionSide":"SHORT","type":"STOP_MARKET"},
		{"orderId":4,"symbol":"BTCUSDT","positionSide":"LONG","type":"TRAILING_STOP_MARKET"}
	]`)

	targets, err := filterRiskOrders(body, core.SideLong)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, int64(1), targets[0].OrderID)
	assert.Equal(t, int64(2), targets[1].OrderID)
}

func TestParseAggTrade(t *testing.T) {
	symbol, price, ok := parseAggTrade([]byte(
		`{"stream":"btcusdt@aggTrade","data":{"e":"aggTrade","s":"BTCUSDT","p":"1.0091","q":"5"}}`))
	require.True(t, ok)
	assert.Equal(t, "BTCUSDT", symbol)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.0091)))

	_, _, ok = parseAggTrade([]byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT","p":"1.0"}}`))
	assert.False(t, ok, "non-trade events are dropped")

	_, _, ok = parseAggTrade([]byte(`{"result":null,"id":1}`))
	assert.False(t, ok, "subscription acks are dropped")
}

func TestCombinedStreamURL(t *testing.T) {
	url := combinedStreamURL("wss://fstream.binance.com", []string{"BTCUSDT", "ETHUSDT"})
	assert.Equal(t, "wss://fstream.binance.com/stream?streams=btcusdt@aggTrade/ethusdt@aggTrade", url)
}

func TestSignerAddsTimestampWindowAndSignature(t *testing.T) {
	s := newSigner("test_key", "test_secret", 20000)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	req, err := http.NewRequest(http.MethodGet, "https://fapi.binance.com/fapi/v2/positionRisk?symbol=BTCUSDT", nil)
	require.NoError(t, err)
	require.NoError(t, s.SignRequest(req))

	q := req.URL.Query()
	assert.Equal(t, "1700000000000", q.Get("timestamp"))
	assert.Equal(t, "20000", q.Get("recvWindow"))
	assert.Equal(t, "test_key", req.Header.Get("X-MBX-APIKEY"))

	// The signature covers the query string without the signature itself
	unsigned := url.Values{}
	for k, vs := range q {
		if k == "signature" {
			continue
		}
		for _, v := range vs {
			unsigned.Add(k, v)
		}
	}
	mac := hmac.New(sha256.New, []byte("test_secret"))
	mac.Write([]byte(unsigned.Encode()))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), q.Get("signature"))
}

func TestNewClientOrderID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id := newClientOrderID()
		assert.True(t, strings.HasPrefix(id, clientOrderIDPrefix))
		assert.LessOrEqual(t, len(id), maxClientOrderIDLen)
		assert.False(t, seen[id], "client order ids must be unique")
		seen[id] = true
	}
}

func TestMapError(t *testing.T) {
	apiErr := func(body string) error {
		return &pkghttp.APIError{StatusCode: 400, Body: []byte(body)}
	}

	cases := []struct {
		body     string
		sentinel error
	}{
		{`{"code":-2011,"msg":"Unknown order sent."}`, apperrors.ErrOrderNotFound},
		{`{"code":-4059,"msg":"No need to change position side."}`, apperrors.ErrNoNeedToChange},
		{`{"code":-4046,"msg":"No need to change margin type."}`, apperrors.ErrNoNeedToChange},
		{`{"code":-1021,"msg":"Timestamp for this request is outside of the recvWindow."}`, apperrors.ErrTimestampOutOfBounds},
		{`{"code":-2019,"msg":"Margin is insufficient."}`, apperrors.ErrInsufficientFunds},
		{`{"code":-1003,"msg":"Too many requests."}`, apperrors.ErrRateLimitExceeded},
		{`{"code":-1121,"msg":"Invalid symbol."}`, apperrors.ErrInvalidSymbol},
		{`{"code":-2014,"msg":"API-key format invalid."}`, apperrors.ErrAuthenticationFailed},
		{`{"code":-1111,"msg":"Precision is over the maximum defined for this asset."}`, apperrors.ErrInvalidOrderParameter},
	}
	for _, tc := range cases {
		mapped := mapError(apiErr(tc.body))
		assert.ErrorIs(t, mapped, tc.sentinel, "body %s", tc.body)
	}

	// Unknown codes and non-API errors pass through unclassified
	unknown := mapError(apiErr(`{"code":-9999,"msg":"?"}`))
	assert.NotNil(t, unknown)
	plain := mapError(assert.AnError)
	assert.Equal(t, assert.AnError, plain)
}
