// Package binance implements the exchange gateway against the Binance
// USDT-futures REST and streaming APIs
package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	pkghttp "grid_trader/pkg/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	pathPositionRisk = "/fapi/v2/positionRisk"
	pathBalance      = "/fapi/v2/balance"
	pathUserTrades   = "/fapi/v1/userTrades"
	pathOrder        = "/fapi/v1/order"
	pathOpenOrders   = "/fapi/v1/openOrders"
	pathMarginType   = "/fapi/v1/marginType"
	pathLeverage     = "/fapi/v1/leverage"
	pathDualSide     = "/fapi/v1/positionSide/dual"
	pathTickerPrice  = "/fapi/v1/ticker/price"
	pathExchangeInfo = "/fapi/v1/exchangeInfo"

	clientOrderIDPrefix = "gt-"
	maxClientOrderIDLen = 36

	httpTimeout = 20 * time.Second
)

// riskOrderTypes are the order types CancelRiskOrders sweeps; everything else
// on the book is left alone
var riskOrderTypes = map[string]bool{
	"LIMIT":              true,
	"TAKE_PROFIT_MARKET": true,
	"STOP_MARKET":        true,
	"TAKE_PROFIT":        true,
	"STOP":               true,
}

// Options configures one gateway instance
type Options struct {
	BaseURL           string
	WsURL             string
	APIKey            string
	APISecret         string
	ProxyURL          string
	RecvWindowMs      int
	RequestsPerSecond float64
}

// Gateway implements core.IExchangeGateway for one account. Signed calls go
// through the authenticated client; market data uses an unsigned one so
// public endpoints never carry credentials.
type Gateway struct {
	signed *pkghttp.Client
	public *pkghttp.Client
	wsURL  string
	logger core.ILogger

	stream *tradeStream
}

// New creates a gateway
func New(opts Options, logger core.ILogger) (*Gateway, error) {
	signed, err := pkghttp.NewClient(opts.BaseURL, httpTimeout,
		newSigner(opts.APIKey, opts.APISecret, opts.RecvWindowMs),
		opts.RequestsPerSecond, opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("signed client: %w", err)
	}
	public, err := pkghttp.NewClient(opts.BaseURL, httpTimeout, nil,
		opts.RequestsPerSecond, opts.ProxyURL)
	if err != nil {
		return nil, fmt.Errorf("public client: %w", err)
	}

	return &Gateway{
		signed: signed,
		public: public,
		wsURL:  opts.WsURL,
		logger: logger.WithField("component", "binance_gateway"),
	}, nil
}

type positionRow struct {
	Symbol         string          `json:"symbol"`
	PositionAmt    decimal.Decimal `json:"positionAmt"`
	EntryPrice     decimal.Decimal `json:"entryPrice"`
	Notional       decimal.Decimal `json:"notional"`
	PositionSide   string          `json:"positionSide"`
	Leverage       decimal.Decimal `json:"leverage"`
	IsolatedMargin decimal.Decimal `json:"isolatedMargin"`
}

// parsePositions converts a positionRisk response into engine rows, dropping
// one-way-mode BOTH entries and flat rows
func parsePositions(body []byte) ([]core.ExchangePosition, error) {
	var rows []positionRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse positions: %w", err)
	}

	out := make([]core.ExchangePosition, 0, len(rows))
	for _, row := range rows {
		side := core.Side(row.PositionSide)
		if side != core.SideLong && side != core.SideShort {
			continue
		}
		if row.PositionAmt.IsZero() {
			continue
		}
		out = append(out, core.ExchangePosition{
			Symbol:         row.Symbol,
			Side:           side,
			Amount:         row.PositionAmt.Abs(),
			EntryPrice:     row.EntryPrice,
			Notional:       row.Notional.Abs(),
			Leverage:       int(row.Leverage.IntPart()),
			IsolatedMargin: row.IsolatedMargin,
		})
	}
	return out, nil
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	body, err := g.signed.Get(ctx, pathPositionRisk, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return parsePositions(body)
}

type balanceRow struct {
	Asset   string          `json:"asset"`
	Balance decimal.Decimal `json:"balance"`
}

func (g *Gateway) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	body, err := g.signed.Get(ctx, pathBalance, nil)
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	var rows []balanceRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return decimal.Zero, fmt.Errorf("parse balance: %w", err)
	}
	for _, row := range rows {
		if row.Asset == asset {
			return row.Balance, nil
		}
	}
	return decimal.Zero, fmt.Errorf("asset %s not in balance report", asset)
}

type tradeRow struct {
	Symbol       string          `json:"symbol"`
	PositionSide string          `json:"positionSide"`
	RealizedPnl  decimal.Decimal `json:"realizedPnl"`
	Commission   decimal.Decimal `json:"commission"`
	Time         int64           `json:"time"`
}

// sumTrades accumulates realized PnL and commission for one position side
func sumTrades(body []byte, positionSide core.Side) (decimal.Decimal, decimal.Decimal, error) {
	var rows []tradeRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return decimal.Zero, decimal.Zero, fmt.Errorf("parse trades: %w", err)
	}
	pnl, commission := decimal.Zero, decimal.Zero
	for _, row := range rows {
		if row.PositionSide != string(positionSide) {
			continue
		}
		pnl = pnl.Add(row.RealizedPnl)
		commission = commission.Add(row.Commission)
	}
	return pnl, commission, nil
}

func (g *Gateway) RealizedPnL(ctx context.Context, symbol string, positionSide core.Side, startMs, endMs int64) (decimal.Decimal, decimal.Decimal, error) {
	params := map[string]string{
		"symbol": symbol,
	}
	if startMs > 0 {
		params["startTime"] = strconv.FormatInt(startMs, 10)
	}
	if endMs > 0 {
		params["endTime"] = strconv.FormatInt(endMs, 10)
	}
	body, err := g.signed.Get(ctx, pathUserTrades, params)
	if err != nil {
		return decimal.Zero, decimal.Zero, mapError(err)
	}
	return sumTrades(body, positionSide)
}

type orderResponse struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
}

// newClientOrderID generates a tagged order id within the exchange's
// 36-character limit
func newClientOrderID() string {
	id := clientOrderIDPrefix + uuid.New().String()
	if len(id) > maxClientOrderIDLen {
		id = id[:maxClientOrderIDLen]
	}
	return id
}

func (g *Gateway) placeOrder(ctx context.Context, params map[string]string) (*core.OrderReceipt, error) {
	params["newClientOrderId"] = newClientOrderID()

	body, err := g.signed.Post(ctx, pathOrder, params)
	if err != nil {
		return nil, mapError(err)
	}
	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse order response: %w", err)
	}
	if resp.OrderID == 0 {
		return nil, fmt.Errorf("%w: empty order id in response", apperrors.ErrOrderRejected)
	}
	return &core.OrderReceipt{
		OrderID:       resp.OrderID,
		ClientOrderID: resp.ClientOrderID,
		Symbol:        resp.Symbol,
		Status:        resp.Status,
	}, nil
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, positionSide core.Side, qty decimal.Decimal) (*core.OrderReceipt, error) {
	return g.placeOrder(ctx, map[string]string{
		"symbol":       symbol,
		"side":         string(side),
		"positionSide": string(positionSide),
		"type":         "MARKET",
		"quantity":     qty.String(),
	})
}

func (g *Gateway) PlaceRiskOrder(ctx context.Context, req core.RiskOrderRequest) (*core.OrderReceipt, error) {
	params := map[string]string{
		"symbol":       req.Symbol,
		"side":         string(req.OrderSide),
		"positionSide": string(req.PositionSide),
		"type":         req.OrderType,
	}
	switch req.OrderType {
	case "LIMIT":
		params["price"] = req.TargetPrice.String()
		params["quantity"] = req.Qty.String()
		params["timeInForce"] = "GTC"
		params["reduceOnly"] = "true"
	default:
		// Conditional orders close the whole side when they trigger
		params["stopPrice"] = req.TargetPrice.String()
		params["closePosition"] = "true"
	}
	return g.placeOrder(ctx, params)
}

type openOrderRow struct {
	OrderID      int64  `json:"orderId"`
	Symbol       string `json:"symbol"`
	PositionSide string `json:"positionSide"`
	Type         string `json:"type"`
}

// filterRiskOrders selects the open orders CancelRiskOrders must remove
func filterRiskOrders(body []byte, positionSide core.Side) ([]openOrderRow, error) {
	var rows []openOrderRow
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("parse open orders: %w", err)
	}
	var out []openOrderRow
	for _, row := range rows {
		if row.PositionSide == string(positionSide) && riskOrderTypes[row.Type] {
			out = append(out, row)
		}
	}
	return out, nil
}

func (g *Gateway) CancelRiskOrders(ctx context.Context, symbol string, positionSide core.Side) (bool, error) {
	body, err := g.signed.Get(ctx, pathOpenOrders, map[string]string{"symbol": symbol})
	if err != nil {
		return false, mapError(err)
	}
	targets, err := filterRiskOrders(body, positionSide)
	if err != nil {
		return false, err
	}

	allGone := true
	for _, order := range targets {
		respBody, cancelErr := g.signed.Delete(ctx, pathOrder, map[string]string{
			"symbol":  symbol,
			"orderId": strconv.FormatInt(order.OrderID, 10),
		})
		if cancelErr != nil {
			// An order that filled or expired in the meantime is gone either way
			if errors.Is(mapError(cancelErr), apperrors.ErrOrderNotFound) {
				continue
			}
			g.logger.Warn("Order cancel failed",
				"symbol", symbol, "order_id", order.OrderID, "error", cancelErr)
			allGone = false
			continue
		}
		var resp orderResponse
		if jsonErr := json.Unmarshal(respBody, &resp); jsonErr != nil || resp.Status != "CANCELED" {
			allGone = false
		}
	}
	return allGone, nil
}

func (g *Gateway) SetMarginType(ctx context.Context, symbol, marginType string) error {
	_, err := g.signed.Post(ctx, pathMarginType, map[string]string{
		"symbol":     symbol,
		"marginType": marginType,
	})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrNoNeedToChange) {
			return nil
		}
		return mapped
	}
	return nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := g.signed.Post(ctx, pathLeverage, map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	})
	if err != nil {
		return mapError(err)
	}
	return nil
}

func (g *Gateway) SetPositionMode(ctx context.Context, hedge bool) error {
	_, err := g.signed.Post(ctx, pathDualSide, map[string]string{
		"dualSidePosition": strconv.FormatBool(hedge),
	})
	if err != nil {
		mapped := mapError(err)
		if errors.Is(mapped, apperrors.ErrNoNeedToChange) {
			return nil
		}
		return mapped
	}
	return nil
}

type tickerResponse struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
}

func (g *Gateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	body, err := g.public.Get(ctx, pathTickerPrice, map[string]string{"symbol": symbol})
	if err != nil {
		return decimal.Zero, mapError(err)
	}
	var resp tickerResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("parse ticker: %w", err)
	}
	if !resp.Price.IsPositive() {
		return decimal.Zero, apperrors.ErrPriceUnavailable
	}
	return resp.Price, nil
}

type exchangeInfoResponse struct {
	Symbols []struct {
		Symbol            string `json:"symbol"`
		Status            string `json:"status"`
		PricePrecision    int    `json:"pricePrecision"`
		QuantityPrecision int    `json:"quantityPrecision"`
	} `json:"symbols"`
}

// parseExchangeInfo extracts precisions for tradable symbols
func parseExchangeInfo(body []byte) (map[string]core.SymbolPrecision, error) {
	var resp exchangeInfoResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse exchange info: %w", err)
	}
	out := make(map[string]core.SymbolPrecision, len(resp.Symbols))
	for _, s := range resp.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		out[s.Symbol] = core.SymbolPrecision{
			QtyPrecision:   s.QuantityPrecision,
			PricePrecision: s.PricePrecision,
		}
	}
	return out, nil
}

func (g *Gateway) FetchExchangeInfo(ctx context.Context) (map[string]core.SymbolPrecision, error) {
	body, err := g.public.Get(ctx, pathExchangeInfo, nil)
	if err != nil {
		return nil, mapError(err)
	}
	return parseExchangeInfo(body)
}

func (g *Gateway) StartTradeStream(ctx context.Context, symbols []string, callback func(symbol string, price decimal.Decimal)) error {
	if g.stream != nil {
		return fmt.Errorf("trade stream already running")
	}
	stream, err := newTradeStream(g.wsURL, symbols, callback, g.logger)
	if err != nil {
		return err
	}
	g.stream = stream
	g.stream.Start()
	return nil
}

func (g *Gateway) StopTradeStream() error {
	if g.stream == nil {
		return nil
	}
	g.stream.Stop()
	g.stream = nil
	return nil
}
