// Package mock provides a scriptable in-memory exchange gateway for tests
package mock

import (
	"context"
	"sync"
	"time"

	"grid_trader/internal/core"

	"github.com/shopspring/decimal"
)

// riskOrderTypes are the order types swept by CancelRiskOrders, mirroring
// the live gateway's filter
var riskOrderTypes = map[string]bool{
	"LIMIT":              true,
	"TAKE_PROFIT_MARKET": true,
	"STOP_MARKET":        true,
	"TAKE_PROFIT":        true,
	"STOP":               true,
}

// MarketCall records one market order with its execution window
type MarketCall struct {
	Symbol       string
	Side         core.OrderSide
	PositionSide core.Side
	Qty          decimal.Decimal
	SubmittedAt  time.Time
	ReturnedAt   time.Time
}

// OpenOrder is a resting order tracked by the mock
type OpenOrder struct {
	OrderID      int64
	Symbol       string
	PositionSide core.Side
	Type         string
}

// CancelCall records one cancel sweep
type CancelCall struct {
	Symbol       string
	PositionSide core.Side
	Removed      int
}

// Gateway implements core.IExchangeGateway with scriptable state and full
// call recording
type Gateway struct {
	mu sync.Mutex

	// Scriptable state
	Positions  []core.ExchangePosition
	Precisions map[string]core.SymbolPrecision
	Balances   map[string]decimal.Decimal
	Prices     map[string]decimal.Decimal
	Pnl        decimal.Decimal
	Commission decimal.Decimal

	// Error injection
	PositionsErr    error
	MarketOrderErr  error
	RiskOrderErr    error
	CancelErr       error
	PriceErr        error
	ExchangeInfoErr error

	// MarketOrderDelay holds each market order open for the duration,
	// making execution overlap observable in tests
	MarketOrderDelay time.Duration

	// OnMarketOrder runs after a market order is recorded, before it
	// returns. Tests use it to simulate the exchange updating positions.
	OnMarketOrder func(symbol string, side core.OrderSide, positionSide core.Side, qty decimal.Decimal)

	// Recordings
	marketCalls     []MarketCall
	riskOrders      []core.RiskOrderRequest
	openOrders      []OpenOrder
	cancelCalls     []CancelCall
	marginTypeCalls []string
	leverageCalls   []string
	positionModes   []bool

	nextOrderID int64
	streamCb    func(symbol string, price decimal.Decimal)
}

// NewGateway creates a mock gateway with empty state
func NewGateway() *Gateway {
	return &Gateway{
		Precisions:  make(map[string]core.SymbolPrecision),
		Balances:    make(map[string]decimal.Decimal),
		Prices:      make(map[string]decimal.Decimal),
		nextOrderID: 1000,
	}
}

func (g *Gateway) FetchPositions(ctx context.Context) ([]core.ExchangePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PositionsErr != nil {
		return nil, g.PositionsErr
	}
	out := make([]core.ExchangePosition, len(g.Positions))
	copy(out, g.Positions)
	return out, nil
}

// SetPosition replaces the scripted exchange row for (symbol, side)
func (g *Gateway) SetPosition(pos core.ExchangePosition) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.Positions {
		if p.Symbol == pos.Symbol && p.Side == pos.Side {
			g.Positions[i] = pos
			return
		}
	}
	g.Positions = append(g.Positions, pos)
}

// ClearPosition removes the scripted row for (symbol, side)
func (g *Gateway) ClearPosition(symbol string, side core.Side) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, p := range g.Positions {
		if p.Symbol == symbol && p.Side == side {
			g.Positions = append(g.Positions[:i], g.Positions[i+1:]...)
			return
		}
	}
}

func (g *Gateway) FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Balances[asset], nil
}

func (g *Gateway) RealizedPnL(ctx context.Context, symbol string, positionSide core.Side, startMs, endMs int64) (decimal.Decimal, decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.Pnl, g.Commission, nil
}

func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side core.OrderSide, positionSide core.Side, qty decimal.Decimal) (*core.OrderReceipt, error) {
	g.mu.Lock()
	if g.MarketOrderErr != nil {
		err := g.MarketOrderErr
		g.mu.Unlock()
		return nil, err
	}
	call := MarketCall{
		Symbol:       symbol,
		Side:         side,
		PositionSide: positionSide,
		Qty:          qty,
		SubmittedAt:  time.Now(),
	}
	g.nextOrderID++
	orderID := g.nextOrderID
	delay := g.MarketOrderDelay
	hook := g.OnMarketOrder
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if hook != nil {
		hook(symbol, side, positionSide, qty)
	}

	call.ReturnedAt = time.Now()
	g.mu.Lock()
	g.marketCalls = append(g.marketCalls, call)
	g.mu.Unlock()

	return &core.OrderReceipt{OrderID: orderID, Symbol: symbol, Status: "FILLED"}, nil
}

func (g *Gateway) PlaceRiskOrder(ctx context.Context, req core.RiskOrderRequest) (*core.OrderReceipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.RiskOrderErr != nil {
		return nil, g.RiskOrderErr
	}
	g.riskOrders = append(g.riskOrders, req)
	g.nextOrderID++
	g.openOrders = append(g.openOrders, OpenOrder{
		OrderID:      g.nextOrderID,
		Symbol:       req.Symbol,
		PositionSide: req.PositionSide,
		Type:         req.OrderType,
	})
	return &core.OrderReceipt{OrderID: g.nextOrderID, Symbol: req.Symbol, Status: "NEW"}, nil
}

func (g *Gateway) CancelRiskOrders(ctx context.Context, symbol string, positionSide core.Side) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.CancelErr != nil {
		return false, g.CancelErr
	}

	var kept []OpenOrder
	removed := 0
	for _, order := range g.openOrders {
		if order.Symbol == symbol && order.PositionSide == positionSide && riskOrderTypes[order.Type] {
			removed++
			continue
		}
		kept = append(kept, order)
	}
	g.openOrders = kept
	g.cancelCalls = append(g.cancelCalls, CancelCall{Symbol: symbol, PositionSide: positionSide, Removed: removed})
	return true, nil
}

func (g *Gateway) SetMarginType(ctx context.Context, symbol, marginType string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.marginTypeCalls = append(g.marginTypeCalls, symbol+":"+marginType)
	return nil
}

func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.leverageCalls = append(g.leverageCalls, symbol)
	return nil
}

func (g *Gateway) SetPositionMode(ctx context.Context, hedge bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positionModes = append(g.positionModes, hedge)
	return nil
}

func (g *Gateway) LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.PriceErr != nil {
		return decimal.Zero, g.PriceErr
	}
	return g.Prices[symbol], nil
}

func (g *Gateway) FetchExchangeInfo(ctx context.Context) (map[string]core.SymbolPrecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ExchangeInfoErr != nil {
		return nil, g.ExchangeInfoErr
	}
	out := make(map[string]core.SymbolPrecision, len(g.Precisions))
	for symbol, precision := range g.Precisions {
		out[symbol] = precision
	}
	return out, nil
}

func (g *Gateway) StartTradeStream(ctx context.Context, symbols []string, callback func(symbol string, price decimal.Decimal)) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streamCb = callback
	return nil
}

func (g *Gateway) StopTradeStream() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.streamCb = nil
	return nil
}

// PushTrade feeds a trade through the registered stream callback
func (g *Gateway) PushTrade(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	cb := g.streamCb
	g.mu.Unlock()
	if cb != nil {
		cb(symbol, price)
	}
}

// MarketCalls returns the recorded market orders in submission order
func (g *Gateway) MarketCalls() []MarketCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]MarketCall, len(g.marketCalls))
	copy(out, g.marketCalls)
	return out
}

// RiskOrders returns the recorded conditional order requests
func (g *Gateway) RiskOrders() []core.RiskOrderRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.RiskOrderRequest, len(g.riskOrders))
	copy(out, g.riskOrders)
	return out
}

// OpenOrders returns the currently resting orders
func (g *Gateway) OpenOrders() []OpenOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]OpenOrder, len(g.openOrders))
	copy(out, g.openOrders)
	return out
}

// AddOpenOrder scripts a resting order without going through PlaceRiskOrder
func (g *Gateway) AddOpenOrder(order OpenOrder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.openOrders = append(g.openOrders, order)
}

// CancelCalls returns the recorded cancel sweeps
func (g *Gateway) CancelCalls() []CancelCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]CancelCall, len(g.cancelCalls))
	copy(out, g.cancelCalls)
	return out
}

// MarginTypeCalls returns the recorded margin type changes
func (g *Gateway) MarginTypeCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.marginTypeCalls))
	copy(out, g.marginTypeCalls)
	return out
}

// LeverageCalls returns the recorded leverage changes
func (g *Gateway) LeverageCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.leverageCalls))
	copy(out, g.leverageCalls)
	return out
}
