// Package core defines the shared types and interfaces of the trading engine
package core

import (
	"context"

	"github.com/shopspring/decimal"
)

// IExchangeGateway is the engine's view of the futures exchange.
// One instance exists per user account; market-data calls may also be served
// by an unauthenticated instance shared across users.
type IExchangeGateway interface {
	// Account state
	FetchPositions(ctx context.Context) ([]ExchangePosition, error)
	FetchBalance(ctx context.Context, asset string) (decimal.Decimal, error)
	RealizedPnL(ctx context.Context, symbol string, positionSide Side, startMs, endMs int64) (pnl, commission decimal.Decimal, err error)

	// Orders
	PlaceMarketOrder(ctx context.Context, symbol string, side OrderSide, positionSide Side, qty decimal.Decimal) (*OrderReceipt, error)
	PlaceRiskOrder(ctx context.Context, req RiskOrderRequest) (*OrderReceipt, error)
	// CancelRiskOrders removes every open conditional/limit order for the
	// (symbol, positionSide) pair and reports whether all were removed.
	// An order that is already gone counts as removed.
	CancelRiskOrders(ctx context.Context, symbol string, positionSide Side) (bool, error)

	// Account configuration
	SetMarginType(ctx context.Context, symbol, marginType string) error
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetPositionMode(ctx context.Context, hedge bool) error

	// Market data
	LatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	FetchExchangeInfo(ctx context.Context) (map[string]SymbolPrecision, error)
	StartTradeStream(ctx context.Context, symbols []string, callback func(symbol string, price decimal.Decimal)) error
	StopTradeStream() error
}

// IPriceFeed serves last-trade prices to the decision components
type IPriceFeed interface {
	// LastPrice returns the cached stream price, if any. Non-blocking.
	LastPrice(symbol string) (decimal.Decimal, bool)
	// Price returns the cached price or falls back to a REST lookup.
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// INotifier surfaces trading-relevant events to the operator
type INotifier interface {
	TradeEvent(ctx context.Context, title, message string, fields map[string]string)
	PnLReport(ctx context.Context, report PnLReport)
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
