package core

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side is a hedge-mode position side
type Side string

const (
	SideLong  Side = "LONG"
	SideShort Side = "SHORT"
)

// Sides lists both hedge-mode sides in evaluation order
var Sides = []Side{SideLong, SideShort}

// Sign returns +1 for LONG and -1 for SHORT
func (s Side) Sign() decimal.Decimal {
	if s == SideShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// Opposite returns the other hedge-mode side
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// OrderSide is the exchange order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// IntentKind classifies what a trade intent asks the pipeline to do
type IntentKind string

const (
	IntentOpen    IntentKind = "open"
	IntentAverage IntentKind = "avg"
	IntentClose   IntentKind = "close"
)

// PositionKey addresses one tracked position slot
type PositionKey struct {
	User     string
	Strategy string
	Symbol   string
	Side     Side
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.User, k.Strategy, k.Symbol, k.Side)
}

// PositionState is the engine's view of one (user, strategy, symbol, side) slot.
// Zero decimals stand in for "unset"; InPosition is the authoritative flag.
type PositionState struct {
	InPosition bool
	Qty        decimal.Decimal // current position quantity in base units
	AvgPrice   decimal.Decimal // volume-weighted average entry reported by the exchange
	EntryPrice decimal.Decimal // logical first-step entry, reconstructed when needed
	Notional   decimal.Decimal

	ProgressCounter int // averaging step the engine believes it has issued, 1-based
	ProgressReal    int // step inferred from exchange notional, 1-based

	ProcessVolume   decimal.Decimal // relative volume share staged for the next order
	TakeProfitFired bool            // sticky until full close
	ProblemClosed   bool            // partial-close repair failed, retried next cycle
	OpenedAt        int64           // epoch ms of the first transition into a position
}

// DefaultPositionState is the template applied at startup and after a full close
func DefaultPositionState() PositionState {
	return PositionState{
		ProgressCounter: 1,
		ProgressReal:    1,
	}
}

// SymbolPrecision carries exchange metadata captured at startup
type SymbolPrecision struct {
	QtyPrecision   int
	PricePrecision int
}

// ExchangePosition is one row of the exchange's position report
type ExchangePosition struct {
	Symbol         string
	Side           Side
	Amount         decimal.Decimal // |positionAmt|
	EntryPrice     decimal.Decimal
	Notional       decimal.Decimal
	Leverage       int
	IsolatedMargin decimal.Decimal
}

// TradeIntent asks the pipeline to act on one position slot
type TradeIntent struct {
	Kind     IntentKind
	User     string
	Strategy string
	Symbol   string
	Side     Side
}

// Key returns the position slot the intent targets
func (i TradeIntent) Key() PositionKey {
	return PositionKey{User: i.User, Strategy: i.Strategy, Symbol: i.Symbol, Side: i.Side}
}

// OrderReceipt is the exchange's acknowledgement of a submitted order
type OrderReceipt struct {
	OrderID       int64
	ClientOrderID string
	Symbol        string
	Status        string
}

// RiskOrderKind distinguishes broker-held take-profit and stop-loss orders
type RiskOrderKind string

const (
	RiskOrderTakeProfit RiskOrderKind = "tp"
	RiskOrderStopLoss   RiskOrderKind = "sl"
)

// RiskOrderRequest describes one conditional order to place
type RiskOrderRequest struct {
	Symbol       string
	OrderSide    OrderSide
	PositionSide Side
	Qty          decimal.Decimal
	TargetPrice  decimal.Decimal
	Kind         RiskOrderKind
	OrderType    string // TAKE_PROFIT_MARKET, STOP_MARKET or LIMIT
}

// PnLReport summarizes a closed position from the exchange's trade history
type PnLReport struct {
	User       string
	Symbol     string
	Side       Side
	Pnl        decimal.Decimal
	Commission decimal.Decimal
	PnlPct     decimal.Decimal // against the closed notional (qty x avg price)
	OpenedAt   int64
	ClosedAt   int64
}
