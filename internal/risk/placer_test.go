package risk

import (
	"context"
	"testing"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/logging"
	"grid_trader/internal/mock"
	"grid_trader/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type placerFixture struct {
	placer  *Placer
	store   *store.Store
	gateway *mock.Gateway
	cfg     *config.Config
	key     core.PositionKey
}

func newPlacerFixture(t *testing.T) *placerFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	positionStore := store.New()
	gateway := mock.NewGateway()

	key := core.PositionKey{User: "user_a", Strategy: "grid_5m", Symbol: "BTCUSDT", Side: core.SideLong}
	positionStore.Init(key)
	positionStore.SetPrecision("BTCUSDT", core.SymbolPrecision{QtyPrecision: 0, PricePrecision: 4})
	positionStore.Update(key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = dec(27)
		p.AvgPrice = dec(1.0)
		p.EntryPrice = dec(1.0)
	})

	placer := NewPlacer(positionStore, map[string]core.IExchangeGateway{"user_a": gateway}, cfg, logging.NopLogger{}, nil)
	return &placerFixture{placer: placer, store: positionStore, gateway: gateway, cfg: cfg, key: key}
}

func TestPlacer_TakeProfitLimit(t *testing.T) {
	f := newPlacerFixture(t)

	err := f.placer.PlaceAll(context.Background(), f.key, []core.RiskOrderKind{core.RiskOrderTakeProfit})
	require.NoError(t, err)

	orders := f.gateway.RiskOrders()
	require.Len(t, orders, 1)
	// Default tp is 0.6%: LONG target at avg * 1.006
	assert.True(t, orders[0].TargetPrice.Equal(dec(1.006)), "got %s", orders[0].TargetPrice)
	assert.Equal(t, "LIMIT", orders[0].OrderType)
	assert.Equal(t, core.OrderSideSell, orders[0].OrderSide)
	assert.Equal(t, core.SideLong, orders[0].PositionSide)
	assert.True(t, orders[0].Qty.Equal(dec(27)))
}

func TestPlacer_StopLossAlwaysStopMarket(t *testing.T) {
	f := newPlacerFixture(t)
	sl := 2.0
	user := f.cfg.Users["user_a"]
	risk := user.SymbolsRisk[config.AnyCoins]
	risk.SL = &sl
	user.SymbolsRisk[config.AnyCoins] = risk
	f.cfg.Users["user_a"] = user

	err := f.placer.PlaceAll(context.Background(), f.key, []core.RiskOrderKind{core.RiskOrderStopLoss})
	require.NoError(t, err)

	orders := f.gateway.RiskOrders()
	require.Len(t, orders, 1)
	// SL shift is negative for LONG: avg * (1 - 2%) = 0.98
	assert.True(t, orders[0].TargetPrice.Equal(dec(0.98)), "got %s", orders[0].TargetPrice)
	assert.Equal(t, "STOP_MARKET", orders[0].OrderType)
}

func TestPlacer_ShortTargets(t *testing.T) {
	f := newPlacerFixture(t)
	sl := 2.0
	user := f.cfg.Users["user_a"]
	risk := user.SymbolsRisk[config.AnyCoins]
	risk.SL = &sl
	user.SymbolsRisk[config.AnyCoins] = risk
	f.cfg.Users["user_a"] = user

	key := f.key
	key.Side = core.SideShort
	f.store.Init(key)
	f.store.Update(key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = dec(27)
		p.AvgPrice = dec(1.0)
	})

	err := f.placer.PlaceAll(context.Background(), key, []core.RiskOrderKind{core.RiskOrderTakeProfit, core.RiskOrderStopLoss})
	require.NoError(t, err)

	orders := f.gateway.RiskOrders()
	require.Len(t, orders, 2)
	byKind := map[core.RiskOrderKind]core.RiskOrderRequest{}
	for _, o := range orders {
		byKind[o.Kind] = o
	}

	// SHORT mirrors LONG: TP below the average, SL above, orders are buys
	assert.True(t, byKind[core.RiskOrderTakeProfit].TargetPrice.Equal(dec(0.994)))
	assert.True(t, byKind[core.RiskOrderStopLoss].TargetPrice.Equal(dec(1.02)))
	assert.Equal(t, core.OrderSideBuy, byKind[core.RiskOrderTakeProfit].OrderSide)
	assert.Equal(t, core.OrderSideBuy, byKind[core.RiskOrderStopLoss].OrderSide)
}

func TestPlacer_UnconfiguredPctIsNoop(t *testing.T) {
	f := newPlacerFixture(t)
	// Default config has no SL configured
	err := f.placer.PlaceAll(context.Background(), f.key, []core.RiskOrderKind{core.RiskOrderStopLoss})
	require.NoError(t, err)
	assert.Empty(t, f.gateway.RiskOrders())
}

func TestPlacer_MarketTPType(t *testing.T) {
	f := newPlacerFixture(t)
	user := f.cfg.Users["user_a"]
	risk := user.SymbolsRisk[config.AnyCoins]
	risk.TPOrderType = "MARKET"
	user.SymbolsRisk[config.AnyCoins] = risk
	f.cfg.Users["user_a"] = user

	err := f.placer.PlaceAll(context.Background(), f.key, []core.RiskOrderKind{core.RiskOrderTakeProfit})
	require.NoError(t, err)

	orders := f.gateway.RiskOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "TAKE_PROFIT_MARKET", orders[0].OrderType)
}

func TestPlacer_CancelAllIdempotent(t *testing.T) {
	f := newPlacerFixture(t)
	require.NoError(t, f.placer.PlaceAll(context.Background(), f.key,
		[]core.RiskOrderKind{core.RiskOrderTakeProfit}))
	require.NotEmpty(t, f.gateway.OpenOrders())

	assert.True(t, f.placer.CancelAll(context.Background(), f.key))
	assert.Empty(t, f.gateway.OpenOrders())

	// Nothing left to cancel still counts as success
	assert.True(t, f.placer.CancelAll(context.Background(), f.key))
}

func TestPlacer_CancelAllLeavesOtherSideAlone(t *testing.T) {
	f := newPlacerFixture(t)
	f.gateway.AddOpenOrder(mock.OpenOrder{OrderID: 1, Symbol: "BTCUSDT", PositionSide: core.SideLong, Type: "STOP_MARKET"})
	f.gateway.AddOpenOrder(mock.OpenOrder{OrderID: 2, Symbol: "BTCUSDT", PositionSide: core.SideShort, Type: "STOP_MARKET"})
	f.gateway.AddOpenOrder(mock.OpenOrder{OrderID: 3, Symbol: "ETHUSDT", PositionSide: core.SideLong, Type: "LIMIT"})

	assert.True(t, f.placer.CancelAll(context.Background(), f.key))

	remaining := f.gateway.OpenOrders()
	require.Len(t, remaining, 2)
	for _, o := range remaining {
		assert.False(t, o.Symbol == "BTCUSDT" && o.PositionSide == core.SideLong)
	}
}

func TestMonitor_DecimalPercentMath(t *testing.T) {
	// Round numbers through the decimal pipeline: +0.91% of 1.0 is exact
	pnl := decTestPnl(dec(1.0091), dec(1.0))
	assert.True(t, pnl.Equal(dec(0.91)), "got %s", pnl)
}

func decTestPnl(price, ref decimal.Decimal) decimal.Decimal {
	return price.Sub(ref).Div(ref).Mul(decimal.NewFromInt(100))
}
