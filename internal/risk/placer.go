package risk

import (
	"context"
	"fmt"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"
	"grid_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Placer computes TP/SL target prices from the configured percentages and
// issues the conditional orders
type Placer struct {
	store    *store.Store
	gateways map[string]core.IExchangeGateway
	cfg      *config.Config
	logger   core.ILogger
	metrics  *telemetry.Metrics
}

// NewPlacer creates a risk order placer
func NewPlacer(
	positionStore *store.Store,
	gateways map[string]core.IExchangeGateway,
	cfg *config.Config,
	logger core.ILogger,
	metrics *telemetry.Metrics,
) *Placer {
	return &Placer{
		store:    positionStore,
		gateways: gateways,
		cfg:      cfg,
		logger:   logger.WithField("component", "risk_order_placer"),
		metrics:  metrics,
	}
}

// PlaceAll places the requested risk orders for one slot in parallel
func (pl *Placer) PlaceAll(ctx context.Context, key core.PositionKey, kinds []core.RiskOrderKind) error {
	g, groupCtx := errgroup.WithContext(ctx)
	for _, kind := range kinds {
		k := kind
		g.Go(func() error {
			return pl.placeOne(groupCtx, key, k)
		})
	}
	return g.Wait()
}

func (pl *Placer) placeOne(ctx context.Context, key core.PositionKey, kind core.RiskOrderKind) error {
	gateway, ok := pl.gateways[key.User]
	if !ok {
		return fmt.Errorf("no gateway for user %s", key.User)
	}
	user, ok := pl.cfg.Users[key.User]
	if !ok {
		return fmt.Errorf("unknown user %s", key.User)
	}
	risk, ok := user.RiskFor(key.Symbol)
	if !ok {
		return fmt.Errorf("no risk settings for %s", key.Symbol)
	}

	var pct *float64
	if kind == core.RiskOrderTakeProfit {
		pct = risk.TP
	} else {
		pct = risk.SL
	}
	if pct == nil {
		// Not configured: nothing to place, not an error
		return nil
	}

	snap, ok := pl.store.Get(key)
	if !ok || !snap.InPosition || !snap.AvgPrice.IsPositive() {
		return nil
	}

	precision, _ := pl.store.Precision(key.Symbol)

	// TP shifts the average in the profitable direction, SL against it
	shift := decimal.NewFromFloat(*pct)
	if kind == core.RiskOrderStopLoss {
		shift = shift.Abs().Neg()
	}
	target := tradingutils.ShiftedPrice(snap.AvgPrice, shift, key.Side.Sign(), precision.PricePrecision)

	orderSide := core.OrderSideSell
	if key.Side == core.SideShort {
		orderSide = core.OrderSideBuy
	}

	orderType := "STOP_MARKET"
	if kind == core.RiskOrderTakeProfit {
		if risk.TPOrderType == "MARKET" {
			orderType = "TAKE_PROFIT_MARKET"
		} else {
			orderType = "LIMIT"
		}
	}

	req := core.RiskOrderRequest{
		Symbol:       key.Symbol,
		OrderSide:    orderSide,
		PositionSide: key.Side,
		Qty:          snap.Qty,
		TargetPrice:  target,
		Kind:         kind,
		OrderType:    orderType,
	}

	if _, err := gateway.PlaceRiskOrder(ctx, req); err != nil {
		pl.logger.Error("Risk order placement failed",
			"key", key.String(), "kind", kind, "target", target, "error", err)
		if pl.metrics != nil {
			pl.metrics.OrderFailures.WithLabelValues(key.User, orderType).Inc()
		}
		return fmt.Errorf("place %s for %s: %w", kind, key.String(), err)
	}

	pl.logger.Info("Risk order placed",
		"key", key.String(), "kind", kind, "type", orderType, "target", target)
	if pl.metrics != nil {
		pl.metrics.RiskOrdersPlaced.WithLabelValues(key.User, string(kind)).Inc()
	}
	return nil
}

// CancelAll sweeps every resting risk order for the slot's (symbol, side).
// Returns true only when all targeted orders are gone.
func (pl *Placer) CancelAll(ctx context.Context, key core.PositionKey) bool {
	gateway, ok := pl.gateways[key.User]
	if !ok {
		return false
	}

	swept, err := gateway.CancelRiskOrders(ctx, key.Symbol, key.Side)
	if err != nil {
		pl.logger.Error("Risk order sweep failed", "key", key.String(), "error", err)
		swept = false
	}

	if pl.metrics != nil {
		result := "ok"
		if !swept {
			result = "failed"
		}
		pl.metrics.RiskOrdersCanceled.WithLabelValues(key.User, result).Inc()
	}
	return swept
}
