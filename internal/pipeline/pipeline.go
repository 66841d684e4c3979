// Package pipeline executes trade intents against the exchange with per-user
// parallelism and per-symbol FIFO ordering
package pipeline

import (
	"context"
	"fmt"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/risk"
	"grid_trader/internal/store"
	"grid_trader/pkg/concurrency"
	"grid_trader/pkg/telemetry"
	"grid_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Pipeline consumes batches of trade intents. Users execute in parallel on
// the worker pool; within a user, each symbol's intents run strictly in the
// order they were enqueued.
type Pipeline struct {
	store    *store.Store
	gateways map[string]core.IExchangeGateway
	feed     core.IPriceFeed
	placer   *risk.Placer
	cfg      *config.Config
	pool     *concurrency.WorkerPool
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.Metrics

	waitAttempts int
	waitInterval time.Duration
}

// New creates an order pipeline
func New(
	positionStore *store.Store,
	gateways map[string]core.IExchangeGateway,
	feed core.IPriceFeed,
	placer *risk.Placer,
	cfg *config.Config,
	notifier core.INotifier,
	logger core.ILogger,
	metrics *telemetry.Metrics,
) *Pipeline {
	// Every user's task must get a worker the moment a batch arrives, so
	// the pool keeps one worker per user alive instead of scaling up lazily
	pool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:       "order_pipeline",
		MaxWorkers: len(cfg.Users),
		MinWorkers: len(cfg.Users),
	}, logger)

	return &Pipeline{
		store:        positionStore,
		gateways:     gateways,
		feed:         feed,
		placer:       placer,
		cfg:          cfg,
		pool:         pool,
		notifier:     notifier,
		logger:       logger.WithField("component", "order_pipeline"),
		metrics:      metrics,
		waitAttempts: cfg.System.PositionWaitAttempts,
		waitInterval: time.Duration(cfg.System.PositionWaitIntervalMs) * time.Millisecond,
	}
}

// Dispatch executes one batch of intents and blocks until all of them finish
func (p *Pipeline) Dispatch(ctx context.Context, intents []core.TradeIntent) {
	if len(intents) == 0 {
		return
	}

	// Partition by user, then by symbol, preserving enqueue order per symbol
	byUser := make(map[string]map[string][]core.TradeIntent)
	var userOrder []string
	for _, intent := range intents {
		symbols, ok := byUser[intent.User]
		if !ok {
			symbols = make(map[string][]core.TradeIntent)
			byUser[intent.User] = symbols
			userOrder = append(userOrder, intent.User)
		}
		symbols[intent.Symbol] = append(symbols[intent.Symbol], intent)
	}

	tasks := make([]func(), 0, len(userOrder))
	for _, userName := range userOrder {
		symbols := byUser[userName]
		tasks = append(tasks, func() {
			for _, queue := range symbols {
				for _, intent := range queue {
					p.execute(ctx, intent)
				}
			}
		})
	}
	p.pool.SubmitBatch(tasks)
}

// Stop drains the worker pool
func (p *Pipeline) Stop() {
	p.pool.Stop()
}

func (p *Pipeline) execute(ctx context.Context, intent core.TradeIntent) {
	key := intent.Key()
	log := p.logger.WithField("key", key.String()).WithField("kind", string(intent.Kind))

	gateway, ok := p.gateways[key.User]
	if !ok {
		log.Error("No gateway for user")
		return
	}
	user, ok := p.cfg.Users[key.User]
	if !ok {
		return
	}
	riskCfg, ok := user.RiskFor(key.Symbol)
	if !ok {
		log.Error("No risk settings for symbol")
		return
	}
	precision, _ := p.store.Precision(key.Symbol)

	// Re-check preconditions against a fresh snapshot: the syncer may have
	// advanced the slot since the intent was produced
	snap, ok := p.store.Get(key)
	if !ok {
		return
	}
	switch intent.Kind {
	case core.IntentOpen:
		if snap.InPosition {
			p.abort(key, intent.Kind, "already in position")
			return
		}
	case core.IntentAverage, core.IntentClose:
		if !snap.InPosition {
			p.abort(key, intent.Kind, "position is gone")
			return
		}
	}
	prevAvgPrice := snap.AvgPrice

	var qty decimal.Decimal
	if intent.Kind == core.IntentClose {
		qty = snap.Qty
	} else {
		price, err := p.feed.Price(ctx, key.Symbol)
		if err != nil {
			log.Error("Price unavailable", "error", err)
			return
		}
		qty = tradingutils.OrderQuantity(
			decimal.NewFromFloat(riskCfg.MarginSize),
			decimal.NewFromInt(int64(riskCfg.Leverage)),
			snap.ProcessVolume,
			price,
			precision.QtyPrecision,
		)
	}
	if !qty.IsPositive() {
		p.abort(key, intent.Kind, "quantity rounds to zero")
		return
	}

	// The exchange rejects orders that clash with the account's margin or
	// leverage settings, so these run before every open and avg. Failures
	// are logged only.
	if intent.Kind != core.IntentClose {
		if err := gateway.SetMarginType(ctx, key.Symbol, user.MarginType); err != nil {
			log.Warn("Margin type not applied", "error", err)
		}
		if err := gateway.SetLeverage(ctx, key.Symbol, riskCfg.Leverage); err != nil {
			log.Warn("Leverage not applied", "error", err)
		}
	}

	orderSide := marketSide(intent.Kind, key.Side)
	receipt, err := gateway.PlaceMarketOrder(ctx, key.Symbol, orderSide, key.Side, qty)
	if err != nil {
		log.Error("Market order failed", "side", orderSide, "qty", qty, "error", err)
		if p.metrics != nil {
			p.metrics.OrderFailures.WithLabelValues(key.User, "MARKET").Inc()
		}
		return
	}
	log.Info("Market order placed", "side", orderSide, "qty", qty, "order_id", receipt.OrderID)
	if p.metrics != nil {
		p.metrics.IntentsExecuted.WithLabelValues(key.User, string(intent.Kind)).Inc()
	}
	if p.notifier != nil {
		p.notifier.TradeEvent(ctx, "Order executed",
			fmt.Sprintf("%s %s %s %s at market", key.Symbol, key.Side, intent.Kind, qty),
			map[string]string{"user": key.User, "kind": string(intent.Kind)})
	}

	switch intent.Kind {
	case core.IntentClose:
		// The syncer finishes the close on its next cycle; the stale risk
		// orders must not survive until then
		p.placer.CancelAll(ctx, key)
		return
	case core.IntentAverage:
		// Old TP/SL targets are priced off the pre-averaging average
		p.placer.CancelAll(ctx, key)
	}

	if !p.waitForPositionUpdate(ctx, key, prevAvgPrice) {
		log.Warn("Position update not observed, skipping risk orders")
		if p.metrics != nil {
			p.metrics.PositionWaitTimeout.WithLabelValues(key.User).Inc()
		}
		return
	}

	if err := p.placer.PlaceAll(ctx, key, []core.RiskOrderKind{core.RiskOrderTakeProfit, core.RiskOrderStopLoss}); err != nil {
		log.Error("Risk order placement incomplete", "error", err)
	}
}

func (p *Pipeline) abort(key core.PositionKey, kind core.IntentKind, reason string) {
	p.logger.Debug("Intent aborted", "key", key.String(), "kind", string(kind), "reason", reason)
	if p.metrics != nil {
		p.metrics.IntentsAborted.WithLabelValues(key.User, string(kind), reason).Inc()
	}
}

// waitForPositionUpdate polls the store until the syncer has picked up the
// fill. Success requires an in-position slot whose average moved off the
// pre-order value with positive quantity.
func (p *Pipeline) waitForPositionUpdate(ctx context.Context, key core.PositionKey, prevAvgPrice decimal.Decimal) bool {
	for attempt := 0; attempt < p.waitAttempts; attempt++ {
		snap, ok := p.store.Get(key)
		if ok && snap.InPosition && !snap.AvgPrice.Equal(prevAvgPrice) && snap.Qty.IsPositive() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(p.waitInterval):
		}
	}
	return false
}

// marketSide maps an intent to the exchange order direction: a LONG position
// is bought into and sold out of, a SHORT the reverse
func marketSide(kind core.IntentKind, side core.Side) core.OrderSide {
	opening := kind != core.IntentClose
	if (side == core.SideLong) == opening {
		return core.OrderSideBuy
	}
	return core.OrderSideSell
}
