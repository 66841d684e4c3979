// Package risk evaluates per-position risk rules and manages broker-held
// TP/SL orders
package risk

import (
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"
	"grid_trader/pkg/tradingutils"

	"github.com/shopspring/decimal"
)

// Monitor inspects one position slot per call and emits at most one intent.
// Evaluation is pure computation over a store snapshot and the cached price;
// it never performs I/O.
type Monitor struct {
	store   *store.Store
	feed    core.IPriceFeed
	grids   *grid.Book
	cfg     *config.Config
	logger  core.ILogger
	metrics *telemetry.Metrics
}

// NewMonitor creates a risk monitor
func NewMonitor(
	positionStore *store.Store,
	feed core.IPriceFeed,
	grids *grid.Book,
	cfg *config.Config,
	logger core.ILogger,
	metrics *telemetry.Metrics,
) *Monitor {
	return &Monitor{
		store:   positionStore,
		feed:    feed,
		grids:   grids,
		cfg:     cfg,
		logger:  logger.WithField("component", "risk_monitor"),
		metrics: metrics,
	}
}

// Evaluate checks the fallback take-profit and the averaging grid for one
// slot. Returns nil when no action is due.
func (m *Monitor) Evaluate(key core.PositionKey) *core.TradeIntent {
	snap, ok := m.store.Get(key)
	if !ok || !snap.InPosition || snap.TakeProfitFired {
		return nil
	}

	price, ok := m.feed.LastPrice(key.Symbol)
	if !ok {
		return nil
	}

	user, ok := m.cfg.Users[key.User]
	if !ok {
		return nil
	}
	risk, ok := user.RiskFor(key.Symbol)
	if !ok {
		return nil
	}

	sign := key.Side.Sign()

	// Fallback TP is measured against the exchange average: it guards the
	// whole position, however it got here.
	if risk.FallbackTP != nil && snap.AvgPrice.IsPositive() {
		pnlAvg := tradingutils.PnLPercent(price, snap.AvgPrice, sign)
		if pnlAvg.GreaterThanOrEqual(decimal.NewFromFloat(*risk.FallbackTP)) {
			m.store.Update(key, func(p *core.PositionState) {
				p.TakeProfitFired = true
			})
			m.logger.Info("Fallback TP fired",
				"key", key.String(), "price", price, "pnl_pct", pnlAvg)
			if m.metrics != nil {
				m.metrics.FallbackTPFires.WithLabelValues(key.User).Inc()
			}
			return &core.TradeIntent{
				Kind: core.IntentClose, User: key.User, Strategy: key.Strategy,
				Symbol: key.Symbol, Side: key.Side,
			}
		}
	}

	// Averaging is measured against the logical first-step entry so each
	// step fires at its configured cumulative drawdown.
	calc, ok := m.grids.Get(key)
	if !ok || !snap.EntryPrice.IsPositive() {
		return nil
	}
	steps := calc.Steps()
	p := snap.ProgressCounter
	if p >= len(steps) {
		return nil
	}
	step := steps[p]

	pnlEntry := tradingutils.PnLPercent(price, snap.EntryPrice, sign)
	if pnlEntry.GreaterThan(step.Indent.Abs().Neg()) {
		return nil
	}

	m.store.Update(key, func(state *core.PositionState) {
		if state.ProgressCounter == p {
			state.ProgressCounter = p + 1
		}
		state.ProcessVolume = step.Volume
	})
	m.logger.Info("Averaging step triggered",
		"key", key.String(), "step", p+1, "price", price, "pnl_entry_pct", pnlEntry)

	return &core.TradeIntent{
		Kind: core.IntentAverage, User: key.User, Strategy: key.Strategy,
		Symbol: key.Symbol, Side: key.Side,
	}
}
