// Package syncer reconciles exchange position state into the local store
package syncer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var two = decimal.NewFromInt(2)

// transition classifies what the exchange report means for one slot
type transition int

const (
	transitionNone transition = iota
	transitionNew
	transitionUpdate
	transitionPartialClose
	transitionFullClose
)

// Syncer runs the periodic reconciliation loop. It is the only component
// that writes exchange-reported fields into the store.
type Syncer struct {
	store    *store.Store
	gateways map[string]core.IExchangeGateway
	grids    *grid.Book
	cfg      *config.Config
	notifier core.INotifier
	logger   core.ILogger
	metrics  *telemetry.Metrics
	interval time.Duration

	mu        sync.RWMutex
	firstDone map[string]bool
}

// New creates a syncer
func New(
	positionStore *store.Store,
	gateways map[string]core.IExchangeGateway,
	grids *grid.Book,
	cfg *config.Config,
	notifier core.INotifier,
	logger core.ILogger,
	metrics *telemetry.Metrics,
) *Syncer {
	return &Syncer{
		store:     positionStore,
		gateways:  gateways,
		grids:     grids,
		cfg:       cfg,
		notifier:  notifier,
		logger:    logger.WithField("component", "position_syncer"),
		metrics:   metrics,
		interval:  time.Duration(cfg.System.SyncIntervalSec) * time.Second,
		firstDone: make(map[string]bool),
	}
}

// Run executes the reconciliation loop until ctx is done
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("Starting position syncer", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Position syncer stopped")
			return nil
		case <-ticker.C:
			s.SyncOnce(ctx)
		}
	}
}

// FirstSyncDone reports whether a user has completed at least one cycle
func (s *Syncer) FirstSyncDone(user string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstDone[user]
}

// SyncOnce reconciles every user concurrently
func (s *Syncer) SyncOnce(ctx context.Context) {
	g, groupCtx := errgroup.WithContext(ctx)
	for userName := range s.gateways {
		user := userName
		g.Go(func() error {
			if err := s.syncUser(groupCtx, user); err != nil {
				s.logger.Error("User sync failed", "user", user, "error", err)
				if s.metrics != nil {
					s.metrics.SyncErrors.WithLabelValues(user).Inc()
				}
			} else if s.metrics != nil {
				s.metrics.SyncCycles.WithLabelValues(user).Inc()
			}
			// The first cycle counts whether it succeeded or not
			s.mu.Lock()
			s.firstDone[user] = true
			s.mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if s.metrics != nil {
		for userName := range s.gateways {
			for _, side := range core.Sides {
				s.metrics.ActivePositions.WithLabelValues(userName, string(side)).
					Set(float64(s.store.ActiveCount(userName, side)))
			}
		}
	}
}

func (s *Syncer) syncUser(ctx context.Context, userName string) error {
	gateway, ok := s.gateways[userName]
	if !ok {
		return fmt.Errorf("no gateway for user %s", userName)
	}

	firstCycle := !s.FirstSyncDone(userName)

	positions, err := gateway.FetchPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch positions: %w", err)
	}

	type symbolSide struct {
		symbol string
		side   core.Side
	}
	reported := make(map[symbolSide]core.ExchangePosition, len(positions))
	for _, pos := range positions {
		reported[symbolSide{pos.Symbol, pos.Side}] = pos
	}

	user := s.cfg.Users[userName]

	// Strategies reconcile concurrently; the store lock serializes writes
	g, groupCtx := errgroup.WithContext(ctx)
	for strategyName := range user.Strategies {
		strategy := strategyName
		g.Go(func() error {
			for _, symbol := range user.SymbolsForStrategy(strategy) {
				for _, side := range core.Sides {
					key := core.PositionKey{User: userName, Strategy: strategy, Symbol: symbol, Side: side}
					row, present := reported[symbolSide{symbol, side}]
					if !present {
						row = core.ExchangePosition{Symbol: symbol, Side: side}
					}
					s.reconcileSlot(groupCtx, gateway, key, row, firstCycle)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// reconcileSlot applies one exchange row to one store slot
func (s *Syncer) reconcileSlot(ctx context.Context, gateway core.IExchangeGateway, key core.PositionKey, row core.ExchangePosition, firstCycle bool) {
	snap, ok := s.store.Get(key)
	if !ok {
		return
	}

	amount := row.Amount.Abs()
	was := snap.InPosition

	var tr transition
	switch {
	case amount.IsPositive() && !was:
		tr = transitionNew
	case amount.IsPositive() && was:
		tr = transitionUpdate
		// An exit that removed more than half the position is an aborted
		// close: finish it rather than treating the remainder as intended.
		if snap.Qty.IsPositive() && amount.LessThan(snap.Qty.Div(two)) {
			tr = transitionPartialClose
		}
	case amount.IsZero() && was:
		tr = transitionFullClose
	default:
		tr = transitionNone
	}

	if tr == transitionNone {
		return
	}

	if tr == transitionFullClose {
		s.handleFullClose(ctx, gateway, key, snap)
		return
	}

	calc, hasCalc := s.grids.Get(key)
	real := 1
	if hasCalc {
		real = calc.EstimateProgress(row.Notional)
	}
	counter := snap.ProgressCounter
	if real > counter {
		counter = real
	}

	entryPrice := snap.EntryPrice
	openedAt := snap.OpenedAt
	if tr == transitionNew {
		entryPrice = row.EntryPrice
		openedAt = time.Now().UnixMilli()
		// A multi-step position seen on the first cycle predates this
		// process: back out where its first step actually was.
		if firstCycle && real > 1 && hasCalc {
			if reconstructed, okRec := calc.ReconstructEntryPrice(row.EntryPrice, real, key.Side); okRec {
				entryPrice = reconstructed
			}
		}
	}

	s.store.Update(key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = amount
		p.AvgPrice = row.EntryPrice
		p.Notional = row.Notional
		p.ProgressReal = real
		if counter > p.ProgressCounter {
			p.ProgressCounter = counter
		}
		if tr == transitionNew {
			p.EntryPrice = entryPrice
			p.OpenedAt = openedAt
		}
	})

	if tr == transitionNew {
		s.logger.Info("Position detected",
			"key", key.String(), "qty", amount, "avg_price", row.EntryPrice, "progress", real)
	}

	if tr == transitionPartialClose {
		s.repairPartialClose(ctx, gateway, key, amount)
	}
}

// repairPartialClose finishes an aborted exit with a compensating market
// order for the remaining quantity
func (s *Syncer) repairPartialClose(ctx context.Context, gateway core.IExchangeGateway, key core.PositionKey, remaining decimal.Decimal) {
	orderSide := core.OrderSideSell
	if key.Side == core.SideShort {
		orderSide = core.OrderSideBuy
	}

	s.logger.Warn("Partial close detected, issuing compensating order",
		"key", key.String(), "remaining", remaining)

	_, err := gateway.PlaceMarketOrder(ctx, key.Symbol, orderSide, key.Side, remaining)
	if err != nil {
		s.logger.Error("Partial close repair failed", "key", key.String(), "error", err)
		s.store.Update(key, func(p *core.PositionState) {
			p.ProblemClosed = true
		})
		if s.metrics != nil {
			s.metrics.PartialCloseRepairs.WithLabelValues(key.User, "failed").Inc()
		}
		return
	}

	if s.metrics != nil {
		s.metrics.PartialCloseRepairs.WithLabelValues(key.User, "ok").Inc()
	}
	if s.notifier != nil {
		s.notifier.TradeEvent(ctx, "Partial close repaired",
			fmt.Sprintf("%s %s: compensating %s at market", key.Symbol, key.Side, remaining),
			map[string]string{"user": key.User, "symbol": key.Symbol})
	}
}

// handleFullClose reports realized PnL, sweeps risk orders and resets the slot
func (s *Syncer) handleFullClose(ctx context.Context, gateway core.IExchangeGateway, key core.PositionKey, snap core.PositionState) {
	closedAt := time.Now().UnixMilli()

	pnl, commission, err := gateway.RealizedPnL(ctx, key.Symbol, key.Side, snap.OpenedAt, closedAt)
	if err != nil {
		s.logger.Warn("Realized PnL lookup failed", "key", key.String(), "error", err)
	} else {
		report := core.PnLReport{
			User:       key.User,
			Symbol:     key.Symbol,
			Side:       key.Side,
			Pnl:        pnl,
			Commission: commission,
			OpenedAt:   snap.OpenedAt,
			ClosedAt:   closedAt,
		}
		if notional := snap.Qty.Mul(snap.AvgPrice); notional.IsPositive() {
			report.PnlPct = pnl.Div(notional).Mul(decimal.NewFromInt(100))
		}
		s.logger.Info("Position closed",
			"key", key.String(), "pnl", pnl, "commission", commission)
		if s.notifier != nil {
			s.notifier.PnLReport(ctx, report)
		}
	}

	if swept, cancelErr := gateway.CancelRiskOrders(ctx, key.Symbol, key.Side); cancelErr != nil || !swept {
		s.logger.Warn("Risk order sweep after close incomplete",
			"key", key.String(), "error", cancelErr)
	}

	s.store.Reset(key)
}
