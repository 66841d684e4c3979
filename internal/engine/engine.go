// Package engine runs the main decision loop: risk evaluation, entry signals
// and intent dispatch
package engine

import (
	"context"
	"sort"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"
)

// syncState gates trading on the first completed reconciliation cycle
type syncState interface {
	FirstSyncDone(user string) bool
}

// riskEvaluator produces at most one risk intent per slot per tick
type riskEvaluator interface {
	Evaluate(key core.PositionKey) *core.TradeIntent
}

// signalSource produces the open intents due this tick
type signalSource interface {
	Collect() []core.TradeIntent
}

// dispatcher executes one batch of intents and returns when all are done
type dispatcher interface {
	Dispatch(ctx context.Context, intents []core.TradeIntent)
}

// Engine drives one decision tick per cycle interval. Risk intents are
// dispatched before open intents from the same tick, and both batches wait
// for completion before the next tick begins.
type Engine struct {
	store    *store.Store
	gateways map[string]core.IExchangeGateway
	sync     syncState
	monitor  riskEvaluator
	signals  signalSource
	pipeline dispatcher
	grids    *grid.Book
	cfg      *config.Config
	logger   core.ILogger
	metrics  *telemetry.Metrics

	cycleInterval    time.Duration
	metadataInterval time.Duration
}

// New creates the decision loop
func New(
	positionStore *store.Store,
	gateways map[string]core.IExchangeGateway,
	sync syncState,
	monitor riskEvaluator,
	signals signalSource,
	pipeline dispatcher,
	grids *grid.Book,
	cfg *config.Config,
	logger core.ILogger,
	metrics *telemetry.Metrics,
) *Engine {
	return &Engine{
		store:            positionStore,
		gateways:         gateways,
		sync:             sync,
		monitor:          monitor,
		signals:          signals,
		pipeline:         pipeline,
		grids:            grids,
		cfg:              cfg,
		logger:           logger.WithField("component", "decision_loop"),
		metrics:          metrics,
		cycleInterval:    time.Duration(cfg.System.CycleIntervalSec) * time.Second,
		metadataInterval: time.Duration(cfg.System.MetadataRefreshSec) * time.Second,
	}
}

// Run executes decision ticks until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("Starting decision loop", "cycle", e.cycleInterval)

	ticker := time.NewTicker(e.cycleInterval)
	defer ticker.Stop()
	metadata := time.NewTicker(e.metadataInterval)
	defer metadata.Stop()

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Decision loop stopped")
			return nil
		case <-metadata.C:
			e.refreshMetadata(ctx)
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one decision iteration
func (e *Engine) Tick(ctx context.Context) {
	riskIntents := e.collectRiskIntents()
	openIntents := e.collectOpenIntents()

	// Risk first: a close for a slot must hit the exchange before any open
	// from the same tick
	if len(riskIntents) > 0 {
		e.pipeline.Dispatch(ctx, riskIntents)
	}
	if len(openIntents) > 0 {
		e.pipeline.Dispatch(ctx, openIntents)
	}
}

func (e *Engine) collectRiskIntents() []core.TradeIntent {
	var intents []core.TradeIntent
	for _, userName := range e.syncedUsers() {
		keys := e.store.UserKeys(userName)
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, key := range keys {
			if intent := e.monitor.Evaluate(key); intent != nil {
				intents = append(intents, *intent)
				if e.metrics != nil {
					e.metrics.IntentsEmitted.WithLabelValues(key.User, string(intent.Kind)).Inc()
				}
			}
		}
	}
	return intents
}

func (e *Engine) collectOpenIntents() []core.TradeIntent {
	var intents []core.TradeIntent
	for _, intent := range e.signals.Collect() {
		if !e.sync.FirstSyncDone(intent.User) {
			continue
		}
		// Stage the first grid step's volume share for the pipeline
		key := intent.Key()
		if calc, ok := e.grids.Get(key); ok {
			steps := calc.Steps()
			if len(steps) > 0 {
				e.store.Update(key, func(p *core.PositionState) {
					p.ProcessVolume = steps[0].Volume
				})
			}
		}
		intents = append(intents, intent)
	}
	return intents
}

func (e *Engine) syncedUsers() []string {
	users := make([]string, 0, len(e.cfg.Users))
	for userName := range e.cfg.Users {
		if e.sync.FirstSyncDone(userName) {
			users = append(users, userName)
		}
	}
	sort.Strings(users)
	return users
}

// refreshMetadata re-fetches symbol precisions. Symbols that disappear from
// the exchange are logged; slots are only dropped at startup.
func (e *Engine) refreshMetadata(ctx context.Context) {
	gatewayNames := make([]string, 0, len(e.gateways))
	for name := range e.gateways {
		gatewayNames = append(gatewayNames, name)
	}
	sort.Strings(gatewayNames)
	if len(gatewayNames) == 0 {
		return
	}

	info, err := e.gateways[gatewayNames[0]].FetchExchangeInfo(ctx)
	if err != nil {
		e.logger.Warn("Exchange metadata refresh failed", "error", err)
		return
	}

	for _, symbol := range e.cfg.AllSymbols() {
		precision, ok := info[symbol]
		if !ok {
			e.logger.Warn("Symbol missing from exchange metadata", "symbol", symbol)
			continue
		}
		e.store.SetPrecision(symbol, precision)
	}
	e.logger.Debug("Exchange metadata refreshed", "symbols", len(info))
}
