// Package signal generates timeframe-boundary entry signals and enforces
// per-user position caps
package signal

import (
	"sort"
	"sync"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/store"
	"grid_trader/pkg/telemetry"
)

type bucketKey struct {
	Strategy string
	Symbol   string
}

// Engine emits at most one open intent per slot per closed timeframe bucket.
// It tracks the last emitted bucket index per (strategy, symbol); the first
// bucket ever observed is recorded without firing so the engine never trades
// into a candle that was already underway at startup.
type Engine struct {
	store   *store.Store
	cfg     *config.Config
	logger  core.ILogger
	metrics *telemetry.Metrics

	mu         sync.Mutex
	lastBucket map[bucketKey]int64

	// test hook, defaults to time.Now
	now func() time.Time
}

// New creates a signal engine
func New(positionStore *store.Store, cfg *config.Config, logger core.ILogger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		store:      positionStore,
		cfg:        cfg,
		logger:     logger.WithField("component", "signal_engine"),
		metrics:    metrics,
		lastBucket: make(map[bucketKey]int64),
		now:        time.Now,
	}
}

// Collect evaluates every configured slot once and returns the open intents
// due this tick. Caps are enforced against the live position count plus the
// intents already emitted in this call, so one tick can never oversubscribe
// a user's limit.
func (e *Engine) Collect() []core.TradeIntent {
	now := e.now()
	fired := e.firedBuckets(now)
	if len(fired) == 0 {
		return nil
	}

	var intents []core.TradeIntent

	users := make([]string, 0, len(e.cfg.Users))
	for name := range e.cfg.Users {
		users = append(users, name)
	}
	sort.Strings(users)

	for _, userName := range users {
		user := e.cfg.Users[userName]

		// Running counts for this tick, seeded from the store
		counts := map[core.Side]int{
			core.SideLong:  e.store.ActiveCount(userName, core.SideLong),
			core.SideShort: e.store.ActiveCount(userName, core.SideShort),
		}
		caps := map[core.Side]int{
			core.SideLong:  user.LongPositionsLimit,
			core.SideShort: user.ShortPositionsLimit,
		}

		strategies := make([]string, 0, len(user.Strategies))
		for name := range user.Strategies {
			strategies = append(strategies, name)
		}
		sort.Strings(strategies)

		for _, strategyName := range strategies {
			for _, symbol := range user.SymbolsForStrategy(strategyName) {
				if !fired[bucketKey{Strategy: strategyName, Symbol: symbol}] {
					continue
				}
				for _, side := range core.Sides {
					if side == core.SideLong && !user.AllowsLong() {
						continue
					}
					if side == core.SideShort && !user.AllowsShort() {
						continue
					}

					key := core.PositionKey{User: userName, Strategy: strategyName, Symbol: symbol, Side: side}
					snap, ok := e.store.Get(key)
					if !ok || snap.InPosition {
						continue
					}
					if caps[side] > 0 && counts[side] >= caps[side] {
						continue
					}

					counts[side]++
					intents = append(intents, core.TradeIntent{
						Kind: core.IntentOpen, User: userName, Strategy: strategyName,
						Symbol: symbol, Side: side,
					})
					e.logger.Info("Open signal",
						"key", key.String(), "active", counts[side], "cap", caps[side])
					if e.metrics != nil {
						e.metrics.IntentsEmitted.WithLabelValues(userName, string(core.IntentOpen)).Inc()
					}
				}
			}
		}
	}

	return intents
}

// firedBuckets advances the bucket tracker for every traded (strategy, symbol)
// and reports which pairs crossed a timeframe boundary this tick
func (e *Engine) firedBuckets(now time.Time) map[bucketKey]bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	fired := make(map[bucketKey]bool)
	for _, user := range e.cfg.Users {
		for strategyName := range user.Strategies {
			strategy, ok := e.cfg.Strategies[strategyName]
			if !ok {
				continue
			}
			tf, err := strategy.TimeframeDuration()
			if err != nil || tf <= 0 {
				continue
			}
			bucket := now.Unix() / int64(tf.Seconds())

			for _, symbol := range user.SymbolsForStrategy(strategyName) {
				k := bucketKey{Strategy: strategyName, Symbol: symbol}
				last, seen := e.lastBucket[k]
				if !seen {
					// Mid-candle startup: record and wait for the next close
					e.lastBucket[k] = bucket
					continue
				}
				if bucket > last {
					e.lastBucket[k] = bucket
					fired[k] = true
				}
			}
		}
	}
	return fired
}
