package signal

import (
	"testing"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/logging"
	"grid_trader/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signalFixture struct {
	engine *Engine
	store  *store.Store
	cfg    *config.Config
	clock  time.Time
}

func newSignalFixture(t *testing.T, cfg *config.Config) *signalFixture {
	t.Helper()
	positionStore := store.New()
	for userName, user := range cfg.Users {
		for strategyName := range user.Strategies {
			for _, symbol := range user.SymbolsForStrategy(strategyName) {
				for _, side := range core.Sides {
					positionStore.Init(core.PositionKey{
						User: userName, Strategy: strategyName, Symbol: symbol, Side: side,
					})
				}
			}
		}
	}

	f := &signalFixture{
		engine: New(positionStore, cfg, logging.NopLogger{}, nil),
		store:  positionStore,
		cfg:    cfg,
		// Aligned to a 5m boundary so bucket arithmetic is predictable
		clock: time.Unix(1700000100, 0),
	}
	f.engine.now = func() time.Time { return f.clock }
	return f
}

func (f *signalFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func TestEngine_FirstBucketRecordsWithoutFiring(t *testing.T) {
	f := newSignalFixture(t, config.DefaultConfig())

	assert.Empty(t, f.engine.Collect(), "mid-candle startup must not trade")
}

func TestEngine_FiresOncePerBoundary(t *testing.T) {
	f := newSignalFixture(t, config.DefaultConfig())
	f.engine.Collect()

	f.advance(5 * time.Minute)
	intents := f.engine.Collect()
	require.Len(t, intents, 2, "one intent per allowed side")
	for _, intent := range intents {
		assert.Equal(t, core.IntentOpen, intent.Kind)
		assert.Equal(t, "BTCUSDT", intent.Symbol)
	}

	// Same bucket, later tick: nothing new
	f.advance(time.Second)
	assert.Empty(t, f.engine.Collect())

	// Next boundary fires again
	f.advance(5 * time.Minute)
	assert.Len(t, f.engine.Collect(), 2)
}

func TestEngine_InPositionSuppressesSignal(t *testing.T) {
	f := newSignalFixture(t, config.DefaultConfig())
	f.engine.Collect()

	key := core.PositionKey{User: "user_a", Strategy: "grid_5m", Symbol: "BTCUSDT", Side: core.SideLong}
	f.store.Update(key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = decimal.NewFromInt(27)
	})

	f.advance(5 * time.Minute)
	intents := f.engine.Collect()
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideShort, intents[0].Side)
}

func TestEngine_DirectionMaskFiltersSides(t *testing.T) {
	cfg := config.DefaultConfig()
	user := cfg.Users["user_a"]
	user.Direction = config.DirectionLong
	cfg.Users["user_a"] = user

	f := newSignalFixture(t, cfg)
	f.engine.Collect()

	f.advance(5 * time.Minute)
	intents := f.engine.Collect()
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideLong, intents[0].Side)
}

func TestEngine_CapEnforcedAgainstLivePositions(t *testing.T) {
	cfg := config.DefaultConfig()
	user := cfg.Users["user_a"]
	user.LongPositionsLimit = 1
	user.Direction = config.DirectionLong
	user.Strategies = map[string][]string{"grid_5m": {"BTC", "ETH"}}
	cfg.Users["user_a"] = user

	f := newSignalFixture(t, cfg)
	f.engine.Collect()

	f.store.Update(core.PositionKey{
		User: "user_a", Strategy: "grid_5m", Symbol: "ETHUSDT", Side: core.SideLong,
	}, func(p *core.PositionState) { p.InPosition = true })

	f.advance(5 * time.Minute)
	assert.Empty(t, f.engine.Collect(), "the live ETH position fills the cap of 1")
}

func TestEngine_CapEnforcedWithinOneTick(t *testing.T) {
	// Two symbols fire on the same boundary but the cap admits only one
	cfg := config.DefaultConfig()
	user := cfg.Users["user_a"]
	user.LongPositionsLimit = 1
	user.Direction = config.DirectionLong
	user.Strategies = map[string][]string{"grid_5m": {"BTC", "ETH"}}
	cfg.Users["user_a"] = user

	f := newSignalFixture(t, cfg)
	f.engine.Collect()

	f.advance(5 * time.Minute)
	intents := f.engine.Collect()
	require.Len(t, intents, 1)
	assert.Equal(t, core.SideLong, intents[0].Side)
}

func TestEngine_ZeroCapMeansUnlimited(t *testing.T) {
	cfg := config.DefaultConfig()
	user := cfg.Users["user_a"]
	user.LongPositionsLimit = 0
	user.Direction = config.DirectionLong
	user.Strategies = map[string][]string{"grid_5m": {"BTC", "ETH", "SOL"}}
	cfg.Users["user_a"] = user

	f := newSignalFixture(t, cfg)
	f.engine.Collect()

	f.advance(5 * time.Minute)
	assert.Len(t, f.engine.Collect(), 3)
}

func TestEngine_IndependentTimeframes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Strategies["grid_1m"] = config.StrategyConfig{
		Timeframe:  "1m",
		GridOrders: []config.GridStepConfig{{Indent: 0, Volume: 10}},
	}
	user := cfg.Users["user_a"]
	user.Direction = config.DirectionLong
	user.Strategies = map[string][]string{
		"grid_5m": {"BTC"},
		"grid_1m": {"ETH"},
	}
	cfg.Users["user_a"] = user

	f := newSignalFixture(t, cfg)
	f.engine.Collect()

	// One minute later only the 1m strategy has closed a candle
	f.advance(time.Minute)
	intents := f.engine.Collect()
	require.Len(t, intents, 1)
	assert.Equal(t, "ETHUSDT", intents[0].Symbol)
	assert.Equal(t, "grid_1m", intents[0].Strategy)
}
