package risk

import (
	"context"
	"fmt"
	"testing"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/grid"
	"grid_trader/internal/logging"
	"grid_trader/internal/store"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(f float64) decimal.Decimal { return decimal.NewFromFloat(f) }

// stubFeed serves fixed cached prices without any gateway
type stubFeed struct {
	prices map[string]decimal.Decimal
}

func (s *stubFeed) LastPrice(symbol string) (decimal.Decimal, bool) {
	p, ok := s.prices[symbol]
	return p, ok
}

func (s *stubFeed) Price(_ context.Context, symbol string) (decimal.Decimal, error) {
	p, ok := s.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no price for %s", symbol)
	}
	return p, nil
}

type monitorFixture struct {
	monitor *Monitor
	store   *store.Store
	feed    *stubFeed
	key     core.PositionKey
}

func newMonitorFixture(t *testing.T) *monitorFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	positionStore := store.New()
	feed := &stubFeed{prices: make(map[string]decimal.Decimal)}

	key := core.PositionKey{User: "user_a", Strategy: "grid_5m", Symbol: "BTCUSDT", Side: core.SideLong}
	positionStore.Init(key)

	monitor := NewMonitor(positionStore, feed, grid.BuildBook(cfg), cfg, logging.NopLogger{}, nil)
	return &monitorFixture{monitor: monitor, store: positionStore, feed: feed, key: key}
}

func (f *monitorFixture) openPosition(qty, avg, entry float64) {
	f.store.Update(f.key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = dec(qty)
		p.AvgPrice = dec(avg)
		p.EntryPrice = dec(entry)
		p.OpenedAt = 1700000000000
	})
}

func TestMonitor_NoPositionNoIntent(t *testing.T) {
	f := newMonitorFixture(t)
	f.feed.prices["BTCUSDT"] = dec(1.0)

	assert.Nil(t, f.monitor.Evaluate(f.key))
}

func TestMonitor_NoPriceNoIntent(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)

	assert.Nil(t, f.monitor.Evaluate(f.key))
}

func TestMonitor_FallbackTPFires(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)
	// Default fallback_tp is 0.9%; 1.0091 is +0.91%
	f.feed.prices["BTCUSDT"] = dec(1.0091)

	intent := f.monitor.Evaluate(f.key)
	require.NotNil(t, intent)
	assert.Equal(t, core.IntentClose, intent.Kind)
	assert.Equal(t, f.key, intent.Key())

	state, _ := f.store.Get(f.key)
	assert.True(t, state.TakeProfitFired)
}

func TestMonitor_FallbackTPBelowThreshold(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)
	f.feed.prices["BTCUSDT"] = dec(1.0089) // +0.89% < 0.9%

	assert.Nil(t, f.monitor.Evaluate(f.key))
	state, _ := f.store.Get(f.key)
	assert.False(t, state.TakeProfitFired)
}

func TestMonitor_FallbackTPIdempotent(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)
	f.feed.prices["BTCUSDT"] = dec(1.02)

	require.NotNil(t, f.monitor.Evaluate(f.key))

	// Price keeps climbing but the flag is sticky until full close
	f.feed.prices["BTCUSDT"] = dec(1.05)
	assert.Nil(t, f.monitor.Evaluate(f.key))
	assert.Nil(t, f.monitor.Evaluate(f.key))
}

func TestMonitor_AveragingStepFires(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)
	// Second grid step of the default config sits at -8%
	f.feed.prices["BTCUSDT"] = dec(0.92)

	intent := f.monitor.Evaluate(f.key)
	require.NotNil(t, intent)
	assert.Equal(t, core.IntentAverage, intent.Kind)

	state, _ := f.store.Get(f.key)
	assert.Equal(t, 2, state.ProgressCounter)
	assert.True(t, state.ProcessVolume.Equal(dec(11.57)))
}

func TestMonitor_AveragingNotYetAtIndent(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(27, 1.0, 1.0)
	f.feed.prices["BTCUSDT"] = dec(0.925) // -7.5% > -8%

	assert.Nil(t, f.monitor.Evaluate(f.key))
	state, _ := f.store.Get(f.key)
	assert.Equal(t, 1, state.ProgressCounter)
}

func TestMonitor_AveragingMeasuredAgainstEntry(t *testing.T) {
	f := newMonitorFixture(t)
	// Averaged once already: avg moved to 0.96 but the logical entry is 1.0.
	// The third step (-16%) fires on entry PnL, not avg PnL.
	f.openPosition(59, 0.96, 1.0)
	f.store.Update(f.key, func(p *core.PositionState) { p.ProgressCounter = 2 })

	f.feed.prices["BTCUSDT"] = dec(0.85) // -15% vs avg 0.96 is ~-11.5%, vs entry -15%
	assert.Nil(t, f.monitor.Evaluate(f.key), "-15% against entry has not reached -16%")

	f.feed.prices["BTCUSDT"] = dec(0.84) // -16% against entry
	intent := f.monitor.Evaluate(f.key)
	require.NotNil(t, intent)
	assert.Equal(t, core.IntentAverage, intent.Kind)

	state, _ := f.store.Get(f.key)
	assert.Equal(t, 3, state.ProgressCounter)
	assert.True(t, state.ProcessVolume.Equal(dec(12.73)))
}

func TestMonitor_GridExhausted(t *testing.T) {
	f := newMonitorFixture(t)
	f.openPosition(90, 0.9, 1.0)
	f.store.Update(f.key, func(p *core.PositionState) { p.ProgressCounter = 3 })
	f.feed.prices["BTCUSDT"] = dec(0.5)

	assert.Nil(t, f.monitor.Evaluate(f.key), "no steps left, no intent")
}

func TestMonitor_ShortSideSigns(t *testing.T) {
	cfg := config.DefaultConfig()
	positionStore := store.New()
	feed := &stubFeed{prices: map[string]decimal.Decimal{"BTCUSDT": dec(0.99)}}
	key := core.PositionKey{User: "user_a", Strategy: "grid_5m", Symbol: "BTCUSDT", Side: core.SideShort}
	positionStore.Init(key)
	positionStore.Update(key, func(p *core.PositionState) {
		p.InPosition = true
		p.Qty = dec(27)
		p.AvgPrice = dec(1.0)
		p.EntryPrice = dec(1.0)
	})

	monitor := NewMonitor(positionStore, feed, grid.BuildBook(cfg), cfg, logging.NopLogger{}, nil)

	// SHORT profits when price falls: -1% move is +1% PnL >= 0.9%
	intent := monitor.Evaluate(key)
	require.NotNil(t, intent)
	assert.Equal(t, core.IntentClose, intent.Kind)
}
