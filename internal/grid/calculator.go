// Package grid implements the averaging-grid arithmetic
package grid

import (
	"sync"

	"grid_trader/internal/config"
	"grid_trader/internal/core"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Step is one averaging step: indent percent from the logical entry
// (negative for drawdown) and the relative volume share of the step
type Step struct {
	Indent decimal.Decimal
	Volume decimal.Decimal
}

// Calculator precomputes cumulative step notionals for one
// (margin, leverage, grid) combination
type Calculator struct {
	steps []Step
	cum   []decimal.Decimal
}

// NewCalculator builds a calculator. base notional is margin x leverage;
// each step contributes volume percent of it.
func NewCalculator(marginSize, leverage decimal.Decimal, steps []Step) *Calculator {
	base := marginSize.Mul(leverage)
	cum := make([]decimal.Decimal, len(steps))
	running := decimal.Zero
	for i, step := range steps {
		running = running.Add(base.Mul(step.Volume).Div(hundred))
		cum[i] = running
	}
	return &Calculator{steps: steps, cum: cum}
}

// Steps returns the configured grid steps
func (c *Calculator) Steps() []Step {
	return c.steps
}

// CumulativeNotional returns the expected notional after k steps, 1-based
func (c *Calculator) CumulativeNotional(k int) decimal.Decimal {
	if k < 1 || k > len(c.cum) {
		return decimal.Zero
	}
	return c.cum[k-1]
}

// EstimateProgress infers how many grid steps have executed from the
// exchange-reported notional: the 1-based k minimising the distance between
// expected and actual. Non-positive notionals map to step 1.
func (c *Calculator) EstimateProgress(actualNotional decimal.Decimal) int {
	if !actualNotional.IsPositive() || len(c.cum) == 0 {
		return 1
	}

	best := 1
	bestDist := c.cum[0].Sub(actualNotional).Abs()
	for k := 2; k <= len(c.cum); k++ {
		dist := c.cum[k-1].Sub(actualNotional).Abs()
		if dist.LessThan(bestDist) {
			best = k
			bestDist = dist
		}
	}
	return best
}

// ReconstructEntryPrice backs out the first-step price from the exchange's
// volume-weighted average, assuming the first `progress` steps filled exactly
// at their configured indents. Returns false when a step factor is not
// positive (the assumption breaks down).
func (c *Calculator) ReconstructEntryPrice(avgPrice decimal.Decimal, progress int, side core.Side) (decimal.Decimal, bool) {
	if !avgPrice.IsPositive() || len(c.steps) == 0 {
		return decimal.Zero, false
	}

	used := progress
	if used > len(c.steps) {
		used = len(c.steps)
	}
	if used < 1 {
		used = 1
	}

	one := decimal.NewFromInt(1)
	sumVolume := decimal.Zero
	sumWeighted := decimal.Zero
	for _, step := range c.steps[:used] {
		indent := step.Indent.Div(hundred)
		var factor decimal.Decimal
		if side == core.SideLong {
			factor = one.Add(indent)
		} else {
			factor = one.Sub(indent)
		}
		if !factor.IsPositive() {
			return decimal.Zero, false
		}
		sumVolume = sumVolume.Add(step.Volume)
		sumWeighted = sumWeighted.Add(step.Volume.Div(factor))
	}
	if !sumVolume.IsPositive() {
		return decimal.Zero, false
	}

	return avgPrice.Mul(sumWeighted).Div(sumVolume), true
}

// Book holds the calculator for every tracked position slot, built once at
// startup from the static configuration
type Book struct {
	mu    sync.RWMutex
	calcs map[core.PositionKey]*Calculator
}

// NewBook creates an empty book
func NewBook() *Book {
	return &Book{calcs: make(map[core.PositionKey]*Calculator)}
}

// Put registers a calculator for a slot
func (b *Book) Put(key core.PositionKey, calc *Calculator) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calcs[key] = calc
}

// Get returns the calculator for a slot
func (b *Book) Get(key core.PositionKey) (*Calculator, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	calc, ok := b.calcs[key]
	return calc, ok
}

// StepsFromConfig converts configured indent/volume floats to decimal steps
func StepsFromConfig(raw []config.GridStepConfig) []Step {
	steps := make([]Step, 0, len(raw))
	for _, r := range raw {
		steps = append(steps, Step{
			Indent: decimal.NewFromFloat(r.Indent),
			Volume: decimal.NewFromFloat(r.Volume),
		})
	}
	return steps
}

// BuildBook constructs the calculator book for every (user, strategy, symbol,
// side) combination declared in the configuration
func BuildBook(cfg *config.Config) *Book {
	book := NewBook()
	for userName, user := range cfg.Users {
		for strategyName := range user.Strategies {
			strategy := cfg.Strategies[strategyName]
			steps := StepsFromConfig(strategy.GridOrders)
			for _, symbol := range user.SymbolsForStrategy(strategyName) {
				risk, ok := user.RiskFor(symbol)
				if !ok {
					continue
				}
				calc := NewCalculator(
					decimal.NewFromFloat(risk.MarginSize),
					decimal.NewFromInt(int64(risk.Leverage)),
					steps,
				)
				for _, side := range core.Sides {
					book.Put(core.PositionKey{
						User:     userName,
						Strategy: strategyName,
						Symbol:   symbol,
						Side:     side,
					}, calc)
				}
			}
		}
	}
	return book
}
