// Package feed maintains last-trade prices from the exchange stream
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/core"
	apperrors "grid_trader/pkg/errors"
	"grid_trader/pkg/retry"
	"grid_trader/pkg/telemetry"

	"github.com/shopspring/decimal"
)

// restFallbackPolicy retries the synchronous price lookup when the stream
// has not produced a price yet
var restFallbackPolicy = retry.RetryPolicy{
	MaxAttempts: 5,
	FixedDelay:  200 * time.Millisecond,
}

// Feed implements core.IPriceFeed. Stream writes are point updates under a
// short lock; readers never block on network I/O unless the cache is empty.
type Feed struct {
	gateway core.IExchangeGateway // market-data gateway, shared across users
	symbols []string
	logger  core.ILogger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	prices map[string]decimal.Decimal
}

// New creates a price feed for the given symbols
func New(gateway core.IExchangeGateway, symbols []string, logger core.ILogger, metrics *telemetry.Metrics) *Feed {
	return &Feed{
		gateway: gateway,
		symbols: symbols,
		logger:  logger.WithField("component", "price_feed"),
		prices:  make(map[string]decimal.Decimal),
		metrics: metrics,
	}
}

// Run subscribes to the aggregate-trade streams and blocks until ctx is done
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("Starting price feed", "symbols", len(f.symbols))

	if err := f.gateway.StartTradeStream(ctx, f.symbols, f.HandleTrade); err != nil {
		return fmt.Errorf("failed to start trade stream: %w", err)
	}

	<-ctx.Done()
	if err := f.gateway.StopTradeStream(); err != nil {
		f.logger.Warn("Trade stream stop failed", "error", err)
	}
	f.logger.Info("Price feed stopped")
	return nil
}

// HandleTrade records the last trade price for a symbol. Non-positive prices
// are dropped.
func (f *Feed) HandleTrade(symbol string, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}

	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()

	if f.metrics != nil {
		value, _ := price.Float64()
		f.metrics.LastPrice.WithLabelValues(symbol).Set(value)
	}
}

// LastPrice returns the cached stream price, if any
func (f *Feed) LastPrice(symbol string) (decimal.Decimal, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	price, ok := f.prices[symbol]
	return price, ok
}

// Price returns the cached price, falling back to a REST lookup when the
// stream has not delivered one yet. The fallback is retried a few times;
// a final failure means the caller must abort its current intent.
func (f *Feed) Price(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := f.LastPrice(symbol); ok {
		return price, nil
	}

	price, err := retry.DoValue(ctx, restFallbackPolicy, apperrors.IsTransient, func() (decimal.Decimal, error) {
		p, err := f.gateway.LatestPrice(ctx, symbol)
		if err != nil {
			return decimal.Zero, err
		}
		if !p.IsPositive() {
			return decimal.Zero, apperrors.ErrPriceUnavailable
		}
		return p, nil
	})
	if err != nil {
		f.logger.Warn("Price lookup failed", "symbol", symbol, "error", err)
		return decimal.Zero, fmt.Errorf("%w: %s", apperrors.ErrPriceUnavailable, symbol)
	}

	f.HandleTrade(symbol, price)
	return price, nil
}
