package feed

import (
	"context"
	"testing"
	"time"

	"grid_trader/internal/logging"
	"grid_trader/internal/mock"
	apperrors "grid_trader/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeed_HandleTrade(t *testing.T) {
	f := New(mock.NewGateway(), []string{"BTCUSDT"}, logging.NopLogger{}, nil)

	f.HandleTrade("BTCUSDT", decimal.NewFromFloat(1.0091))
	price, ok := f.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.0091)))

	// Non-positive prices are dropped
	f.HandleTrade("BTCUSDT", decimal.Zero)
	price, _ = f.LastPrice("BTCUSDT")
	assert.True(t, price.Equal(decimal.NewFromFloat(1.0091)))
}

func TestFeed_PricePrefersCache(t *testing.T) {
	gateway := mock.NewGateway()
	gateway.Prices["BTCUSDT"] = decimal.NewFromFloat(2.0)
	f := New(gateway, []string{"BTCUSDT"}, logging.NopLogger{}, nil)

	f.HandleTrade("BTCUSDT", decimal.NewFromFloat(1.5))

	price, err := f.Price(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.5)), "cached stream price wins over REST")
}

func TestFeed_PriceRESTFallback(t *testing.T) {
	gateway := mock.NewGateway()
	gateway.Prices["ETHUSDT"] = decimal.NewFromFloat(3000)
	f := New(gateway, []string{"ETHUSDT"}, logging.NopLogger{}, nil)

	price, err := f.Price(context.Background(), "ETHUSDT")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.NewFromFloat(3000)))

	// The fallback result is cached for subsequent reads
	cached, ok := f.LastPrice("ETHUSDT")
	require.True(t, ok)
	assert.True(t, cached.Equal(decimal.NewFromFloat(3000)))
}

func TestFeed_PriceUnavailable(t *testing.T) {
	gateway := mock.NewGateway()
	// No scripted price: LatestPrice returns zero, which is not usable
	f := New(gateway, []string{"XRPUSDT"}, logging.NopLogger{}, nil)

	_, err := f.Price(context.Background(), "XRPUSDT")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrPriceUnavailable)
}

func TestFeed_StreamUpdatesCache(t *testing.T) {
	gateway := mock.NewGateway()
	f := New(gateway, []string{"BTCUSDT"}, logging.NopLogger{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.Run(ctx) }()

	// Wait for the stream subscription to land, then push a trade
	for i := 0; i < 100; i++ {
		gateway.PushTrade("BTCUSDT", decimal.NewFromFloat(1.23))
		if _, ok := f.LastPrice("BTCUSDT"); ok {
			break
		}
		time.Sleep(time.Millisecond)
	}

	price, ok := f.LastPrice("BTCUSDT")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.NewFromFloat(1.23)))

	cancel()
	require.NoError(t, <-done)
}
