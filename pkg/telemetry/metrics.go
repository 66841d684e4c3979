// Package telemetry exposes Prometheus metrics for the trading engine
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every engine metric under one registry
type Metrics struct {
	Registry *prometheus.Registry

	SyncCycles          *prometheus.CounterVec
	SyncErrors          *prometheus.CounterVec
	IntentsEmitted      *prometheus.CounterVec
	IntentsExecuted     *prometheus.CounterVec
	IntentsAborted      *prometheus.CounterVec
	OrderFailures       *prometheus.CounterVec
	PartialCloseRepairs *prometheus.CounterVec
	FallbackTPFires     *prometheus.CounterVec
	RiskOrdersPlaced    *prometheus.CounterVec
	RiskOrdersCanceled  *prometheus.CounterVec
	PositionWaitTimeout *prometheus.CounterVec
	ActivePositions     *prometheus.GaugeVec
	LastPrice           *prometheus.GaugeVec
}

// New creates the engine metrics on a fresh registry
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,

		SyncCycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "position_sync_cycles_total",
			Help: "Completed position reconciliation cycles per user",
		}, []string{"user"}),
		SyncErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "position_sync_errors_total",
			Help: "Failed position reconciliation cycles per user",
		}, []string{"user"}),
		IntentsEmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_intents_emitted_total",
			Help: "Trade intents produced by the decision loop",
		}, []string{"user", "kind"}),
		IntentsExecuted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_intents_executed_total",
			Help: "Trade intents that resulted in a submitted market order",
		}, []string{"user", "kind"}),
		IntentsAborted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "trade_intents_aborted_total",
			Help: "Trade intents dropped before order submission",
		}, []string{"user", "kind", "reason"}),
		OrderFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "order_failures_total",
			Help: "Exchange order submissions that returned an error",
		}, []string{"user", "type"}),
		PartialCloseRepairs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "partial_close_repairs_total",
			Help: "Compensating market orders issued after a partial close",
		}, []string{"user", "result"}),
		FallbackTPFires: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fallback_tp_fires_total",
			Help: "Fallback take-profit triggers evaluated in-engine",
		}, []string{"user"}),
		RiskOrdersPlaced: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_orders_placed_total",
			Help: "Broker-held TP/SL orders placed",
		}, []string{"user", "kind"}),
		RiskOrdersCanceled: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "risk_orders_canceled_total",
			Help: "Broker-held TP/SL cancel sweeps",
		}, []string{"user", "result"}),
		PositionWaitTimeout: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "position_wait_timeouts_total",
			Help: "Position-update waits that expired without confirmation",
		}, []string{"user"}),
		ActivePositions: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "active_positions",
			Help: "Open positions currently tracked",
		}, []string{"user", "side"}),
		LastPrice: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "last_trade_price",
			Help: "Last trade price observed on the stream",
		}, []string{"symbol"}),
	}
}
