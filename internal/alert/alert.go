// Package alert fans trading events out to operator-facing channels
package alert

import (
	"context"
	"fmt"
	"sync"
	"time"

	"grid_trader/internal/core"
)

type AlertLevel string

const (
	Info     AlertLevel = "INFO"
	Warning  AlertLevel = "WARNING"
	Error    AlertLevel = "ERROR"
	Critical AlertLevel = "CRITICAL"
)

type AlertPayload struct {
	Level     AlertLevel
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

type AlertChannel interface {
	Send(ctx context.Context, alert AlertPayload) error
	Name() string
}

// Manager fans alerts out to every registered channel. Delivery is
// asynchronous; the trading path never blocks on a notifier.
type Manager struct {
	channels []AlertChannel
	logger   core.ILogger
	mu       sync.RWMutex
}

// NewManager creates an alert manager with no channels
func NewManager(logger core.ILogger) *Manager {
	return &Manager{
		channels: make([]AlertChannel, 0),
		logger:   logger.WithField("component", "alert_manager"),
	}
}

// AddChannel registers a delivery channel
func (m *Manager) AddChannel(ch AlertChannel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Added alert channel", "name", ch.Name())
}

// Alert delivers a payload to every channel without waiting
func (m *Manager) Alert(ctx context.Context, title, message string, level AlertLevel, fields map[string]string) {
	payload := AlertPayload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, ch := range m.channels {
		go func(c AlertChannel) {
			timeoutCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			if err := c.Send(timeoutCtx, payload); err != nil {
				m.logger.Error("Failed to send alert", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// TradeEvent implements core.INotifier
func (m *Manager) TradeEvent(ctx context.Context, title, message string, fields map[string]string) {
	m.Alert(ctx, title, message, Info, fields)
}

// PnLReport implements core.INotifier
func (m *Manager) PnLReport(ctx context.Context, report core.PnLReport) {
	fields := map[string]string{
		"user":       report.User,
		"symbol":     report.Symbol,
		"side":       string(report.Side),
		"pnl":        report.Pnl.StringFixed(4),
		"commission": report.Commission.StringFixed(4),
		"pnl_pct":    report.PnlPct.StringFixed(2) + "%",
	}
	message := fmt.Sprintf("%s %s closed: %s USDT (%s%%)",
		report.Symbol, report.Side, report.Pnl.StringFixed(4), report.PnlPct.StringFixed(2))

	level := Info
	if report.Pnl.IsNegative() {
		level = Warning
	}
	m.Alert(ctx, "Position closed", message, level, fields)
}
