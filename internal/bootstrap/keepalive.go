package bootstrap

import (
	"context"
	"time"

	"grid_trader/internal/config"
	"grid_trader/internal/core"
)

// keepalive pings one user's REST session on a fixed interval so the
// authenticated connection pool stays warm between trading bursts
type keepalive struct {
	user       string
	gateway    core.IExchangeGateway
	quoteAsset string
	interval   time.Duration
	logger     core.ILogger
}

func newKeepalive(user string, gateway core.IExchangeGateway, cfg *config.Config, logger core.ILogger) *keepalive {
	quoteAsset := cfg.Users[user].QuoteAsset
	return &keepalive{
		user:       user,
		gateway:    gateway,
		quoteAsset: quoteAsset,
		interval:   time.Duration(cfg.System.KeepaliveIntervalSec) * time.Second,
		logger:     logger.WithField("component", "keepalive").WithField("user", user),
	}
}

func (k *keepalive) Run(ctx context.Context) error {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// A cheap signed call; the balance itself is discarded
			if _, err := k.gateway.FetchBalance(ctx, k.quoteAsset); err != nil {
				k.logger.Warn("Keepalive ping failed", "error", err)
			}
		}
	}
}
