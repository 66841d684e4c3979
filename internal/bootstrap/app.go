// Package bootstrap wires the application together and manages its lifecycle
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"grid_trader/internal/alert"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/engine"
	"grid_trader/internal/exchange/binance"
	"grid_trader/internal/feed"
	"grid_trader/internal/grid"
	"grid_trader/internal/infrastructure/metrics"
	"grid_trader/internal/logging"
	"grid_trader/internal/pipeline"
	"grid_trader/internal/risk"
	signalengine "grid_trader/internal/signal"
	"grid_trader/internal/store"
	"grid_trader/internal/syncer"
	"grid_trader/pkg/retry"
	"grid_trader/pkg/telemetry"

	apperrors "grid_trader/pkg/errors"

	"golang.org/x/sync/errgroup"
)

// metadataRetryPolicy guards the startup exchange-info fetch; without symbol
// precisions the engine cannot size a single order
var metadataRetryPolicy = retry.RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: time.Second,
	MaxBackoff:     10 * time.Second,
}

// Runner is a long-running component driven by the app lifecycle
type Runner interface {
	Run(ctx context.Context) error
}

// App holds the wired application
type App struct {
	Cfg     *config.Config
	Logger  core.ILogger
	Metrics *telemetry.Metrics

	Store    *store.Store
	Gateways map[string]core.IExchangeGateway
	Feed     *feed.Feed
	Syncer   *syncer.Syncer
	Engine   *engine.Engine
	Pipeline *pipeline.Pipeline
	Notifier *alert.Manager

	runners []Runner
}

// NewApp loads configuration and builds every component
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel, cfg.App.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	return build(cfg, logger)
}

func build(cfg *config.Config, logger core.ILogger) (*App, error) {
	m := telemetry.New()

	gateways := make(map[string]core.IExchangeGateway, len(cfg.Users))
	for userName, user := range cfg.Users {
		gateway, err := binance.New(binance.Options{
			BaseURL:           cfg.System.BaseURL,
			WsURL:             cfg.System.WsURL,
			APIKey:            user.APIKey,
			APISecret:         user.APISecret,
			ProxyURL:          user.ProxyURL,
			RecvWindowMs:      cfg.System.RecvWindowMs,
			RequestsPerSecond: cfg.System.RequestsPerSecond,
		}, logger.WithField("user", userName))
		if err != nil {
			return nil, fmt.Errorf("gateway for %s: %w", userName, err)
		}
		gateways[userName] = gateway
	}

	notifier := alert.NewManager(logger)
	if cfg.Telegram.BotToken != "" && cfg.Telegram.ChatID != "" {
		notifier.AddChannel(alert.NewTelegramChannel(cfg.Telegram.BotToken, cfg.Telegram.ChatID))
	}

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

	grids := grid.BuildBook(cfg)

	marketGateway := gateways[firstUser(cfg)]
	priceFeed := feed.New(marketGateway, cfg.AllSymbols(), logger, m)

	positionSyncer := syncer.New(positionStore, gateways, grids, cfg, notifier, logger, m)
	monitor := risk.NewMonitor(positionStore, priceFeed, grids, cfg, logger, m)
	placer := risk.NewPlacer(positionStore, gateways, cfg, logger, m)
	orderPipeline := pipeline.New(positionStore, gateways, priceFeed, placer, cfg, notifier, logger, m)
	signals := signalengine.New(positionStore, cfg, logger, m)
	decisionLoop := engine.New(positionStore, gateways, positionSyncer, monitor, signals, orderPipeline, grids, cfg, logger, m)

	app := &App{
		Cfg:      cfg,
		Logger:   logger,
		Metrics:  m,
		Store:    positionStore,
		Gateways: gateways,
		Feed:     priceFeed,
		Syncer:   positionSyncer,
		Engine:   decisionLoop,
		Pipeline: orderPipeline,
		Notifier: notifier,
	}

	app.runners = append(app.runners, positionSyncer, priceFeed, decisionLoop)
	if cfg.Telemetry.EnableMetrics {
		app.runners = append(app.runners, metrics.NewServer(cfg.Telemetry.MetricsPort, m, logger))
	}
	for userName, gateway := range gateways {
		app.runners = append(app.runners, newKeepalive(userName, gateway, cfg, logger))
	}

	return app, nil
}

// firstUser picks a deterministic account for shared market-data calls
func firstUser(cfg *config.Config) string {
	names := make([]string, 0, len(cfg.Users))
	for name := range cfg.Users {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}

// Setup performs the startup sequence before any runner starts: symbol
// metadata, hedge mode, and the first reconciliation cycle.
func (a *App) Setup(ctx context.Context) error {
	if err := a.loadSymbolMetadata(ctx); err != nil {
		return err
	}

	for userName, gateway := range a.Gateways {
		if err := gateway.SetPositionMode(ctx, true); err != nil {
			return fmt.Errorf("hedge mode for %s: %w", userName, err)
		}
	}

	// The decision loop refuses to trade a user until its first cycle is done;
	// running one here means trading can start immediately
	a.Syncer.SyncOnce(ctx)

	a.Logger.Info("Startup complete", "users", len(a.Gateways), "slots", a.Store.Len())
	return nil
}

// loadSymbolMetadata fetches precisions and drops symbols the exchange does
// not currently trade. No tradable symbol left is fatal.
func (a *App) loadSymbolMetadata(ctx context.Context) error {
	gateway := a.Gateways[firstUser(a.Cfg)]

	info, err := retry.DoValue(ctx, metadataRetryPolicy, apperrors.IsTransient,
		func() (map[string]core.SymbolPrecision, error) {
			return gateway.FetchExchangeInfo(ctx)
		})
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}

	for _, symbol := range a.Cfg.AllSymbols() {
		precision, ok := info[symbol]
		if !ok {
			a.Logger.Warn("Symbol not tradable, excluding it", "symbol", symbol)
			a.Store.DropSymbol(symbol)
			continue
		}
		a.Store.SetPrecision(symbol, precision)
	}

	if a.Store.Len() == 0 {
		return errors.New("no tradable symbols remain after metadata load")
	}
	return nil
}

// Run executes the startup sequence and then all runners until a termination
// signal arrives or a runner fails
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Setup(ctx); err != nil {
		return fmt.Errorf("startup: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, runner := range a.runners {
		r := runner
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	a.Logger.Info("Application started", "runners", len(a.runners))
	err := g.Wait()
	a.Pipeline.Stop()

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("Application stopped with error", "error", err)
		return err
	}
	a.Logger.Info("Application shut down gracefully")
	return nil
}
