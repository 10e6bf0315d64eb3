// Package app wires the gateway together and runs it: the brokerage session,
// the order tracker, the account cache, the event hub and the HTTP server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/ibkrgw/internal/config"
	"github.com/alanyoungcy/ibkrgw/internal/gateway"
	"github.com/alanyoungcy/ibkrgw/internal/server"
	"github.com/alanyoungcy/ibkrgw/internal/server/handler"
	"github.com/alanyoungcy/ibkrgw/internal/server/ws"
	"github.com/alanyoungcy/ibkrgw/internal/service"
)

// App is the root application object. It owns the configuration, logger, and
// cleanup functions run in reverse order on Close.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// writeMargin covers response encoding after the broker answers.
const writeMargin = 5 * time.Second

// writeTimeout leaves room for one caller queued on the session slot ahead
// of the request.
func writeTimeout(cfg gateway.Config) time.Duration {
	return 2*cfg.CallBudget() + writeMargin
}

// components are the long-lived services built from Dependencies.
type components struct {
	manager *gateway.Manager
	tracker *service.OrderTracker
	account *service.AccountCache
	hub     *ws.Hub
	server  *server.Server
}

func (a *App) build(deps *Dependencies) *components {
	cfg := a.cfg
	logger := a.logger

	gwCfg := gateway.Config{
		ConnectAttempts:   cfg.Gateway.ConnectAttempts,
		BackoffBase:       cfg.Gateway.BackoffBase.Duration,
		BackoffFactor:     cfg.Gateway.BackoffFactor,
		BackoffMax:        cfg.Gateway.BackoffMax.Duration,
		CallTimeout:       cfg.Gateway.CallTimeout.Duration,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Duration,
	}
	manager := gateway.NewManager(gwCfg, deps.Dialer, deps.Bus, deps.Notifier, logger)

	tracker := service.NewOrderTracker(manager, deps.Bus, deps.Notifier, service.TrackerConfig{
		Retention:     cfg.Orders.Retention.Duration,
		MaxRetained:   cfg.Orders.MaxRetained,
		SweepInterval: cfg.Orders.SweepInterval.Duration,
	}, logger)
	manager.OnOrderStatus(tracker.ApplyStatus)

	account := service.NewAccountCache(manager, logger)
	hub := ws.NewHub(deps.Bus, manager, logger)

	gw := handler.GatewayInfo{
		Driver:   cfg.Gateway.Driver,
		Host:     cfg.Gateway.Host,
		Port:     cfg.Gateway.Port,
		ClientID: cfg.Gateway.ClientID,
	}
	srv := server.NewServer(server.Config{
		Addr:         cfg.Server.Addr(),
		CORSOrigins:  cfg.Server.CORSOrigins,
		RateLimit:    cfg.Server.RateLimit,
		RateWindow:   cfg.Server.RateWindow.Duration,
		WriteTimeout: writeTimeout(gwCfg),
	}, server.Handlers{
		Health:     handler.NewHealthHandler(),
		Status:     handler.NewStatusHandler(cfg.TradingMode, gw, manager, time.Now()),
		Orders:     handler.NewOrderHandler(tracker, logger),
		Account:    handler.NewAccountHandler(account, cfg.Account.MaxAge.Duration, logger),
		Connection: handler.NewConnectionHandler(manager, gw, logger),
	}, hub, deps.RateLimiter, logger)

	return &components{
		manager: manager,
		tracker: tracker,
		account: account,
		hub:     hub,
		server:  srv,
	}
}

// Run wires everything and blocks until ctx is cancelled or a component
// fails. On shutdown the HTTP server drains first, then the session closes.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("trading_mode", a.cfg.TradingMode),
		slog.String("driver", a.cfg.Gateway.Driver),
		slog.String("gateway", fmt.Sprintf("%s:%d", a.cfg.Gateway.Host, a.cfg.Gateway.Port)),
		slog.Int("client_id", a.cfg.Gateway.ClientID),
	)
	a.logger.DebugContext(ctx, "effective configuration", slog.Any("config", config.RedactedConfig(a.cfg)))

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	c := a.build(deps)

	g, gctx := errgroup.WithContext(ctx)
	// Workers outlive gctx until in-flight HTTP requests have drained.
	workCtx, stopWorkers := context.WithCancel(context.WithoutCancel(gctx))
	defer stopWorkers()

	g.Go(func() error { return c.manager.Run(workCtx) })
	g.Go(func() error { return c.tracker.Run(workCtx) })
	g.Go(func() error { return c.hub.Run(workCtx) })
	g.Go(c.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		defer stopWorkers()
		shutCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		return c.server.Shutdown(shutCtx)
	})

	return g.Wait()
}

// Close tears down resources in reverse registration order. It is safe to
// call more than once.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
