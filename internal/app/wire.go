package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibkrgw/internal/cache/redis"
	"github.com/alanyoungcy/ibkrgw/internal/config"
	"github.com/alanyoungcy/ibkrgw/internal/domain"
	"github.com/alanyoungcy/ibkrgw/internal/eventbus"
	"github.com/alanyoungcy/ibkrgw/internal/gateway"
	"github.com/alanyoungcy/ibkrgw/internal/notify"
	"github.com/alanyoungcy/ibkrgw/internal/platform/simulator"
	"github.com/alanyoungcy/ibkrgw/internal/platform/tws"
)

// Dependencies bundles the infrastructure the gateway runs on. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Bus         domain.SignalBus
	RateLimiter domain.RateLimiter // nil without Redis
	Notifier    *notify.Notifier
	Dialer      gateway.Dialer
}

// Wire constructs the concrete dependencies for cfg. With a Redis address the
// event bus and rate limiter are shared through Redis, with publishes queued
// so a slow Redis never holds up an order; otherwise events stay in-process
// and HTTP rate limiting is off.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{}

	// --- Event bus and rate limiter ---
	if cfg.Redis.Addr != "" {
		client, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		bus := eventbus.NewAsync(redis.NewSignalBus(client), logger)
		closers = append(closers, bus.Close)
		deps.Bus = bus
		deps.RateLimiter = redis.NewRateLimiter(client)
	} else {
		local := eventbus.NewLocal(logger)
		closers = append(closers, local.Close)
		deps.Bus = local
		if cfg.Server.RateLimit > 0 {
			logger.Warn("wire: server.rate_limit needs redis.addr; rate limiting disabled")
		}
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender("", cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Brokerage link ---
	dialer, err := newDialer(cfg.Gateway, logger)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	deps.Dialer = dialer

	return deps, cleanup, nil
}

// newDialer returns a Dialer for the configured driver.
func newDialer(g config.GatewayConfig, logger *slog.Logger) (gateway.Dialer, error) {
	switch strings.ToLower(g.Driver) {
	case "tws":
		tc := tws.Config{
			Host:             g.Host,
			Port:             g.Port,
			ClientID:         g.ClientID,
			Account:          g.Account,
			HandshakeTimeout: g.HandshakeTimeout.Duration,
		}
		return gateway.DialFunc(func(ctx context.Context, onStatus func(domain.OrderStatusUpdate)) (gateway.Link, error) {
			c, err := tws.Dial(ctx, tc, onStatus, logger)
			if err != nil {
				return nil, err
			}
			return c, nil
		}), nil

	case "simulator":
		sc := simulator.DefaultConfig()
		if g.Account != "" {
			sc.Account = g.Account
		}
		if g.SimStartingCash > 0 {
			sc.StartingCash = decimal.NewFromFloat(g.SimStartingCash)
		}
		sc.FillDelay = g.SimFillDelay.Duration
		return gateway.DialFunc(func(ctx context.Context, onStatus func(domain.OrderStatusUpdate)) (gateway.Link, error) {
			l, err := simulator.Dial(ctx, sc, onStatus)
			if err != nil {
				return nil, err
			}
			return l, nil
		}), nil

	default:
		return nil, fmt.Errorf("wire: unknown gateway driver %q", g.Driver)
	}
}
