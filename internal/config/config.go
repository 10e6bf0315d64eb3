// Package config defines the gateway's configuration and validation.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the root configuration. Fields come from built-in defaults, then
// an optional TOML file, then IBGW_* environment variables.
type Config struct {
	Gateway     GatewayConfig `toml:"gateway"`
	Orders      OrdersConfig  `toml:"orders"`
	Account     AccountConfig `toml:"account"`
	Server      ServerConfig  `toml:"server"`
	Redis       RedisConfig   `toml:"redis"`
	Notify      NotifyConfig  `toml:"notify"`
	TradingMode string        `toml:"trading_mode"`
	LogLevel    string        `toml:"log_level"`
}

// GatewayConfig describes the TWS / IB Gateway endpoint and how hard to try
// reaching it.
type GatewayConfig struct {
	// Driver is "tws" for a real gateway or "simulator" for the in-memory
	// broker.
	Driver   string `toml:"driver"`
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	ClientID int    `toml:"client_id"`

	// Account selects one of several managed accounts. Empty means the
	// first one the gateway reports.
	Account string `toml:"account"`

	ConnectAttempts   int      `toml:"connect_attempts"`
	BackoffBase       duration `toml:"backoff_base"`
	BackoffFactor     float64  `toml:"backoff_factor"`
	BackoffMax        duration `toml:"backoff_max"`
	HandshakeTimeout  duration `toml:"handshake_timeout"`
	CallTimeout       duration `toml:"call_timeout"`
	HeartbeatInterval duration `toml:"heartbeat_interval"`

	// Simulator settings, used only with driver = "simulator".
	SimStartingCash float64  `toml:"sim_starting_cash"`
	SimFillDelay    duration `toml:"sim_fill_delay"`
}

// OrdersConfig bounds how long finished orders stay queryable.
type OrdersConfig struct {
	Retention     duration `toml:"retention"`
	MaxRetained   int      `toml:"max_retained"`
	SweepInterval duration `toml:"sweep_interval"`
}

// AccountConfig holds account snapshot caching parameters.
type AccountConfig struct {
	MaxAge duration `toml:"max_age"`
}

// ServerConfig holds HTTP server parameters.
type ServerConfig struct {
	Host            string   `toml:"host"`
	Port            int      `toml:"port"`
	CORSOrigins     []string `toml:"cors_origins"`
	RateLimit       int      `toml:"rate_limit"`
	RateWindow      duration `toml:"rate_window"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// RedisConfig enables the shared event bus and rate limiter. An empty Addr
// keeps both in-process.
type RedisConfig struct {
	Addr       string `toml:"addr"`
	Password   string `toml:"password"`
	DB         int    `toml:"db"`
	PoolSize   int    `toml:"pool_size"`
	MaxRetries int    `toml:"max_retries"`
	TLSEnabled bool   `toml:"tls_enabled"`
	KeyPrefix  string `toml:"key_prefix"`
}

// NotifyConfig holds notification channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// duration lets the TOML decoder read strings like "5m" or "30s".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config aimed at a local paper-trading TWS.
func Defaults() Config {
	return Config{
		Gateway: GatewayConfig{
			Driver:            "tws",
			Host:              "127.0.0.1",
			Port:              7497,
			ClientID:          1,
			ConnectAttempts:   3,
			BackoffBase:       duration{time.Second},
			BackoffFactor:     2,
			BackoffMax:        duration{8 * time.Second},
			HandshakeTimeout:  duration{10 * time.Second},
			CallTimeout:       duration{10 * time.Second},
			HeartbeatInterval: duration{30 * time.Second},
			SimStartingCash:   100_000,
			SimFillDelay:      duration{50 * time.Millisecond},
		},
		Orders: OrdersConfig{
			Retention:     duration{24 * time.Hour},
			MaxRetained:   10_000,
			SweepInterval: duration{5 * time.Minute},
		},
		Account: AccountConfig{
			MaxAge: duration{2 * time.Second},
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8000,
			CORSOrigins:     []string{"*"},
			RateLimit:       0,
			RateWindow:      duration{time.Minute},
			ShutdownTimeout: duration{10 * time.Second},
		},
		Redis: RedisConfig{
			PoolSize:   10,
			MaxRetries: 3,
			KeyPrefix:  "ibkrgw",
		},
		Notify: NotifyConfig{
			Events: []string{"order_filled", "order_rejected", "connection_degraded", "connection_closed"},
		},
		TradingMode: "paper",
		LogLevel:    "info",
	}
}

var validTradingModes = map[string]bool{
	"paper": true,
	"live":  true,
}

var validDrivers = map[string]bool{
	"tws":       true,
	"simulator": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks Config for invalid or missing values and returns a combined
// error describing every problem found.
func (c *Config) Validate() error {
	var errs []string

	if !validTradingModes[strings.ToLower(c.TradingMode)] {
		errs = append(errs, fmt.Sprintf("unknown trading_mode %q (valid: paper, live)", c.TradingMode))
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}

	// Gateway
	g := c.Gateway
	if !validDrivers[strings.ToLower(g.Driver)] {
		errs = append(errs, fmt.Sprintf("gateway: unknown driver %q (valid: tws, simulator)", g.Driver))
	}
	if strings.EqualFold(g.Driver, "tws") {
		if g.Host == "" {
			errs = append(errs, "gateway: host must not be empty")
		}
		if g.Port <= 0 || g.Port > 65535 {
			errs = append(errs, fmt.Sprintf("gateway: port must be 1-65535, got %d", g.Port))
		}
		if g.ClientID < 0 {
			errs = append(errs, "gateway: client_id must be >= 0")
		}
	}
	if g.ConnectAttempts < 1 {
		errs = append(errs, "gateway: connect_attempts must be >= 1")
	}
	if g.BackoffBase.Duration <= 0 {
		errs = append(errs, "gateway: backoff_base must be > 0")
	}
	if g.BackoffFactor < 1 {
		errs = append(errs, "gateway: backoff_factor must be >= 1")
	}
	if g.BackoffMax.Duration < g.BackoffBase.Duration {
		errs = append(errs, "gateway: backoff_max must not be below backoff_base")
	}
	if g.CallTimeout.Duration <= 0 {
		errs = append(errs, "gateway: call_timeout must be > 0")
	}
	if g.HandshakeTimeout.Duration <= 0 {
		errs = append(errs, "gateway: handshake_timeout must be > 0")
	}
	if g.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, "gateway: heartbeat_interval must be > 0")
	}

	// Orders
	if c.Orders.Retention.Duration <= 0 {
		errs = append(errs, "orders: retention must be > 0")
	}
	if c.Orders.MaxRetained < 1 {
		errs = append(errs, "orders: max_retained must be >= 1")
	}
	if c.Orders.SweepInterval.Duration <= 0 {
		errs = append(errs, "orders: sweep_interval must be > 0")
	}

	if c.Account.MaxAge.Duration < 0 {
		errs = append(errs, "account: max_age must not be negative")
	}

	// Server
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, "server: rate_limit must be >= 0")
	}
	if c.Server.RateLimit > 0 && c.Server.RateWindow.Duration <= 0 {
		errs = append(errs, "server: rate_window must be > 0 when rate_limit is set")
	}

	// Redis
	if c.Redis.Addr != "" && c.Redis.PoolSize < 1 {
		errs = append(errs, "redis: pool_size must be >= 1")
	}

	// Notify: token and chat travel together.
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		errs = append(errs, "notify: telegram_token and telegram_chat_id must be set together")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Addr returns the HTTP listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}
