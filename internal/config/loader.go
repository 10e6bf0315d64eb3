package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds a Config from the built-in defaults, the TOML file at path (if
// path is non-empty), a .env file in the working directory (if present), and
// finally the environment. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose environment variable is set and
// non-empty. IB_HOST, IB_PORT and CLIENT_ID are accepted for compatibility
// with existing deployments; the IBGW_* form wins when both are set.
func applyEnvOverrides(cfg *Config) {
	// ── Gateway ──
	setStr(&cfg.Gateway.Host, "IB_HOST")
	setInt(&cfg.Gateway.Port, "IB_PORT")
	setInt(&cfg.Gateway.ClientID, "CLIENT_ID")
	setStr(&cfg.Gateway.Driver, "IBGW_GATEWAY_DRIVER")
	setStr(&cfg.Gateway.Host, "IBGW_GATEWAY_HOST")
	setInt(&cfg.Gateway.Port, "IBGW_GATEWAY_PORT")
	setInt(&cfg.Gateway.ClientID, "IBGW_GATEWAY_CLIENT_ID")
	setStr(&cfg.Gateway.Account, "IBGW_GATEWAY_ACCOUNT")
	setInt(&cfg.Gateway.ConnectAttempts, "IBGW_GATEWAY_CONNECT_ATTEMPTS")
	setDuration(&cfg.Gateway.BackoffBase, "IBGW_GATEWAY_BACKOFF_BASE")
	setFloat64(&cfg.Gateway.BackoffFactor, "IBGW_GATEWAY_BACKOFF_FACTOR")
	setDuration(&cfg.Gateway.BackoffMax, "IBGW_GATEWAY_BACKOFF_MAX")
	setDuration(&cfg.Gateway.HandshakeTimeout, "IBGW_GATEWAY_HANDSHAKE_TIMEOUT")
	setDuration(&cfg.Gateway.CallTimeout, "IBGW_GATEWAY_CALL_TIMEOUT")
	setDuration(&cfg.Gateway.HeartbeatInterval, "IBGW_GATEWAY_HEARTBEAT_INTERVAL")
	setFloat64(&cfg.Gateway.SimStartingCash, "IBGW_GATEWAY_SIM_STARTING_CASH")
	setDuration(&cfg.Gateway.SimFillDelay, "IBGW_GATEWAY_SIM_FILL_DELAY")

	// ── Orders ──
	setDuration(&cfg.Orders.Retention, "IBGW_ORDERS_RETENTION")
	setInt(&cfg.Orders.MaxRetained, "IBGW_ORDERS_MAX_RETAINED")
	setDuration(&cfg.Orders.SweepInterval, "IBGW_ORDERS_SWEEP_INTERVAL")

	// ── Account ──
	setDuration(&cfg.Account.MaxAge, "IBGW_ACCOUNT_MAX_AGE")

	// ── Server ──
	setStr(&cfg.Server.Host, "IBGW_SERVER_HOST")
	setInt(&cfg.Server.Port, "IBGW_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "IBGW_SERVER_CORS_ORIGINS")
	setInt(&cfg.Server.RateLimit, "IBGW_SERVER_RATE_LIMIT")
	setDuration(&cfg.Server.RateWindow, "IBGW_SERVER_RATE_WINDOW")
	setDuration(&cfg.Server.ShutdownTimeout, "IBGW_SERVER_SHUTDOWN_TIMEOUT")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "IBGW_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "IBGW_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "IBGW_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "IBGW_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "IBGW_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "IBGW_REDIS_TLS_ENABLED")
	setStr(&cfg.Redis.KeyPrefix, "IBGW_REDIS_KEY_PREFIX")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "IBGW_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "IBGW_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.DiscordWebhookURL, "IBGW_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "IBGW_NOTIFY_EVENTS")

	// ── Top-level ──
	setStr(&cfg.TradingMode, "IBGW_TRADING_MODE")
	setStr(&cfg.LogLevel, "IBGW_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var cleaned []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	if len(cleaned) > 0 {
		*dst = cleaned
	}
}
