package domain

import (
	"context"
	"time"
)

// Event bus channels.
const (
	ChannelOrders     = "orders"
	ChannelConnection = "connection"
)

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// SignalBus provides fire-and-forget pub/sub.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
}

// Event is the envelope published on the signal bus and relayed to
// WebSocket clients.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}
