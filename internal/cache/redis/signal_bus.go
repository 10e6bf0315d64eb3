package redis

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// subscriberBuffer is how many payloads a slow subscriber may fall behind
// before the relay goroutine blocks.
const subscriberBuffer = 128

// SignalBus implements domain.SignalBus over Redis Pub/Sub so every gateway
// replica sees the same order and connection events.
type SignalBus struct {
	client *Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{client: c}
}

// Publish sends payload on the namespaced channel.
func (sb *SignalBus) Publish(ctx context.Context, channel string, payload []byte) error {
	name := sb.client.Key("events", channel)
	if err := sb.client.rdb.Publish(ctx, name, payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", name, err)
	}
	return nil
}

// Subscribe returns a channel of payloads published on channel. Glob patterns
// such as "*" are honoured. The returned channel is closed once ctx ends.
func (sb *SignalBus) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	name := sb.client.Key("events", channel)

	var pubsub *redis.PubSub
	if hasPattern(channel) {
		pubsub = sb.client.rdb.PSubscribe(ctx, name)
	} else {
		pubsub = sb.client.rdb.Subscribe(ctx, name)
	}

	// The first reply confirms the subscription.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("redis: subscribe %s: %w", name, err)
	}

	out := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

// hasPattern reports whether channel needs PSubscribe.
func hasPattern(channel string) bool {
	return strings.ContainsAny(channel, "*?[")
}

var _ domain.SignalBus = (*SignalBus)(nil)
