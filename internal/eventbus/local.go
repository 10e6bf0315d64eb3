// Package eventbus provides an in-process domain.SignalBus for single-replica
// deployments that run without Redis, and a queue that keeps publishers off a
// slow shared bus.
package eventbus

import (
	"context"
	"log/slog"
	"path"
	"sync"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

const subscriberBuffer = 128

type subscriber struct {
	pattern string
	ch      chan []byte
}

// Local delivers payloads to subscribers in the same process. Channel names
// accept the same glob patterns as the Redis bus. A subscriber whose buffer
// is full misses the payload rather than stalling publishers.
type Local struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[*subscriber]struct{}
	closed bool
}

// NewLocal creates an empty Local bus.
func NewLocal(logger *slog.Logger) *Local {
	return &Local{
		logger: logger.With(slog.String("component", "eventbus")),
		subs:   make(map[*subscriber]struct{}),
	}
}

// Publish hands payload to every matching subscriber.
func (b *Local) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return domain.ErrClosed
	}
	for s := range b.subs {
		if !matches(s.pattern, channel) {
			continue
		}
		select {
		case s.ch <- payload:
		default:
			b.logger.Warn("eventbus: subscriber lagging, payload dropped",
				slog.String("channel", channel),
				slog.String("pattern", s.pattern),
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber until ctx ends, then closes its channel.
func (b *Local) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	s := &subscriber{pattern: channel, ch: make(chan []byte, subscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, domain.ErrClosed
	}
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.remove(s)
	}()
	return s.ch, nil
}

// Close ends every subscription.
func (b *Local) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		delete(b.subs, s)
		close(s.ch)
	}
}

func (b *Local) remove(s *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		close(s.ch)
	}
}

func matches(pattern, channel string) bool {
	if pattern == channel {
		return true
	}
	ok, err := path.Match(pattern, channel)
	return err == nil && ok
}

var _ domain.SignalBus = (*Local)(nil)
