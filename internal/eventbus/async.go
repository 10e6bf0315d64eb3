package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

const (
	asyncQueueSize      = 1024
	asyncPublishTimeout = 5 * time.Second
)

type message struct {
	channel string
	payload []byte
}

// Async puts a queue in front of a bus whose Publish may block, such as the
// Redis bus. Publish enqueues and returns at once; a single worker forwards
// payloads in order. When the queue is full the payload is dropped.
type Async struct {
	bus     domain.SignalBus
	logger  *slog.Logger
	timeout time.Duration
	queue   chan message
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync starts the forwarding worker for bus. Close stops it.
func NewAsync(bus domain.SignalBus, logger *slog.Logger) *Async {
	a := &Async{
		bus:     bus,
		logger:  logger.With(slog.String("component", "eventbus_async")),
		timeout: asyncPublishTimeout,
		queue:   make(chan message, asyncQueueSize),
		done:    make(chan struct{}),
	}
	go a.run()
	return a
}

// Publish queues payload for channel.
func (a *Async) Publish(_ context.Context, channel string, payload []byte) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return domain.ErrClosed
	}
	select {
	case a.queue <- message{channel: channel, payload: payload}:
	default:
		a.logger.Warn("eventbus: publish queue full, payload dropped",
			slog.String("channel", channel),
		)
	}
	return nil
}

// Subscribe subscribes on the underlying bus.
func (a *Async) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	return a.bus.Subscribe(ctx, channel)
}

// Close stops accepting payloads and waits for the queued ones to be
// forwarded.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()
	<-a.done
}

func (a *Async) run() {
	defer close(a.done)
	for m := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.bus.Publish(ctx, m.channel, m.payload); err != nil {
			a.logger.Warn("eventbus: forward failed",
				slog.String("channel", m.channel),
				slog.String("error", err.Error()),
			)
		}
		cancel()
	}
}

var _ domain.SignalBus = (*Async)(nil)
