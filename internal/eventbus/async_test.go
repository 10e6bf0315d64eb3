package eventbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// gatedBus blocks every Publish until release is closed.
type gatedBus struct {
	release chan struct{}

	mu       sync.Mutex
	payloads []string
}

func (b *gatedBus) Publish(_ context.Context, channel string, payload []byte) error {
	<-b.release
	b.mu.Lock()
	b.payloads = append(b.payloads, channel+":"+string(payload))
	b.mu.Unlock()
	return nil
}

func (b *gatedBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	return nil, errors.New("not supported")
}

func (b *gatedBus) published() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.payloads...)
}

func newTestAsync(bus domain.SignalBus) *Async {
	return NewAsync(bus, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAsyncPublishDoesNotWaitForBus(t *testing.T) {
	inner := &gatedBus{release: make(chan struct{})}
	a := newTestAsync(inner)

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := a.Publish(context.Background(), domain.ChannelOrders, []byte{'a' + byte(i)}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Publish() took %v with a stalled bus, want immediate return", elapsed)
	}

	close(inner.release)
	a.Close()
	got := inner.published()
	want := []string{"orders:a", "orders:b", "orders:c"}
	if len(got) != len(want) {
		t.Fatalf("published = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("published[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAsyncDropsWhenQueueFull(t *testing.T) {
	inner := &gatedBus{release: make(chan struct{})}
	a := newTestAsync(inner)

	// One payload is held by the worker; the rest fill the queue.
	for i := 0; i < asyncQueueSize+10; i++ {
		if err := a.Publish(context.Background(), domain.ChannelOrders, []byte("x")); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}
	close(inner.release)
	a.Close()
	if got := len(inner.published()); got > asyncQueueSize+1 {
		t.Errorf("forwarded %d payloads, want at most %d", got, asyncQueueSize+1)
	}
}

func TestAsyncPublishAfterClose(t *testing.T) {
	inner := &gatedBus{release: make(chan struct{})}
	close(inner.release)
	a := newTestAsync(inner)
	a.Close()
	a.Close()

	if err := a.Publish(context.Background(), domain.ChannelOrders, []byte("late")); !errors.Is(err, domain.ErrClosed) {
		t.Errorf("Publish() after Close error = %v, want ErrClosed", err)
	}
}

func TestAsyncSubscribeUsesUnderlyingBus(t *testing.T) {
	local := newTestBus()
	a := newTestAsync(local)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := a.Subscribe(ctx, domain.ChannelConnection)
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if err := a.Publish(ctx, domain.ChannelConnection, []byte("ready")); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if got := receive(t, ch); got != "ready" {
		t.Errorf("payload = %q, want ready", got)
	}
}
