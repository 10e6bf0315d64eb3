// Package gateway owns the single brokerage session. It dials links, keeps
// them healthy with a heartbeat, reconnects with exponential backoff and
// serializes every call onto the session.
package gateway

import (
	"context"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// Link is one live session with the brokerage gateway. Calls on a Link are
// synchronous and are never issued concurrently by the Manager.
type Link interface {
	PlaceOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error)
	AccountSummary(ctx context.Context) (domain.AccountSummary, error)
	Portfolio(ctx context.Context) ([]domain.Position, error)
	CurrentTime(ctx context.Context) (time.Time, error)
	ManagedAccounts() []string
	// Done is closed when the link is no longer usable.
	Done() <-chan struct{}
	Close() error
}

// Dialer opens new links. onStatus receives asynchronous order status
// changes for the lifetime of the link.
type Dialer interface {
	Dial(ctx context.Context, onStatus func(domain.OrderStatusUpdate)) (Link, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, onStatus func(domain.OrderStatusUpdate)) (Link, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, onStatus func(domain.OrderStatusUpdate)) (Link, error) {
	return f(ctx, onStatus)
}

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
