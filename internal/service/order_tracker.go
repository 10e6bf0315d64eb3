package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// ConnectionFailureReason is recorded on orders that never reached the
// broker because the session failed.
const ConnectionFailureReason = "connection failure"

const (
	maxEarlyUpdates = 1024
	earlyUpdateTTL  = time.Minute
)

// OrderSubmitter places orders on the brokerage session.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error)
}

// Notifier delivers operator alerts.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// TrackerConfig bounds how long finished orders are remembered.
type TrackerConfig struct {
	Retention     time.Duration
	MaxRetained   int
	SweepInterval time.Duration
}

// DefaultTrackerConfig returns the production retention settings.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		Retention:     24 * time.Hour,
		MaxRetained:   10_000,
		SweepInterval: 5 * time.Minute,
	}
}

// trackedOrder is one clientToken's state. done is closed once the broker
// submission has resolved; err holds the boundary error of that submission.
type trackedOrder struct {
	order domain.Order
	done  chan struct{}
	err   error
}

// OrderTracker maps client tokens to orders and guarantees that each token
// causes at most one broker submission.
type OrderTracker struct {
	submitter OrderSubmitter
	bus       domain.SignalBus
	alerts    Notifier
	cfg       TrackerConfig
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	orders   map[string]*trackedOrder
	byBroker map[int64]string
	early    map[int64][]domain.OrderStatusUpdate
}

// NewOrderTracker creates an OrderTracker. bus and alerts may be nil.
func NewOrderTracker(submitter OrderSubmitter, bus domain.SignalBus, alerts Notifier, cfg TrackerConfig, logger *slog.Logger) *OrderTracker {
	def := DefaultTrackerConfig()
	if cfg.Retention <= 0 {
		cfg.Retention = def.Retention
	}
	if cfg.MaxRetained <= 0 {
		cfg.MaxRetained = def.MaxRetained
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &OrderTracker{
		submitter: submitter,
		bus:       bus,
		alerts:    alerts,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "order_tracker")),
		now:       func() time.Time { return time.Now().UTC() },
		orders:    make(map[string]*trackedOrder),
		byBroker:  make(map[int64]string),
		early:     make(map[int64][]domain.OrderStatusUpdate),
	}
}

// Submit validates req and submits it once per client token.
//
// A known token with the same payload returns the stored order, waiting for
// an in-flight submission to resolve first. A known token with a different
// payload fails with an IdempotencyConflict. A new token is recorded as
// PENDING and submitted; the submission is not cancelled when ctx is, and its
// outcome is recorded either way. Broker rejections and connection failures
// leave the order REJECTED and are returned alongside it.
func (t *OrderTracker) Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error) {
	order, err := Validate(req)
	if err != nil {
		return domain.Order{}, domain.WithToken(err, strings.TrimSpace(req.ClientToken))
	}

	t.mu.Lock()
	tracked, known := t.orders[order.ClientToken]
	if known {
		stored := tracked.order
		t.mu.Unlock()
		if !stored.SamePayload(order) {
			return stored, domain.IdempotencyConflictError(order.ClientToken)
		}
		if err := t.wait(ctx, tracked); err != nil {
			return stored, err
		}
		t.logger.DebugContext(ctx, "order_tracker: replay",
			slog.String("client_token", order.ClientToken),
		)
		return t.snapshot(tracked), nil
	}

	now := t.now()
	order.CreatedAt = now
	order.UpdatedAt = now
	tracked = &trackedOrder{order: order, done: make(chan struct{})}
	t.orders[order.ClientToken] = tracked
	t.mu.Unlock()

	go t.submit(context.WithoutCancel(ctx), tracked)

	if err := t.wait(ctx, tracked); err != nil {
		return t.snapshot(tracked), err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return tracked.order, tracked.err
}

func (t *OrderTracker) wait(ctx context.Context, tracked *trackedOrder) error {
	select {
	case <-tracked.done:
		return nil
	case <-ctx.Done():
		return domain.WithToken(
			domain.ConnectionError("gave up waiting for order submission", ctx.Err()),
			tracked.order.ClientToken,
		)
	}
}

func (t *OrderTracker) snapshot(tracked *trackedOrder) domain.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return tracked.order
}

// submit performs the single broker call for tracked and records its outcome.
func (t *OrderTracker) submit(ctx context.Context, tracked *trackedOrder) {
	token := tracked.order.ClientToken
	ack, err := t.submitter.SubmitOrder(ctx, tracked.order)

	t.mu.Lock()
	o := &tracked.order
	o.UpdatedAt = t.now()
	switch {
	case err == nil:
		id := ack.BrokerOrderID
		o.BrokerOrderID = &id
		o.Status = ack.Status
		if o.Status == domain.OrderStatusPending || o.Status == "" {
			o.Status = domain.OrderStatusSubmitted
		}
		o.FilledQuantity = ack.FilledQuantity
		o.AvgFillPrice = ack.AvgFillPrice
		t.byBroker[id] = token
		for _, u := range t.early[id] {
			t.applyLocked(tracked, u)
		}
		delete(t.early, id)
	case errors.Is(err, domain.ErrRejected):
		o.Status = domain.OrderStatusRejected
		o.Reason = rejectionReason(err)
		tracked.err = domain.WithToken(err, token)
	default:
		o.Status = domain.OrderStatusRejected
		o.Reason = ConnectionFailureReason
		if !errors.Is(err, domain.ErrConnection) {
			err = domain.ConnectionError(ConnectionFailureReason, err)
		}
		tracked.err = domain.WithToken(err, token)
	}
	result := *o
	t.mu.Unlock()
	close(tracked.done)

	if err != nil {
		t.logger.WarnContext(ctx, "order_tracker: order rejected",
			slog.String("client_token", token),
			slog.String("symbol", result.Symbol),
			slog.String("reason", result.Reason),
			slog.String("error", err.Error()),
		)
	} else {
		t.logger.InfoContext(ctx, "order_tracker: order submitted",
			slog.String("client_token", token),
			slog.String("symbol", result.Symbol),
			slog.String("side", string(result.Side)),
			slog.Int64("quantity", result.Quantity),
			slog.Int64("broker_order_id", *result.BrokerOrderID),
			slog.String("status", string(result.Status)),
		)
	}
	t.announce(result)
}

func rejectionReason(err error) string {
	var e *domain.Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// ApplyStatus records an asynchronous broker status change. Updates for
// orders whose acknowledgement has not been recorded yet are held until it
// is.
func (t *OrderTracker) ApplyStatus(u domain.OrderStatusUpdate) {
	t.mu.Lock()
	token, ok := t.byBroker[u.BrokerOrderID]
	if !ok {
		if len(t.early) < maxEarlyUpdates || t.early[u.BrokerOrderID] != nil {
			t.early[u.BrokerOrderID] = append(t.early[u.BrokerOrderID], u)
		}
		t.mu.Unlock()
		return
	}
	tracked, ok := t.orders[token]
	if !ok {
		t.mu.Unlock()
		return
	}
	changed := t.applyLocked(tracked, u)
	result := tracked.order
	t.mu.Unlock()

	if changed {
		t.logger.Info("order_tracker: status changed",
			slog.String("client_token", token),
			slog.Int64("broker_order_id", u.BrokerOrderID),
			slog.String("status", string(result.Status)),
		)
		t.announce(result)
	}
}

// applyLocked merges u into tracked. Terminal orders never change. It
// reports whether the status moved.
func (t *OrderTracker) applyLocked(tracked *trackedOrder, u domain.OrderStatusUpdate) bool {
	o := &tracked.order
	if o.Status.Terminal() || u.Status == "" || u.Status == domain.OrderStatusPending {
		return false
	}
	if !u.FilledQuantity.IsZero() {
		o.FilledQuantity = u.FilledQuantity
	}
	if !u.AvgFillPrice.IsZero() {
		o.AvgFillPrice = u.AvgFillPrice
	}
	o.UpdatedAt = t.now()
	if u.Status == o.Status {
		return false
	}
	o.Status = u.Status
	if u.Reason != "" && (u.Status == domain.OrderStatusRejected || u.Status == domain.OrderStatusCancelled) {
		o.Reason = u.Reason
	}
	return true
}

// Get returns the order recorded for token.
func (t *OrderTracker) Get(token string) (domain.Order, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tracked, ok := t.orders[token]
	if !ok {
		return domain.Order{}, fmt.Errorf("order_tracker: token %q: %w", token, domain.ErrNotFound)
	}
	return tracked.order, nil
}

// List returns every tracked order, oldest first.
func (t *OrderTracker) List() []domain.Order {
	t.mu.Lock()
	out := make([]domain.Order, 0, len(t.orders))
	for _, tracked := range t.orders {
		out = append(out, tracked.order)
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientToken < out[j].ClientToken
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Run sweeps expired orders every SweepInterval until ctx ends.
func (t *OrderTracker) Run(ctx context.Context) error {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.InfoContext(ctx, "order_tracker: evicted orders", slog.Int("count", n))
			}
		}
	}
}

// Sweep forgets finished orders last updated more than Retention ago, then
// the oldest finished orders beyond MaxRetained. PENDING orders are never
// evicted. It returns the number of orders removed.
func (t *OrderTracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	var finished []*trackedOrder
	for token, tracked := range t.orders {
		if tracked.order.Status == domain.OrderStatusPending {
			continue
		}
		if now.Sub(tracked.order.UpdatedAt) > t.cfg.Retention {
			t.evictLocked(token, tracked)
			removed++
			continue
		}
		finished = append(finished, tracked)
	}

	if excess := len(t.orders) - t.cfg.MaxRetained; excess > 0 {
		sort.Slice(finished, func(i, j int) bool {
			return finished[i].order.UpdatedAt.Before(finished[j].order.UpdatedAt)
		})
		for i := 0; i < excess && i < len(finished); i++ {
			t.evictLocked(finished[i].order.ClientToken, finished[i])
			removed++
		}
	}

	for id, updates := range t.early {
		if len(updates) == 0 || now.Sub(updates[len(updates)-1].ReceivedAt) > earlyUpdateTTL {
			delete(t.early, id)
		}
	}
	return removed
}

func (t *OrderTracker) evictLocked(token string, tracked *trackedOrder) {
	delete(t.orders, token)
	if tracked.order.BrokerOrderID != nil {
		delete(t.byBroker, *tracked.order.BrokerOrderID)
	}
}

// announce publishes the order on the orders channel and alerts on fills and
// rejections.
func (t *OrderTracker) announce(o domain.Order) {
	eventType := "order_" + strings.ToLower(string(o.Status))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if t.bus != nil {
		payload, err := json.Marshal(domain.Event{Type: eventType, Time: t.now(), Payload: o})
		if err == nil {
			err = t.bus.Publish(ctx, domain.ChannelOrders, payload)
		}
		if err != nil {
			t.logger.Warn("order_tracker: publish event failed",
				slog.String("client_token", o.ClientToken),
				slog.String("error", err.Error()),
			)
		}
	}

	if t.alerts == nil {
		return
	}
	var title, msg string
	switch o.Status {
	case domain.OrderStatusFilled:
		title = "Order filled"
		msg = fmt.Sprintf("%s %d %s filled at %s (token %s)",
			o.Side, o.Quantity, o.Symbol, o.AvgFillPrice.String(), o.ClientToken)
	case domain.OrderStatusRejected:
		title = "Order rejected"
		msg = fmt.Sprintf("%s %d %s rejected: %s (token %s)",
			o.Side, o.Quantity, o.Symbol, o.Reason, o.ClientToken)
	default:
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := t.alerts.Notify(ctx, eventType, title, msg); err != nil {
			t.logger.Warn("order_tracker: alert failed", slog.String("error", err.Error()))
		}
	}()
}
