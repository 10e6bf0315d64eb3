// Package simulator provides an in-memory brokerage link for local
// development and paper runs. It tracks cash, positions and orders without
// any network calls and fills orders against fixed reference prices.
package simulator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// Config seeds the simulated account.
type Config struct {
	Account      string
	StartingCash decimal.Decimal
	DefaultPrice decimal.Decimal

	// Prices maps symbols to the price marketable orders fill at. Symbols
	// not listed use DefaultPrice.
	Prices map[string]decimal.Decimal

	// FillDelay is how long after the acknowledgement a marketable order is
	// reported filled.
	FillDelay time.Duration
}

// DefaultConfig returns a paper account with 100k USD.
func DefaultConfig() Config {
	return Config{
		Account:      "DU0000000",
		StartingCash: decimal.NewFromInt(100_000),
		DefaultPrice: decimal.NewFromInt(100),
		FillDelay:    50 * time.Millisecond,
	}
}

type holding struct {
	qty     decimal.Decimal
	avgCost decimal.Decimal
}

// Link is a simulated gateway session. Account state lives and dies with
// the session.
type Link struct {
	cfg      Config
	onStatus func(domain.OrderStatusUpdate)

	mu        sync.Mutex
	nextID    int64
	cash      decimal.Decimal
	positions map[string]*holding

	done      chan struct{}
	closeOnce sync.Once
}

// Dial opens a simulated session. onStatus may be nil.
func Dial(_ context.Context, cfg Config, onStatus func(domain.OrderStatusUpdate)) (*Link, error) {
	if cfg.Account == "" {
		cfg.Account = DefaultConfig().Account
	}
	if cfg.DefaultPrice.IsZero() {
		cfg.DefaultPrice = DefaultConfig().DefaultPrice
	}
	return &Link{
		cfg:       cfg,
		onStatus:  onStatus,
		nextID:    1,
		cash:      cfg.StartingCash,
		positions: make(map[string]*holding),
		done:      make(chan struct{}),
	}, nil
}

func (l *Link) price(symbol string) decimal.Decimal {
	if p, ok := l.cfg.Prices[symbol]; ok {
		return p
	}
	return l.cfg.DefaultPrice
}

// PlaceOrder acknowledges order as submitted. Marketable orders are filled
// FillDelay later; limit orders away from the reference price rest
// unfilled. A buy the cash balance cannot cover is rejected.
func (l *Link) PlaceOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error) {
	select {
	case <-l.done:
		return domain.OrderAck{}, domain.ErrClosed
	case <-ctx.Done():
		return domain.OrderAck{}, ctx.Err()
	default:
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	px := l.price(order.Symbol)
	qty := decimal.NewFromInt(order.Quantity)
	if order.OrderType == domain.OrderTypeLimit && order.LimitPrice != nil {
		marketable := order.LimitPrice.GreaterThanOrEqual(px)
		if order.Side == domain.OrderSideSell {
			marketable = order.LimitPrice.LessThanOrEqual(px)
		}
		if !marketable {
			id := l.nextID
			l.nextID++
			return domain.OrderAck{BrokerOrderID: id, Status: domain.OrderStatusSubmitted}, nil
		}
	}

	if order.Side == domain.OrderSideBuy && qty.Mul(px).GreaterThan(l.cash) {
		return domain.OrderAck{}, domain.RejectionError(fmt.Sprintf(
			"Order rejected - reason: insufficient buying power for %s %d %s",
			order.Side, order.Quantity, order.Symbol))
	}

	id := l.nextID
	l.nextID++
	l.apply(order.Side, order.Symbol, qty, px)

	go l.reportFill(id, qty, px)
	return domain.OrderAck{BrokerOrderID: id, Status: domain.OrderStatusSubmitted}, nil
}

// apply books a fill. Caller holds mu.
func (l *Link) apply(side domain.OrderSide, symbol string, qty, px decimal.Decimal) {
	h, ok := l.positions[symbol]
	if !ok {
		h = &holding{}
		l.positions[symbol] = h
	}
	notional := qty.Mul(px)
	if side == domain.OrderSideBuy {
		total := h.qty.Mul(h.avgCost).Add(notional)
		h.qty = h.qty.Add(qty)
		if !h.qty.IsZero() {
			h.avgCost = total.Div(h.qty)
		}
		l.cash = l.cash.Sub(notional)
		return
	}
	h.qty = h.qty.Sub(qty)
	l.cash = l.cash.Add(notional)
	if h.qty.IsZero() {
		delete(l.positions, symbol)
	}
}

func (l *Link) reportFill(id int64, qty, px decimal.Decimal) {
	if l.cfg.FillDelay > 0 {
		t := time.NewTimer(l.cfg.FillDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-l.done:
			return
		}
	}
	if l.onStatus == nil {
		return
	}
	l.onStatus(domain.OrderStatusUpdate{
		BrokerOrderID:  id,
		Status:         domain.OrderStatusFilled,
		FilledQuantity: qty,
		AvgFillPrice:   px,
		ReceivedAt:     time.Now().UTC(),
	})
}

// AccountSummary values the account at reference prices.
func (l *Link) AccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	if err := l.check(ctx); err != nil {
		return domain.AccountSummary{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	netLiq := l.cash
	for sym, h := range l.positions {
		netLiq = netLiq.Add(h.qty.Mul(l.price(sym)))
	}
	return domain.AccountSummary{
		Account:        l.cfg.Account,
		Cash:           map[string]decimal.Decimal{"USD": l.cash},
		NetLiquidation: netLiq,
		BuyingPower:    l.cash,
	}, nil
}

// Portfolio returns open positions ordered by symbol.
func (l *Link) Portfolio(ctx context.Context) ([]domain.Position, error) {
	if err := l.check(ctx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]domain.Position, 0, len(l.positions))
	for sym, h := range l.positions {
		px := l.price(sym)
		out = append(out, domain.Position{
			Symbol:      sym,
			Quantity:    h.qty,
			MarketPrice: px,
			MarketValue: h.qty.Mul(px),
			AvgCost:     h.avgCost,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// CurrentTime returns the local clock.
func (l *Link) CurrentTime(ctx context.Context) (time.Time, error) {
	if err := l.check(ctx); err != nil {
		return time.Time{}, err
	}
	return time.Now().UTC(), nil
}

func (l *Link) check(ctx context.Context) error {
	select {
	case <-l.done:
		return domain.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// ManagedAccounts returns the simulated account id.
func (l *Link) ManagedAccounts() []string { return []string{l.cfg.Account} }

// Done is closed by Close.
func (l *Link) Done() <-chan struct{} { return l.done }

// Close ends the session. Pending fills are dropped.
func (l *Link) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	return nil
}
