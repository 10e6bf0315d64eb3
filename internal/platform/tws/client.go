// Package tws adapts an Interactive Brokers TWS / IB Gateway session, driven
// by github.com/scmhub/ibsync, to the synchronous link the gateway manager
// expects. Orders are acknowledged once the gateway has had a short window to
// refuse them; later fills and cancellations arrive through the status
// handler.
package tws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultAckWait          = 500 * time.Millisecond
	defaultLivenessInterval = time.Second
)

// ErrDisconnected is returned by calls on a client whose session has gone.
var ErrDisconnected = errors.New("tws: disconnected")

// Config holds the gateway endpoint and session parameters.
type Config struct {
	Host             string
	Port             int
	ClientID         int
	Account          string // empty selects the first managed account
	HandshakeTimeout time.Duration

	// AckWait is how long PlaceOrder gives the gateway to refuse an order
	// before reporting it SUBMITTED.
	AckWait time.Duration
	// LivenessInterval is how often the session's socket is checked.
	LivenessInterval time.Duration
}

// StatusHandler receives order status changes reported after the ack.
type StatusHandler func(domain.OrderStatusUpdate)

// Client is one API session with TWS or IB Gateway. A Client is not
// reusable: once its session drops, Done is closed and a new Client must be
// dialed.
type Client struct {
	cfg      Config
	logger   *slog.Logger
	onStatus StatusHandler
	connect  func(Config) (session, error)

	sess     session
	accounts []string

	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	closeErr  error
}

// Option customises a Client.
type Option func(*Client)

// withConnector replaces the ibsync connector in tests.
func withConnector(connect func(Config) (session, error)) Option {
	return func(c *Client) { c.connect = connect }
}

// Dial connects to the gateway and waits for the session to report its
// managed accounts.
func Dial(ctx context.Context, cfg Config, onStatus StatusHandler, logger *slog.Logger, opts ...Option) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = defaultAckWait
	}
	if cfg.LivenessInterval <= 0 {
		cfg.LivenessInterval = defaultLivenessInterval
	}
	c := &Client{
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "tws")),
		onStatus: onStatus,
		connect:  connectIB,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}

	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	sess, err := c.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("tws: connect %s: %w", addr, err)
	}
	c.sess = sess
	c.accounts = sess.managedAccounts()
	if cfg.Account != "" && !slices.Contains(c.accounts, cfg.Account) {
		c.logger.WarnContext(ctx, "tws: configured account is not managed by this login",
			slog.String("account", cfg.Account),
			slog.Any("managed", c.accounts),
		)
	}
	c.logger.InfoContext(ctx, "tws: session started",
		slog.String("addr", addr),
		slog.Int("client_id", cfg.ClientID),
		slog.Any("accounts", c.accounts),
	)

	go c.watchLiveness()
	return c, nil
}

// open runs the blocking connector, giving up when ctx ends. A session that
// connects after the caller gave up is disconnected.
func (c *Client) open(ctx context.Context) (session, error) {
	type result struct {
		sess session
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		sess, err := c.connect(c.cfg)
		ch <- result{sess, err}
	}()

	select {
	case r := <-ch:
		return r.sess, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.sess != nil {
				_ = r.sess.disconnect()
			}
		}()
		return nil, ctx.Err()
	}
}

func (c *Client) watchLiveness() {
	ticker := time.NewTicker(c.cfg.LivenessInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if !c.sess.connected() {
				c.logger.Warn("tws: session lost")
				c.shutdown(fmt.Errorf("%w: socket closed", ErrDisconnected))
				return
			}
		}
	}
}

// ManagedAccounts returns the accounts reported at session start.
func (c *Client) ManagedAccounts() []string {
	return slices.Clone(c.accounts)
}

// Done is closed when the session ends for any reason.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the reason the session ended, or nil while it is alive.
func (c *Client) Err() error {
	select {
	case <-c.done:
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.closeErr
	default:
		return nil
	}
}

// Close ends the session.
func (c *Client) Close() error {
	c.shutdown(ErrDisconnected)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = cause
		c.mu.Unlock()
		close(c.done)
		if err := c.sess.disconnect(); err != nil {
			c.logger.Debug("tws: disconnect", slog.String("error", err.Error()))
		}
	})
}

// PlaceOrder submits order and waits up to AckWait for the gateway to settle
// it. An order the gateway cancels or deactivates in that window fails with a
// RejectionError carrying the gateway's message. An order still working when
// the window closes is acknowledged SUBMITTED and followed until it is done.
func (c *Client) PlaceOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error) {
	select {
	case <-c.done:
		return domain.OrderAck{}, ErrDisconnected
	default:
	}

	tr, err := c.sess.placeOrder(orderTicket{
		Symbol:     wireSymbol(order.Symbol),
		Action:     string(order.Side),
		Quantity:   order.Quantity,
		LimitPrice: order.LimitPrice,
		Account:    c.account(),
		OrderRef:   order.ClientToken,
	})
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("tws: place order: %w", err)
	}
	id := tr.orderID()

	timer := time.NewTimer(c.cfg.AckWait)
	defer timer.Stop()

	select {
	case <-tr.done():
		res := tr.result()
		ack := domain.OrderAck{
			BrokerOrderID:  id,
			Status:         mapStatus(res.Status),
			FilledQuantity: res.Filled,
			AvgFillPrice:   res.AvgFillPrice,
		}
		switch ack.Status {
		case domain.OrderStatusCancelled, domain.OrderStatusRejected:
			return ack, domain.RejectionError(rejectionReason(res))
		}
		return ack, nil
	case <-timer.C:
	case <-ctx.Done():
		go c.follow(id, tr)
		return domain.OrderAck{}, ctx.Err()
	case <-c.done:
		return domain.OrderAck{}, ErrDisconnected
	}

	go c.follow(id, tr)
	return domain.OrderAck{BrokerOrderID: id, Status: domain.OrderStatusSubmitted}, nil
}

// follow reports tr's final state through the status handler. It runs on its
// own goroutine so a slow handler never holds up the session.
func (c *Client) follow(id int64, tr trade) {
	select {
	case <-tr.done():
	case <-c.done:
		return
	}
	res := tr.result()
	u := domain.OrderStatusUpdate{
		BrokerOrderID:  id,
		Status:         mapStatus(res.Status),
		FilledQuantity: res.Filled,
		Remaining:      res.Remaining,
		AvgFillPrice:   res.AvgFillPrice,
		ReceivedAt:     time.Now().UTC(),
	}
	if u.Status == domain.OrderStatusCancelled || u.Status == domain.OrderStatusRejected {
		u.Reason = rejectionReason(res)
	}
	c.logger.Info("tws: order done",
		slog.Int64("order_id", id),
		slog.String("status", res.Status),
	)
	if c.onStatus != nil {
		c.onStatus(u)
	}
}

func rejectionReason(res tradeResult) string {
	if res.Message != "" {
		return res.Message
	}
	return "order " + res.Status
}

// AccountSummary folds the account values the session keeps for the
// configured account into cash, net liquidation and buying power.
func (c *Client) AccountSummary(ctx context.Context) (domain.AccountSummary, error) {
	if err := c.alive(ctx); err != nil {
		return domain.AccountSummary{}, err
	}
	account := c.account()
	return buildSummary(account, c.sess.accountValues(account)), nil
}

// Portfolio returns the configured account's non-flat positions.
func (c *Client) Portfolio(ctx context.Context) ([]domain.Position, error) {
	if err := c.alive(ctx); err != nil {
		return nil, err
	}
	rows := c.sess.portfolio(c.account())
	positions := make([]domain.Position, 0, len(rows))
	for _, p := range rows {
		if p.Position.IsZero() {
			continue
		}
		positions = append(positions, domain.Position{
			Symbol:      strings.ReplaceAll(p.Symbol, " ", "."),
			Quantity:    p.Position,
			MarketPrice: p.MarketPrice,
			MarketValue: p.MarketValue,
			AvgCost:     p.AvgCost,
		})
	}
	return positions, nil
}

// CurrentTime asks the gateway for its clock. It doubles as the heartbeat.
func (c *Client) CurrentTime(ctx context.Context) (time.Time, error) {
	if err := c.alive(ctx); err != nil {
		return time.Time{}, err
	}
	type result struct {
		t   time.Time
		err error
	}
	ch := make(chan result, 1)
	go func() {
		t, err := c.sess.currentTime()
		ch <- result{t, err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			return time.Time{}, fmt.Errorf("tws: current time: %w", r.err)
		}
		return r.t.UTC(), nil
	case <-ctx.Done():
		return time.Time{}, ctx.Err()
	case <-c.done:
		return time.Time{}, ErrDisconnected
	}
}

func (c *Client) alive(ctx context.Context) error {
	select {
	case <-c.done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func (c *Client) account() string {
	if c.cfg.Account != "" {
		return c.cfg.Account
	}
	if len(c.accounts) > 0 {
		return c.accounts[0]
	}
	return ""
}

// wireSymbol maps class shares to the gateway's spelling: BRK.B is "BRK B".
func wireSymbol(symbol string) string {
	return strings.ReplaceAll(symbol, ".", " ")
}

// buildSummary folds account rows for account into a summary. Per-currency
// cash comes from the CashBalance rows; TotalCashValue is the fallback when
// those are absent.
func buildSummary(account string, rows []accountRow) domain.AccountSummary {
	s := domain.AccountSummary{
		Account: account,
		Cash:    make(map[string]decimal.Decimal),
	}
	var totalCash decimal.Decimal
	var totalCcy string
	for _, row := range rows {
		if account != "" && row.Account != account {
			continue
		}
		v, err := decimal.NewFromString(row.Value)
		if err != nil {
			continue
		}
		switch row.Tag {
		case "NetLiquidation":
			s.NetLiquidation = v
		case "BuyingPower":
			s.BuyingPower = v
		case "TotalCashValue":
			totalCash, totalCcy = v, row.Currency
		case "CashBalance":
			if row.Currency != "" && row.Currency != "BASE" {
				s.Cash[row.Currency] = v
			}
		}
	}
	if len(s.Cash) == 0 && totalCcy != "" {
		s.Cash[totalCcy] = totalCash
	}
	return s
}

// mapStatus translates a gateway order status into the domain lifecycle.
func mapStatus(s string) domain.OrderStatus {
	switch s {
	case "Filled":
		return domain.OrderStatusFilled
	case "Cancelled", "ApiCancelled":
		return domain.OrderStatusCancelled
	case "Inactive":
		return domain.OrderStatusRejected
	default:
		// ApiPending, PendingSubmit, PreSubmitted, Submitted, PendingCancel
		return domain.OrderStatusSubmitted
	}
}
