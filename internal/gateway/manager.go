package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

var errLinkLost = errors.New("gateway: link lost")

// Config tunes connection retries, timeouts and the heartbeat.
type Config struct {
	ConnectAttempts   int
	BackoffBase       time.Duration
	BackoffFactor     float64
	BackoffMax        time.Duration
	CallTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ConnectAttempts:   3,
		BackoffBase:       time.Second,
		BackoffFactor:     2,
		BackoffMax:        8 * time.Second,
		CallTimeout:       10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = def.ConnectAttempts
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = def.BackoffBase
	}
	if c.BackoffFactor < 1 {
		c.BackoffFactor = def.BackoffFactor
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
	return c
}

// CallBudget is the longest a single request can spend in the Manager: a
// full connect round with its backoff sleeps, then one broker call.
func (c Config) CallBudget() time.Duration {
	c = c.withDefaults()
	budget := time.Duration(c.ConnectAttempts) * c.CallTimeout
	delay := c.BackoffBase
	for i := 1; i < c.ConnectAttempts; i++ {
		budget += delay
		delay = time.Duration(float64(delay) * c.BackoffFactor)
		if delay > c.BackoffMax {
			delay = c.BackoffMax
		}
	}
	return budget + c.CallTimeout
}

// Manager owns the brokerage session and its state machine:
//
//	DISCONNECTED -> CONNECTING -> READY -> DEGRADED -> READY
//	                                        DEGRADED -> CLOSED
//
// Every call takes the single session slot first, so at most one request is
// on the wire at any time. Waiters queue on the slot and give up when their
// context ends.
type Manager struct {
	cfg    Config
	dialer Dialer
	bus    domain.SignalBus
	alerts Notifier
	logger *slog.Logger

	slot chan struct{}
	wake chan struct{}

	mu            sync.RWMutex
	state         domain.ConnState
	link          Link
	lastHeartbeat time.Time
	connectedAt   time.Time
	attempts      int
	lastErr       string

	handlersMu sync.RWMutex
	handlers   []func(domain.OrderStatusUpdate)
}

// NewManager creates a Manager in the DISCONNECTED state. bus and alerts may
// be nil.
func NewManager(cfg Config, dialer Dialer, bus domain.SignalBus, alerts Notifier, logger *slog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		bus:    bus,
		alerts: alerts,
		logger: logger.With(slog.String("component", "gateway")),
		slot:   make(chan struct{}, 1),
		wake:   make(chan struct{}, 1),
		state:  domain.ConnDisconnected,
	}
}

// OnOrderStatus registers fn to receive broker order status changes. It must
// be called before the first connection is made.
func (m *Manager) OnOrderStatus(fn func(domain.OrderStatusUpdate)) {
	m.handlersMu.Lock()
	m.handlers = append(m.handlers, fn)
	m.handlersMu.Unlock()
}

func (m *Manager) dispatchStatus(u domain.OrderStatusUpdate) {
	m.handlersMu.RLock()
	defer m.handlersMu.RUnlock()
	for _, fn := range m.handlers {
		fn(u)
	}
}

// Status returns a read-only view of the session.
func (m *Manager) Status() domain.ConnectionStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() domain.ConnectionStatus {
	st := domain.ConnectionStatus{
		State:           m.state,
		LastHeartbeat:   m.lastHeartbeat,
		ConnectedAt:     m.connectedAt,
		Attempts:        m.attempts,
		LastError:       m.lastErr,
		ManagedAccounts: []string{},
	}
	if m.link != nil && m.state == domain.ConnReady {
		st.ManagedAccounts = m.link.ManagedAccounts()
	}
	return st
}

// Acquire returns once the session is READY, connecting if needed. It fails
// with a ConnectionError once the retry budget is spent.
func (m *Manager) Acquire(ctx context.Context) (domain.ConnectionStatus, error) {
	if err := m.takeSlot(ctx); err != nil {
		return m.Status(), err
	}
	defer m.releaseSlot()

	if _, err := m.ensureConnected(ctx); err != nil {
		return m.Status(), err
	}
	return m.Status(), nil
}

// SubmitOrder places order on the session. It returns the broker's order id
// and first status, a RejectionError when the broker refuses the order, or a
// ConnectionError for anything else.
func (m *Manager) SubmitOrder(ctx context.Context, order domain.Order) (domain.OrderAck, error) {
	var ack domain.OrderAck
	err := m.withSession(ctx, "submit order", func(ctx context.Context, link Link) error {
		var err error
		ack, err = link.PlaceOrder(ctx, order)
		return err
	})
	return ack, err
}

// FetchAccount reads account values and positions in one session turn.
func (m *Manager) FetchAccount(ctx context.Context) (domain.AccountSnapshot, error) {
	var snap domain.AccountSnapshot
	err := m.withSession(ctx, "fetch account", func(ctx context.Context, link Link) error {
		summary, err := link.AccountSummary(ctx)
		if err != nil {
			return err
		}
		positions, err := link.Portfolio(ctx)
		if err != nil {
			return err
		}
		snap = domain.AccountSnapshot{
			Account:        summary.Account,
			Cash:           summary.Cash,
			NetLiquidation: summary.NetLiquidation,
			BuyingPower:    summary.BuyingPower,
			Positions:      positions,
			CapturedAt:     time.Now().UTC(),
		}
		return nil
	})
	if errors.Is(err, domain.ErrRejected) {
		// Request-scoped refusals on account reads are not order rejections.
		return domain.AccountSnapshot{}, domain.ConnectionError("fetch account failed", err)
	}
	return snap, err
}

// Reset closes the current link, if any, and connects from scratch. It is the
// only way out of CLOSED besides a restart.
func (m *Manager) Reset(ctx context.Context) (domain.ConnectionStatus, error) {
	if err := m.takeSlot(ctx); err != nil {
		return m.Status(), err
	}
	defer m.releaseSlot()

	m.mu.Lock()
	old := m.link
	m.link = nil
	m.state = domain.ConnDisconnected
	m.lastErr = ""
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.logger.InfoContext(ctx, "gateway: manual reset requested")

	if _, err := m.ensureConnected(ctx); err != nil {
		return m.Status(), err
	}
	return m.Status(), nil
}

// Close shuts the session down. The manager stays CLOSED until Reset.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.state == domain.ConnClosed && m.link == nil {
		m.mu.Unlock()
		return nil
	}
	link := m.link
	m.link = nil
	m.state = domain.ConnClosed
	status := m.statusLocked()
	m.mu.Unlock()

	var err error
	if link != nil {
		err = link.Close()
	}
	m.announce(status)
	return err
}

// Run performs the initial connection, then keeps the session healthy until
// ctx ends: it sends a heartbeat every HeartbeatInterval, notices dropped
// sockets and reconnects a DEGRADED session in the background.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "gateway: manager started",
		slog.Duration("heartbeat_interval", m.cfg.HeartbeatInterval),
	)
	if _, err := m.Acquire(ctx); err != nil {
		m.logger.WarnContext(ctx, "gateway: initial connect failed",
			slog.String("error", err.Error()),
		)
	}

	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		var linkDone <-chan struct{}
		m.mu.RLock()
		link := m.link
		if link != nil && m.state == domain.ConnReady {
			linkDone = link.Done()
		}
		m.mu.RUnlock()

		select {
		case <-ctx.Done():
			m.logger.Info("gateway: manager stopping")
			m.Close()
			return nil
		case <-ticker.C:
			m.heartbeat(ctx)
		case <-linkDone:
			m.degrade(link, errLinkLost)
		case <-m.wake:
		}

		if m.Status().State == domain.ConnDegraded {
			m.reconnect(ctx)
		}
	}
}

func (m *Manager) reconnect(ctx context.Context) {
	if err := m.takeSlot(ctx); err != nil {
		return
	}
	defer m.releaseSlot()
	if _, err := m.ensureConnected(ctx); err != nil {
		m.logger.WarnContext(ctx, "gateway: reconnect failed",
			slog.String("state", string(m.Status().State)),
			slog.String("error", err.Error()),
		)
	}
}

// heartbeat asks the gateway for its clock. A failure degrades the session.
func (m *Manager) heartbeat(ctx context.Context) {
	if err := m.takeSlot(ctx); err != nil {
		return
	}
	defer m.releaseSlot()

	m.mu.RLock()
	link, state := m.link, m.state
	m.mu.RUnlock()
	if state != domain.ConnReady || link == nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	if _, err := link.CurrentTime(callCtx); err != nil {
		if ctx.Err() != nil {
			return
		}
		m.logger.WarnContext(ctx, "gateway: heartbeat failed", slog.String("error", err.Error()))
		m.degrade(link, fmt.Errorf("heartbeat: %w", err))
		return
	}
	m.mu.Lock()
	if m.link == link {
		m.lastHeartbeat = time.Now().UTC()
	}
	m.mu.Unlock()
}

// withSession runs fn against a READY link while holding the session slot.
// fn is bounded by CallTimeout. Broker rejections pass through; any other
// failure degrades the session and is reported as a ConnectionError.
func (m *Manager) withSession(ctx context.Context, op string, fn func(ctx context.Context, link Link) error) error {
	if err := m.takeSlot(ctx); err != nil {
		return err
	}
	defer m.releaseSlot()

	link, err := m.ensureConnected(ctx)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()
	err = fn(callCtx, link)
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrRejected) {
		return err
	}
	if ctx.Err() != nil {
		// The caller went away; the session itself may be fine.
		return domain.ConnectionError(op+" abandoned", ctx.Err())
	}
	m.logger.WarnContext(ctx, "gateway: call failed",
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	m.degrade(link, fmt.Errorf("%s: %w", op, err))
	return domain.ConnectionError(op+" failed", err)
}

func (m *Manager) takeSlot(ctx context.Context) error {
	select {
	case m.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.ConnectionError("waiting for gateway session", ctx.Err())
	}
}

func (m *Manager) releaseSlot() { <-m.slot }

// ensureConnected returns the READY link, running a connect round when the
// session is DISCONNECTED or DEGRADED. The caller must hold the slot.
func (m *Manager) ensureConnected(ctx context.Context) (Link, error) {
	m.mu.RLock()
	state, link := m.state, m.link
	m.mu.RUnlock()

	switch state {
	case domain.ConnReady:
		select {
		case <-link.Done():
			m.degrade(link, errLinkLost)
			state = domain.ConnDegraded
		default:
			return link, nil
		}
	case domain.ConnClosed:
		return nil, domain.ConnectionError("gateway session closed", domain.ErrClosed)
	}
	return m.connect(ctx, state)
}

// connect runs one bounded round of dial attempts with exponential backoff.
// When the round fails, a session that started DISCONNECTED returns there
// and a DEGRADED session is CLOSED.
func (m *Manager) connect(ctx context.Context, from domain.ConnState) (Link, error) {
	m.mu.Lock()
	old := m.link
	m.link = nil
	m.state = domain.ConnConnecting
	m.attempts = 0
	status := m.statusLocked()
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.announce(status)

	delay := m.cfg.BackoffBase
	var lastErr error
	for attempt := 1; attempt <= m.cfg.ConnectAttempts; attempt++ {
		m.mu.Lock()
		m.attempts = attempt
		m.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		link, err := m.dialer.Dial(dialCtx, m.dispatchStatus)
		cancel()
		if err == nil {
			if !m.setReady(link) {
				return nil, domain.ConnectionError("gateway session closed", domain.ErrClosed)
			}
			return link, nil
		}
		lastErr = err
		m.logger.WarnContext(ctx, "gateway: connect attempt failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", m.cfg.ConnectAttempts),
			slog.String("error", err.Error()),
		)

		if attempt == m.cfg.ConnectAttempts {
			break
		}
		if err := sleepCtx(ctx, delay); err != nil {
			lastErr = err
			break
		}
		delay = time.Duration(float64(delay) * m.cfg.BackoffFactor)
		if delay > m.cfg.BackoffMax {
			delay = m.cfg.BackoffMax
		}
	}

	next := domain.ConnDisconnected
	switch {
	case ctx.Err() != nil:
		// Interrupted rather than exhausted; leave the budget for next time.
		next = from
	case from == domain.ConnDegraded:
		next = domain.ConnClosed
	}

	m.mu.Lock()
	if m.state == domain.ConnClosed {
		// Closed underneath us by shutdown.
		next = domain.ConnClosed
	}
	m.state = next
	m.lastErr = lastErr.Error()
	status = m.statusLocked()
	m.mu.Unlock()
	m.announce(status)

	if next == domain.ConnClosed {
		m.logger.Error("gateway: reconnect budget exhausted, session closed",
			slog.String("error", lastErr.Error()),
		)
		return nil, domain.ConnectionError("gateway session closed after failed reconnect", lastErr)
	}
	return nil, domain.ConnectionError("gateway unreachable", lastErr)
}

// setReady installs link as the session. It reports false, and closes link,
// when the manager was closed while dialing.
func (m *Manager) setReady(link Link) bool {
	now := time.Now().UTC()
	m.mu.Lock()
	if m.state == domain.ConnClosed {
		m.mu.Unlock()
		link.Close()
		return false
	}
	m.link = link
	m.state = domain.ConnReady
	m.connectedAt = now
	m.lastHeartbeat = now
	m.lastErr = ""
	status := m.statusLocked()
	m.mu.Unlock()

	m.logger.Info("gateway: session ready",
		slog.Int("attempts", status.Attempts),
		slog.Any("accounts", status.ManagedAccounts),
	)
	m.announce(status)
	return true
}

// degrade marks link's session DEGRADED and wakes the Run loop to
// reconnect. It is a no-op when link is no longer the current READY link.
func (m *Manager) degrade(link Link, cause error) {
	m.mu.Lock()
	if m.link != link || m.state != domain.ConnReady {
		m.mu.Unlock()
		return
	}
	m.state = domain.ConnDegraded
	m.lastErr = cause.Error()
	status := m.statusLocked()
	m.mu.Unlock()

	link.Close()
	m.logger.Warn("gateway: session degraded", slog.String("cause", cause.Error()))
	m.announce(status)

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// announce publishes a state change and alerts operators on the states that
// need attention.
func (m *Manager) announce(status domain.ConnectionStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.bus != nil {
		payload, err := json.Marshal(domain.Event{
			Type:    "connection_state",
			Time:    time.Now().UTC(),
			Payload: status,
		})
		if err == nil {
			err = m.bus.Publish(ctx, domain.ChannelConnection, payload)
		}
		if err != nil {
			m.logger.Warn("gateway: publish state change failed", slog.String("error", err.Error()))
		}
	}

	if m.alerts == nil {
		return
	}
	var event, title string
	switch status.State {
	case domain.ConnReady:
		event, title = "connection_ready", "IB gateway connected"
	case domain.ConnDegraded:
		event, title = "connection_degraded", "IB gateway connection degraded"
	case domain.ConnClosed:
		event, title = "connection_closed", "IB gateway connection closed"
	default:
		return
	}
	msg := fmt.Sprintf("state=%s attempts=%d", status.State, status.Attempts)
	if status.LastError != "" {
		msg += " error=" + status.LastError
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := m.alerts.Notify(ctx, event, title, msg); err != nil {
			m.logger.Warn("gateway: alert failed", slog.String("error", err.Error()))
		}
	}()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
