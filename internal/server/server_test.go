package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
	"github.com/alanyoungcy/ibkrgw/internal/server/handler"
	"github.com/alanyoungcy/ibkrgw/internal/server/middleware"
)

type fakeOrders struct {
	mu     sync.Mutex
	last   domain.OrderRequest
	submit func(domain.OrderRequest) (domain.Order, error)
	stored map[string]domain.Order
}

func (f *fakeOrders) Submit(_ context.Context, req domain.OrderRequest) (domain.Order, error) {
	f.mu.Lock()
	f.last = req
	f.mu.Unlock()
	return f.submit(req)
}

func (f *fakeOrders) Get(token string) (domain.Order, error) {
	o, ok := f.stored[token]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (f *fakeOrders) List() []domain.Order {
	var out []domain.Order
	for _, o := range f.stored {
		out = append(out, o)
	}
	return out
}

type fakeAccounts struct {
	gotMaxAge time.Duration
	err       error
}

func (f *fakeAccounts) Get(_ context.Context, maxAge time.Duration) (domain.AccountSnapshot, error) {
	f.gotMaxAge = maxAge
	if f.err != nil {
		return domain.AccountSnapshot{}, f.err
	}
	return domain.AccountSnapshot{
		Account:        "DU1",
		Cash:           map[string]decimal.Decimal{"USD": decimal.NewFromInt(1000)},
		NetLiquidation: decimal.NewFromInt(1000),
		BuyingPower:    decimal.NewFromInt(4000),
		Positions:      []domain.Position{},
	}, nil
}

type fakeConn struct {
	status domain.ConnectionStatus
	err    error
	resets int
}

func (f *fakeConn) Status() domain.ConnectionStatus { return f.status }

func (f *fakeConn) Acquire(context.Context) (domain.ConnectionStatus, error) {
	return f.status, f.err
}

func (f *fakeConn) Reset(context.Context) (domain.ConnectionStatus, error) {
	f.resets++
	return f.status, f.err
}

type denyAll struct{}

func (denyAll) Allow(context.Context, string, int, time.Duration) (bool, error) { return false, nil }

type fixture struct {
	orders   *fakeOrders
	accounts *fakeAccounts
	conn     *fakeConn
	handler  http.Handler
}

func newFixture(t *testing.T, cfg Config, limiter domain.RateLimiter) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := &fixture{
		orders: &fakeOrders{
			submit: func(req domain.OrderRequest) (domain.Order, error) {
				id := int64(7)
				return domain.Order{
					ClientToken:   req.ClientToken,
					Symbol:        req.Symbol,
					Side:          domain.OrderSide(req.Side),
					Quantity:      10,
					OrderType:     domain.OrderTypeMarket,
					Status:        domain.OrderStatusSubmitted,
					BrokerOrderID: &id,
				}, nil
			},
			stored: map[string]domain.Order{
				"t1": {ClientToken: "t1", Symbol: "AAPL", Status: domain.OrderStatusFilled},
			},
		},
		accounts: &fakeAccounts{},
		conn: &fakeConn{status: domain.ConnectionStatus{
			State:           domain.ConnReady,
			ManagedAccounts: []string{"DU1"},
		}},
	}
	gw := handler.GatewayInfo{Driver: "tws", Host: "127.0.0.1", Port: 7497, ClientID: 1}
	srv := NewServer(cfg, Handlers{
		Health:     handler.NewHealthHandler(),
		Status:     handler.NewStatusHandler("paper", gw, f.conn, time.Now()),
		Orders:     handler.NewOrderHandler(f.orders, logger),
		Account:    handler.NewAccountHandler(f.accounts, 2*time.Second, logger),
		Connection: handler.NewConnectionHandler(f.conn, gw, logger),
	}, nil, limiter, logger)
	f.handler = srv.Handler()
	return f
}

func (f *fixture) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

type errorEnvelope struct {
	Error struct {
		Kind        string `json:"kind"`
		Message     string `json:"message"`
		ClientToken string `json:"clientToken"`
	} `json:"error"`
	Order *domain.Order `json:"order"`
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return env
}

func TestPlaceOrderReturnsOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(http.MethodPost, "/orders", `{"clientToken":"t9","symbol":"AAPL","side":"BUY","quantity":10}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body %s", rec.Code, rec.Body)
	}
	var o domain.Order
	if err := json.Unmarshal(rec.Body.Bytes(), &o); err != nil {
		t.Fatal(err)
	}
	if o.Status != domain.OrderStatusSubmitted || o.BrokerOrderID == nil || *o.BrokerOrderID != 7 {
		t.Errorf("order = %+v", o)
	}
	if q, ok := f.orders.last.Quantity.(json.Number); !ok || q.String() != "10" {
		t.Errorf("quantity decoded as %T %v, want json.Number 10", f.orders.last.Quantity, f.orders.last.Quantity)
	}
}

func TestBuyAndSellForceSide(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	for path, want := range map[string]string{"/buy": "BUY", "/sell": "SELL"} {
		rec := f.do(http.MethodPost, path, `{"clientToken":"t2","symbol":"AAPL","side":"HOLD","quantity":1}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s status = %d", path, rec.Code)
		}
		if f.orders.last.Side != want {
			t.Errorf("%s side = %q, want %s", path, f.orders.last.Side, want)
		}
	}
}

func TestIdempotencyHeaderSuppliesToken(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.do(http.MethodPost, "/buy", `{"symbol":"AAPL","quantity":1}`, handler.IdempotencyHeader, "hdr-1")
	if f.orders.last.ClientToken != "hdr-1" {
		t.Errorf("ClientToken = %q, want hdr-1", f.orders.last.ClientToken)
	}
}

func TestErrorStatusMapping(t *testing.T) {
	rejected := domain.Order{ClientToken: "t1", Symbol: "AAPL", Status: domain.OrderStatusRejected, Reason: "Order rejected - reason:no trading permissions"}
	tests := []struct {
		name      string
		err       error
		order     domain.Order
		wantCode  int
		wantKind  string
		wantOrder bool
	}{
		{"validation", domain.ValidationError("quantity must be a positive integer"), domain.Order{}, 400, "validation_error", false},
		{"conflict", domain.IdempotencyConflictError("t1"), rejected, 409, "idempotency_conflict", true},
		{"rejection", domain.WithToken(domain.RejectionError(rejected.Reason), "t1"), rejected, 502, "rejection_error", true},
		{"connection", domain.WithToken(domain.ConnectionError("connection failure", nil), "t1"), rejected, 503, "connection_error", true},
		{"internal", io.ErrUnexpectedEOF, domain.Order{}, 500, "internal_error", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, Config{}, nil)
			f.orders.submit = func(domain.OrderRequest) (domain.Order, error) { return tt.order, tt.err }

			rec := f.do(http.MethodPost, "/orders", `{"clientToken":"t1","symbol":"AAPL","side":"BUY","quantity":1}`)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			env := decodeError(t, rec)
			if env.Error.Kind != tt.wantKind {
				t.Errorf("kind = %q, want %q", env.Error.Kind, tt.wantKind)
			}
			if (env.Order != nil) != tt.wantOrder {
				t.Errorf("order attached = %v, want %v", env.Order != nil, tt.wantOrder)
			}
			if tt.name == "rejection" && env.Error.Message != rejected.Reason {
				t.Errorf("message = %q, want broker reason verbatim", env.Error.Message)
			}
		})
	}
}

func TestMalformedBody(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	for _, body := range []string{"", "{", `{"quantity":}`} {
		rec := f.do(http.MethodPost, "/orders", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestGetOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if rec := f.do(http.MethodGet, "/orders/t1", ""); rec.Code != http.StatusOK {
		t.Errorf("known token status = %d, want 200", rec.Code)
	}
	rec := f.do(http.MethodGet, "/orders/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown token status = %d, want 404", rec.Code)
	}
	if env := decodeError(t, rec); env.Error.Kind != "not_found" {
		t.Errorf("kind = %q, want not_found", env.Error.Kind)
	}
}

func TestListOrdersNeverNull(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.orders.stored = nil
	rec := f.do(http.MethodGet, "/orders", "")
	if got := strings.TrimSpace(rec.Body.String()); got != `{"orders":[]}` {
		t.Errorf("body = %s, want empty list", got)
	}
}

func TestAccountMaxAge(t *testing.T) {
	tests := []struct {
		query    string
		wantCode int
		want     time.Duration
	}{
		{"", 200, 2 * time.Second},
		{"?maxAge=500ms", 200, 500 * time.Millisecond},
		{"?maxAge=5", 200, 5 * time.Second},
		{"?maxAge=0.25", 200, 250 * time.Millisecond},
		{"?maxAge=0", 200, 0},
		{"?maxAge=soon", 400, 0},
	}
	for _, tt := range tests {
		f := newFixture(t, Config{}, nil)
		rec := f.do(http.MethodGet, "/account"+tt.query, "")
		if rec.Code != tt.wantCode {
			t.Errorf("GET /account%s status = %d, want %d", tt.query, rec.Code, tt.wantCode)
			continue
		}
		if tt.wantCode == 200 && f.accounts.gotMaxAge != tt.want {
			t.Errorf("GET /account%s maxAge = %v, want %v", tt.query, f.accounts.gotMaxAge, tt.want)
		}
	}
}

func TestAccountConnectionError(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	f.accounts.err = domain.ConnectionError("gateway unreachable", nil)
	if rec := f.do(http.MethodGet, "/account", ""); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestTestConnection(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(http.MethodGet, "/test-connection", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"DU1"`) {
		t.Errorf("ready: status = %d body = %s", rec.Code, rec.Body)
	}

	f.conn.err = domain.ConnectionError("connect failed after 3 attempts", nil)
	f.conn.status = domain.ConnectionStatus{State: domain.ConnDisconnected}
	rec = f.do(http.MethodGet, "/test-connection", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("down: status = %d, want 503", rec.Code)
	}
}

func TestConnectionReset(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	if rec := f.do(http.MethodPost, "/connection/reset", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if f.conn.resets != 1 {
		t.Errorf("resets = %d, want 1", f.conn.resets)
	}
	if rec := f.do(http.MethodGet, "/connection/reset", ""); rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestStatusAndIndex(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"state":"READY"`) {
		t.Errorf("/status = %d %s", rec.Code, rec.Body)
	}
	if rec := f.do(http.MethodGet, "/", ""); rec.Code != http.StatusOK {
		t.Errorf("/ status = %d", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/nope", ""); rec.Code != http.StatusNotFound {
		t.Errorf("/nope status = %d, want 404", rec.Code)
	}
	if rec := f.do(http.MethodGet, "/health", ""); rec.Code != http.StatusOK {
		t.Errorf("/health status = %d", rec.Code)
	}
}

func TestRequestIDEchoed(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	rec := f.do(http.MethodGet, "/health", "", middleware.RequestIDHeader, "abc-123")
	if got := rec.Header().Get(middleware.RequestIDHeader); got != "abc-123" {
		t.Errorf("X-Request-ID = %q, want abc-123", got)
	}
	rec = f.do(http.MethodGet, "/health", "")
	if rec.Header().Get(middleware.RequestIDHeader) == "" {
		t.Errorf("X-Request-ID not generated")
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, Config{CORSOrigins: []string{"https://desk.example"}}, nil)
	rec := f.do(http.MethodOptions, "/orders", "", "Origin", "https://desk.example")
	if rec.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://desk.example" {
		t.Errorf("Allow-Origin = %q", got)
	}
	rec = f.do(http.MethodGet, "/health", "", "Origin", "https://evil.example")
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("Allow-Origin for unknown origin = %q, want empty", got)
	}
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, Config{RateLimit: 1, RateWindow: time.Second}, denyAll{})
	rec := f.do(http.MethodGet, "/health", "")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}

func TestWriteTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	gw := handler.GatewayInfo{Driver: "tws"}
	conn := &fakeConn{}
	handlers := Handlers{
		Health:     handler.NewHealthHandler(),
		Status:     handler.NewStatusHandler("paper", gw, conn, time.Now()),
		Orders:     handler.NewOrderHandler(&fakeOrders{}, logger),
		Account:    handler.NewAccountHandler(&fakeAccounts{}, time.Second, logger),
		Connection: handler.NewConnectionHandler(conn, gw, logger),
	}
	tests := []struct {
		name string
		cfg  Config
		want time.Duration
	}{
		{"default", Config{}, defaultWriteTimeout},
		{"configured", Config{WriteTimeout: 95 * time.Second}, 95 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := NewServer(tt.cfg, handlers, nil, nil, logger)
			if got := srv.httpServer.WriteTimeout; got != tt.want {
				t.Errorf("WriteTimeout = %v, want %v", got, tt.want)
			}
		})
	}
}
