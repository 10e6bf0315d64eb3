package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/alanyoungcy/ibkrgw/internal/config"
	"github.com/alanyoungcy/ibkrgw/internal/domain"
	"github.com/alanyoungcy/ibkrgw/internal/eventbus"
	"github.com/alanyoungcy/ibkrgw/internal/gateway"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func simulatorConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Gateway.Driver = "simulator"
	cfg.Gateway.SimStartingCash = 10_000
	cfg.Gateway.SimFillDelay.Duration = time.Millisecond
	return &cfg
}

type gatewayUnderTest struct {
	url string
}

func startGateway(t *testing.T) *gatewayUnderTest {
	t.Helper()
	cfg := simulatorConfig()
	logger := discardLogger()

	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	a := New(cfg, logger)
	c := a.build(deps)

	ctx, cancel := context.WithCancel(context.Background())
	go c.manager.Run(ctx)
	go c.hub.Run(ctx)
	srv := httptest.NewServer(c.server.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		cleanup()
	})
	return &gatewayUnderTest{url: srv.URL}
}

func (g *gatewayUnderTest) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, g.url+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("%s %s: decode: %v", method, path, err)
	}
	return resp.StatusCode, out
}

func TestGatewayOrderLifecycle(t *testing.T) {
	g := startGateway(t)

	code, first := g.do(t, http.MethodPost, "/orders", `{"clientToken":"t1","symbol":"AAPL","side":"BUY","quantity":10}`)
	if code != http.StatusOK {
		t.Fatalf("submit status = %d, body %v", code, first)
	}
	if first["status"] != string(domain.OrderStatusSubmitted) && first["status"] != string(domain.OrderStatusFilled) {
		t.Errorf("status = %v, want SUBMITTED or FILLED", first["status"])
	}

	code, replay := g.do(t, http.MethodPost, "/orders", `{"clientToken":"t1","symbol":"AAPL","side":"BUY","quantity":10}`)
	if code != http.StatusOK || replay["brokerOrderId"] != first["brokerOrderId"] {
		t.Errorf("replay = %d %v, want 200 with brokerOrderId %v", code, replay, first["brokerOrderId"])
	}

	code, conflict := g.do(t, http.MethodPost, "/orders", `{"clientToken":"t1","symbol":"AAPL","side":"BUY","quantity":11}`)
	if code != http.StatusConflict {
		t.Errorf("conflict status = %d, body %v", code, conflict)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, o := g.do(t, http.MethodGet, "/orders/t1", "")
		if o["status"] == string(domain.OrderStatusFilled) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order never filled: %v", o)
		}
		time.Sleep(5 * time.Millisecond)
	}

	code, acct := g.do(t, http.MethodGet, "/account?maxAge=0", "")
	if code != http.StatusOK {
		t.Fatalf("account status = %d, body %v", code, acct)
	}
	positions, _ := acct["positions"].([]any)
	if len(positions) != 1 {
		t.Fatalf("positions = %v, want one AAPL position", acct["positions"])
	}
	if p := positions[0].(map[string]any); p["symbol"] != "AAPL" {
		t.Errorf("position = %v", p)
	}
}

func TestGatewayRejectionKeepsReason(t *testing.T) {
	g := startGateway(t)

	code, body := g.do(t, http.MethodPost, "/buy", `{"clientToken":"big","symbol":"AAPL","quantity":1000000}`)
	if code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502; body %v", code, body)
	}
	e := body["error"].(map[string]any)
	if !strings.Contains(e["message"].(string), "insufficient buying power") {
		t.Errorf("message = %v", e["message"])
	}
	o := body["order"].(map[string]any)
	if o["status"] != string(domain.OrderStatusRejected) || o["reason"] != e["message"] {
		t.Errorf("order = %v", o)
	}

	code, _ = g.do(t, http.MethodPost, "/buy", `{"clientToken":"big","symbol":"AAPL","quantity":1000000}`)
	if code != http.StatusOK {
		t.Errorf("replay of rejected order status = %d, want 200", code)
	}
}

func TestGatewayConnectionEndpoints(t *testing.T) {
	g := startGateway(t)

	code, body := g.do(t, http.MethodGet, "/test-connection", "")
	if code != http.StatusOK || body["success"] != true {
		t.Fatalf("test-connection = %d %v", code, body)
	}
	code, body = g.do(t, http.MethodGet, "/status", "")
	if code != http.StatusOK || body["tradingMode"] != "paper" {
		t.Errorf("status = %d %v", code, body)
	}
	code, body = g.do(t, http.MethodPost, "/connection/reset", "")
	if code != http.StatusOK {
		t.Errorf("reset = %d %v", code, body)
	}
}

func TestWireWithoutRedisUsesLocalBus(t *testing.T) {
	deps, cleanup, err := Wire(context.Background(), simulatorConfig(), discardLogger())
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	defer cleanup()
	if _, ok := deps.Bus.(*eventbus.Local); !ok {
		t.Errorf("Bus = %T, want *eventbus.Local", deps.Bus)
	}
	if deps.RateLimiter != nil {
		t.Errorf("RateLimiter = %T, want nil", deps.RateLimiter)
	}
	if deps.Notifier.Enabled() {
		t.Errorf("Notifier enabled without senders")
	}
}

func TestWireWithRedisUsesAsyncBus(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := simulatorConfig()
	cfg.Redis.Addr = mr.Addr()
	deps, cleanup, err := Wire(context.Background(), cfg, discardLogger())
	if err != nil {
		t.Fatalf("Wire() error = %v", err)
	}
	defer cleanup()
	if _, ok := deps.Bus.(*eventbus.Async); !ok {
		t.Errorf("Bus = %T, want *eventbus.Async", deps.Bus)
	}
	if deps.RateLimiter == nil {
		t.Error("RateLimiter = nil, want redis limiter")
	}
}

func TestWriteTimeoutCoversCallBudget(t *testing.T) {
	tests := []struct {
		name string
		cfg  gateway.Config
		want time.Duration
	}{
		{"defaults", gateway.DefaultConfig(), 91 * time.Second},
		{"slow broker", gateway.Config{ConnectAttempts: 5, CallTimeout: 30 * time.Second}, 395 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := writeTimeout(tt.cfg)
			if got != tt.want {
				t.Errorf("writeTimeout() = %v, want %v", got, tt.want)
			}
			if got <= tt.cfg.CallBudget() {
				t.Errorf("writeTimeout() = %v, want more than CallBudget() %v", got, tt.cfg.CallBudget())
			}
		})
	}
}

func TestNewDialerUnknownDriver(t *testing.T) {
	g := config.Defaults().Gateway
	g.Driver = "fix"
	if _, err := newDialer(g, discardLogger()); err == nil {
		t.Errorf("newDialer() error = nil, want unknown driver")
	}
}

func TestTWSDialerReportsUnreachableGateway(t *testing.T) {
	g := config.Defaults().Gateway
	g.Host = "127.0.0.1"
	g.Port = 1
	g.HandshakeTimeout.Duration = 200 * time.Millisecond
	d, err := newDialer(g, discardLogger())
	if err != nil {
		t.Fatalf("newDialer() error = %v", err)
	}
	link, err := d.Dial(context.Background(), func(domain.OrderStatusUpdate) {})
	if err == nil {
		link.Close()
		t.Fatalf("Dial() error = nil, want connection refused")
	}
	if link != nil {
		t.Errorf("Dial() link = %v, want nil interface", link)
	}
}
