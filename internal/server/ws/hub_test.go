package ws

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

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
	"github.com/alanyoungcy/ibkrgw/internal/eventbus"
)

type staticConn struct{ status domain.ConnectionStatus }

func (s staticConn) Status() domain.ConnectionStatus { return s.status }

type hubFixture struct {
	bus    *eventbus.Local
	hub    *Hub
	server *httptest.Server
	cancel context.CancelFunc
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := eventbus.NewLocal(logger)
	hub := NewHub(bus, staticConn{domain.ConnectionStatus{State: domain.ConnReady}}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))

	f := &hubFixture{bus: bus, hub: hub, server: srv, cancel: cancel}
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return f
}

func (f *hubFixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (f *hubFixture) waitClients(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for f.hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("ClientCount() = %d, want %d", f.hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readEvent(t *testing.T, conn *websocket.Conn) domain.Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal(%s) error = %v", data, err)
	}
	return ev
}

func publish(t *testing.T, bus domain.SignalBus, channel, eventType string) {
	t.Helper()
	data, _ := json.Marshal(domain.Event{Type: eventType, Time: time.Now().UTC()})
	if err := bus.Publish(context.Background(), channel, data); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func TestHubSendsStatusThenEvents(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	f.waitClients(t, 1)

	if ev := readEvent(t, conn); ev.Type != "connection_state" {
		t.Fatalf("first event = %q, want connection_state", ev.Type)
	}

	publish(t, f.bus, domain.ChannelOrders, "order_filled")
	if ev := readEvent(t, conn); ev.Type != "order_filled" {
		t.Errorf("event = %q, want order_filled", ev.Type)
	}
}

func TestHubHonoursUnsubscribe(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	f.waitClients(t, 1)
	readEvent(t, conn)

	msg := `{"action":"unsubscribe","channels":["connection"]}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	// The unsubscribe is applied by the read pump; give it a moment.
	time.Sleep(50 * time.Millisecond)

	publish(t, f.bus, domain.ChannelConnection, "connection_state")
	publish(t, f.bus, domain.ChannelOrders, "order_submitted")
	if ev := readEvent(t, conn); ev.Type != "order_submitted" {
		t.Errorf("event = %q, want order_submitted", ev.Type)
	}
}

func TestHubDropsClosedClients(t *testing.T) {
	f := newHubFixture(t)
	conn := f.dial(t)
	f.waitClients(t, 1)
	conn.Close()
	f.waitClients(t, 0)
}
