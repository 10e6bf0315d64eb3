// Package server exposes the gateway over HTTP and WebSocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
	"github.com/alanyoungcy/ibkrgw/internal/server/handler"
	"github.com/alanyoungcy/ibkrgw/internal/server/middleware"
	"github.com/alanyoungcy/ibkrgw/internal/server/ws"
)

// defaultWriteTimeout applies when Config.WriteTimeout is unset.
const defaultWriteTimeout = 60 * time.Second

// Config holds the HTTP server configuration.
type Config struct {
	Addr        string
	CORSOrigins []string

	// RateLimit is requests per RateWindow per client IP. Zero disables
	// limiting.
	RateLimit  int
	RateWindow time.Duration

	// WriteTimeout must exceed the longest a handler can wait on the
	// brokerage session. Zero means defaultWriteTimeout.
	WriteTimeout time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Status     *handler.StatusHandler
	Orders     *handler.OrderHandler
	Account    *handler.AccountHandler
	Connection *handler.ConnectionHandler
}

// Server is the gateway's HTTP + WebSocket API.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps them in the middleware chain.
// hub and limiter may be nil.
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", handlers.Health.Index)
	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /status", handlers.Status.GetStatus)
	mux.HandleFunc("GET /test-connection", handlers.Connection.TestConnection)
	mux.HandleFunc("POST /connection/reset", handlers.Connection.Reset)

	mux.HandleFunc("POST /orders", handlers.Orders.PlaceOrder)
	mux.HandleFunc("POST /buy", handlers.Orders.Buy)
	mux.HandleFunc("POST /sell", handlers.Orders.Sell)
	mux.HandleFunc("GET /orders", handlers.Orders.ListOrders)
	mux.HandleFunc("GET /orders/{clientToken}", handlers.Orders.GetOrder)

	mux.HandleFunc("GET /account", handlers.Account.GetAccount)

	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	// Innermost first: rate limit, then logging, CORS and request ids.
	var h http.Handler = mux
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)
	h = middleware.RequestID(h)

	writeTimeout := cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	return &Server{
		httpServer: &http.Server{
			Addr:              cfg.Addr,
			Handler:           h,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      writeTimeout,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens on the configured address and blocks until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("server: starting", slog.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
