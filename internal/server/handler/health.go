package handler

import (
	"net/http"
	"time"
)

// Version is reported by the index endpoint.
const Version = "1.0.0"

// HealthHandler serves liveness and the service index.
type HealthHandler struct{}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler() *HealthHandler {
	return &HealthHandler{}
}

// HealthCheck reports that the process is serving HTTP. It says nothing
// about the gateway session; see /status for that.
// GET /health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// Index lists the available endpoints.
// GET /{$}
func (h *HealthHandler) Index(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "IBKR order gateway",
		"version": Version,
		"endpoints": map[string]string{
			"/":                     "GET - API information",
			"/health":               "GET - Health check",
			"/status":               "GET - Service and gateway session status",
			"/test-connection":      "GET - Connect to the gateway and list managed accounts",
			"/orders":               "GET - Tracked orders; POST - Submit an order",
			"/orders/{clientToken}": "GET - One tracked order",
			"/buy":                  "POST - Submit a buy order",
			"/sell":                 "POST - Submit a sell order",
			"/account":              "GET - Account snapshot (?maxAge=2s)",
			"/connection/reset":     "POST - Drop and reconnect the gateway session",
			"/ws":                   "GET - WebSocket stream of order and connection events",
		},
	})
}
