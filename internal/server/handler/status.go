package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// GatewayInfo describes the configured brokerage endpoint.
type GatewayInfo struct {
	Driver   string `json:"driver"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	ClientID int    `json:"clientId"`
}

// ConnectionViewer reads the current session state without blocking.
type ConnectionViewer interface {
	Status() domain.ConnectionStatus
}

// StatusHandler reports configuration and session state.
type StatusHandler struct {
	tradingMode string
	gateway     GatewayInfo
	conn        ConnectionViewer
	startedAt   time.Time
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(tradingMode string, gateway GatewayInfo, conn ConnectionViewer, startedAt time.Time) *StatusHandler {
	return &StatusHandler{
		tradingMode: tradingMode,
		gateway:     gateway,
		conn:        conn,
		startedAt:   startedAt,
	}
}

// GetStatus never touches the gateway socket, so it answers even while the
// session is down.
// GET /status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "online",
		"tradingMode":   h.tradingMode,
		"gateway":       h.gateway,
		"connection":    h.conn.Status(),
		"uptimeSeconds": int64(time.Since(h.startedAt).Seconds()),
	})
}
