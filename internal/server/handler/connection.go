package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// ConnectionService exposes the gateway session to the HTTP layer.
type ConnectionService interface {
	Status() domain.ConnectionStatus
	Acquire(ctx context.Context) (domain.ConnectionStatus, error)
	Reset(ctx context.Context) (domain.ConnectionStatus, error)
}

// ConnectionHandler serves connection diagnostics and the manual reset.
type ConnectionHandler struct {
	conn    ConnectionService
	gateway GatewayInfo
	logger  *slog.Logger
}

// NewConnectionHandler creates a ConnectionHandler.
func NewConnectionHandler(conn ConnectionService, gateway GatewayInfo, logger *slog.Logger) *ConnectionHandler {
	return &ConnectionHandler{
		conn:    conn,
		gateway: gateway,
		logger:  logHandler(logger, "connection"),
	}
}

type connectionResponse struct {
	Success    bool                    `json:"success"`
	Gateway    GatewayInfo             `json:"gateway"`
	Connection domain.ConnectionStatus `json:"connection"`
	Error      *errorBody              `json:"error,omitempty"`
}

// TestConnection makes sure the session is READY and reports the managed
// accounts, connecting first if needed.
// GET /test-connection
func (h *ConnectionHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	status, err := h.conn.Acquire(r.Context())
	h.respond(w, r, status, err)
}

// Reset drops the session and reconnects. It is how operators recover a
// CLOSED session.
// POST /connection/reset
func (h *ConnectionHandler) Reset(w http.ResponseWriter, r *http.Request) {
	h.logger.InfoContext(r.Context(), "handler: connection reset requested",
		slog.String("remote_addr", r.RemoteAddr),
	)
	status, err := h.conn.Reset(r.Context())
	h.respond(w, r, status, err)
}

func (h *ConnectionHandler) respond(w http.ResponseWriter, r *http.Request, status domain.ConnectionStatus, err error) {
	resp := connectionResponse{Success: err == nil, Gateway: h.gateway, Connection: status}
	if err == nil {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	h.logger.WarnContext(r.Context(), "handler: gateway unavailable",
		slog.String("state", string(status.State)),
		slog.String("error", err.Error()),
	)
	resp.Error = &errorBody{Kind: domain.KindOf(err), Message: err.Error()}
	writeJSON(w, statusFor(resp.Error.Kind), resp)
}
