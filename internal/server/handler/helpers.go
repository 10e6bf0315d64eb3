package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// kindNotFound is reported for unknown client tokens.
const kindNotFound domain.ErrorKind = "not_found"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

type errorBody struct {
	Kind        domain.ErrorKind `json:"kind"`
	Message     string           `json:"message"`
	ClientToken string           `json:"clientToken,omitempty"`
}

type errorResponse struct {
	Error errorBody     `json:"error"`
	Order *domain.Order `json:"order,omitempty"`
}

// writeJSON marshals v as JSON and writes it with the given status. If
// marshaling fails it falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":{"kind":"internal_error","message":"internal server error"}}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends an error envelope with no order attached.
func writeError(w http.ResponseWriter, status int, kind domain.ErrorKind, msg string) {
	writeJSON(w, status, errorResponse{Error: errorBody{Kind: kind, Message: msg}})
}

// statusFor maps an error kind to its HTTP status.
func statusFor(kind domain.ErrorKind) int {
	switch kind {
	case domain.KindValidation:
		return http.StatusBadRequest
	case domain.KindIdempotencyConflict:
		return http.StatusConflict
	case domain.KindRejection:
		return http.StatusBadGateway
	case domain.KindConnection:
		return http.StatusServiceUnavailable
	case kindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeDomainError renders err using the error envelope. order is attached
// when the failure concerns a recorded order. Internal errors are logged and
// reported without detail.
func writeDomainError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error, order *domain.Order) {
	var body errorBody
	var de *domain.Error
	switch {
	case errors.Is(err, domain.ErrNotFound):
		body = errorBody{Kind: kindNotFound, Message: "order not found"}
	case errors.As(err, &de) && de.Kind != domain.KindInternal:
		body = errorBody{Kind: de.Kind, Message: de.Message, ClientToken: de.ClientToken}
		if body.Message == "" {
			body.Message = de.Error()
		}
	default:
		logger.ErrorContext(r.Context(), "handler: internal error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()),
		)
		body = errorBody{Kind: domain.KindInternal, Message: "internal server error"}
	}

	resp := errorResponse{Error: body}
	if order != nil && order.Status != "" {
		resp.Order = order
	}
	writeJSON(w, statusFor(body.Kind), resp)
}

// logHandler attaches the handler name to logger.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
