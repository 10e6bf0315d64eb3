package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// AccountService returns account snapshots no older than maxAge.
type AccountService interface {
	Get(ctx context.Context, maxAge time.Duration) (domain.AccountSnapshot, error)
}

// AccountHandler serves the cached account snapshot.
type AccountHandler struct {
	accounts      AccountService
	defaultMaxAge time.Duration
	logger        *slog.Logger
}

// NewAccountHandler creates an AccountHandler. defaultMaxAge applies when the
// request has no maxAge parameter.
func NewAccountHandler(accounts AccountService, defaultMaxAge time.Duration, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{
		accounts:      accounts,
		defaultMaxAge: defaultMaxAge,
		logger:        logHandler(logger, "account"),
	}
}

// GetAccount returns cash, net liquidation, buying power and positions.
// GET /account?maxAge=2s
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	maxAge, ok := parseMaxAge(r.URL.Query().Get("maxAge"), h.defaultMaxAge)
	if !ok {
		writeError(w, http.StatusBadRequest, domain.KindValidation,
			"maxAge must be a duration such as 500ms or a number of seconds")
		return
	}

	snap, err := h.accounts.Get(r.Context(), maxAge)
	if err != nil {
		writeDomainError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// parseMaxAge accepts a Go duration ("1.5s") or a bare number of seconds
// ("2", "0.5"). Negative values pass through so the cache can reject them.
func parseMaxAge(raw string, def time.Duration) (time.Duration, bool) {
	if raw == "" {
		return def, true
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d, true
	}
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, false
	}
	return time.Duration(secs * float64(time.Second)), true
}
