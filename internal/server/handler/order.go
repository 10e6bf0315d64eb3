package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// IdempotencyHeader may carry the client token instead of the body.
const IdempotencyHeader = "Idempotency-Key"

// OrderService is what the order endpoints need from the order tracker.
type OrderService interface {
	Submit(ctx context.Context, req domain.OrderRequest) (domain.Order, error)
	Get(clientToken string) (domain.Order, error)
	List() []domain.Order
}

// OrderHandler serves order submission and lookup.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{
		orders: orders,
		logger: logHandler(logger, "orders"),
	}
}

type listOrdersResponse struct {
	Orders []domain.Order `json:"orders"`
}

// PlaceOrder submits the order described by the body.
// POST /orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, "")
}

// Buy submits a buy order; any side in the body is ignored.
// POST /buy
func (h *OrderHandler) Buy(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, domain.OrderSideBuy)
}

// Sell submits a sell order; any side in the body is ignored.
// POST /sell
func (h *OrderHandler) Sell(w http.ResponseWriter, r *http.Request) {
	h.place(w, r, domain.OrderSideSell)
}

func (h *OrderHandler) place(w http.ResponseWriter, r *http.Request, side domain.OrderSide) {
	req, err := decodeOrderRequest(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, domain.KindValidation, err.Error())
		return
	}
	if side != "" {
		req.Side = string(side)
	}

	order, err := h.orders.Submit(r.Context(), req)
	if err != nil {
		writeDomainError(w, r, h.logger, err, &order)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// ListOrders returns every tracked order, oldest first.
// GET /orders
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	orders := h.orders.List()
	if orders == nil {
		orders = []domain.Order{}
	}
	writeJSON(w, http.StatusOK, listOrdersResponse{Orders: orders})
}

// GetOrder returns one tracked order.
// GET /orders/{clientToken}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orders.Get(r.PathValue("clientToken"))
	if err != nil {
		writeDomainError(w, r, h.logger, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// decodeOrderRequest reads the JSON body, keeping numbers as json.Number so
// the validator sees exactly what the caller sent.
func decodeOrderRequest(w http.ResponseWriter, r *http.Request) (domain.OrderRequest, error) {
	var req domain.OrderRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return req, errors.New("request body is required")
		}
		return req, errors.New("invalid request body: " + err.Error())
	}
	if req.ClientToken == "" {
		req.ClientToken = r.Header.Get(IdempotencyHeader)
	}
	return req, nil
}
