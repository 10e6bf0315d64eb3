package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType is the pricing instruction sent to the broker.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus tracks the order lifecycle.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusSubmitted OrderStatus = "SUBMITTED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Terminal reports whether no further transitions are allowed from s.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Order is a client order keyed by its caller-supplied idempotency token.
type Order struct {
	ClientToken    string           `json:"clientToken"`
	Symbol         string           `json:"symbol"`
	Side           OrderSide        `json:"side"`
	Quantity       int64            `json:"quantity"`
	OrderType      OrderType        `json:"orderType"`
	LimitPrice     *decimal.Decimal `json:"limitPrice,omitempty"`
	Status         OrderStatus      `json:"status"`
	BrokerOrderID  *int64           `json:"brokerOrderId,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	FilledQuantity decimal.Decimal  `json:"filledQuantity"`
	AvgFillPrice   decimal.Decimal  `json:"avgFillPrice"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}

// MarshalJSON writes LimitPrice as a number with two decimal places, so
// 155.00 stays 155.00 on the wire.
func (o Order) MarshalJSON() ([]byte, error) {
	type plain Order
	out := struct {
		plain
		LimitPrice *json.Number `json:"limitPrice,omitempty"`
	}{plain: plain(o)}
	if o.LimitPrice != nil {
		n := json.Number(o.LimitPrice.StringFixed(2))
		out.LimitPrice = &n
	}
	return json.Marshal(out)
}

// SamePayload reports whether o and other describe the same order request.
// Status and broker-assigned fields are ignored.
func (o Order) SamePayload(other Order) bool {
	if o.Symbol != other.Symbol || o.Side != other.Side ||
		o.Quantity != other.Quantity || o.OrderType != other.OrderType {
		return false
	}
	if (o.LimitPrice == nil) != (other.LimitPrice == nil) {
		return false
	}
	return o.LimitPrice == nil || o.LimitPrice.Equal(*other.LimitPrice)
}

// OrderRequest is the raw, unvalidated order payload delivered by the HTTP
// front end.
type OrderRequest struct {
	ClientToken string           `json:"clientToken"`
	Symbol      string           `json:"symbol"`
	Side        string           `json:"side"`
	Quantity    any              `json:"quantity"`
	OrderType   string           `json:"orderType"`
	LimitPrice  *decimal.Decimal `json:"limitPrice"`
}

// OrderAck is the broker's acknowledgement of an accepted order.
type OrderAck struct {
	BrokerOrderID  int64
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	AvgFillPrice   decimal.Decimal
}

// OrderStatusUpdate is an asynchronous status change reported by the broker.
type OrderStatusUpdate struct {
	BrokerOrderID  int64
	Status         OrderStatus
	FilledQuantity decimal.Decimal
	Remaining      decimal.Decimal
	AvgFillPrice   decimal.Decimal
	Reason         string
	ReceivedAt     time.Time
}
