package service

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

func price(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestValidateAccepts(t *testing.T) {
	tests := []struct {
		name string
		req  domain.OrderRequest
		want domain.Order
	}{
		{
			name: "market defaults order type",
			req:  domain.OrderRequest{ClientToken: "t1", Symbol: "AAPL", Side: "BUY", Quantity: json.Number("10")},
			want: domain.Order{ClientToken: "t1", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 10, OrderType: domain.OrderTypeMarket},
		},
		{
			name: "normalizes case and whitespace",
			req:  domain.OrderRequest{ClientToken: " t2 ", Symbol: " brk.b ", Side: "sell", Quantity: float64(3), OrderType: "market"},
			want: domain.Order{ClientToken: "t2", Symbol: "BRK.B", Side: domain.OrderSideSell, Quantity: 3, OrderType: domain.OrderTypeMarket},
		},
		{
			name: "limit with two decimals",
			req:  domain.OrderRequest{ClientToken: "t3", Symbol: "AAPL", Side: "BUY", Quantity: "5", OrderType: "LIMIT", LimitPrice: price("155.00")},
			want: domain.Order{ClientToken: "t3", Symbol: "AAPL", Side: domain.OrderSideBuy, Quantity: 5, OrderType: domain.OrderTypeLimit, LimitPrice: price("155")},
		},
		{
			name: "whole json number with fraction notation",
			req:  domain.OrderRequest{ClientToken: "t4", Symbol: "MSFT", Side: "BUY", Quantity: json.Number("2.0")},
			want: domain.Order{ClientToken: "t4", Symbol: "MSFT", Side: domain.OrderSideBuy, Quantity: 2, OrderType: domain.OrderTypeMarket},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.req)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if got.Status != domain.OrderStatusPending {
				t.Errorf("Status = %s, want PENDING", got.Status)
			}
			if !got.SamePayload(tt.want) || got.ClientToken != tt.want.ClientToken {
				t.Errorf("Validate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestValidateRejects(t *testing.T) {
	long := make([]byte, MaxClientTokenLen+1)
	for i := range long {
		long[i] = 'x'
	}
	base := func() domain.OrderRequest {
		return domain.OrderRequest{ClientToken: "t1", Symbol: "AAPL", Side: "BUY", Quantity: json.Number("10")}
	}

	tests := []struct {
		name   string
		mutate func(r *domain.OrderRequest)
	}{
		{"missing token", func(r *domain.OrderRequest) { r.ClientToken = "" }},
		{"token too long", func(r *domain.OrderRequest) { r.ClientToken = string(long) }},
		{"missing symbol", func(r *domain.OrderRequest) { r.Symbol = "  " }},
		{"symbol with digits", func(r *domain.OrderRequest) { r.Symbol = "AAPL1" }},
		{"symbol too long", func(r *domain.OrderRequest) { r.Symbol = "ABCDEFGHIJK" }},
		{"bad side", func(r *domain.OrderRequest) { r.Side = "HOLD" }},
		{"zero quantity", func(r *domain.OrderRequest) { r.Quantity = json.Number("0") }},
		{"negative quantity", func(r *domain.OrderRequest) { r.Quantity = float64(-1) }},
		{"fractional quantity", func(r *domain.OrderRequest) { r.Quantity = json.Number("1.5") }},
		{"missing quantity", func(r *domain.OrderRequest) { r.Quantity = nil }},
		{"non-numeric quantity", func(r *domain.OrderRequest) { r.Quantity = "ten" }},
		{"boolean quantity", func(r *domain.OrderRequest) { r.Quantity = true }},
		{"unknown order type", func(r *domain.OrderRequest) { r.OrderType = "STOP" }},
		{"limit without price", func(r *domain.OrderRequest) { r.OrderType = "LIMIT" }},
		{"limit with zero price", func(r *domain.OrderRequest) { r.OrderType = "LIMIT"; r.LimitPrice = price("0") }},
		{"limit with three decimals", func(r *domain.OrderRequest) { r.OrderType = "LIMIT"; r.LimitPrice = price("155.001") }},
		{"market with price", func(r *domain.OrderRequest) { r.OrderType = "MARKET"; r.LimitPrice = price("155") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := Validate(req)
			if !errors.Is(err, domain.ErrValidation) {
				t.Errorf("Validate() error = %v, want ValidationError", err)
			}
		})
	}
}
