package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is a single portfolio line as reported by the broker.
type Position struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	MarketPrice decimal.Decimal `json:"marketPrice"`
	MarketValue decimal.Decimal `json:"marketValue"`
	AvgCost     decimal.Decimal `json:"avgCost"`
}

// AccountSnapshot is an immutable point-in-time copy of account and position
// data. It is replaced wholesale on refresh, never mutated in place.
type AccountSnapshot struct {
	Account        string                     `json:"account,omitempty"`
	Cash           map[string]decimal.Decimal `json:"cash"`
	NetLiquidation decimal.Decimal            `json:"netLiquidation"`
	BuyingPower    decimal.Decimal            `json:"buyingPower"`
	Positions      []Position                 `json:"positions"`
	CapturedAt     time.Time                  `json:"capturedAt"`
}

// Clone returns a deep copy so callers cannot reach the cached instance.
func (s AccountSnapshot) Clone() AccountSnapshot {
	out := s
	out.Cash = make(map[string]decimal.Decimal, len(s.Cash))
	for k, v := range s.Cash {
		out.Cash[k] = v
	}
	out.Positions = make([]Position, len(s.Positions))
	copy(out.Positions, s.Positions)
	return out
}

// AccountSummary holds the account-level values returned by the gateway.
type AccountSummary struct {
	Account        string
	Cash           map[string]decimal.Decimal
	NetLiquidation decimal.Decimal
	BuyingPower    decimal.Decimal
}
