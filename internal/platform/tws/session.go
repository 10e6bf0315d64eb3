package tws

import (
	"fmt"
	"strconv"
	"time"

	"github.com/scmhub/ibsync"
	"github.com/shopspring/decimal"
)

// session is the slice of an ibsync connection the Client drives.
type session interface {
	placeOrder(t orderTicket) (trade, error)
	accountValues(account string) []accountRow
	portfolio(account string) []portfolioRow
	currentTime() (time.Time, error)
	managedAccounts() []string
	connected() bool
	disconnect() error
}

// trade is one placed order as tracked by the library.
type trade interface {
	orderID() int64
	// done is closed once the order reaches a final state.
	done() <-chan struct{}
	// result is only meaningful after done is closed.
	result() tradeResult
}

// orderTicket carries the order fields this gateway sets.
type orderTicket struct {
	Symbol     string // wire form, e.g. "BRK B"
	Action     string // BUY or SELL
	Quantity   int64
	LimitPrice *decimal.Decimal // nil for market orders
	Account    string
	OrderRef   string
}

// tradeResult is the final state of a trade.
type tradeResult struct {
	Status       string
	Filled       decimal.Decimal
	Remaining    decimal.Decimal
	AvgFillPrice decimal.Decimal
	// Message is the last error text the gateway logged against the order.
	Message string
}

type accountRow struct {
	Account  string
	Tag      string
	Value    string
	Currency string
}

type portfolioRow struct {
	Symbol      string
	Position    decimal.Decimal
	MarketPrice decimal.Decimal
	MarketValue decimal.Decimal
	AvgCost     decimal.Decimal
}

// connectIB opens an ibsync connection. The library performs the API
// handshake and subscribes to the first managed account's updates.
func connectIB(cfg Config) (session, error) {
	ib := ibsync.NewIB()
	err := ib.Connect(ibsync.NewConfig(
		ibsync.WithHost(cfg.Host),
		ibsync.WithPort(cfg.Port),
		ibsync.WithClientID(int64(cfg.ClientID)),
		ibsync.WithTimeout(cfg.HandshakeTimeout),
	))
	if err != nil {
		return nil, err
	}
	return &ibSession{ib: ib}, nil
}

type ibSession struct {
	ib *ibsync.IB
}

func (s *ibSession) placeOrder(t orderTicket) (trade, error) {
	if !s.ib.IsConnected() {
		return nil, ErrDisconnected
	}
	qty := ibsync.StringToDecimal(strconv.FormatInt(t.Quantity, 10))
	var order *ibsync.Order
	if t.LimitPrice != nil {
		price, _ := t.LimitPrice.Float64()
		order = ibsync.LimitOrder(t.Action, qty, price)
	} else {
		order = ibsync.MarketOrder(t.Action, qty)
	}
	order.Account = t.Account
	order.OrderRef = t.OrderRef

	tr := s.ib.PlaceOrder(ibsync.NewStock(t.Symbol, "SMART", "USD"), order)
	return &ibTrade{t: tr}, nil
}

func (s *ibSession) accountValues(account string) []accountRow {
	var values ibsync.AccountValues
	if account == "" {
		values = s.ib.AccountValues()
	} else {
		values = s.ib.AccountValues(account)
	}
	rows := make([]accountRow, 0, len(values))
	for _, v := range values {
		rows = append(rows, accountRow{
			Account:  v.Account,
			Tag:      v.Tag,
			Value:    v.Value,
			Currency: v.Currency,
		})
	}
	return rows
}

func (s *ibSession) portfolio(account string) []portfolioRow {
	var items []ibsync.PortfolioItem
	if account == "" {
		items = s.ib.Portfolio()
	} else {
		items = s.ib.Portfolio(account)
	}
	rows := make([]portfolioRow, 0, len(items))
	for _, item := range items {
		var symbol string
		if item.Contract != nil {
			symbol = item.Contract.Symbol
		}
		rows = append(rows, portfolioRow{
			Symbol:      symbol,
			Position:    libDecimal(item.Position),
			MarketPrice: decimal.NewFromFloat(item.MarketPrice),
			MarketValue: decimal.NewFromFloat(item.MarketValue),
			AvgCost:     decimal.NewFromFloat(item.AverageCost),
		})
	}
	return rows
}

func (s *ibSession) currentTime() (time.Time, error) { return s.ib.ReqCurrentTime() }
func (s *ibSession) managedAccounts() []string       { return s.ib.ManagedAccounts() }
func (s *ibSession) connected() bool                 { return s.ib.IsConnected() }
func (s *ibSession) disconnect() error               { return s.ib.Disconnect() }

type ibTrade struct {
	t *ibsync.Trade
}

func (t *ibTrade) orderID() int64        { return t.t.Order.OrderID }
func (t *ibTrade) done() <-chan struct{} { return t.t.Done() }

func (t *ibTrade) result() tradeResult {
	st := t.t.OrderStatus
	res := tradeResult{
		Status:       string(st.Status),
		Filled:       libDecimal(st.Filled),
		Remaining:    libDecimal(st.Remaining),
		AvgFillPrice: decimal.NewFromFloat(st.AvgFillPrice),
	}
	for _, entry := range t.t.Logs() {
		if entry.Message != "" {
			res.Message = entry.Message
		}
	}
	return res
}

// libDecimal converts the library's fixed-point quantities. Unset values
// become zero.
func libDecimal(v ibsync.Decimal) decimal.Decimal {
	d, err := decimal.NewFromString(fmt.Sprint(v))
	if err != nil {
		return decimal.Zero
	}
	return d
}
