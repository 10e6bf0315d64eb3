package service

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/alanyoungcy/ibkrgw/internal/domain"
)

// MaxClientTokenLen bounds caller-supplied idempotency tokens.
const MaxClientTokenLen = 64

var symbolPattern = regexp.MustCompile(`^[A-Z.]{1,10}$`)

// Validate checks a raw order request and returns the normalized PENDING
// order it describes. It performs no I/O.
func Validate(req domain.OrderRequest) (domain.Order, error) {
	token := strings.TrimSpace(req.ClientToken)
	if token == "" {
		return domain.Order{}, domain.ValidationError("clientToken is required")
	}
	if len(token) > MaxClientTokenLen {
		return domain.Order{}, domain.ValidationError("clientToken longer than %d characters", MaxClientTokenLen)
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return domain.Order{}, domain.ValidationError("symbol is required")
	}
	if !symbolPattern.MatchString(symbol) {
		return domain.Order{}, domain.ValidationError("symbol %q must be 1-10 characters of A-Z or '.'", req.Symbol)
	}

	side := domain.OrderSide(strings.ToUpper(strings.TrimSpace(req.Side)))
	if side != domain.OrderSideBuy && side != domain.OrderSideSell {
		return domain.Order{}, domain.ValidationError("side must be BUY or SELL, got %q", req.Side)
	}

	qty, err := parseQuantity(req.Quantity)
	if err != nil {
		return domain.Order{}, err
	}

	orderType := domain.OrderType(strings.ToUpper(strings.TrimSpace(req.OrderType)))
	if orderType == "" {
		orderType = domain.OrderTypeMarket
	}

	order := domain.Order{
		ClientToken: token,
		Symbol:      symbol,
		Side:        side,
		Quantity:    qty,
		OrderType:   orderType,
		Status:      domain.OrderStatusPending,
	}

	switch orderType {
	case domain.OrderTypeMarket:
		if req.LimitPrice != nil {
			return domain.Order{}, domain.ValidationError("limitPrice is not allowed for MARKET orders")
		}
	case domain.OrderTypeLimit:
		if req.LimitPrice == nil {
			return domain.Order{}, domain.ValidationError("limitPrice is required for LIMIT orders")
		}
		if !req.LimitPrice.IsPositive() {
			return domain.Order{}, domain.ValidationError("limitPrice must be greater than 0")
		}
		if !req.LimitPrice.Equal(req.LimitPrice.Truncate(2)) {
			return domain.Order{}, domain.ValidationError("limitPrice %s has more than 2 decimal places", req.LimitPrice.String())
		}
		price := *req.LimitPrice
		order.LimitPrice = &price
	default:
		return domain.Order{}, domain.ValidationError("orderType must be MARKET or LIMIT, got %q", req.OrderType)
	}

	return order, nil
}

// parseQuantity accepts the shapes a JSON decoder may produce for a number
// and requires a whole, positive value.
func parseQuantity(v any) (int64, error) {
	var q int64
	switch n := v.(type) {
	case nil:
		return 0, domain.ValidationError("quantity is required")
	case json.Number:
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil {
				return 0, domain.ValidationError("quantity must be a whole number, got %s", n.String())
			}
			return parseQuantity(f)
		}
		q = i
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || math.Abs(n) > math.MaxInt64/2 {
			return 0, domain.ValidationError("quantity must be a whole number, got %v", n)
		}
		q = int64(n)
	case int:
		q = int64(n)
	case int64:
		q = n
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64)
		if err != nil {
			return 0, domain.ValidationError("quantity must be a whole number, got %q", n)
		}
		q = i
	default:
		return 0, domain.ValidationError("quantity must be a number")
	}
	if q <= 0 {
		return 0, domain.ValidationError("quantity must be greater than 0")
	}
	return q, nil
}
