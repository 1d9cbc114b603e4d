// Package broker is the gateway to the options broker: the Gateway interface
// the rest of the system programs against, a REST implementation with
// per-account rate limiting and TTL caches, an order-status push feed, and an
// in-memory simulator used for tests and mock mode.
package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"optionbridge/pkg/types"
)

// PlaceOrderRequest describes a single order placement. When Market is true
// LimitPrice is ignored. IdempotencyKey makes placement safe to retry; the
// broker returns the original order ID for a replayed key.
type PlaceOrderRequest struct {
	AccountID      string
	InstrumentID   string
	Side           types.Side
	Size           decimal.Decimal
	LimitPrice     decimal.Decimal
	Market         bool
	IdempotencyKey string
}

// Gateway is the request/response contract to the broker. All operations are
// I/O: any call may block briefly on the per-account rate limiter and must be
// given a context with a deadline.
type Gateway interface {
	// GetOptionChain returns contracts for an underlying, optionally
	// restricted to one expiry. Cached with a short TTL per key.
	GetOptionChain(ctx context.Context, underlying string, expiry *time.Time) (*types.Chain, error)

	// GetQuote returns a single-shot live quote.
	GetQuote(ctx context.Context, instrumentID string) (*types.QuoteSnapshot, error)

	// GetPositions returns the authoritative position list with Greeks.
	GetPositions(ctx context.Context, accountID, currency string) ([]types.Position, error)

	// GetOpenOrders returns all broker-side open orders for the account.
	GetOpenOrders(ctx context.Context, accountID string) ([]types.OpenOrder, error)

	// GetOrderStatus returns the current state of one order, open or not.
	GetOrderStatus(ctx context.Context, accountID, orderID string) (*types.OpenOrder, error)

	// PlaceOrder submits an order and returns the broker order ID.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (string, error)

	// CancelOrder cancels an order, reporting whether it was cancelled,
	// already filled, or unknown to the broker.
	CancelOrder(ctx context.Context, accountID, orderID string) (types.CancelResult, error)

	// GetUSSymbols returns the bulk US symbol listing, cached for 24h.
	GetUSSymbols(ctx context.Context, accountID string) ([]types.Symbol, error)
}

// OrderUpdate is a push notification about an order's progress, delivered by
// the broker's streaming channel. Equivalent in meaning to a GetOrderStatus
// poll result.
type OrderUpdate struct {
	AccountID    string
	OrderID      string
	Status       types.OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
	TS           time.Time
}
