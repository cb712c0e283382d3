package oms

import (
	"context"
	"time"
)

// ExchangeOrder is the exchange's view of one order, as returned from a
// placement, cancellation, or reconciliation call.
type ExchangeOrder struct {
	ExchangeOrderID string
	ClientOrderID   string
	Ticker          string
	Side            string
	Status          string // exchange-native status string, mapped by the caller
	Quantity        int
	FilledQuantity  int
	RemainingQty    int
	PriceCents      int
}

// ExchangeFill is one exchange-reported fill against an order, used to
// reconcile local Fill/Position records with exchange-authoritative
// execution history in PAPER/LIVE mode.
type ExchangeFill struct {
	FillID     string
	OrderID    string
	Ticker     string
	Side       string
	Quantity   int
	PriceCents int
	FeesCents  int
	FilledAt   time.Time
}

// ExchangePosition is the exchange's current view of held exposure in a
// single market and side.
type ExchangePosition struct {
	Ticker        string
	Side          string
	QuantityOpen  int
	AvgEntryCents float64
	RealizedPnL   float64
}

// Exchange is the subset of exchange operations the OMS depends on.
// Production wiring points this at the real REST client; tests use a
// fake.
type Exchange interface {
	PlaceLimitOrder(ctx context.Context, clientOrderID, ticker string, side string, quantity, limitPriceCents int) (ExchangeOrder, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrder(ctx context.Context, exchangeOrderID string) (ExchangeOrder, error)
	ListOpenOrders(ctx context.Context) ([]ExchangeOrder, error)
	ListFills(ctx context.Context, since time.Time) ([]ExchangeFill, error)
	ListPositions(ctx context.Context) ([]ExchangePosition, error)
}
