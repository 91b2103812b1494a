// Package domain holds the value types shared by the ledger, the matching
// simulator, the risk controller and their collaborators.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order or fill.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType distinguishes limit orders from market orders.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusOpen     OrderStatus = "open"
	OrderStatusClosed   OrderStatus = "closed"
	OrderStatusCanceled OrderStatus = "canceled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible from s.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusClosed || s == OrderStatusCanceled || s == OrderStatusRejected
}

// ---------------------------------------------------------------------------
// Market data
// ---------------------------------------------------------------------------

// Bar is one OHLCV candle for a symbol.
type Bar struct {
	Symbol    string
	Timestamp time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// ---------------------------------------------------------------------------
// Orders and fills
// ---------------------------------------------------------------------------

// OrderIntent is what a strategy asks for before admission control. A zero
// Price means no price was supplied, which is only legal for market orders.
type OrderIntent struct {
	StrategyID string
	Symbol     string
	Side       Side
	Type       OrderType
	Amount     decimal.Decimal
	Price      decimal.Decimal
}

// Order is an admitted intent as tracked by a broker.
type Order struct {
	ID            string
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Side          Side
	Type          OrderType
	Amount        decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	Filled        decimal.Decimal
	Average       decimal.Decimal
	Fee           decimal.Decimal
	// Reason explains a rejection or carries an informational note.
	Reason    string
	Fills     []Fill
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Remaining returns the unfilled amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.Filled)
}

// IsTerminal reports whether the order has reached closed, canceled or
// rejected.
func (o *Order) IsTerminal() bool {
	return o.Status.Terminal()
}

// Clone returns a copy of o that shares no slices with it.
func (o *Order) Clone() *Order {
	c := *o
	if o.Fills != nil {
		c.Fills = append([]Fill(nil), o.Fills...)
	}
	return &c
}

// Fill is a single execution. It is immutable once emitted.
type Fill struct {
	OrderID    string
	StrategyID string
	Symbol     string
	Side       Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	// RealizedPnL is net of the fee share charged to the closing portion.
	RealizedPnL decimal.Decimal
	// ClosedQty is the part of Quantity that reduced an existing position.
	ClosedQty    decimal.Decimal
	BalanceAfter decimal.Decimal
	Timestamp    time.Time
}

// Notional returns Quantity × Price.
func (f Fill) Notional() decimal.Decimal {
	return f.Quantity.Mul(f.Price)
}

// Closes reports whether the fill reduced an existing position.
func (f Fill) Closes() bool {
	return f.ClosedQty.IsPositive()
}

// ---------------------------------------------------------------------------
// Account state
// ---------------------------------------------------------------------------

// Position is the open quantity for one symbol. Quantity is signed: positive
// is long, negative is short. AvgEntryPrice and CostBasis describe the
// currently open quantity only.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CostBasis     decimal.Decimal
}

func (p Position) IsFlat() bool  { return p.Quantity.IsZero() }
func (p Position) IsLong() bool  { return p.Quantity.IsPositive() }
func (p Position) IsShort() bool { return p.Quantity.IsNegative() }

// MarketValue returns Quantity × mark.
func (p Position) MarketValue(mark decimal.Decimal) decimal.Decimal {
	return p.Quantity.Mul(mark)
}

// EquityPoint is one sample of the equity curve. Exact is false when at least
// one open position had no mark price and was valued at cost basis.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
	Exact     bool
}

// AccountInfo is a point-in-time summary of an account.
type AccountInfo struct {
	QuoteCurrency string
	Balance       decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
	Equity        decimal.Decimal
	EquityExact   bool
	RealizedPnL   decimal.Decimal
}
