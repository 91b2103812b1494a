// Package broker defines the Broker interface and provides implementations
// for executing orders against a simulated market or a live brokerage.
package broker

import (
	"context"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// Broker abstracts brokerage operations for order execution and account
// management. A Broker books every fill it reports into its ledger and lists
// it in the returned order's Fills.
type Broker interface {
	// Name returns the broker identifier (e.g. "alpaca", "simulator").
	Name() string

	// SubmitOrder sends an order to the brokerage for execution. A locally
	// rejected order is returned with status rejected together with a
	// *domain.ValidationError.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// CancelOrder requests cancellation of an open order by its ID. Canceling
	// an order that already reached a terminal state returns it unchanged
	// without an error.
	CancelOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// GetPositions returns all current positions held at the brokerage.
	GetPositions(ctx context.Context) ([]domain.Position, error)

	// GetAccount returns a snapshot of the account's financial metrics.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)
}

// MarketSimulator is a Broker that matches orders against bars handed to it.
type MarketSimulator interface {
	Broker

	// SetBar makes bar the current bar for its symbol.
	SetBar(bar domain.Bar) error

	// CheckPendingLimitOrders re-evaluates resting limit orders against the
	// current bars and returns the ones that reached a terminal state.
	CheckPendingLimitOrders(ctx context.Context) ([]*domain.Order, error)
}

// Quoter reports a reference price for a symbol.
type Quoter interface {
	LastPrice(symbol string) (decimal.Decimal, bool)
}
