// Package store defines storage interfaces for persisting and retrieving
// bars, orders, fills, positions and equity samples.
package store

import (
	"context"
	"errors"
	"time"

	"cqt/internal/domain"
)

// ErrNotFound is returned when a lookup matches no record.
var ErrNotFound = errors.New("not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within [start, end].
	ReadBars(ctx context.Context, symbol string, market string, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market string) ([]string, error)
}

// OrderStore persists and retrieves order records.
type OrderStore interface {
	// SaveOrder inserts an order, or replaces the stored copy if the ID exists.
	SaveOrder(ctx context.Context, order *domain.Order) error

	// GetOrder retrieves a single order by its ID.
	GetOrder(ctx context.Context, id string) (*domain.Order, error)

	// ListOrders returns all orders matching the given status. An empty
	// status matches every order.
	ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

// FillStore records executions.
type FillStore interface {
	// SaveFill appends a fill.
	SaveFill(ctx context.Context, fill domain.Fill) error

	// ListFills returns the most recent fills for a strategy, newest first, up
	// to limit. An empty strategyID matches every strategy.
	ListFills(ctx context.Context, strategyID string, limit int) ([]domain.Fill, error)
}

// PositionStore persists and retrieves position records.
type PositionStore interface {
	// SavePosition inserts or updates a position for a symbol.
	SavePosition(ctx context.Context, pos *domain.Position) error

	// GetPosition retrieves the current position for a symbol.
	GetPosition(ctx context.Context, symbol string) (*domain.Position, error)

	// ListPositions returns all open positions.
	ListPositions(ctx context.Context) ([]domain.Position, error)

	// DeletePosition removes the position for a symbol.
	DeletePosition(ctx context.Context, symbol string) error
}

// EquityStore records the equity curve.
type EquityStore interface {
	// SaveEquityPoint stores a sample, replacing any sample at the same
	// timestamp.
	SaveEquityPoint(ctx context.Context, pt domain.EquityPoint) error

	// ListEquity returns samples within [start, end] in time order.
	ListEquity(ctx context.Context, start, end time.Time) ([]domain.EquityPoint, error)
}

// Journal is the full persistence surface the engine writes to.
type Journal interface {
	OrderStore
	FillStore
	PositionStore
	EquityStore
}
