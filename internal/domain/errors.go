package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrInvalidPrice      = errors.New("price must not be negative")
	ErrMissingPrice      = errors.New("limit order requires a price")
	ErrInvalidSide       = errors.New("unknown order side")
	ErrInvalidOrderType  = errors.New("unknown order type")
	ErrNoMarketData      = errors.New("no current bar set")
	ErrUnknownSymbol     = errors.New("unknown symbol")
	ErrStaleMarketData   = errors.New("stale market data")
	ErrOutOfOrderBar     = errors.New("bar is older than the current bar")
	ErrOrderNotFound     = errors.New("order not found")
	ErrInsufficientFunds = errors.New("insufficient available balance")
)

// ValidationError reports an order or fill that was rejected before it could
// touch ledger state. It unwraps to one of the sentinel errors above.
type ValidationError struct {
	Symbol string
	Field  string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %v", e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Symbol, e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Invalid builds a ValidationError.
func Invalid(symbol, field string, err error) *ValidationError {
	return &ValidationError{Symbol: symbol, Field: field, Err: err}
}
