package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTypesExist(t *testing.T) {
	// Verify Bar can be instantiated with zero values.
	bar := Bar{}
	if bar.Symbol != "" {
		t.Error("expected empty Symbol for zero-value Bar")
	}
	if !bar.Timestamp.IsZero() {
		t.Error("expected zero Timestamp for zero-value Bar")
	}
	if !bar.Open.IsZero() || !bar.High.IsZero() || !bar.Low.IsZero() || !bar.Close.IsZero() {
		t.Error("expected zero OHLC values for zero-value Bar")
	}

	order := Order{}
	if order.ID != "" || order.Side != "" || order.Type != "" || order.Status != "" {
		t.Error("expected empty identifiers for zero-value Order")
	}
	if !order.Amount.IsZero() || !order.Filled.IsZero() || !order.Average.IsZero() {
		t.Error("expected zero Amount/Filled/Average for zero-value Order")
	}

	// Verify enum constants are defined correctly.
	if SideBuy != "buy" || SideSell != "sell" {
		t.Errorf("sides = %q/%q, want buy/sell", SideBuy, SideSell)
	}
	if OrderStatusCanceled != "canceled" {
		t.Errorf("OrderStatusCanceled = %q, want %q", OrderStatusCanceled, "canceled")
	}

	pos := Position{Symbol: "BTC/USDT"}
	if !pos.IsFlat() || pos.IsLong() || pos.IsShort() {
		t.Error("zero-value Position should be flat")
	}
}

func TestSide(t *testing.T) {
	if !SideBuy.Valid() || !SideSell.Valid() || Side("hold").Valid() {
		t.Error("Side.Valid returned unexpected result")
	}
	if SideBuy.Opposite() != SideSell || SideSell.Opposite() != SideBuy {
		t.Error("Side.Opposite returned unexpected result")
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderStatusOpen, false},
		{OrderStatusClosed, true},
		{OrderStatusCanceled, true},
		{OrderStatusRejected, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestOrderRemainingAndClone(t *testing.T) {
	o := &Order{
		ID:        "o-1",
		Amount:    decimal.RequireFromString("2"),
		Filled:    decimal.RequireFromString("0.5"),
		Fills:     []Fill{{OrderID: "o-1"}},
		CreatedAt: time.Unix(0, 0),
	}
	if got := o.Remaining(); !got.Equal(decimal.RequireFromString("1.5")) {
		t.Errorf("Remaining() = %s, want 1.5", got)
	}

	c := o.Clone()
	c.Fills[0].OrderID = "changed"
	if o.Fills[0].OrderID != "o-1" {
		t.Error("Clone shares the Fills slice with the original")
	}
}

func TestValidationErrorUnwrap(t *testing.T) {
	err := Invalid("AAPL", "price", ErrMissingPrice)
	if !errors.Is(err, ErrMissingPrice) {
		t.Errorf("errors.Is(%v, ErrMissingPrice) = false", err)
	}
	var ve *ValidationError
	if !errors.As(error(err), &ve) || ve.Field != "price" {
		t.Errorf("errors.As did not recover the ValidationError: %v", err)
	}
	if got, want := err.Error(), "AAPL: price: limit order requires a price"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
