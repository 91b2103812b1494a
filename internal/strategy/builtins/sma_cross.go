// Package builtins provides the strategy implementations that ship with cqt.
package builtins

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
	"cqt/internal/strategy"
)

// Compile-time interface checks.
var (
	_ strategy.Strategy      = (*SMACross)(nil)
	_ strategy.OrderObserver = (*SMACross)(nil)
)

// SMACross implements a long-only moving average crossover strategy. It buys
// a fixed amount when the short-period SMA crosses above the long-period SMA
// and sells it back when the short SMA crosses below.
type SMACross struct {
	name        string
	shortPeriod int
	longPeriod  int
	amount      decimal.Decimal

	series map[string]*smaSeries
}

// smaSeries is the per-symbol window of closes.
type smaSeries struct {
	closes []decimal.Decimal // the last longPeriod closes, oldest first
	above  bool              // short SMA above long SMA at the last bar
	primed bool              // above has been computed at least once
	long   bool              // holding the amount bought on the last cross up
}

// NewSMACross creates a new SMACross strategy with the specified short and
// long moving average periods, trading amount units per signal.
func NewSMACross(short, long int, amount decimal.Decimal) *SMACross {
	return &SMACross{
		name:        "sma-cross",
		shortPeriod: short,
		longPeriod:  long,
		amount:      amount,
		series:      make(map[string]*smaSeries),
	}
}

// WithName renames the strategy so several instances can run side by side.
func (s *SMACross) WithName(name string) *SMACross {
	s.name = name
	return s
}

// Name returns the strategy name, "sma-cross" unless renamed.
func (s *SMACross) Name() string {
	return s.name
}

// Init validates the periods and clears any price history.
func (s *SMACross) Init(_ context.Context) error {
	if s.shortPeriod <= 0 || s.longPeriod <= s.shortPeriod {
		return fmt.Errorf("%s: want 0 < short < long, got short=%d long=%d", s.name, s.shortPeriod, s.longPeriod)
	}
	if !s.amount.IsPositive() {
		return fmt.Errorf("%s: amount %s must be positive", s.name, s.amount)
	}
	s.series = make(map[string]*smaSeries)
	return nil
}

// OnBar appends the bar's close and emits a market intent priced at the close
// when the averages cross.
func (s *SMACross) OnBar(_ context.Context, bar domain.Bar) ([]domain.OrderIntent, error) {
	ser, ok := s.series[bar.Symbol]
	if !ok {
		ser = &smaSeries{closes: make([]decimal.Decimal, 0, s.longPeriod)}
		s.series[bar.Symbol] = ser
	}
	if len(ser.closes) == s.longPeriod {
		ser.closes = append(ser.closes[:0], ser.closes[1:]...)
	}
	ser.closes = append(ser.closes, bar.Close)
	if len(ser.closes) < s.longPeriod {
		return nil, nil
	}

	above := mean(ser.closes[s.longPeriod-s.shortPeriod:]).GreaterThan(mean(ser.closes))
	crossed := ser.primed && above != ser.above
	ser.above, ser.primed = above, true
	if !crossed {
		return nil, nil
	}

	switch {
	case above && !ser.long:
		ser.long = true
		return []domain.OrderIntent{s.intent(bar, domain.SideBuy)}, nil
	case !above && ser.long:
		ser.long = false
		return []domain.OrderIntent{s.intent(bar, domain.SideSell)}, nil
	}
	return nil, nil
}

// OnOrder undoes the holding flag when the order for a signal was rejected,
// so a refused buy is not followed by a sell of units never held.
func (s *SMACross) OnOrder(_ context.Context, o *domain.Order) {
	ser, ok := s.series[o.Symbol]
	if !ok || o.Status != domain.OrderStatusRejected {
		return
	}
	ser.long = o.Side == domain.SideSell
}

func (s *SMACross) intent(bar domain.Bar, side domain.Side) domain.OrderIntent {
	return domain.OrderIntent{
		StrategyID: s.name,
		Symbol:     bar.Symbol,
		Side:       side,
		Type:       domain.OrderTypeMarket,
		Amount:     s.amount,
		Price:      bar.Close,
	}
}

func mean(xs []decimal.Decimal) decimal.Decimal {
	return decimal.Sum(decimal.Zero, xs...).Div(decimal.NewFromInt(int64(len(xs))))
}
