package ledger

import (
	"fmt"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// settle applies one execution of qty at price to p. It returns the realized
// PnL (net of the fee share that belongs to the closing portion) and the
// quantity that reduced the existing position.
//
// A fill that crosses zero first closes the old position at its average
// price and then opens the remainder at price.
func settle(p *domain.Position, side domain.Side, qty, price, fee decimal.Decimal) (realized, closed decimal.Decimal) {
	checkFlat(p)

	switch {
	case side == domain.SideBuy && p.IsShort():
		closed = decimal.Min(qty, p.Quantity.Neg())
		realized = p.AvgEntryPrice.Sub(price).Mul(closed)
	case side == domain.SideSell && p.IsLong():
		closed = decimal.Min(qty, p.Quantity)
		realized = price.Sub(p.AvgEntryPrice).Mul(closed)
	}

	if closed.IsPositive() {
		closingFee := fee
		if closed.LessThan(qty) {
			closingFee = fee.Mul(closed).Div(qty)
		}
		realized = realized.Sub(closingFee)
		reduce(p, closed)
	}

	if opened := qty.Sub(closed); opened.IsPositive() {
		extend(p, side, opened, price)
	}
	return realized, closed
}

// reduce removes closed units from the open position. The average entry price
// of what is left does not change.
func reduce(p *domain.Position, closed decimal.Decimal) {
	remaining := p.Quantity.Abs().Sub(closed)
	if remaining.IsZero() {
		p.Quantity = decimal.Zero
		p.AvgEntryPrice = decimal.Zero
		p.CostBasis = decimal.Zero
		return
	}
	p.CostBasis = p.CostBasis.Sub(p.AvgEntryPrice.Mul(closed))
	if p.IsShort() {
		p.Quantity = remaining.Neg()
	} else {
		p.Quantity = remaining
	}
}

// extend grows the position in the direction of side. The average entry price
// becomes the notional-weighted average of every opening fill.
func extend(p *domain.Position, side domain.Side, qty, price decimal.Decimal) {
	p.CostBasis = p.CostBasis.Add(qty.Mul(price))
	if side == domain.SideBuy {
		p.Quantity = p.Quantity.Add(qty)
	} else {
		p.Quantity = p.Quantity.Sub(qty)
	}
	p.AvgEntryPrice = p.CostBasis.Div(p.Quantity.Abs())
}

// checkFlat panics when a flat position still carries a price or cost basis.
// Nothing outside this file writes positions, so this is a bug in settle.
func checkFlat(p *domain.Position) {
	if p.IsFlat() && (!p.AvgEntryPrice.IsZero() || !p.CostBasis.IsZero()) {
		panic(fmt.Sprintf("ledger: flat position %s has avg %s and cost basis %s",
			p.Symbol, p.AvgEntryPrice, p.CostBasis))
	}
}

// bookValue is the signed value of p at cost, used when no mark is known.
func bookValue(p *domain.Position) decimal.Decimal {
	if p.IsShort() {
		return p.CostBasis.Neg()
	}
	return p.CostBasis
}
