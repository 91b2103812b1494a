package risk

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// Reason categorizes a rejected admission.
type Reason string

const (
	ReasonNone          Reason = ""
	ReasonInvalidAmount Reason = "InvalidAmount"
	ReasonDrawdown      Reason = "Drawdown"
	ReasonMaxPosition   Reason = "MaxPosition"
	ReasonMinOrderValue Reason = "MinOrderValue"
	ReasonCapitalRatio  Reason = "CapitalRatio"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Accepted bool
	Reason   Reason
	Detail   string
}

func (d Decision) String() string {
	if d.Accepted {
		return "accepted"
	}
	return fmt.Sprintf("rejected (%s): %s", d.Reason, d.Detail)
}

// Accept returns an accepting Decision.
func Accept() Decision { return Decision{Accepted: true} }

// Reject returns a rejecting Decision.
func Reject(reason Reason, format string, args ...any) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// CheckRequest is an order intent together with the ledger figures it is
// checked against. A zero Price means no price is known.
type CheckRequest struct {
	Symbol    string
	Side      domain.Side
	Type      domain.OrderType
	Amount    decimal.Decimal
	Price     decimal.Decimal
	Position  decimal.Decimal // current signed quantity
	Available decimal.Decimal // balance not held by reservations
	Strategy  *Params         // per-strategy override, may be nil
}

func (r CheckRequest) projected() decimal.Decimal {
	if r.Side == domain.SideBuy {
		return r.Position.Add(r.Amount)
	}
	return r.Position.Sub(r.Amount)
}

// increasesRisk reports whether the order adds exposure the drawdown gate
// applies to: every buy, and sells that leave the position short.
func (r CheckRequest) increasesRisk() bool {
	return r.Side == domain.SideBuy || r.projected().IsNegative()
}

// Manager applies the admission checks against a global parameter layer.
// It holds no per-strategy state; callers pass the strategy's State.
type Manager struct {
	global Params
	log    *slog.Logger
}

// NewManager creates a Manager with the given global parameters.
func NewManager(global Params, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{global: global, log: log}
}

// Global returns the global parameter layer.
func (m *Manager) Global() Params { return m.global }

// CheckOrder runs the admission checks in order and stops at the first
// failure: positive amount, drawdown, projected position, minimum order
// value, capital ratio. It never modifies state.
func (m *Manager) CheckOrder(state *State, req CheckRequest) Decision {
	if !req.Amount.IsPositive() {
		return Reject(ReasonInvalidAmount, "amount %s must be positive", req.Amount)
	}

	if state != nil && req.increasesRisk() {
		if d := m.checkDrawdown(state, req); !d.Accepted {
			return d
		}
	}

	projected := req.projected()
	if limit, ok := Resolve(KeyMaxPosition, req.Symbol, req.Strategy, &m.global); ok {
		if projected.Abs().GreaterThan(limit) {
			return Reject(ReasonMaxPosition, "%s projected position %s exceeds limit %s", req.Symbol, projected, limit)
		}
	}

	if !req.Price.IsPositive() {
		m.log.Warn("no price for order, skipping value checks",
			"symbol", req.Symbol, "side", req.Side, "type", req.Type, "amount", req.Amount)
		return Accept()
	}

	value := req.Amount.Mul(req.Price)
	minValue := ResolveOr(KeyMinOrderValue, req.Symbol, req.Strategy, &m.global, DefaultMinOrderValue)
	if value.LessThan(minValue) {
		return Reject(ReasonMinOrderValue, "%s order value %s below minimum %s", req.Symbol, value, minValue)
	}

	if req.Side == domain.SideBuy {
		ratio := ResolveOr(KeyCapitalRatio, req.Symbol, req.Strategy, &m.global, DefaultCapitalRatio)
		limit := req.Available.Mul(ratio)
		if value.GreaterThan(limit) {
			return Reject(ReasonCapitalRatio, "%s order value %s exceeds %s of available %s", req.Symbol, value, ratio, req.Available)
		}
	}
	return Accept()
}

// checkDrawdown rejects when the gap between peak and current realized PnL
// reaches the absolute limit, or the percent limit once the peak is positive.
// Unset or zero limits are disabled.
func (m *Manager) checkDrawdown(state *State, req CheckRequest) Decision {
	peak, realized, dd := state.drawdown()

	if limit, ok := Resolve(KeyMaxDrawdownAbsolute, req.Symbol, req.Strategy, &m.global); ok && limit.IsPositive() {
		if dd.GreaterThanOrEqual(limit) {
			return Reject(ReasonDrawdown, "drawdown %s (peak %s, realized %s) reached limit %s", dd, peak, realized, limit)
		}
	}
	if limit, ok := Resolve(KeyMaxDrawdownPercent, req.Symbol, req.Strategy, &m.global); ok && limit.IsPositive() && peak.IsPositive() {
		if pct := dd.Div(peak); pct.GreaterThanOrEqual(limit) {
			return Reject(ReasonDrawdown, "drawdown %s of peak %s reached limit %s", pct, peak, limit)
		}
	}
	return Accept()
}

// UpdateOnFill records a confirmed fill in the strategy's state.
func (m *Manager) UpdateOnFill(state *State, fill domain.Fill) {
	state.apply(fill)
	m.log.Debug("risk state updated",
		"strategy", state.Strategy(), "symbol", fill.Symbol, "side", fill.Side,
		"closed", fill.ClosedQty, "pnl", fill.RealizedPnL, "drawdown", state.Drawdown())
}

// MaxOrderAmount returns the largest amount that would pass CheckOrder for
// req's symbol, side and price. req.Amount is ignored. The second result is
// false when no limit bounds the amount.
func (m *Manager) MaxOrderAmount(state *State, req CheckRequest) (decimal.Decimal, bool) {
	if !req.Price.IsPositive() {
		return decimal.Zero, true
	}

	var (
		best    decimal.Decimal
		bounded bool
	)
	limitTo := func(v decimal.Decimal) {
		v = decimal.Max(v, decimal.Zero)
		if !bounded || v.LessThan(best) {
			best, bounded = v, true
		}
	}

	if limit, ok := Resolve(KeyMaxPosition, req.Symbol, req.Strategy, &m.global); ok {
		if req.Side == domain.SideBuy {
			limitTo(limit.Sub(req.Position))
		} else {
			limitTo(limit.Add(req.Position))
		}
	}
	if req.Side == domain.SideBuy {
		ratio := ResolveOr(KeyCapitalRatio, req.Symbol, req.Strategy, &m.global, DefaultCapitalRatio)
		limitTo(req.Available.Mul(ratio).Div(req.Price))
	}

	if state != nil {
		// Past the drawdown limit only sells that keep the position
		// non-negative are admitted.
		if d := m.checkDrawdown(state, req); !d.Accepted {
			if req.Side == domain.SideBuy {
				limitTo(decimal.Zero)
			} else {
				limitTo(decimal.Max(req.Position, decimal.Zero))
			}
		}
	}

	if bounded {
		minValue := ResolveOr(KeyMinOrderValue, req.Symbol, req.Strategy, &m.global, DefaultMinOrderValue)
		if best.Mul(req.Price).LessThan(minValue) {
			return decimal.Zero, true
		}
	}
	return best, bounded
}
