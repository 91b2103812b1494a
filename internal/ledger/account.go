// Package ledger turns a stream of fills into position, cash and PnL state
// for a single quote-currency account.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

// FillRequest describes one execution to be booked.
type FillRequest struct {
	OrderID    string
	StrategyID string
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Fee        decimal.Decimal
	Timestamp  time.Time
}

func (r FillRequest) validate() error {
	switch {
	case r.Symbol == "":
		return domain.Invalid(r.Symbol, "symbol", domain.ErrUnknownSymbol)
	case !r.Side.Valid():
		return domain.Invalid(r.Symbol, "side", domain.ErrInvalidSide)
	case !r.Quantity.IsPositive():
		return domain.Invalid(r.Symbol, "quantity", domain.ErrInvalidAmount)
	case r.Price.IsNegative():
		return domain.Invalid(r.Symbol, "price", domain.ErrInvalidPrice)
	case r.Fee.IsNegative():
		return domain.Invalid(r.Symbol, "fee", domain.ErrInvalidPrice)
	}
	return nil
}

// Account is a single-currency trading account. All methods are safe for
// concurrent use; every mutation holds the account lock for its full
// duration.
type Account struct {
	mu sync.Mutex

	quote    string
	initial  decimal.Decimal
	balance  decimal.Decimal
	reserved map[string]decimal.Decimal

	positions     map[string]*domain.Position
	realized      map[string]decimal.Decimal
	totalRealized decimal.Decimal

	trades []domain.Fill
	equity []domain.EquityPoint
}

// NewAccount creates an account holding initialBalance of quoteCurrency.
func NewAccount(initialBalance decimal.Decimal, quoteCurrency string) *Account {
	return &Account{
		quote:     quoteCurrency,
		initial:   initialBalance,
		balance:   initialBalance,
		reserved:  make(map[string]decimal.Decimal),
		positions: make(map[string]*domain.Position),
		realized:  make(map[string]decimal.Decimal),
	}
}

// ApplyFill books one execution: it updates the symbol's position, moves
// cash, realizes PnL on any closing portion and commits the capital reserved
// under req.OrderID, if any. Invalid requests return a *domain.ValidationError
// and leave the account untouched.
func (a *Account) ApplyFill(req FillRequest) (domain.Fill, error) {
	if err := req.validate(); err != nil {
		return domain.Fill{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	pos, ok := a.positions[req.Symbol]
	if !ok {
		pos = &domain.Position{Symbol: req.Symbol}
		a.positions[req.Symbol] = pos
	}
	if pos.Symbol != req.Symbol {
		panic(fmt.Sprintf("ledger: position keyed %s holds symbol %s", req.Symbol, pos.Symbol))
	}

	realized, closed := settle(pos, req.Side, req.Quantity, req.Price, req.Fee)

	notional := req.Quantity.Mul(req.Price)
	if req.Side == domain.SideBuy {
		a.balance = a.balance.Sub(notional).Sub(req.Fee)
	} else {
		a.balance = a.balance.Add(notional).Sub(req.Fee)
	}
	if req.OrderID != "" {
		delete(a.reserved, req.OrderID)
	}
	if closed.IsPositive() {
		a.realized[req.Symbol] = a.realized[req.Symbol].Add(realized)
		a.totalRealized = a.totalRealized.Add(realized)
	}

	fill := domain.Fill{
		OrderID:      req.OrderID,
		StrategyID:   req.StrategyID,
		Symbol:       req.Symbol,
		Side:         req.Side,
		Quantity:     req.Quantity,
		Price:        req.Price,
		Fee:          req.Fee,
		RealizedPnL:  realized,
		ClosedQty:    closed,
		BalanceAfter: a.balance,
		Timestamp:    req.Timestamp,
	}
	a.trades = append(a.trades, fill)
	a.recordLocked(req.Timestamp, nil)
	return fill, nil
}

// ---------------------------------------------------------------------------
// Reservations
// ---------------------------------------------------------------------------

// Reserve sets aside amount of the available balance under id until it is
// released or committed by a fill carrying the same order ID.
func (a *Account) Reserve(id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return domain.Invalid(id, "reservation", domain.ErrInvalidAmount)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.reserved[id]; ok {
		return fmt.Errorf("reservation %s already exists", id)
	}
	if avail := a.availableLocked(); amount.GreaterThan(avail) {
		return fmt.Errorf("reserve %s for %s (available %s): %w", amount, id, avail, domain.ErrInsufficientFunds)
	}
	a.reserved[id] = amount
	return nil
}

// Release returns the capital held under id and reports how much that was.
func (a *Account) Release(id string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()

	amount := a.reserved[id]
	delete(a.reserved, id)
	return amount
}

// Available returns the balance minus all outstanding reservations.
func (a *Account) Available() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.availableLocked()
}

func (a *Account) availableLocked() decimal.Decimal {
	return a.balance.Sub(a.reservedLocked())
}

func (a *Account) reservedLocked() decimal.Decimal {
	total := decimal.Zero
	for _, amt := range a.reserved {
		total = total.Add(amt)
	}
	return total
}

// ---------------------------------------------------------------------------
// Valuation
// ---------------------------------------------------------------------------

// Equity returns balance plus the marked value of every open position. A
// position without a mark is valued at its signed cost basis and the second
// return value is false.
func (a *Account) Equity(marks map[string]decimal.Decimal) (decimal.Decimal, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.equityLocked(marks)
}

func (a *Account) equityLocked(marks map[string]decimal.Decimal) (decimal.Decimal, bool) {
	equity := a.balance
	exact := true
	for sym, pos := range a.positions {
		if pos.IsFlat() {
			continue
		}
		if mark, ok := marks[sym]; ok {
			equity = equity.Add(pos.MarketValue(mark))
			continue
		}
		equity = equity.Add(bookValue(pos))
		exact = false
	}
	return equity, exact
}

// RecordEquity samples equity at ts. A point at the same timestamp as the
// last one replaces it; an older timestamp is ignored and reported false.
func (a *Account) RecordEquity(ts time.Time, marks map[string]decimal.Decimal) (domain.EquityPoint, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recordLocked(ts, marks)
}

func (a *Account) recordLocked(ts time.Time, marks map[string]decimal.Decimal) (domain.EquityPoint, bool) {
	eq, exact := a.equityLocked(marks)
	pt := domain.EquityPoint{Timestamp: ts, Equity: eq, Exact: exact}

	n := len(a.equity)
	switch {
	case n == 0 || ts.After(a.equity[n-1].Timestamp):
		a.equity = append(a.equity, pt)
	case ts.Equal(a.equity[n-1].Timestamp):
		a.equity[n-1] = pt
	default:
		return pt, false
	}
	return pt, true
}

// ---------------------------------------------------------------------------
// Snapshots
// ---------------------------------------------------------------------------

// Position returns a copy of the position for symbol. Unknown symbols are
// flat.
func (a *Account) Position(symbol string) domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	if p, ok := a.positions[symbol]; ok {
		return *p
	}
	return domain.Position{Symbol: symbol}
}

// Positions returns every non-flat position sorted by symbol.
func (a *Account) Positions() []domain.Position {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.Position, 0, len(a.positions))
	for _, p := range a.positions {
		if !p.IsFlat() {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (a *Account) QuoteCurrency() string { return a.quote }

func (a *Account) InitialBalance() decimal.Decimal { return a.initial }

func (a *Account) Balance() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balance
}

func (a *Account) Reserved() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reservedLocked()
}

// RealizedPnL returns the realized PnL booked for symbol.
func (a *Account) RealizedPnL(symbol string) decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.realized[symbol]
}

func (a *Account) TotalRealizedPnL() decimal.Decimal {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalRealized
}

// Trades returns a copy of the trade history in booking order.
func (a *Account) Trades() []domain.Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.Fill(nil), a.trades...)
}

// EquityCurve returns a copy of the equity curve.
func (a *Account) EquityCurve() []domain.EquityPoint {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.EquityPoint(nil), a.equity...)
}

// Info summarizes the account, marking positions at marks.
func (a *Account) Info(marks map[string]decimal.Decimal) domain.AccountInfo {
	a.mu.Lock()
	defer a.mu.Unlock()

	eq, exact := a.equityLocked(marks)
	reserved := a.reservedLocked()
	return domain.AccountInfo{
		QuoteCurrency: a.quote,
		Balance:       a.balance,
		Reserved:      reserved,
		Available:     a.balance.Sub(reserved),
		Equity:        eq,
		EquityExact:   exact,
		RealizedPnL:   a.totalRealized,
	}
}
