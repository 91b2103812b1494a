package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cqt/internal/domain"
	"cqt/internal/ledger"
)

// AlreadyProcessed is the Reason set on the order returned when canceling an
// order that reached a terminal state earlier.
const AlreadyProcessed = "already processed"

// Compile-time interface checks.
var (
	_ MarketSimulator = (*Simulator)(nil)
	_ Quoter          = (*Simulator)(nil)
)

// SlippageFunc maps the reference execution price (the limit price, or the
// bar close for market orders) to the price actually paid.
type SlippageFunc func(symbol string, side domain.Side, typ domain.OrderType, price, amount decimal.Decimal, bar domain.Bar) decimal.Decimal

// SimulatorOption configures a Simulator.
type SimulatorOption func(*Simulator)

// WithSlippage installs a slippage hook.
func WithSlippage(fn SlippageFunc) SimulatorOption {
	return func(s *Simulator) { s.slippage = fn }
}

// WithMaxBarAge rejects orders for symbols whose current bar trails the
// newest bar seen by more than age. Zero disables the check.
func WithMaxBarAge(age time.Duration) SimulatorOption {
	return func(s *Simulator) { s.maxBarAge = age }
}

// WithLogger sets the logger used for order lifecycle events.
func WithLogger(log *slog.Logger) SimulatorOption {
	return func(s *Simulator) { s.log = log }
}

// WithIDGenerator replaces the uuid order ID generator.
func WithIDGenerator(fn func() string) SimulatorOption {
	return func(s *Simulator) { s.newID = fn }
}

// Simulator implements Broker for paper trading and backtesting. It matches
// each order against the current bar of its symbol, books fills into the
// ledger and keeps unfilled limit orders resting across bars.
type Simulator struct {
	mu sync.Mutex

	account   *ledger.Account
	feeRate   decimal.Decimal
	slippage  SlippageFunc
	maxBarAge time.Duration
	log       *slog.Logger
	newID     func() string

	bars    map[string]domain.Bar
	latest  time.Time
	orders  map[string]*domain.Order
	pending []string // order IDs in submission order
}

// NewSimulator creates a Simulator that books fills into account and charges
// feeRate of the notional on every fill.
func NewSimulator(account *ledger.Account, feeRate decimal.Decimal, opts ...SimulatorOption) *Simulator {
	s := &Simulator{
		account: account,
		feeRate: feeRate,
		log:     slog.Default(),
		newID:   uuid.NewString,
		bars:    make(map[string]domain.Bar),
		orders:  make(map[string]*domain.Order),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns "simulator".
func (s *Simulator) Name() string {
	return "simulator"
}

// SetBar makes bar the current bar for bar.Symbol. Bars for one symbol must
// arrive in non-decreasing timestamp order.
func (s *Simulator) SetBar(bar domain.Bar) error {
	if bar.Symbol == "" {
		return domain.Invalid("", "symbol", domain.ErrUnknownSymbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.bars[bar.Symbol]; ok && bar.Timestamp.Before(cur.Timestamp) {
		return fmt.Errorf("%s bar at %s: %w", bar.Symbol, bar.Timestamp.Format(time.RFC3339), domain.ErrOutOfOrderBar)
	}
	s.bars[bar.Symbol] = bar
	if bar.Timestamp.After(s.latest) {
		s.latest = bar.Timestamp
	}
	return nil
}

// LastPrice returns the close of the current bar for symbol.
func (s *Simulator) LastPrice(symbol string) (decimal.Decimal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	bar, ok := s.bars[symbol]
	return bar.Close, ok
}

// SubmitOrder validates order, then fills it against the current bar or
// leaves it resting when it is a limit order whose price was not reached.
// The caller's order is not modified.
func (s *Simulator) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o := order.Clone()
	if o.ID == "" {
		o.ID = s.newID()
	}
	if _, dup := s.orders[o.ID]; dup {
		return nil, fmt.Errorf("order %s already submitted", o.ID)
	}

	bar, err := s.validate(o)
	if err != nil {
		o.Status = domain.OrderStatusRejected
		o.Reason = err.Error()
		o.CreatedAt, o.UpdatedAt = s.latest, s.latest
		s.orders[o.ID] = o
		s.log.Info("order rejected", "id", o.ID, "symbol", o.Symbol, "reason", o.Reason)
		return o.Clone(), err
	}

	o.Status = domain.OrderStatusOpen
	o.CreatedAt, o.UpdatedAt = bar.Timestamp, bar.Timestamp
	s.orders[o.ID] = o

	price, ok := s.match(o, bar)
	if !ok {
		s.pending = append(s.pending, o.ID)
		s.log.Debug("limit order resting", "id", o.ID, "symbol", o.Symbol, "side", o.Side, "price", o.Price)
		return o.Clone(), nil
	}
	if err := s.execute(o, bar, price); err != nil {
		return o.Clone(), err
	}
	return o.Clone(), nil
}

// CheckPendingLimitOrders matches every resting order against the current bar
// of its symbol and returns the orders that left the book, in submission
// order: filled ones are closed, ones the ledger refused are rejected.
func (s *Simulator) CheckPendingLimitOrders(ctx context.Context) ([]*domain.Order, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var done []*domain.Order
	still := s.pending[:0]
	for _, id := range s.pending {
		o := s.orders[id]
		bar, ok := s.bars[o.Symbol]
		if !ok {
			still = append(still, id)
			continue
		}
		price, ok := s.match(o, bar)
		if !ok {
			still = append(still, id)
			continue
		}
		if err := s.execute(o, bar, price); err != nil {
			s.log.Warn("pending order failed to book", "id", id, "error", err)
		}
		done = append(done, o.Clone())
	}
	s.pending = still
	return done, nil
}

// CancelOrder cancels a resting order. An order that already closed, was
// canceled or was rejected comes back unchanged with Reason set to
// AlreadyProcessed.
func (s *Simulator) CancelOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	if o.IsTerminal() {
		c := o.Clone()
		c.Reason = AlreadyProcessed
		return c, nil
	}

	o.Status = domain.OrderStatusCanceled
	o.UpdatedAt = s.latest
	for i, id := range s.pending {
		if id == orderID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
	s.log.Info("order canceled", "id", o.ID, "symbol", o.Symbol)
	return o.Clone(), nil
}

// Order returns a copy of the order with the given ID.
func (s *Simulator) Order(orderID string) (*domain.Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OpenOrders returns copies of the resting orders in submission order.
func (s *Simulator) OpenOrders() []*domain.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Order, 0, len(s.pending))
	for _, id := range s.pending {
		out = append(out, s.orders[id].Clone())
	}
	return out
}

// GetPositions returns the ledger's open positions.
func (s *Simulator) GetPositions(_ context.Context) ([]domain.Position, error) {
	return s.account.Positions(), nil
}

// GetAccount returns the ledger summary marked at the current closes.
func (s *Simulator) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	s.mu.Lock()
	marks := make(map[string]decimal.Decimal, len(s.bars))
	for sym, bar := range s.bars {
		marks[sym] = bar.Close
	}
	s.mu.Unlock()

	info := s.account.Info(marks)
	return &info, nil
}

// validate returns the bar the order will be matched against.
func (s *Simulator) validate(o *domain.Order) (domain.Bar, error) {
	switch {
	case !o.Side.Valid():
		return domain.Bar{}, domain.Invalid(o.Symbol, "side", domain.ErrInvalidSide)
	case !o.Type.Valid():
		return domain.Bar{}, domain.Invalid(o.Symbol, "type", domain.ErrInvalidOrderType)
	case !o.Amount.IsPositive():
		return domain.Bar{}, domain.Invalid(o.Symbol, "amount", domain.ErrInvalidAmount)
	case o.Type == domain.OrderTypeLimit && !o.Price.IsPositive():
		return domain.Bar{}, domain.Invalid(o.Symbol, "price", domain.ErrMissingPrice)
	case len(s.bars) == 0:
		return domain.Bar{}, domain.Invalid(o.Symbol, "bar", domain.ErrNoMarketData)
	}

	bar, ok := s.bars[o.Symbol]
	if !ok {
		return domain.Bar{}, domain.Invalid(o.Symbol, "symbol", domain.ErrUnknownSymbol)
	}
	if s.maxBarAge > 0 && s.latest.Sub(bar.Timestamp) > s.maxBarAge {
		return domain.Bar{}, domain.Invalid(o.Symbol, "bar", domain.ErrStaleMarketData)
	}
	return bar, nil
}

// match decides whether o fills against bar and at what price. Fills are
// all-or-nothing.
func (s *Simulator) match(o *domain.Order, bar domain.Bar) (decimal.Decimal, bool) {
	var price decimal.Decimal
	switch {
	case o.Type == domain.OrderTypeMarket:
		price = bar.Close
	case o.Side == domain.SideBuy && bar.Low.LessThanOrEqual(o.Price):
		price = o.Price
	case o.Side == domain.SideSell && bar.High.GreaterThanOrEqual(o.Price):
		price = o.Price
	default:
		return decimal.Zero, false
	}
	if s.slippage != nil {
		price = s.slippage(o.Symbol, o.Side, o.Type, price, o.Amount, bar)
	}
	return price, true
}

// execute books the full order at price and closes it. If the ledger refuses
// the fill the order is rejected instead.
func (s *Simulator) execute(o *domain.Order, bar domain.Bar, price decimal.Decimal) error {
	fee := o.Amount.Mul(price).Mul(s.feeRate)
	f, err := s.account.ApplyFill(ledger.FillRequest{
		OrderID:    o.ID,
		StrategyID: o.StrategyID,
		Symbol:     o.Symbol,
		Side:       o.Side,
		Quantity:   o.Amount,
		Price:      price,
		Fee:        fee,
		Timestamp:  bar.Timestamp,
	})
	if err != nil {
		o.Status = domain.OrderStatusRejected
		o.Reason = err.Error()
		o.UpdatedAt = bar.Timestamp
		return err
	}

	o.Filled = o.Amount
	o.Average = price
	o.Fee = fee
	o.Fills = append(o.Fills, f)
	o.Status = domain.OrderStatusClosed
	o.UpdatedAt = bar.Timestamp
	s.log.Info("order filled",
		"id", o.ID, "symbol", o.Symbol, "side", o.Side,
		"amount", o.Amount, "price", price, "fee", fee, "pnl", f.RealizedPnL)
	return nil
}
