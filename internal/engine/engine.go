// Package engine coordinates risk admission, capital reservation, broker
// execution and persistence for every order the system places.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"cqt/internal/broker"
	"cqt/internal/domain"
	"cqt/internal/ledger"
	"cqt/internal/risk"
	"cqt/internal/store"
)

// Option configures an Engine.
type Option func(*Engine)

// WithJournal persists orders, fills, positions and equity samples.
func WithJournal(j store.Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithStrategyParams installs a per-strategy risk override layer.
func WithStrategyParams(strategy string, p *risk.Params) Option {
	return func(e *Engine) {
		if p != nil {
			e.strategyParams[strategy] = p
		}
	}
}

// WithFeeRate sets the fee rate added on top of buy reservations. It should
// match the broker's rate.
func WithFeeRate(rate decimal.Decimal) Option {
	return func(e *Engine) { e.feeRate = rate }
}

// WithLogger sets the engine logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithIDGenerator replaces the uuid order ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(e *Engine) { e.newID = fn }
}

// Engine serializes order admission so that the risk check, the capital
// reservation and the broker submit see one consistent ledger snapshot.
type Engine struct {
	mu sync.Mutex

	broker  broker.Broker
	account *ledger.Account
	risk    *risk.Manager
	journal store.Journal
	feeRate decimal.Decimal
	log     *slog.Logger
	newID   func() string

	states         map[string]*risk.State
	strategyParams map[string]*risk.Params
	marks          map[string]decimal.Decimal
	rejections     map[risk.Reason]int
	clock          time.Time // timestamp of the newest bar seen
}

// NewEngine creates an Engine. The broker must book its fills into account.
func NewEngine(b broker.Broker, account *ledger.Account, rm *risk.Manager, opts ...Option) *Engine {
	e := &Engine{
		broker:         b,
		account:        account,
		risk:           rm,
		log:            slog.Default(),
		newID:          uuid.NewString,
		states:         make(map[string]*risk.State),
		strategyParams: make(map[string]*risk.Params),
		marks:          make(map[string]decimal.Decimal),
		rejections:     make(map[risk.Reason]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SubmitOrder admits intent through the risk manager, reserves capital for
// buys and forwards the order to the broker. A risk rejection is not an
// error: it returns a rejected order and the Decision explaining it. Errors
// report broker failures; the returned order, when non-nil, carries the
// broker's view of it.
func (e *Engine) SubmitOrder(ctx context.Context, intent domain.OrderIntent) (*domain.Order, risk.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	order := &domain.Order{
		ID:         e.newID(),
		StrategyID: intent.StrategyID,
		Symbol:     intent.Symbol,
		Side:       intent.Side,
		Type:       intent.Type,
		Amount:     intent.Amount,
		Price:      intent.Price,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	order.ClientOrderID = order.ID

	price := e.referencePrice(intent)
	state := e.stateLocked(intent.StrategyID)
	decision := e.risk.CheckOrder(state, e.checkRequest(intent, price))
	if !decision.Accepted {
		e.rejectLocked(ctx, order, decision)
		return order, decision, nil
	}

	if intent.Side == domain.SideBuy {
		if !price.IsPositive() {
			decision = risk.Reject(risk.ReasonCapitalRatio, "no reference price for %s to reserve capital against", intent.Symbol)
			e.rejectLocked(ctx, order, decision)
			return order, decision, nil
		}
		hold := intent.Amount.Mul(price).Mul(decimal.NewFromInt(1).Add(e.feeRate))
		if err := e.account.Reserve(order.ID, hold); err != nil {
			if !errors.Is(err, domain.ErrInsufficientFunds) {
				return nil, decision, fmt.Errorf("reserving capital for %s: %w", order.ID, err)
			}
			decision = risk.Reject(risk.ReasonCapitalRatio, "%v", err)
			e.rejectLocked(ctx, order, decision)
			return order, decision, nil
		}
	}

	placed, err := e.broker.SubmitOrder(ctx, order)
	if err != nil {
		e.account.Release(order.ID)
		e.log.Warn("broker refused order",
			"id", order.ID, "broker", e.broker.Name(), "symbol", order.Symbol, "error", err)
		if placed != nil {
			e.saveOrder(ctx, placed)
		}
		return placed, decision, fmt.Errorf("submitting %s to %s: %w", order.ID, e.broker.Name(), err)
	}

	e.settleLocked(ctx, placed)
	e.log.Info("order submitted",
		"id", placed.ID, "strategy", placed.StrategyID, "symbol", placed.Symbol,
		"side", placed.Side, "type", placed.Type, "amount", placed.Amount, "status", placed.Status)
	return placed, decision, nil
}

// OnBar advances a simulating broker to bar, settles any resting orders it
// fills and samples equity at the bar's timestamp.
func (e *Engine) OnBar(ctx context.Context, bar domain.Bar) error {
	sim, ok := e.broker.(broker.MarketSimulator)
	if !ok {
		return fmt.Errorf("broker %s does not accept market data", e.broker.Name())
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := sim.SetBar(bar); err != nil {
		return err
	}
	e.marks[bar.Symbol] = bar.Close
	if bar.Timestamp.After(e.clock) {
		e.clock = bar.Timestamp
	}

	done, err := sim.CheckPendingLimitOrders(ctx)
	if err != nil {
		return fmt.Errorf("checking pending orders: %w", err)
	}
	for _, o := range done {
		e.settleLocked(ctx, o)
	}

	e.sampleLocked(ctx, bar.Timestamp)
	return nil
}

// SampleEquity records equity at ts, marking positions at the last bar
// closes, and replaces any sample already taken at ts.
func (e *Engine) SampleEquity(ctx context.Context, ts time.Time) (domain.EquityPoint, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sampleLocked(ctx, ts)
}

func (e *Engine) sampleLocked(ctx context.Context, ts time.Time) (domain.EquityPoint, bool) {
	pt, ok := e.account.RecordEquity(ts, e.marks)
	if ok && e.journal != nil {
		if err := e.journal.SaveEquityPoint(ctx, pt); err != nil {
			e.log.Error("saving equity point", "ts", pt.Timestamp, "error", err)
		}
	}
	return pt, ok
}

// CancelOrder cancels an open order and releases its reservation. An order
// the broker reports as already finished comes back unchanged, and any
// reservation still held for it is released.
func (e *Engine) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.broker.CancelOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Reason == broker.AlreadyProcessed {
		// The order finished at the venue; its fills, if any, were booked
		// there, so only the reservation is left to free.
		if o.IsTerminal() {
			e.account.Release(o.ID)
		}
		return o, nil
	}
	e.settleLocked(ctx, o)
	return o, nil
}

// Positions returns the ledger's open positions.
func (e *Engine) Positions() []domain.Position {
	return e.account.Positions()
}

// Account summarizes the ledger marked at the last bar closes.
func (e *Engine) Account() domain.AccountInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.account.Info(e.marks)
}

// Ledger returns the account the engine books against.
func (e *Engine) Ledger() *ledger.Account { return e.account }

// StrategyState returns the risk state of a strategy that has traded or
// submitted an order.
func (e *Engine) StrategyState(strategy string) (risk.Snapshot, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s, ok := e.states[strategy]
	if !ok {
		return risk.Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Strategies lists the strategies with risk state, sorted.
func (e *Engine) Strategies() []string {
	e.mu.Lock()
	defer e.mu.Unlock()

	names := make([]string, 0, len(e.states))
	for name := range e.states {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Rejections returns the number of risk rejections per reason.
func (e *Engine) Rejections() map[risk.Reason]int {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[risk.Reason]int, len(e.rejections))
	for k, v := range e.rejections {
		out[k] = v
	}
	return out
}

// MaxOrderAmount returns the largest amount of intent's symbol and side the
// risk manager would currently admit. See risk.Manager.MaxOrderAmount.
func (e *Engine) MaxOrderAmount(intent domain.OrderIntent) (decimal.Decimal, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	price := e.referencePrice(intent)
	return e.risk.MaxOrderAmount(e.stateLocked(intent.StrategyID), e.checkRequest(intent, price))
}

func (e *Engine) checkRequest(intent domain.OrderIntent, price decimal.Decimal) risk.CheckRequest {
	return risk.CheckRequest{
		Symbol:    intent.Symbol,
		Side:      intent.Side,
		Type:      intent.Type,
		Amount:    intent.Amount,
		Price:     price,
		Position:  e.account.Position(intent.Symbol).Quantity,
		Available: e.account.Available(),
		Strategy:  e.strategyParams[intent.StrategyID],
	}
}

// referencePrice is the intent's price, or the broker's last price for the
// symbol when the intent has none.
func (e *Engine) referencePrice(intent domain.OrderIntent) decimal.Decimal {
	if intent.Price.IsPositive() {
		return intent.Price
	}
	if q, ok := e.broker.(broker.Quoter); ok {
		if p, ok := q.LastPrice(intent.Symbol); ok {
			return p
		}
	}
	return decimal.Zero
}

func (e *Engine) stateLocked(strategy string) *risk.State {
	s, ok := e.states[strategy]
	if !ok {
		s = risk.NewState(strategy)
		e.states[strategy] = s
	}
	return s
}

func (e *Engine) rejectLocked(ctx context.Context, o *domain.Order, d risk.Decision) {
	o.Status = domain.OrderStatusRejected
	o.Reason = fmt.Sprintf("%s: %s", d.Reason, d.Detail)
	e.rejections[d.Reason]++
	e.log.Info("order rejected by risk",
		"id", o.ID, "strategy", o.StrategyID, "symbol", o.Symbol, "side", o.Side,
		"amount", o.Amount, "reason", d.Reason, "detail", d.Detail)
	e.saveOrder(ctx, o)
}

// settleLocked applies the fills carried by o to the strategy's risk state,
// journals them, frees the reservation once o is terminal and re-samples
// equity at the last fill so the curve holds the marked value.
func (e *Engine) settleLocked(ctx context.Context, o *domain.Order) {
	for _, f := range o.Fills {
		e.risk.UpdateOnFill(e.stateLocked(f.StrategyID), f)
		if e.journal == nil {
			continue
		}
		if err := e.journal.SaveFill(ctx, f); err != nil {
			e.log.Error("saving fill", "order", f.OrderID, "error", err)
		}
		e.savePosition(ctx, f.Symbol)
	}
	if o.IsTerminal() {
		e.account.Release(o.ID)
	}
	e.saveOrder(ctx, o)
	if n := len(o.Fills); n > 0 {
		e.sampleLocked(ctx, o.Fills[n-1].Timestamp)
	}
}

func (e *Engine) saveOrder(ctx context.Context, o *domain.Order) {
	if e.journal == nil {
		return
	}
	if err := e.journal.SaveOrder(ctx, o); err != nil {
		e.log.Error("saving order", "id", o.ID, "error", err)
	}
}

func (e *Engine) savePosition(ctx context.Context, symbol string) {
	pos := e.account.Position(symbol)
	var err error
	if pos.IsFlat() {
		err = e.journal.DeletePosition(ctx, symbol)
	} else {
		err = e.journal.SavePosition(ctx, &pos)
	}
	if err != nil {
		e.log.Error("saving position", "symbol", symbol, "error", err)
	}
}

func (e *Engine) now() time.Time {
	if e.clock.IsZero() {
		return time.Now().UTC()
	}
	return e.clock
}
