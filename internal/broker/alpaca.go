package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"

	"cqt/internal/domain"
	"cqt/internal/ledger"
	"cqt/internal/util"
)

// Compile-time interface checks.
var (
	_ Broker = (*AlpacaBroker)(nil)
	_ Quoter = (*AlpacaBroker)(nil)
)

// quoteTimeout bounds one latest-trade lookup.
const quoteTimeout = 5 * time.Second

// alpacaAPI is the subset of *alpaca.Client used by AlpacaBroker.
type alpacaAPI interface {
	PlaceOrder(req alpaca.PlaceOrderRequest) (*alpaca.Order, error)
	CancelOrder(orderID string) error
	GetOrderByClientOrderID(clientOrderID string) (*alpaca.Order, error)
	GetPositions() ([]alpaca.Position, error)
	GetAccount() (*alpaca.Account, error)
}

// quoteAPI is the subset of *marketdata.Client used for reference prices.
type quoteAPI interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
}

// AlpacaBroker implements the Broker interface using the Alpaca brokerage API.
// Calls are rate limited and transient failures are retried. Fills reported
// synchronously by PlaceOrder are booked into the ledger, when one is set.
type AlpacaBroker struct {
	client   alpacaAPI
	quotes   quoteAPI
	account  *ledger.Account
	limiter  *util.RateLimiter
	attempts int
	backoff  time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	strategies map[string]string // open order ID -> strategy
}

// NewAlpacaBroker creates a new AlpacaBroker configured with the given
// credentials and API endpoint. Reference prices come from the market-data
// API with the same credentials. account may be nil.
func NewAlpacaBroker(apiKey, apiSecret, baseURL string, account *ledger.Account) *AlpacaBroker {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	b := newAlpacaBroker(client, account)
	b.quotes = marketdata.NewClient(marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	return b
}

func newAlpacaBroker(client alpacaAPI, account *ledger.Account) *AlpacaBroker {
	return &AlpacaBroker{
		client:   client,
		account:  account,
		limiter:  util.NewBurstRateLimiter(200, 10),
		attempts: 3,
		backoff:  500 * time.Millisecond,
		log:      slog.Default(),

		strategies: make(map[string]string),
	}
}

// SetLogger replaces the broker's logger.
func (b *AlpacaBroker) SetLogger(log *slog.Logger) { b.log = log }

// Name returns "alpaca".
func (b *AlpacaBroker) Name() string {
	return "alpaca"
}

// SubmitOrder places the order through POST /v2/orders. The order ID is sent
// as the client order ID so a retried submission cannot be placed twice.
func (b *AlpacaBroker) SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error) {
	o := order.Clone()
	if err := validateLive(o); err != nil {
		o.Status = domain.OrderStatusRejected
		o.Reason = err.Error()
		return o, err
	}

	qty := o.Amount
	req := alpaca.PlaceOrderRequest{
		Symbol:        o.Symbol,
		Qty:           &qty,
		Side:          alpaca.Side(o.Side),
		Type:          alpaca.Market,
		TimeInForce:   alpaca.Day,
		ClientOrderID: o.ID,
	}
	if o.Type == domain.OrderTypeLimit {
		price := o.Price
		req.Type = alpaca.Limit
		req.TimeInForce = alpaca.GTC
		req.LimitPrice = &price
	}

	var placed *alpaca.Order
	err := b.call(ctx, func() error {
		var err error
		placed, err = b.client.PlaceOrder(req)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca place order %s: %w", o.ID, err)
	}

	fromAlpacaOrder(o, placed)
	if !o.IsTerminal() {
		b.mu.Lock()
		b.strategies[o.ID] = o.StrategyID
		b.mu.Unlock()
	}
	if o.Status == domain.OrderStatusClosed && b.account != nil {
		f, err := b.account.ApplyFill(ledger.FillRequest{
			OrderID:    o.ID,
			StrategyID: o.StrategyID,
			Symbol:     o.Symbol,
			Side:       o.Side,
			Quantity:   o.Filled,
			Price:      o.Average,
			Timestamp:  o.UpdatedAt,
		})
		if err != nil {
			return o, fmt.Errorf("book alpaca fill %s: %w", o.ID, err)
		}
		o.Fills = append(o.Fills, f)
	}
	b.log.Info("alpaca order placed", "id", o.ID, "broker_id", placed.ID, "status", o.Status)
	return o, nil
}

// CancelOrder looks the order up by the client order ID it was placed with
// and requests cancellation via DELETE /v2/orders/{id}.
func (b *AlpacaBroker) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var current *alpaca.Order
	err := b.call(ctx, func() error {
		var err error
		current, err = b.client.GetOrderByClientOrderID(orderID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca get order %s: %w", orderID, err)
	}

	b.mu.Lock()
	strategy := b.strategies[orderID]
	b.mu.Unlock()

	o := &domain.Order{ID: orderID, StrategyID: strategy}
	fromAlpacaOrder(o, current)
	if o.IsTerminal() {
		o.Reason = AlreadyProcessed
		b.forget(orderID)
		return o, nil
	}

	if err := b.call(ctx, func() error { return b.client.CancelOrder(current.ID) }); err != nil {
		return nil, fmt.Errorf("alpaca cancel order %s: %w", orderID, err)
	}
	o.Status = domain.OrderStatusCanceled
	b.forget(orderID)
	return o, nil
}

func (b *AlpacaBroker) forget(orderID string) {
	b.mu.Lock()
	delete(b.strategies, orderID)
	b.mu.Unlock()
}

// LastPrice returns the latest US stock trade price for symbol. Crypto pairs
// and failed lookups report false.
func (b *AlpacaBroker) LastPrice(symbol string) (decimal.Decimal, bool) {
	if b.quotes == nil || strings.Contains(symbol, "/") {
		return decimal.Zero, false
	}
	ctx, cancel := context.WithTimeout(context.Background(), quoteTimeout)
	defer cancel()

	var trade *marketdata.Trade
	err := b.call(ctx, func() error {
		var err error
		trade, err = b.quotes.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		return err
	})
	if err != nil || trade == nil || trade.Price <= 0 {
		b.log.Warn("no alpaca reference price", "symbol", symbol, "error", err)
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(trade.Price), true
}

// GetPositions returns all current positions from GET /v2/positions. Short
// positions carry a negative quantity.
func (b *AlpacaBroker) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var raw []alpaca.Position
	err := b.call(ctx, func() error {
		var err error
		raw, err = b.client.GetPositions()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca get positions: %w", err)
	}

	positions := make([]domain.Position, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if p.Side == "short" && qty.IsPositive() {
			qty = qty.Neg()
		}
		positions = append(positions, domain.Position{
			Symbol:        p.Symbol,
			Quantity:      qty,
			AvgEntryPrice: p.AvgEntryPrice,
			CostBasis:     p.CostBasis.Abs(),
		})
	}
	return positions, nil
}

// GetAccount returns the current account information from GET /v2/account.
func (b *AlpacaBroker) GetAccount(ctx context.Context) (*domain.AccountInfo, error) {
	var acct *alpaca.Account
	err := b.call(ctx, func() error {
		var err error
		acct, err = b.client.GetAccount()
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("alpaca get account: %w", err)
	}

	info := &domain.AccountInfo{
		QuoteCurrency: acct.Currency,
		Balance:       acct.Cash,
		Available:     acct.BuyingPower,
		Reserved:      decimal.Max(acct.Cash.Sub(acct.BuyingPower), decimal.Zero),
		Equity:        acct.Equity,
		EquityExact:   true,
	}
	if b.account != nil {
		info.RealizedPnL = b.account.TotalRealizedPnL()
	}
	return info, nil
}

// call rate-limits and retries fn. Client errors other than 429 are not
// retried.
func (b *AlpacaBroker) call(ctx context.Context, fn func() error) error {
	return util.Retry(ctx, b.attempts, b.backoff, func() error {
		if err := b.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		err := fn()
		var apiErr *alpaca.APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode < http.StatusInternalServerError &&
			apiErr.StatusCode != http.StatusTooManyRequests {
			return util.Permanent(err)
		}
		return err
	})
}

func validateLive(o *domain.Order) error {
	switch {
	case !o.Side.Valid():
		return domain.Invalid(o.Symbol, "side", domain.ErrInvalidSide)
	case !o.Type.Valid():
		return domain.Invalid(o.Symbol, "type", domain.ErrInvalidOrderType)
	case !o.Amount.IsPositive():
		return domain.Invalid(o.Symbol, "amount", domain.ErrInvalidAmount)
	case o.Type == domain.OrderTypeLimit && !o.Price.IsPositive():
		return domain.Invalid(o.Symbol, "price", domain.ErrMissingPrice)
	}
	return nil
}

// fromAlpacaOrder copies the broker's view of an order into o.
func fromAlpacaOrder(o *domain.Order, a *alpaca.Order) {
	if a.ClientOrderID != "" {
		o.ClientOrderID = a.ClientOrderID
	}
	if o.Symbol == "" {
		o.Symbol = a.Symbol
		o.Side = domain.Side(a.Side)
		o.Type = domain.OrderType(a.Type)
		if a.Qty != nil {
			o.Amount = *a.Qty
		}
		if a.LimitPrice != nil {
			o.Price = *a.LimitPrice
		}
	}
	o.Status = alpacaStatus(a.Status)
	o.Filled = a.FilledQty
	if a.FilledAvgPrice != nil {
		o.Average = *a.FilledAvgPrice
	}
	o.CreatedAt = a.CreatedAt
	o.UpdatedAt = a.UpdatedAt
}

func alpacaStatus(s string) domain.OrderStatus {
	switch s {
	case "filled":
		return domain.OrderStatusClosed
	case "canceled", "expired", "done_for_day", "replaced":
		return domain.OrderStatusCanceled
	case "rejected", "suspended":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusOpen
	}
}
