// Package cqt is a Go client for the cqt-server gRPC API.
package cqt

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const service = "/cqt.v1.Ledger/"

// Account is the server's ledger summary.
type Account struct {
	QuoteCurrency string
	Balance       decimal.Decimal
	Reserved      decimal.Decimal
	Available     decimal.Decimal
	Equity        decimal.Decimal
	EquityExact   bool
	RealizedPnL   decimal.Decimal
}

// Position is one open position. Quantity is negative for shorts.
type Position struct {
	Symbol        string
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CostBasis     decimal.Decimal
}

// Fill is one execution of an order.
type Fill struct {
	OrderID     string
	Symbol      string
	Side        string
	Quantity    decimal.Decimal
	Price       decimal.Decimal
	Fee         decimal.Decimal
	RealizedPnL decimal.Decimal
	Timestamp   time.Time
}

// Order is the server's view of an order.
type Order struct {
	ID            string
	ClientOrderID string
	StrategyID    string
	Symbol        string
	Side          string
	Type          string
	Status        string
	Amount        decimal.Decimal
	Price         decimal.Decimal
	Filled        decimal.Decimal
	Average       decimal.Decimal
	Fee           decimal.Decimal
	Reason        string
	Fills         []Fill
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Decision is the risk admission outcome of a submitted order.
type Decision struct {
	Accepted bool
	Reason   string
	Detail   string
}

// OrderRequest describes an order to submit. A zero Price sends a market
// order priced by the server.
type OrderRequest struct {
	StrategyID string
	Symbol     string
	Side       string // "buy" or "sell"
	Type       string // "market" (default) or "limit"
	Amount     decimal.Decimal
	Price      decimal.Decimal
}

// StrategyState is a strategy's risk bookkeeping.
type StrategyState struct {
	Strategy        string
	Exposure        map[string]decimal.Decimal
	TotalExposure   decimal.Decimal
	RealizedPnL     decimal.Decimal
	PeakRealizedPnL decimal.Decimal
}

// Client provides a Go SDK for interacting with the cqt-server API.
type Client struct {
	cc   grpc.ClientConnInterface
	conn *grpc.ClientConn
}

// Dial creates a client for target. Without options the connection is
// insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}
	return &Client{cc: conn, conn: conn}, nil
}

// NewClient wraps an existing connection. Close does not close it.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Close closes the connection opened by Dial.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// GetAccount retrieves account information.
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, service+"GetAccount", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	r := reader{fields: out.GetFields()}
	a := &Account{
		QuoteCurrency: r.str("quote_currency"),
		Balance:       r.dec("balance"),
		Reserved:      r.dec("reserved"),
		Available:     r.dec("available"),
		Equity:        r.dec("equity"),
		EquityExact:   r.fields["equity_exact"].GetBoolValue(),
		RealizedPnL:   r.dec("realized_pnl"),
	}
	return a, r.err
}

// GetPositions retrieves current positions.
func (c *Client) GetPositions(ctx context.Context) ([]Position, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, service+"ListPositions", &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	var (
		positions []Position
		err       error
	)
	for _, v := range out.GetFields()["positions"].GetListValue().GetValues() {
		r := reader{fields: v.GetStructValue().GetFields()}
		positions = append(positions, Position{
			Symbol:        r.str("symbol"),
			Quantity:      r.dec("quantity"),
			AvgEntryPrice: r.dec("avg_entry_price"),
			CostBasis:     r.dec("cost_basis"),
		})
		if err == nil {
			err = r.err
		}
	}
	return positions, err
}

// SubmitOrder submits a new order. A risk rejection is not an error: check
// the returned Decision.
func (c *Client) SubmitOrder(ctx context.Context, req OrderRequest) (*Order, Decision, error) {
	in, err := structpb.NewStruct(map[string]any{
		"strategy_id": req.StrategyID,
		"symbol":      req.Symbol,
		"side":        req.Side,
		"type":        req.Type,
		"amount":      req.Amount.String(),
		"price":       req.Price.String(),
	})
	if err != nil {
		return nil, Decision{}, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, service+"SubmitOrder", in, out); err != nil {
		return nil, Decision{}, err
	}

	dec := out.GetFields()["decision"].GetStructValue().GetFields()
	decision := Decision{
		Accepted: dec["accepted"].GetBoolValue(),
		Reason:   dec["reason"].GetStringValue(),
		Detail:   dec["detail"].GetStringValue(),
	}
	order, err := parseOrder(out.GetFields()["order"].GetStructValue())
	return order, decision, err
}

// CancelOrder requests cancellation of an open order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (*Order, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, service+"CancelOrder", wrapperspb.String(orderID), out); err != nil {
		return nil, err
	}
	return parseOrder(out.GetFields()["order"].GetStructValue())
}

// GetStrategyState retrieves a strategy's risk state.
func (c *Client) GetStrategyState(ctx context.Context, strategy string) (*StrategyState, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, service+"GetStrategyState", wrapperspb.String(strategy), out); err != nil {
		return nil, err
	}
	r := reader{fields: out.GetFields()}
	st := &StrategyState{
		Strategy:        r.str("strategy"),
		Exposure:        make(map[string]decimal.Decimal),
		TotalExposure:   r.dec("total_exposure"),
		RealizedPnL:     r.dec("realized_pnl"),
		PeakRealizedPnL: r.dec("peak_realized_pnl"),
	}
	exp := reader{fields: r.fields["exposure"].GetStructValue().GetFields()}
	for sym := range exp.fields {
		st.Exposure[sym] = exp.dec(sym)
	}
	if r.err == nil {
		r.err = exp.err
	}
	return st, r.err
}

func parseOrder(s *structpb.Struct) (*Order, error) {
	r := reader{fields: s.GetFields()}
	o := &Order{
		ID:            r.str("id"),
		ClientOrderID: r.str("client_order_id"),
		StrategyID:    r.str("strategy_id"),
		Symbol:        r.str("symbol"),
		Side:          r.str("side"),
		Type:          r.str("type"),
		Status:        r.str("status"),
		Amount:        r.dec("amount"),
		Price:         r.dec("price"),
		Filled:        r.dec("filled"),
		Average:       r.dec("average"),
		Fee:           r.dec("fee"),
		Reason:        r.str("reason"),
		CreatedAt:     r.time("created_at"),
		UpdatedAt:     r.time("updated_at"),
	}
	for _, v := range r.fields["fills"].GetListValue().GetValues() {
		fr := reader{fields: v.GetStructValue().GetFields()}
		o.Fills = append(o.Fills, Fill{
			OrderID:     fr.str("order_id"),
			Symbol:      fr.str("symbol"),
			Side:        fr.str("side"),
			Quantity:    fr.dec("quantity"),
			Price:       fr.dec("price"),
			Fee:         fr.dec("fee"),
			RealizedPnL: fr.dec("realized_pnl"),
			Timestamp:   fr.time("timestamp"),
		})
		if r.err == nil {
			r.err = fr.err
		}
	}
	return o, r.err
}

// reader pulls typed values out of struct fields and keeps the first
// conversion error.
type reader struct {
	fields map[string]*structpb.Value
	err    error
}

func (r *reader) str(key string) string { return r.fields[key].GetStringValue() }

func (r *reader) dec(key string) decimal.Decimal {
	s := r.fields[key].GetStringValue()
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return d
}

func (r *reader) time(key string) time.Time {
	s := r.fields[key].GetStringValue()
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil && r.err == nil {
		r.err = fmt.Errorf("%s: %w", key, err)
	}
	return t
}
