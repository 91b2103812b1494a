package broker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
	"cqt/internal/ledger"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func bar(sym string, day int, open, high, low, close string) domain.Bar {
	return domain.Bar{
		Symbol:    sym,
		Timestamp: day0.AddDate(0, 0, day),
		Open:      d(open),
		High:      d(high),
		Low:       d(low),
		Close:     d(close),
		Volume:    d("1000"),
	}
}

func newTestSimulator(t *testing.T, opts ...SimulatorOption) (*Simulator, *ledger.Account) {
	t.Helper()
	acct := ledger.NewAccount(d("100000"), "USDT")
	seq := 0
	opts = append([]SimulatorOption{WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("sim-%d", seq)
	})}, opts...)
	return NewSimulator(acct, d("0.001"), opts...), acct
}

func mustSetBar(t *testing.T, s *Simulator, b domain.Bar) {
	t.Helper()
	if err := s.SetBar(b); err != nil {
		t.Fatalf("SetBar(%s @ %v): %v", b.Symbol, b.Timestamp, err)
	}
}

func TestSimulatorMarketOrder(t *testing.T) {
	s, acct := newTestSimulator(t)
	mustSetBar(t, s, bar("BTC/USDT", 0, "49000", "51000", "48000", "50000"))

	o, err := s.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("0.1"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if o.Status != domain.OrderStatusClosed {
		t.Fatalf("status = %s, want closed", o.Status)
	}
	if !o.Average.Equal(d("50000")) || !o.Fee.Equal(d("5")) || !o.Filled.Equal(d("0.1")) {
		t.Errorf("order = avg %s fee %s filled %s, want 50000/5/0.1", o.Average, o.Fee, o.Filled)
	}
	if len(o.Fills) != 1 || o.Fills[0].OrderID != o.ID {
		t.Errorf("Fills = %+v, want one fill for %s", o.Fills, o.ID)
	}
	if got := acct.Balance(); !got.Equal(d("94995")) {
		t.Errorf("balance = %s, want 94995", got)
	}
	if o.ID != "sim-1" {
		t.Errorf("ID = %q, want sim-1", o.ID)
	}
}

// Scenario F: a limit buy below the bar's low rests, then fills at its limit
// price once a later bar trades down to it.
func TestSimulatorLimitOrderRestsThenFills(t *testing.T) {
	ctx := context.Background()
	s, acct := newTestSimulator(t)
	mustSetBar(t, s, bar("ETH/USDT", 0, "3000", "3050", "2950", "3010"))

	o, err := s.SubmitOrder(ctx, &domain.Order{
		Symbol: "ETH/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("2"), Price: d("2900"),
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if o.Status != domain.OrderStatusOpen {
		t.Fatalf("status = %s, want open", o.Status)
	}
	if len(acct.Trades()) != 0 {
		t.Error("resting order touched the ledger")
	}

	mustSetBar(t, s, bar("ETH/USDT", 1, "3000", "3020", "2920", "2950"))
	filled, err := s.CheckPendingLimitOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(filled) != 0 {
		t.Fatalf("filled %d orders on a bar that never reached the limit", len(filled))
	}

	mustSetBar(t, s, bar("ETH/USDT", 2, "2950", "2960", "2900", "2905"))
	filled, err = s.CheckPendingLimitOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(filled) != 1 {
		t.Fatalf("filled %d orders, want 1", len(filled))
	}
	got := filled[0]
	if got.Status != domain.OrderStatusClosed || !got.Average.Equal(d("2900")) {
		t.Errorf("filled order = %s @ %s, want closed @ 2900", got.Status, got.Average)
	}
	if !got.UpdatedAt.Equal(day0.AddDate(0, 0, 2)) {
		t.Errorf("UpdatedAt = %v, want the filling bar's timestamp", got.UpdatedAt)
	}
	if n := len(s.OpenOrders()); n != 0 {
		t.Errorf("OpenOrders() has %d orders after fill", n)
	}
	if q := acct.Position("ETH/USDT").Quantity; !q.Equal(d("2")) {
		t.Errorf("position = %s, want 2", q)
	}
}

func TestSimulatorLimitSellCrossing(t *testing.T) {
	s, _ := newTestSimulator(t)
	mustSetBar(t, s, bar("SOL/USDT", 0, "100", "105", "95", "101"))

	tests := []struct {
		price string
		want  domain.OrderStatus
	}{
		{"104", domain.OrderStatusClosed},
		{"105", domain.OrderStatusClosed},
		{"106", domain.OrderStatusOpen},
	}
	for _, tt := range tests {
		o, err := s.SubmitOrder(context.Background(), &domain.Order{
			Symbol: "SOL/USDT", Side: domain.SideSell, Type: domain.OrderTypeLimit,
			Amount: d("1"), Price: d(tt.price),
		})
		if err != nil {
			t.Fatalf("SubmitOrder @ %s: %v", tt.price, err)
		}
		if o.Status != tt.want {
			t.Errorf("limit sell @ %s: status = %s, want %s", tt.price, o.Status, tt.want)
		}
	}
}

func TestSimulatorValidation(t *testing.T) {
	ctx := context.Background()

	s, acct := newTestSimulator(t)
	o, err := s.SubmitOrder(ctx, &domain.Order{
		Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("1"),
	})
	if !errors.Is(err, domain.ErrNoMarketData) {
		t.Errorf("no bar: error = %v, want ErrNoMarketData", err)
	}
	if o == nil || o.Status != domain.OrderStatusRejected {
		t.Errorf("no bar: order = %+v, want rejected", o)
	}

	mustSetBar(t, s, bar("BTC/USDT", 0, "1", "1", "1", "1"))
	tests := []struct {
		name  string
		order domain.Order
		want  error
	}{
		{"zero amount", domain.Order{Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket}, domain.ErrInvalidAmount},
		{"missing limit price", domain.Order{Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1")}, domain.ErrMissingPrice},
		{"unknown symbol", domain.Order{Symbol: "DOGE/USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("1")}, domain.ErrUnknownSymbol},
		{"bad side", domain.Order{Symbol: "BTC/USDT", Side: "short", Type: domain.OrderTypeMarket, Amount: d("1")}, domain.ErrInvalidSide},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			order := tt.order
			o, err := s.SubmitOrder(ctx, &order)
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("error %v is not a *domain.ValidationError", err)
			}
			if o.Status != domain.OrderStatusRejected || o.Reason == "" {
				t.Errorf("order = %s (%q), want rejected with reason", o.Status, o.Reason)
			}
		})
	}
	if len(acct.Trades()) != 0 || !acct.Balance().Equal(d("100000")) {
		t.Error("rejected orders mutated the ledger")
	}
}

func TestSimulatorStaleMarketData(t *testing.T) {
	s, _ := newTestSimulator(t, WithMaxBarAge(24*time.Hour))
	mustSetBar(t, s, bar("AAPL", 0, "1", "1", "1", "1"))
	mustSetBar(t, s, bar("MSFT", 3, "1", "1", "1", "1"))

	_, err := s.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("1"),
	})
	if !errors.Is(err, domain.ErrStaleMarketData) {
		t.Errorf("error = %v, want ErrStaleMarketData", err)
	}
}

func TestSimulatorOutOfOrderBar(t *testing.T) {
	s, _ := newTestSimulator(t)
	mustSetBar(t, s, bar("AAPL", 2, "1", "1", "1", "1"))
	if err := s.SetBar(bar("AAPL", 1, "1", "1", "1", "1")); !errors.Is(err, domain.ErrOutOfOrderBar) {
		t.Errorf("SetBar error = %v, want ErrOutOfOrderBar", err)
	}
	// Equal timestamps are allowed.
	mustSetBar(t, s, bar("AAPL", 2, "2", "2", "2", "2"))
	if px, _ := s.LastPrice("AAPL"); !px.Equal(d("2")) {
		t.Errorf("LastPrice = %s, want 2", px)
	}
}

func TestSimulatorSlippage(t *testing.T) {
	var gotPrice decimal.Decimal
	slip := func(_ string, side domain.Side, _ domain.OrderType, price, _ decimal.Decimal, _ domain.Bar) decimal.Decimal {
		gotPrice = price
		if side == domain.SideBuy {
			return price.Mul(d("1.01"))
		}
		return price.Mul(d("0.99"))
	}
	s, _ := newTestSimulator(t, WithSlippage(slip))
	mustSetBar(t, s, bar("AAPL", 0, "100", "101", "99", "100"))

	o, err := s.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("10"),
	})
	if err != nil {
		t.Fatal(err)
	}
	if !gotPrice.Equal(d("100")) {
		t.Errorf("hook price = %s, want bar close 100", gotPrice)
	}
	if !o.Average.Equal(d("101")) || !o.Fee.Equal(d("1.01")) {
		t.Errorf("avg %s fee %s, want 101 and 1.01", o.Average, o.Fee)
	}
}

func TestSimulatorCancel(t *testing.T) {
	ctx := context.Background()
	s, acct := newTestSimulator(t)
	mustSetBar(t, s, bar("AAPL", 0, "100", "101", "99", "100"))

	resting, err := s.SubmitOrder(ctx, &domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("90"),
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err := s.CancelOrder(ctx, resting.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if c.Status != domain.OrderStatusCanceled {
		t.Errorf("status = %s, want canceled", c.Status)
	}

	mustSetBar(t, s, bar("AAPL", 1, "90", "91", "85", "88"))
	filled, _ := s.CheckPendingLimitOrders(ctx)
	if len(filled) != 0 || len(acct.Trades()) != 0 {
		t.Error("canceled order filled on a later bar")
	}

	done, err := s.SubmitOrder(ctx, &domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("1"),
	})
	if err != nil {
		t.Fatal(err)
	}
	c, err = s.CancelOrder(ctx, done.ID)
	if err != nil {
		t.Fatalf("CancelOrder on closed order: %v", err)
	}
	if c.Status != domain.OrderStatusClosed || c.Reason != AlreadyProcessed {
		t.Errorf("cancel closed order = %s (%q), want closed (%q)", c.Status, c.Reason, AlreadyProcessed)
	}

	if _, err := s.CancelOrder(ctx, "missing"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Errorf("cancel unknown error = %v, want ErrOrderNotFound", err)
	}
}

func TestSimulatorPendingPerSymbol(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSimulator(t)
	mustSetBar(t, s, bar("AAPL", 0, "100", "101", "99", "100"))
	mustSetBar(t, s, bar("MSFT", 0, "300", "301", "299", "300"))

	for _, o := range []*domain.Order{
		{Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("95")},
		{Symbol: "MSFT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Amount: d("1"), Price: d("290")},
	} {
		if _, err := s.SubmitOrder(ctx, o); err != nil {
			t.Fatal(err)
		}
	}

	// Only AAPL trades down to its limit; MSFT's limit is below AAPL's low.
	mustSetBar(t, s, bar("AAPL", 1, "96", "97", "94", "95"))
	filled, _ := s.CheckPendingLimitOrders(ctx)
	if len(filled) != 1 || filled[0].Symbol != "AAPL" {
		t.Fatalf("filled = %v, want only AAPL", filled)
	}
	if open := s.OpenOrders(); len(open) != 1 || open[0].Symbol != "MSFT" {
		t.Errorf("OpenOrders() = %v, want only MSFT", open)
	}
}

func TestSimulatorGetAccount(t *testing.T) {
	s, _ := newTestSimulator(t)
	mustSetBar(t, s, bar("AAPL", 0, "100", "101", "99", "100"))
	if _, err := s.SubmitOrder(context.Background(), &domain.Order{
		Symbol: "AAPL", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Amount: d("10"),
	}); err != nil {
		t.Fatal(err)
	}
	mustSetBar(t, s, bar("AAPL", 1, "100", "111", "99", "110"))

	info, err := s.GetAccount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	// 100000 - 1000 - 1 fee + 10 × 110
	if !info.Equity.Equal(d("100099")) || !info.EquityExact {
		t.Errorf("equity = %s (exact %v), want 100099 exact", info.Equity, info.EquityExact)
	}
	positions, _ := s.GetPositions(context.Background())
	if len(positions) != 1 || !positions[0].Quantity.Equal(d("10")) {
		t.Errorf("GetPositions() = %+v", positions)
	}
}

func TestSimulatorPendingOrderRefusedByLedger(t *testing.T) {
	ctx := context.Background()
	acct := ledger.NewAccount(d("100000"), "USDT")
	s := NewSimulator(acct, d("-0.001"), WithIDGenerator(func() string { return "sim-1" }))
	mustSetBar(t, s, bar("ETH/USDT", 0, "3000", "3050", "2950", "3010"))

	o, err := s.SubmitOrder(ctx, &domain.Order{
		Symbol: "ETH/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("1"), Price: d("2900"),
	})
	if err != nil || o.Status != domain.OrderStatusOpen {
		t.Fatalf("SubmitOrder = %v / %v, want open", o, err)
	}

	mustSetBar(t, s, bar("ETH/USDT", 1, "2950", "2960", "2890", "2905"))
	done, err := s.CheckPendingLimitOrders(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(done) != 1 || done[0].ID != "sim-1" {
		t.Fatalf("done = %+v, want sim-1", done)
	}
	if done[0].Status != domain.OrderStatusRejected || done[0].Reason == "" {
		t.Errorf("order = %s (%q), want rejected with a reason", done[0].Status, done[0].Reason)
	}
	if n := len(s.OpenOrders()); n != 0 {
		t.Errorf("OpenOrders() has %d orders, want 0", n)
	}
	if n := len(acct.Trades()); n != 0 {
		t.Errorf("ledger booked %d trades, want 0", n)
	}
}
