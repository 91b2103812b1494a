package cqt

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"cqt/internal/api"
	"cqt/internal/broker"
	"cqt/internal/domain"
	"cqt/internal/engine"
	"cqt/internal/ledger"
	"cqt/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// startServer runs an engine backed by the simulator behind a bufconn
// listener and returns a client for it.
func startServer(t *testing.T) (*Client, *engine.Engine) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	account := ledger.NewAccount(d("10000"), "USDT")
	sim := broker.NewSimulator(account, d("0.001"), broker.WithLogger(log))
	eng := engine.NewEngine(sim, account, risk.NewManager(risk.Params{}, log),
		engine.WithFeeRate(d("0.001")), engine.WithLogger(log))

	err := eng.OnBar(context.Background(), domain.Bar{
		Symbol: "BTC/USDT", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		Open: d("100"), High: d("102"), Low: d("99"), Close: d("100"), Volume: d("10"),
	})
	if err != nil {
		t.Fatal(err)
	}

	lis := bufconn.Listen(1 << 20)
	srv := api.NewServer("", eng, log)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, lis)
		close(done)
	}()

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		cancel()
		<-done
	})
	return c, eng
}

func TestClientRoundTrip(t *testing.T) {
	c, _ := startServer(t)
	ctx := context.Background()

	order, dec, err := c.SubmitOrder(ctx, OrderRequest{StrategyID: "manual", Symbol: "BTC/USDT", Side: "buy", Amount: d("5")})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if !dec.Accepted {
		t.Fatalf("decision = %+v, want accepted", dec)
	}
	if order.Status != "closed" || !order.Average.Equal(d("100")) || !order.Fee.Equal(d("0.5")) {
		t.Errorf("order = %+v", order)
	}
	if len(order.Fills) != 1 || !order.Fills[0].Quantity.Equal(d("5")) {
		t.Errorf("fills = %+v", order.Fills)
	}

	acct, err := c.GetAccount(ctx)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if !acct.Balance.Equal(d("9499.5")) || !acct.Equity.Equal(d("9999.5")) || !acct.EquityExact {
		t.Errorf("account = %+v", acct)
	}

	positions, err := c.GetPositions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(positions) != 1 || positions[0].Symbol != "BTC/USDT" || !positions[0].Quantity.Equal(d("5")) {
		t.Errorf("positions = %+v", positions)
	}

	st, err := c.GetStrategyState(ctx, "manual")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Exposure["BTC/USDT"].Equal(d("500")) {
		t.Errorf("exposure = %v", st.Exposure)
	}
}

func TestClientRejectionAndCancel(t *testing.T) {
	c, _ := startServer(t)
	ctx := context.Background()

	// 20 * 100 is more than 10% of the balance.
	order, dec, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: "buy", Amount: d("20")})
	if err != nil {
		t.Fatal(err)
	}
	if dec.Accepted || dec.Reason != "CapitalRatio" || order.Status != "rejected" {
		t.Errorf("order %s decision %+v", order.Status, dec)
	}

	limit, _, err := c.SubmitOrder(ctx, OrderRequest{Symbol: "BTC/USDT", Side: "buy", Type: "limit", Amount: d("1"), Price: d("90")})
	if err != nil {
		t.Fatal(err)
	}
	if limit.Status != "open" {
		t.Fatalf("limit status = %s, want open", limit.Status)
	}
	acct, _ := c.GetAccount(ctx)
	if !acct.Reserved.Equal(d("90.09")) {
		t.Errorf("reserved = %s, want 90.09", acct.Reserved)
	}

	canceled, err := c.CancelOrder(ctx, limit.ID)
	if err != nil {
		t.Fatal(err)
	}
	if canceled.Status != "canceled" {
		t.Errorf("status = %s, want canceled", canceled.Status)
	}
	if acct, _ := c.GetAccount(ctx); !acct.Reserved.IsZero() {
		t.Errorf("reserved after cancel = %s", acct.Reserved)
	}

	if _, err := c.CancelOrder(ctx, "missing"); status.Code(err) != codes.NotFound {
		t.Errorf("cancel missing code = %s, want NotFound", status.Code(err))
	}
	if _, err := c.GetStrategyState(ctx, "ghost"); status.Code(err) != codes.NotFound {
		t.Errorf("strategy state code = %s, want NotFound", status.Code(err))
	}
}

func TestNewClientClose(t *testing.T) {
	c := NewClient(nil)
	if err := c.Close(); err != nil {
		t.Errorf("Close on wrapped client = %v", err)
	}
}
