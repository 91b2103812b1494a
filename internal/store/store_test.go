package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"cqt/internal/domain"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	// Test barPath produces the expected layout.
	bp := ps.barPath("btc/usdt", "crypto", 2024)

	wantBarPath := filepath.Join("/data", "crypto", "daily", "BTC-USDT", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}
	if !strings.Contains(bp, "2024.parquet") {
		t.Errorf("barPath should contain year file '2024.parquet': %s", bp)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:    "BTC/USDT",
			Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
			Open:      d("42000.5"), High: d("43100"), Low: d("41800.25"), Close: d("42950.75"),
			Volume: d("1234.5"),
		},
		{
			Symbol:    "BTC/USDT",
			Timestamp: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			Open:      d("42950.75"), High: d("43500"), Low: d("42100"), Close: d("42200"),
			Volume: d("987.25"),
		},
	}

	// Write bars.
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	// Read them back.
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "BTC/USDT", "crypto", start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if !got[0].Close.Equal(d("42950.75")) {
		t.Errorf("first bar Close = %s, want 42950.75", got[0].Close)
	}
	if !got[1].Low.Equal(d("42100")) {
		t.Errorf("second bar Low = %s, want 42100", got[1].Low)
	}
	if !got[0].Timestamp.Equal(bars[0].Timestamp) || got[0].Symbol != "BTC/USDT" {
		t.Errorf("first bar = %s @ %v", got[0].Symbol, got[0].Timestamp)
	}

	// Range filtering is inclusive on both ends.
	got, err = ps.ReadBars(ctx, "BTC/USDT", "crypto", bars[1].Timestamp, bars[1].Timestamp)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Errorf("single-day ReadBars returned %d bars, want 1", len(got))
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day := func(n int) time.Time { return time.Date(2024, 3, n, 0, 0, 0, 0, time.UTC) }
	first := []domain.Bar{
		{Symbol: "ETH/USDT", Timestamp: day(1), Open: d("3400"), High: d("3450"), Low: d("3390"), Close: d("3420")},
	}
	if err := ps.WriteBars(ctx, first); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// Another day merges; a repeated day replaces.
	second := []domain.Bar{
		{Symbol: "ETH/USDT", Timestamp: day(1), Open: d("3400"), High: d("3450"), Low: d("3390"), Close: d("3425")},
		{Symbol: "ETH/USDT", Timestamp: day(4), Open: d("3425"), High: d("3500"), Low: d("3410"), Close: d("3480")},
	}
	if err := ps.WriteBars(ctx, second); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	got, err := ps.ReadBars(ctx, "ETH/USDT", "crypto", day(1), day(31))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if !got[0].Close.Equal(d("3425")) {
		t.Errorf("replaced bar Close = %s, want 3425", got[0].Close)
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	bars := []domain.Bar{
		{Symbol: "SOL/USDT", Timestamp: ts, Close: d("100")},
		{Symbol: "BTC/USDT", Timestamp: ts, Close: d("42000")},
	}
	if err := ps.WriteBars(ctx, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, "crypto")
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "BTC/USDT" || symbols[1] != "SOL/USDT" {
		t.Errorf("ListSymbols = %v, want [BTC/USDT SOL/USDT]", symbols)
	}

	none, err := ps.ListSymbols(ctx, "us")
	if err != nil || len(none) != 0 {
		t.Errorf("ListSymbols(us) = %v, %v; want empty", none, err)
	}
}

func TestEquityCurveParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equity.parquet")
	ts := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	points := []domain.EquityPoint{
		{Timestamp: ts, Equity: d("10000"), Exact: true},
		{Timestamp: ts.Add(24 * time.Hour), Equity: d("10012.5"), Exact: false},
	}
	if err := WriteEquityCurve(path, points); err != nil {
		t.Fatalf("WriteEquityCurve: %v", err)
	}
	got, err := ReadEquityCurve(path)
	if err != nil {
		t.Fatalf("ReadEquityCurve: %v", err)
	}
	if len(got) != 2 || !got[1].Equity.Equal(d("10012.5")) || got[1].Exact || !got[0].Timestamp.Equal(ts) {
		t.Errorf("ReadEquityCurve = %+v", got)
	}
}

func openTestDB(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := store.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return store
}

func TestSQLiteStoreOpen(t *testing.T) {
	store := openTestDB(t)

	// Verify the store is usable by pinging the database.
	if err := store.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
}

func TestSQLiteOrders(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	created := time.Date(2024, 2, 1, 9, 30, 0, 0, time.UTC)

	o := &domain.Order{
		ID: "o-1", StrategyID: "sma", Symbol: "BTC/USDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Amount: d("0.125"), Price: d("41000.5"), Status: domain.OrderStatusOpen, CreatedAt: created, UpdatedAt: created,
	}
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder: %v", err)
	}

	o.Status = domain.OrderStatusClosed
	o.Filled, o.Average, o.Fee = o.Amount, o.Price, d("5.1250625")
	o.UpdatedAt = created.Add(time.Hour)
	if err := s.SaveOrder(ctx, o); err != nil {
		t.Fatalf("SaveOrder (update): %v", err)
	}
	if err := s.SaveFill(ctx, domain.Fill{
		OrderID: "o-1", StrategyID: "sma", Symbol: "BTC/USDT", Side: domain.SideBuy,
		Quantity: d("0.125"), Price: d("41000.5"), Fee: d("5.1250625"), Timestamp: o.UpdatedAt,
	}); err != nil {
		t.Fatalf("SaveFill: %v", err)
	}

	got, err := s.GetOrder(ctx, "o-1")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != domain.OrderStatusClosed || !got.Fee.Equal(d("5.1250625")) || !got.Price.Equal(d("41000.5")) {
		t.Errorf("GetOrder = %+v", got)
	}
	if !got.CreatedAt.Equal(created) || !got.UpdatedAt.Equal(created.Add(time.Hour)) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.UpdatedAt)
	}
	if len(got.Fills) != 1 || !got.Fills[0].Quantity.Equal(d("0.125")) {
		t.Errorf("Fills = %+v", got.Fills)
	}

	if _, err := s.GetOrder(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetOrder(missing) error = %v, want ErrNotFound", err)
	}

	if err := s.SaveOrder(ctx, &domain.Order{ID: "o-2", Symbol: "ETH/USDT", Side: domain.SideSell,
		Type: domain.OrderTypeMarket, Status: domain.OrderStatusRejected, CreatedAt: created.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	closed, err := s.ListOrders(ctx, domain.OrderStatusClosed)
	if err != nil {
		t.Fatal(err)
	}
	if len(closed) != 1 || closed[0].ID != "o-1" {
		t.Errorf("ListOrders(closed) = %+v", closed)
	}
	all, _ := s.ListOrders(ctx, "")
	if len(all) != 2 || all[1].ID != "o-2" {
		t.Errorf("ListOrders(all) = %+v", all)
	}
}

func TestSQLiteFills(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for i, strat := range []string{"a", "b", "a", "a"} {
		f := domain.Fill{
			OrderID: "o", StrategyID: strat, Symbol: "X", Side: domain.SideSell,
			Quantity: decimal.NewFromInt(int64(i + 1)), Price: d("10"),
			RealizedPnL: d("-1.5"), ClosedQty: d("1"), Timestamp: ts.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveFill(ctx, f); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListFills(ctx, "a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[0].Quantity.Equal(d("4")) || !got[1].Quantity.Equal(d("3")) {
		t.Errorf("ListFills(a, 2) = %+v", got)
	}
	if !got[0].RealizedPnL.Equal(d("-1.5")) || !got[0].Timestamp.Equal(ts.Add(3*time.Minute)) {
		t.Errorf("fill fields = %+v", got[0])
	}
	all, _ := s.ListFills(ctx, "", 0)
	if len(all) != 4 {
		t.Errorf("ListFills(all) returned %d, want 4", len(all))
	}
}

func TestSQLitePositions(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()

	p := &domain.Position{Symbol: "BTC/USDT", Quantity: d("-0.5"), AvgEntryPrice: d("42000"), CostBasis: d("21000")}
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatal(err)
	}
	p.Quantity = d("-0.25")
	if err := s.SavePosition(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPosition(ctx, "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Quantity.Equal(d("-0.25")) || !got.AvgEntryPrice.Equal(d("42000")) {
		t.Errorf("GetPosition = %+v", got)
	}

	list, _ := s.ListPositions(ctx)
	if len(list) != 1 {
		t.Errorf("ListPositions returned %d, want 1", len(list))
	}
	if err := s.DeletePosition(ctx, "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPosition(ctx, "BTC/USDT"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetPosition after delete error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteEquity(t *testing.T) {
	s := openTestDB(t)
	ctx := context.Background()
	ts := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)

	for _, pt := range []domain.EquityPoint{
		{Timestamp: ts, Equity: d("1000"), Exact: true},
		{Timestamp: ts.Add(time.Hour), Equity: d("990"), Exact: false},
		{Timestamp: ts.Add(time.Hour), Equity: d("995"), Exact: true},
	} {
		if err := s.SaveEquityPoint(ctx, pt); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListEquity(ctx, ts, ts.Add(24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || !got[1].Equity.Equal(d("995")) || !got[1].Exact {
		t.Errorf("ListEquity = %+v", got)
	}
}
