package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cqt/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface check.
var _ Journal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id              TEXT PRIMARY KEY,
	client_order_id TEXT NOT NULL DEFAULT '',
	strategy_id     TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	side            TEXT NOT NULL,
	type            TEXT NOT NULL,
	amount          TEXT NOT NULL,
	price           TEXT NOT NULL,
	status          TEXT NOT NULL,
	filled          TEXT NOT NULL,
	average         TEXT NOT NULL,
	fee             TEXT NOT NULL,
	reason          TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_status ON orders(status);

CREATE TABLE IF NOT EXISTS fills (
	seq           INTEGER PRIMARY KEY AUTOINCREMENT,
	order_id      TEXT NOT NULL,
	strategy_id   TEXT NOT NULL DEFAULT '',
	symbol        TEXT NOT NULL,
	side          TEXT NOT NULL,
	quantity      TEXT NOT NULL,
	price         TEXT NOT NULL,
	fee           TEXT NOT NULL,
	realized_pnl  TEXT NOT NULL,
	closed_qty    TEXT NOT NULL,
	balance_after TEXT NOT NULL,
	ts            INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS fills_order ON fills(order_id);
CREATE INDEX IF NOT EXISTS fills_strategy ON fills(strategy_id, seq);

CREATE TABLE IF NOT EXISTS positions (
	symbol          TEXT PRIMARY KEY,
	quantity        TEXT NOT NULL,
	avg_entry_price TEXT NOT NULL,
	cost_basis      TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS equity (
	ts     INTEGER PRIMARY KEY,
	equity TEXT NOT NULL,
	exact  INTEGER NOT NULL
);
`

// SQLiteStore implements Journal backed by a SQLite database. Decimal values
// are stored as TEXT so they round-trip exactly; timestamps are Unix
// nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: SQLite serializes writers anyway, and ":memory:"
	// databases are per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder upserts the order row. Fills are stored separately by SaveFill.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id, client_order_id, strategy_id, symbol, side, type, amount, price,
	status, filled, average, fee, reason, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	client_order_id = excluded.client_order_id,
	status          = excluded.status,
	filled          = excluded.filled,
	average         = excluded.average,
	fee             = excluded.fee,
	reason          = excluded.reason,
	updated_at      = excluded.updated_at`,
		o.ID, o.ClientOrderID, o.StrategyID, o.Symbol, string(o.Side), string(o.Type),
		o.Amount, o.Price, string(o.Status), o.Filled, o.Average, o.Fee, o.Reason,
		toNanos(o.CreatedAt), toNanos(o.UpdatedAt))
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `id, client_order_id, strategy_id, symbol, side, type, amount, price,
	status, filled, average, fee, reason, created_at, updated_at`

func scanOrder(row interface{ Scan(...any) error }) (domain.Order, error) {
	var (
		o                domain.Order
		side, typ, st    string
		created, updated int64
	)
	err := row.Scan(&o.ID, &o.ClientOrderID, &o.StrategyID, &o.Symbol, &side, &typ,
		&o.Amount, &o.Price, &st, &o.Filled, &o.Average, &o.Fee, &o.Reason, &created, &updated)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side, o.Type, o.Status = domain.Side(side), domain.OrderType(typ), domain.OrderStatus(st)
	o.CreatedAt, o.UpdatedAt = fromNanos(created), fromNanos(updated)
	return o, nil
}

// GetOrder retrieves a single order by its ID together with its fills.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}

	fills, err := s.queryFills(ctx, `SELECT `+fillColumns+` FROM fills WHERE order_id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	o.Fills = fills
	return &o, nil
}

// ListOrders returns all orders matching the given status in creation order.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM orders`
	var args []any
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ---------------------------------------------------------------------------
// FillStore implementation
// ---------------------------------------------------------------------------

const fillColumns = `order_id, strategy_id, symbol, side, quantity, price, fee,
	realized_pnl, closed_qty, balance_after, ts`

// SaveFill appends a fill.
func (s *SQLiteStore) SaveFill(ctx context.Context, f domain.Fill) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO fills (`+fillColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.OrderID, f.StrategyID, f.Symbol, string(f.Side), f.Quantity, f.Price, f.Fee,
		f.RealizedPnL, f.ClosedQty, f.BalanceAfter, toNanos(f.Timestamp))
	if err != nil {
		return fmt.Errorf("saving fill for %s: %w", f.OrderID, err)
	}
	return nil
}

// ListFills returns the most recent fills for a strategy, newest first, up to
// limit. A non-positive limit returns every match.
func (s *SQLiteStore) ListFills(ctx context.Context, strategyID string, limit int) ([]domain.Fill, error) {
	q := `SELECT ` + fillColumns + ` FROM fills`
	var args []any
	if strategyID != "" {
		q += ` WHERE strategy_id = ?`
		args = append(args, strategyID)
	}
	q += ` ORDER BY seq DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	return s.queryFills(ctx, q, args...)
}

func (s *SQLiteStore) queryFills(ctx context.Context, q string, args ...any) ([]domain.Fill, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing fills: %w", err)
	}
	defer rows.Close()

	var fills []domain.Fill
	for rows.Next() {
		var (
			f    domain.Fill
			side string
			ts   int64
		)
		if err := rows.Scan(&f.OrderID, &f.StrategyID, &f.Symbol, &side, &f.Quantity, &f.Price, &f.Fee,
			&f.RealizedPnL, &f.ClosedQty, &f.BalanceAfter, &ts); err != nil {
			return nil, err
		}
		f.Side, f.Timestamp = domain.Side(side), fromNanos(ts)
		fills = append(fills, f)
	}
	return fills, rows.Err()
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition inserts or updates a position for a symbol.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO positions (symbol, quantity, avg_entry_price, cost_basis)
VALUES (?, ?, ?, ?)`, p.Symbol, p.Quantity, p.AvgEntryPrice, p.CostBasis)
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// GetPosition retrieves the current position for a symbol.
func (s *SQLiteStore) GetPosition(ctx context.Context, symbol string) (*domain.Position, error) {
	p := domain.Position{Symbol: symbol}
	err := s.db.QueryRowContext(ctx,
		`SELECT quantity, avg_entry_price, cost_basis FROM positions WHERE symbol = ?`, symbol,
	).Scan(&p.Quantity, &p.AvgEntryPrice, &p.CostBasis)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("position %s: %w", symbol, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading position %s: %w", symbol, err)
	}
	return &p, nil
}

// ListPositions returns all stored positions sorted by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, quantity, avg_entry_price, cost_basis FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		if err := rows.Scan(&p.Symbol, &p.Quantity, &p.AvgEntryPrice, &p.CostBasis); err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// DeletePosition removes the position for a symbol.
func (s *SQLiteStore) DeletePosition(ctx context.Context, symbol string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("deleting position %s: %w", symbol, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// EquityStore implementation
// ---------------------------------------------------------------------------

// SaveEquityPoint stores a sample, replacing any sample at the same timestamp.
func (s *SQLiteStore) SaveEquityPoint(ctx context.Context, pt domain.EquityPoint) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO equity (ts, equity, exact) VALUES (?, ?, ?)`,
		toNanos(pt.Timestamp), pt.Equity, pt.Exact)
	if err != nil {
		return fmt.Errorf("saving equity at %s: %w", pt.Timestamp.Format(time.RFC3339), err)
	}
	return nil
}

// ListEquity returns samples within [start, end] in time order.
func (s *SQLiteStore) ListEquity(ctx context.Context, start, end time.Time) ([]domain.EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT ts, equity, exact FROM equity WHERE ts >= ? AND ts <= ? ORDER BY ts`,
		toNanos(start), toNanos(end))
	if err != nil {
		return nil, fmt.Errorf("listing equity: %w", err)
	}
	defer rows.Close()

	var points []domain.EquityPoint
	for rows.Next() {
		var (
			pt domain.EquityPoint
			ts int64
		)
		if err := rows.Scan(&ts, &pt.Equity, &pt.Exact); err != nil {
			return nil, err
		}
		pt.Timestamp = fromNanos(ts)
		points = append(points, pt)
	}
	return points, rows.Err()
}
