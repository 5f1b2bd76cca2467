package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"tradeterm/internal/domain"
	"tradeterm/internal/errs"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ Journal = (*SQLiteStore)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id             TEXT PRIMARY KEY,
	account_id     TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	quantity       REAL NOT NULL,
	side           TEXT NOT NULL,
	order_type     TEXT NOT NULL,
	executed_price REAL,
	limit_price    REAL,
	stop_price     REAL,
	sl             REAL,
	tp             REAL,
	open_time      INTEGER NOT NULL,
	close_time     INTEGER NOT NULL DEFAULT 0,
	status         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_account ON orders (account_id, open_time);

CREATE TABLE IF NOT EXISTS positions (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL,
	order_id   TEXT NOT NULL,
	symbol     TEXT NOT NULL,
	quantity   REAL NOT NULL,
	side       TEXT NOT NULL,
	price      REAL NOT NULL,
	profit     REAL NOT NULL DEFAULT 0,
	sl         REAL,
	tp         REAL
);
CREATE INDEX IF NOT EXISTS positions_account ON positions (account_id);
`

// SQLiteStore implements OrderStore and PositionStore backed by a SQLite
// database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, creates the
// tables if needed and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

const orderColumns = `id, account_id, symbol, quantity, side, order_type,
	executed_price, limit_price, stop_price, sl, tp, open_time, close_time, status`

// SaveOrder upserts an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.AccountID, o.Symbol, o.Quantity, string(o.Side), string(o.Type),
		nullable(o.ExecutedPrice), nullable(o.LimitPrice), nullable(o.StopPrice),
		nullable(o.StopLoss), nullable(o.TakeProfit),
		unixMilli(o.OpenTime), unixMilli(o.CloseTime), string(o.Status))
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.New("store.get_order", errs.CodeNotFound, errs.WithField("order", id))
	}
	if err != nil {
		return nil, fmt.Errorf("reading order %s: %w", id, err)
	}
	return &o, nil
}

// ListOrders returns every order of the account, oldest first.
func (s *SQLiteStore) ListOrders(ctx context.Context, accountID string) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE account_id = ? ORDER BY open_time, id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning order: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (domain.Order, error) {
	var (
		o                             domain.Order
		side, typ, status             string
		executed, limit, stop, sl, tp sql.NullFloat64
		openMs, closeMs               int64
	)
	err := sc.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Quantity, &side, &typ,
		&executed, &limit, &stop, &sl, &tp, &openMs, &closeMs, &status)
	if err != nil {
		return domain.Order{}, err
	}
	o.Side = domain.Side(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	o.ExecutedPrice = fromNullable(executed)
	o.LimitPrice = fromNullable(limit)
	o.StopPrice = fromNullable(stop)
	o.StopLoss = fromNullable(sl)
	o.TakeProfit = fromNullable(tp)
	o.OpenTime = fromUnixMilli(openMs)
	o.CloseTime = fromUnixMilli(closeMs)
	return o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition upserts a position.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO positions
		(id, account_id, order_id, symbol, quantity, side, price, profit, sl, tp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.OrderID, p.Symbol, p.Quantity, string(p.Side), p.Price, p.Profit,
		nullable(p.StopLoss), nullable(p.TakeProfit))
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.ID, err)
	}
	return nil
}

// ListPositions returns the open positions of the account.
func (s *SQLiteStore) ListPositions(ctx context.Context, accountID string) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, account_id, order_id, symbol, quantity, side,
		price, profit, sl, tp FROM positions WHERE account_id = ? ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("listing positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var (
			p      domain.Position
			side   string
			sl, tp sql.NullFloat64
		)
		if err := rows.Scan(&p.ID, &p.AccountID, &p.OrderID, &p.Symbol, &p.Quantity, &side,
			&p.Price, &p.Profit, &sl, &tp); err != nil {
			return nil, fmt.Errorf("scanning position: %w", err)
		}
		p.Side = domain.Side(side)
		p.StopLoss = fromNullable(sl)
		p.TakeProfit = fromNullable(tp)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeletePosition removes the position with the given id.
func (s *SQLiteStore) DeletePosition(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting position %s: %w", id, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Column helpers
// ---------------------------------------------------------------------------

func nullable(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func fromNullable(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	return domain.Price(n.Float64)
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
