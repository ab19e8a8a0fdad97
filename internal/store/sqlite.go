package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"limitless/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ OrderStore = (*SQLiteStore)(nil)
var _ PositionStore = (*SQLiteStore)(nil)
var _ ReportStore = (*SQLiteStore)(nil)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS orders (
	id               TEXT PRIMARY KEY,
	run_id           TEXT NOT NULL,
	symbol           TEXT NOT NULL,
	side             TEXT NOT NULL,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	qty              INTEGER NOT NULL,
	filled_qty       INTEGER NOT NULL,
	estimated_price  TEXT NOT NULL,
	filled_avg_price TEXT NOT NULL,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS orders_run_status ON orders (run_id, status);

CREATE TABLE IF NOT EXISTS positions (
	run_id      TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	qty         INTEGER NOT NULL,
	avg_cost    TEXT NOT NULL,
	bought      TEXT NOT NULL,
	sold        TEXT NOT NULL,
	stop_loss   TEXT NOT NULL,
	take_profit TEXT NOT NULL,
	updated_at  INTEGER NOT NULL,
	PRIMARY KEY (run_id, symbol)
);

CREATE TABLE IF NOT EXISTS reports (
	run_id    TEXT PRIMARY KEY,
	mode      TEXT NOT NULL,
	start_at  INTEGER NOT NULL,
	end_at    INTEGER NOT NULL,
	carried   TEXT NOT NULL,
	total_pnl TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS report_lines (
	run_id   TEXT NOT NULL,
	symbol   TEXT NOT NULL,
	state    TEXT NOT NULL,
	qty      INTEGER NOT NULL,
	avg_cost TEXT NOT NULL,
	bought   TEXT NOT NULL,
	sold     TEXT NOT NULL,
	pnl      TEXT NOT NULL,
	orders   INTEGER NOT NULL,
	PRIMARY KEY (run_id, symbol)
);
`

// SQLiteStore implements OrderStore, PositionStore and ReportStore backed by
// a SQLite database. Orders and positions are scoped to the store's run id.
type SQLiteStore struct {
	db    *sql.DB
	runID string
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath, applies the
// schema and returns a ready-to-use SQLiteStore.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// WithRun returns a view of the store whose orders and positions belong to
// runID. The view shares the connection; close only the original.
func (s *SQLiteStore) WithRun(runID string) *SQLiteStore {
	return &SQLiteStore{db: s.db, runID: runID}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// ---------------------------------------------------------------------------
// OrderStore implementation
// ---------------------------------------------------------------------------

// SaveOrder upserts an order.
func (s *SQLiteStore) SaveOrder(ctx context.Context, o *domain.Order) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO orders (id, run_id, symbol, side, type, status, qty, filled_qty,
	estimated_price, filled_avg_price, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	status = excluded.status,
	filled_qty = excluded.filled_qty,
	filled_avg_price = excluded.filled_avg_price,
	updated_at = excluded.updated_at`,
		o.ID, s.runID, o.Symbol, string(o.Side), string(o.Type), string(o.Status), o.Qty, o.FilledQty,
		o.EstimatedPrice.String(), o.FilledAvgPrice.String(), o.CreatedAt.UnixMilli(), o.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving order %s: %w", o.ID, err)
	}
	return nil
}

const orderColumns = `id, symbol, side, type, status, qty, filled_qty, estimated_price,
	filled_avg_price, created_at, updated_at`

// GetOrder retrieves a single order by its ID.
func (s *SQLiteStore) GetOrder(ctx context.Context, id string) (*domain.Order, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return o, nil
}

// ListOrders returns the run's orders matching status, oldest first. An
// empty status lists every order.
func (s *SQLiteStore) ListOrders(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+orderColumns+` FROM orders
WHERE run_id = ? AND (? = '' OR status = ?) ORDER BY created_at, id`, s.runID, string(status), string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOrder(sc scanner) (*domain.Order, error) {
	var (
		o                   domain.Order
		side, typ, status   string
		est, avg            string
		createdMS, updateMS int64
	)
	if err := sc.Scan(&o.ID, &o.Symbol, &side, &typ, &status, &o.Qty, &o.FilledQty,
		&est, &avg, &createdMS, &updateMS); err != nil {
		return nil, err
	}
	o.Side = domain.OrderSide(side)
	o.Type = domain.OrderType(typ)
	o.Status = domain.OrderStatus(status)
	var err error
	if o.EstimatedPrice, err = decimal.NewFromString(est); err != nil {
		return nil, err
	}
	if o.FilledAvgPrice, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	o.CreatedAt = time.UnixMilli(createdMS).UTC()
	o.UpdatedAt = time.UnixMilli(updateMS).UTC()
	return &o, nil
}

// ---------------------------------------------------------------------------
// PositionStore implementation
// ---------------------------------------------------------------------------

// SavePosition upserts the run's snapshot of a symbol's position.
func (s *SQLiteStore) SavePosition(ctx context.Context, p *domain.Position, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
INSERT OR REPLACE INTO positions (run_id, symbol, qty, avg_cost, bought, sold,
	stop_loss, take_profit, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.runID, p.Symbol, p.Qty, p.AvgCost.String(), p.Bought.String(), p.Sold.String(),
		p.StopLoss.String(), p.TakeProfit.String(), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("saving position %s: %w", p.Symbol, err)
	}
	return nil
}

// ListPositions returns the run's position snapshots ordered by symbol.
func (s *SQLiteStore) ListPositions(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT symbol, qty, avg_cost, bought, sold, stop_loss, take_profit
FROM positions WHERE run_id = ? ORDER BY symbol`, s.runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		var p domain.Position
		var nums [5]string
		if err := rows.Scan(&p.Symbol, &p.Qty, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4]); err != nil {
			return nil, err
		}
		dst := []*decimal.Decimal{&p.AvgCost, &p.Bought, &p.Sold, &p.StopLoss, &p.TakeProfit}
		if err := parseDecimals(nums[:], dst); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func parseDecimals(src []string, dst []*decimal.Decimal) error {
	for i, s := range src {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return fmt.Errorf("parsing %q: %w", s, err)
		}
		*dst[i] = d
	}
	return nil
}

// ---------------------------------------------------------------------------
// ReportStore implementation
// ---------------------------------------------------------------------------

// SaveReport stores the report and its per-symbol lines in one transaction.
func (s *SQLiteStore) SaveReport(ctx context.Context, r *domain.Report) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO reports
(run_id, mode, start_at, end_at, carried, total_pnl) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.Mode, r.Start.UnixMilli(), r.End.UnixMilli(), r.Carried.String(), r.TotalPnL.String()); err != nil {
		return fmt.Errorf("saving report %s: %w", r.RunID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM report_lines WHERE run_id = ?`, r.RunID); err != nil {
		return err
	}
	for _, l := range r.Symbols {
		if _, err := tx.ExecContext(ctx, `INSERT INTO report_lines
(run_id, symbol, state, qty, avg_cost, bought, sold, pnl, orders) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.RunID, l.Symbol, l.State, l.Qty, l.AvgCost.String(), l.Bought.String(), l.Sold.String(),
			l.PnL.String(), l.Orders); err != nil {
			return fmt.Errorf("saving report line %s: %w", l.Symbol, err)
		}
	}
	return tx.Commit()
}

// GetReport loads a stored report.
func (s *SQLiteStore) GetReport(ctx context.Context, runID string) (*domain.Report, error) {
	r := &domain.Report{RunID: runID}
	var startMS, endMS int64
	var carried, total string
	err := s.db.QueryRowContext(ctx, `SELECT mode, start_at, end_at, carried, total_pnl
FROM reports WHERE run_id = ?`, runID).Scan(&r.Mode, &startMS, &endMS, &carried, &total)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	r.Start = time.UnixMilli(startMS).UTC()
	r.End = time.UnixMilli(endMS).UTC()
	if err := parseDecimals([]string{carried, total}, []*decimal.Decimal{&r.Carried, &r.TotalPnL}); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT symbol, state, qty, avg_cost, bought, sold, pnl, orders
FROM report_lines WHERE run_id = ? ORDER BY symbol`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l domain.Summary
		var nums [4]string
		if err := rows.Scan(&l.Symbol, &l.State, &l.Qty, &nums[0], &nums[1], &nums[2], &nums[3], &l.Orders); err != nil {
			return nil, err
		}
		if err := parseDecimals(nums[:], []*decimal.Decimal{&l.AvgCost, &l.Bought, &l.Sold, &l.PnL}); err != nil {
			return nil, err
		}
		r.Symbols = append(r.Symbols, l)
	}
	return r, rows.Err()
}
