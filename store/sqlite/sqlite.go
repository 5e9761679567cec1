/*
Package sqlite provides a SQLite-backed implementation of core.Store.

PURPOSE:
  Implements the transactional handle the ledger and stock engine run on.
  Every repository method is bound to one *sql.Tx; workflow code gets it
  through WithTx and never sees database/sql directly.

KEY TABLES:
  orders / order_lines / order_status_events:  Orders and their history
  invoices / payments:                         Invoice totals and payment rows
  customers:                                   account_balance_lbp (signed)
  sequence_counters:                           Per (scope, customer, agent) counters
  exchange_rates:                              Append-only rate history
  s_stock / s_stock_movements:                 On-hand quantities and audit log
  stock_transfer_requests / stock_transfer_items: OTP transfer protocol

GUARDS LIVE IN SQL:
  The invariants that matter under concurrency are enforced by single
  conditional statements whose affected-row count is checked:
  - stock debit:       UPDATE ... WHERE qty_on_hand >= ?
  - transfer confirm:  UPDATE ... WHERE <party>_confirmed_at IS NULL ...
  - transfer complete: UPDATE ... WHERE completed_at IS NULL ...
  - sequence:          INSERT ... ON CONFLICT DO UPDATE ... RETURNING

CONCURRENCY:
  Transactions are opened with BEGIN IMMEDIATE (_txlock=immediate) so a
  writer holds the reserved lock from its first statement. A mutex
  additionally serialises WithTx calls inside one process; in-memory
  databases are pinned to a single connection so every call sees the same
  database.

USAGE:
  store, err := sqlite.New("./data/van-ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := ledger.New(store, ledger.Options{})

SEE ALSO:
  - core/store.go: Interface definitions
  - ledger.go, stock.go: Repository implementations
  - query.go: Filter compilation
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/van-ledger/core"
)

// timeLayout is fixed-width so that TEXT ordering equals time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements core.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if strings.Contains(dbPath, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS agents (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS products (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		price_usd TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	);

	-- account_balance_lbp: positive = customer owes us, negative = prepaid credit
	CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		account_balance_lbp TEXT NOT NULL DEFAULT '0'
	);

	CREATE INDEX IF NOT EXISTS idx_customers_agent ON customers(agent_id);

	CREATE TABLE IF NOT EXISTS exchange_rates (
		id TEXT PRIMARY KEY,
		rate_lbp TEXT NOT NULL,
		effective_date TEXT NOT NULL,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_exchange_rates_effective
		ON exchange_rates(effective_date DESC, created_at DESC);

	CREATE TABLE IF NOT EXISTS sequence_counters (
		scope TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		last_value INTEGER NOT NULL,
		PRIMARY KEY (scope, customer_id, agent_id)
	);

	CREATE TABLE IF NOT EXISTS orders (
		id TEXT PRIMARY KEY,
		order_number TEXT NOT NULL UNIQUE,
		customer_id TEXT NOT NULL,
		sales_rep_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		status TEXT NOT NULL,
		total_usd TEXT NOT NULL,
		total_lbp TEXT NOT NULL,
		exchange_rate_id TEXT NOT NULL REFERENCES exchange_rates(id),
		rate_lbp TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders(customer_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_rep ON orders(sales_rep_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status);

	CREATE TABLE IF NOT EXISTS order_lines (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders(id),
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		unit_price_usd TEXT NOT NULL,
		line_total_usd TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_lines_order ON order_lines(order_id);

	CREATE TABLE IF NOT EXISTS order_status_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		order_id TEXT NOT NULL REFERENCES orders(id),
		from_status TEXT,
		to_status TEXT NOT NULL,
		actor TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_status_events(order_id);

	CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		invoice_number TEXT NOT NULL UNIQUE,
		order_id TEXT NOT NULL UNIQUE REFERENCES orders(id),
		customer_id TEXT NOT NULL,
		status TEXT NOT NULL,
		total_usd TEXT NOT NULL,
		total_lbp TEXT NOT NULL,
		rate_lbp TEXT NOT NULL,
		discount_usd TEXT NOT NULL DEFAULT '0',
		note TEXT,
		issued_at TEXT NOT NULL,
		voided_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_invoices_customer_status
		ON invoices(customer_id, status, issued_at);

	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		customer_id TEXT NOT NULL,
		method TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		amount_lbp TEXT NOT NULL,
		rate_lbp TEXT NOT NULL,
		received_by TEXT NOT NULL,
		received_at TEXT NOT NULL,
		note TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_payments_invoice ON payments(invoice_id);

	CREATE TABLE IF NOT EXISTS s_stock (
		agent_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		qty_on_hand INTEGER NOT NULL DEFAULT 0 CHECK (qty_on_hand >= 0),
		PRIMARY KEY (agent_id, product_id)
	);

	CREATE TABLE IF NOT EXISTS s_stock_movements (
		id TEXT PRIMARY KEY,
		agent_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		delta_qty INTEGER NOT NULL,
		reason TEXT NOT NULL,
		reference_id TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_stock_movements_line
		ON s_stock_movements(agent_id, product_id, created_at);

	CREATE TABLE IF NOT EXISTS stock_transfer_requests (
		id TEXT PRIMARY KEY,
		direction TEXT NOT NULL,
		initiator_agent_id TEXT NOT NULL,
		agent_otp TEXT NOT NULL,
		counterparty_otp TEXT NOT NULL,
		agent_confirmed_at TEXT,
		counterparty_confirmed_at TEXT,
		expires_at TEXT NOT NULL,
		completed_at TEXT,
		cancelled_at TEXT,
		cancelled_by TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_transfers_agent
		ON stock_transfer_requests(initiator_agent_id, created_at);

	CREATE TABLE IF NOT EXISTS stock_transfer_items (
		request_id TEXT NOT NULL REFERENCES stock_transfer_requests(id),
		product_id TEXT NOT NULL,
		quantity INTEGER NOT NULL,
		PRIMARY KEY (request_id, product_id)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (core.Store interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(tx core.Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			sqlTx.Rollback()
		}
	}()

	if err = fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore implements core.Tx over one *sql.Tx.
type txStore struct {
	tx *sql.Tx
}

var _ core.Tx = (*txStore)(nil)

// =============================================================================
// ADMIN
// =============================================================================

// Reset clears all data. Used by demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{
		"stock_transfer_items", "stock_transfer_requests",
		"s_stock_movements", "s_stock",
		"payments", "invoices",
		"order_status_events", "order_lines", "orders",
		"sequence_counters", "exchange_rates",
		"customers", "products", "agents",
	}
	for _, t := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return nil
}

// =============================================================================
// CATALOG (core.CatalogRepo)
// =============================================================================

func (t *txStore) GetProduct(ctx context.Context, id core.ProductID) (*core.Product, error) {
	var p core.Product
	var price string
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, name, price_usd, active FROM products WHERE id = ?", id,
	).Scan(&p.ID, &p.Name, &price, &p.Active)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	p.PriceUSD = parseDecimal(price)
	return &p, nil
}

func (t *txStore) GetCustomer(ctx context.Context, id core.CustomerID) (*core.Customer, error) {
	var c core.Customer
	var balance string
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, name, agent_id, account_balance_lbp FROM customers WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.AgentID, &balance)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	c.BalanceLBP = parseDecimal(balance)
	return &c, nil
}

func (t *txStore) GetAgent(ctx context.Context, id core.AgentID) (*core.Agent, error) {
	var a core.Agent
	err := t.tx.QueryRowContext(ctx, "SELECT id, name FROM agents WHERE id = ?", id).Scan(&a.ID, &a.Name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent: %w", err)
	}
	return &a, nil
}

func (t *txStore) SaveProduct(ctx context.Context, p core.Product) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO products (id, name, price_usd, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			price_usd = excluded.price_usd,
			active = excluded.active
	`, p.ID, p.Name, p.PriceUSD.String(), p.Active)
	if err != nil {
		return fmt.Errorf("failed to save product: %w", err)
	}
	return nil
}

// SaveCustomer upserts profile fields. The account balance is not touched
// on update: it belongs to the payment allocator.
func (t *txStore) SaveCustomer(ctx context.Context, c core.Customer) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO customers (id, name, agent_id, account_balance_lbp) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			agent_id = excluded.agent_id
	`, c.ID, c.Name, c.AgentID, c.BalanceLBP.String())
	if err != nil {
		return fmt.Errorf("failed to save customer: %w", err)
	}
	return nil
}

func (t *txStore) SaveAgent(ctx context.Context, a core.Agent) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO agents (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, a.ID, a.Name)
	if err != nil {
		return fmt.Errorf("failed to save agent: %w", err)
	}
	return nil
}

// =============================================================================
// ACCOUNT (core.AccountRepo)
// =============================================================================

// AddToBalance is a single-statement increment. LBP amounts are whole
// pounds, so the arithmetic runs on INTEGER casts.
func (t *txStore) AddToBalance(ctx context.Context, customerID core.CustomerID, deltaLBP decimal.Decimal) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE customers
		SET account_balance_lbp = CAST(CAST(account_balance_lbp AS INTEGER) + CAST(? AS INTEGER) AS TEXT)
		WHERE id = ?
	`, core.RoundLBP(deltaLBP).String(), customerID)
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update account balance: %w", err)
	}
	if n == 0 {
		return core.NotFound("customer", customerID)
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func parseDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

// violatedColumn reports whether a unique violation names table.column.
func violatedColumn(err error, column string) bool {
	return isUniqueConstraintError(err) && strings.Contains(err.Error(), column)
}

func rowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
