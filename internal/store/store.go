// Package store persists accounts and the replicated order log in SQLite.
//
// The database is tiny (a handful of account rows plus an append-only order
// log) and has exactly one writer at a time, so the pool is pinned to a
// single connection. The strategy-state document deliberately does NOT live
// here; it has its own atomic file in internal/state.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"copytrader/pkg/types"
)

// ErrNotFound reports that a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
    account_id        TEXT PRIMARY KEY,
    api_key           TEXT NOT NULL,
    api_secret        TEXT NOT NULL,
    role              TEXT NOT NULL,
    capital           REAL NOT NULL DEFAULT 0,
    max_capital_usage REAL NOT NULL DEFAULT 0,
    access_token      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'pending',
    updated_at        TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS order_log (
    id               TEXT PRIMARY KEY,
    order_id         TEXT NOT NULL,
    child_id         TEXT NOT NULL,
    instrument_token INTEGER NOT NULL,
    tradingsymbol    TEXT NOT NULL,
    exchange         TEXT NOT NULL,
    product          TEXT NOT NULL,
    transaction_type TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    kind             TEXT NOT NULL,
    status           TEXT NOT NULL,
    created_at       INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_log_child   ON order_log(child_id);
CREATE INDEX IF NOT EXISTS idx_order_log_created ON order_log(created_at);
`

// Store wraps the SQLite database holding accounts and the order log.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertAccount inserts or replaces the full account row.
func (s *Store) UpsertAccount(ctx context.Context, a types.Account) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts
			(account_id, api_key, api_secret, role, capital, max_capital_usage,
			 access_token, status, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			api_key           = excluded.api_key,
			api_secret        = excluded.api_secret,
			role              = excluded.role,
			capital           = excluded.capital,
			max_capital_usage = excluded.max_capital_usage,
			access_token      = excluded.access_token,
			status            = excluded.status,
			updated_at        = excluded.updated_at
	`, a.ID, a.APIKey, a.APISecret, string(a.Role), a.Capital, a.MaxCapitalUsage,
		a.AccessToken, string(a.Status), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: upsert account %s: %w", a.ID, err)
	}
	return nil
}

const accountColumns = `account_id, api_key, api_secret, role, capital,
	max_capital_usage, access_token, status, updated_at`

func scanAccount(row interface{ Scan(...any) error }) (types.Account, error) {
	var a types.Account
	var role, status, updated string
	err := row.Scan(&a.ID, &a.APIKey, &a.APISecret, &role, &a.Capital,
		&a.MaxCapitalUsage, &a.AccessToken, &status, &updated)
	if err != nil {
		return types.Account{}, err
	}
	a.Role = types.Role(role)
	a.Status = types.AccountStatus(status)
	a.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return a, nil
}

// GetAccount returns the account, or nil (not an error) when absent.
func (s *Store) GetAccount(ctx context.Context, id string) (*types.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get account %s: %w", id, err)
	}
	return &a, nil
}

// ListAccounts returns all accounts, master first, then children by id.
func (s *Store) ListAccounts(ctx context.Context) ([]types.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+accountColumns+` FROM accounts
		ORDER BY CASE role WHEN 'master' THEN 0 ELSE 1 END, account_id`)
	if err != nil {
		return nil, fmt.Errorf("store: list accounts: %w", err)
	}
	defer rows.Close()

	var out []types.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateSession records a successful login: fresh token, refreshed capital,
// status connected.
func (s *Store) UpdateSession(ctx context.Context, id, accessToken string, capital float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET access_token = ?, capital = ?, status = ?, updated_at = ?
		WHERE account_id = ?`,
		accessToken, capital, string(types.StatusConnected),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: update session %s: %w", id, err)
	}
	return requireRow(res, id)
}

// ExpireSession voids the account's token and flips it to expired.
func (s *Store) ExpireSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts
		SET access_token = '', status = ?, updated_at = ?
		WHERE account_id = ?`,
		string(types.StatusExpired), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: expire session %s: %w", id, err)
	}
	return requireRow(res, id)
}

// UpdateCap sets a child's max_capital_usage.
func (s *Store) UpdateCap(ctx context.Context, id string, cap float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE accounts SET max_capital_usage = ?, updated_at = ? WHERE account_id = ?`,
		cap, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("store: update cap %s: %w", id, err)
	}
	return requireRow(res, id)
}

// DeleteAccount removes an account row.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE account_id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete account %s: %w", id, err)
	}
	return nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: account %s: %w", id, ErrNotFound)
	}
	return nil
}

// AppendOrder appends one replicated-order record. Rows are never updated.
// created_at is stored as unix nanoseconds: the dry-run position derivation
// filters on "at or after cycle start", and an integer compare is exact
// where trimmed-precision text timestamps are not.
func (s *Store) AppendOrder(ctx context.Context, e types.OrderLogEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO order_log
			(id, order_id, child_id, instrument_token, tradingsymbol, exchange,
			 product, transaction_type, quantity, kind, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.OrderID, e.ChildID, e.InstrumentToken, e.Tradingsymbol,
		string(e.Exchange), string(e.Product), string(e.TransactionType),
		e.Quantity, string(e.Kind), string(e.Status), e.CreatedAt.UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("store: append order %s: %w", e.ID, err)
	}
	return nil
}

const orderColumns = `id, order_id, child_id, instrument_token, tradingsymbol,
	exchange, product, transaction_type, quantity, kind, status, created_at`

func scanOrder(rows *sql.Rows) (types.OrderLogEntry, error) {
	var e types.OrderLogEntry
	var exchange, product, tx, kind, status string
	var createdNs int64
	err := rows.Scan(&e.ID, &e.OrderID, &e.ChildID, &e.InstrumentToken,
		&e.Tradingsymbol, &exchange, &product, &tx, &e.Quantity, &kind,
		&status, &createdNs)
	if err != nil {
		return types.OrderLogEntry{}, err
	}
	e.Exchange = types.Exchange(exchange)
	e.Product = types.Product(product)
	e.TransactionType = types.TransactionType(tx)
	e.Kind = types.LogKind(kind)
	e.Status = types.LogStatus(status)
	e.CreatedAt = time.Unix(0, createdNs).UTC()
	return e, nil
}

func (s *Store) queryOrders(ctx context.Context, query string, args ...any) ([]types.OrderLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query order log: %w", err)
	}
	defer rows.Close()

	var out []types.OrderLogEntry
	for rows.Next() {
		e, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan order log: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// OrdersForChild returns the child's rows, newest first, up to limit
// (limit <= 0 means no limit).
func (s *Store) OrdersForChild(ctx context.Context, childID string, limit int) ([]types.OrderLogEntry, error) {
	if limit <= 0 {
		limit = -1 // negative LIMIT means unlimited
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM order_log
		WHERE child_id = ? ORDER BY created_at DESC LIMIT ?`, childID, limit)
}

// OrdersSince returns the child's rows at or after t, oldest first. This is
// the dry-run position source: summing SignedQuantity over a cycle's rows
// reconstructs the child's simulated open position.
func (s *Store) OrdersSince(ctx context.Context, childID string, t time.Time) ([]types.OrderLogEntry, error) {
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM order_log
		WHERE child_id = ? AND created_at >= ? ORDER BY created_at ASC`,
		childID, t.UTC().UnixNano())
}

// RecentOrders returns the newest rows across all children.
func (s *Store) RecentOrders(ctx context.Context, limit int) ([]types.OrderLogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.queryOrders(ctx, `
		SELECT `+orderColumns+` FROM order_log
		ORDER BY created_at DESC LIMIT ?`, limit)
}
