/*
Package sqlite provides a SQLite-backed implementation of ledger.Store.

PURPOSE:
  Default durable backend for the wallet ledger. The same schema ports to
  PostgreSQL with minor dialect changes (see store/postgres).

INTERFACES IMPLEMENTED:
  ledger.Store, ledger.AuditStore, ledger.ActivityStore, ledger.Resetter

APPEND-ONLY ENFORCEMENT:
  - No UPDATE or DELETE statements on the transactions table
  - Triggers abort any UPDATE/DELETE attempted from outside this package
  - Corrections are new offsetting transactions

KEY TABLES:
  accounts:      materialized balance and transaction count per user
  transactions:  immutable ledger, UNIQUE(user_id, source_ref, tx_type)

ATOMICITY:
  AppendTransaction runs in one database transaction: read balance,
  reject if it would go negative, upsert the account, insert the entry.
  A unique violation rolls everything back and becomes ErrDuplicateEvent.

CONCURRENCY:
  SQLite has a single writer. Writes are serialized by a mutex and the
  pool is limited to one connection, which also keeps ":memory:"
  databases from splitting into one database per connection.

USAGE:
  store, err := sqlite.New("./data/wallet.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  svc := ledger.NewService(store)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/rez/wallet-ledger/ledger"
)

// Store implements the ledger storage interfaces using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // single writer
	now func() time.Time
}

var (
	_ ledger.AuditStore    = (*Store)(nil)
	_ ledger.ActivityStore = (*Store)(nil)
	_ ledger.Resetter      = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now}
	if err := store.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection (used by the health endpoint).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
	CREATE TABLE IF NOT EXISTS accounts (
		user_id TEXT PRIMARY KEY,
		balance INTEGER NOT NULL DEFAULT 0 CHECK (balance >= 0),
		tx_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		user_id TEXT NOT NULL REFERENCES accounts(user_id),
		amount INTEGER NOT NULL CHECK (amount <> 0),
		tx_type TEXT NOT NULL,
		source_ref TEXT NOT NULL,
		description TEXT,
		metadata_json TEXT,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (user_id, source_ref, tx_type)
	);

	-- History pages (hot path)
	CREATE INDEX IF NOT EXISTS idx_transactions_user_seq
		ON transactions(user_id, seq DESC);

	-- Recent earners per product
	CREATE INDEX IF NOT EXISTS idx_transactions_product
		ON transactions(json_extract(metadata_json, '$.product_id'))
		WHERE metadata_json IS NOT NULL;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_update
	BEFORE UPDATE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;

	CREATE TRIGGER IF NOT EXISTS trg_transactions_no_delete
	BEFORE DELETE ON transactions
	BEGIN
		SELECT RAISE(ABORT, 'transactions are append-only');
	END;
`

// migrate creates the database schema.
func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT balance FROM accounts WHERE user_id = ?", userID,
	).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("get balance", err)
	}
	return balance, nil
}

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, balance, tx_count, created_at, updated_at
		FROM accounts WHERE user_id = ?`, userID)
	acct, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("get account", err)
	}
	return acct, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (ledger.Account, error) {
	var (
		acct                 ledger.Account
		createdAt, updatedAt string
	)
	if err := row.Scan(&acct.UserID, &acct.Balance, &acct.TransactionCount, &createdAt, &updatedAt); err != nil {
		return ledger.Account{}, err
	}
	acct.CreatedAt = parseTime(createdAt)
	acct.UpdatedAt = parseTime(updatedAt)
	return acct, nil
}

// =============================================================================
// TRANSACTION STORE (ledger.Store interface)
// =============================================================================

// AppendTransaction adds a transaction and moves the balance in one
// database transaction.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Transaction{}, mapError("begin transaction", err)
	}
	defer sqlTx.Rollback()

	var balance int64
	err = sqlTx.QueryRowContext(ctx, "SELECT balance FROM accounts WHERE user_id = ?", tx.UserID).Scan(&balance)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ledger.Transaction{}, mapError("read balance", err)
	}

	newBalance := balance + tx.Amount
	if newBalance < 0 {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{
			UserID:    tx.UserID,
			Available: balance,
			Requested: -tx.Amount,
		}
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	tx.CreatedAt = tx.CreatedAt.UTC()
	tx.BalanceAfter = newBalance
	ts := formatTime(tx.CreatedAt)

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO accounts (user_id, balance, tx_count, created_at, updated_at)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			balance = excluded.balance,
			tx_count = accounts.tx_count + 1,
			updated_at = excluded.updated_at`,
		tx.UserID, newBalance, ts, ts,
	)
	if err != nil {
		return ledger.Transaction{}, mapError("upsert account", err)
	}

	metadataJSON, err := marshalMetadata(tx.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}

	res, err := sqlTx.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, amount, tx_type, source_ref, description, metadata_json, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Amount, tx.Type, tx.SourceRef,
		nullString(tx.Description), metadataJSON, tx.BalanceAfter, ts,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Transaction{}, ledger.ErrDuplicateEvent
		}
		return ledger.Transaction{}, mapError("append transaction", err)
	}
	if tx.Seq, err = res.LastInsertId(); err != nil {
		return ledger.Transaction{}, mapError("read sequence", err)
	}

	if err := sqlTx.Commit(); err != nil {
		return ledger.Transaction{}, mapError("commit", err)
	}
	return tx, nil
}

const selectTransaction = `
	SELECT seq, id, user_id, amount, tx_type, source_ref, description,
	       metadata_json, balance_after, created_at
	FROM transactions`

func (s *Store) FindBySource(ctx context.Context, key ledger.SourceKey) (ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx, selectTransaction+`
		WHERE user_id = ? AND tx_type = ? AND source_ref = ?`,
		key.UserID, key.Type, key.SourceRef)
	if err != nil {
		return ledger.Transaction{}, mapError("find by source", err)
	}
	txs, err := collect(rows)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

// ListTransactions fetches Limit+1 rows past the cursor to detect the next page.
func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, req ledger.PageRequest) (ledger.Page, error) {
	req = req.Normalize()
	after, err := req.After()
	if err != nil {
		return ledger.Page{}, err
	}

	query := selectTransaction + ` WHERE user_id = ? AND (? = 0 OR seq < ?) ORDER BY seq DESC LIMIT ?`
	if req.Order == ledger.OldestFirst {
		query = selectTransaction + ` WHERE user_id = ? AND (? = 0 OR seq > ?) ORDER BY seq ASC LIMIT ?`
	}

	rows, err := s.db.QueryContext(ctx, query, userID, after, after, req.Limit+1)
	if err != nil {
		return ledger.Page{}, mapError("list transactions", err)
	}
	txs, err := collect(rows)
	if err != nil {
		return ledger.Page{}, err
	}
	return ledger.BuildPage(txs, req.Limit), nil
}

// =============================================================================
// AUDIT + ACTIVITY
// =============================================================================

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, balance, tx_count, created_at, updated_at
		FROM accounts WHERE tx_count > 0 ORDER BY user_id`)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}
	return accounts, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (int64, int64, error) {
	var sum, count int64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0), COUNT(*) FROM transactions WHERE user_id = ?", userID,
	).Scan(&sum, &count)
	if err != nil {
		return 0, 0, mapError("sum transactions", err)
	}
	return sum, count, nil
}

// CheckAccount runs as one statement, so both sides come from the same
// snapshot.
func (s *Store) CheckAccount(ctx context.Context, userID ledger.UserID) (ledger.AccountCheck, error) {
	check := ledger.AccountCheck{UserID: userID}
	err := s.db.QueryRowContext(ctx, `
		SELECT a.balance, a.tx_count,
			COALESCE((SELECT SUM(t.amount) FROM transactions t WHERE t.user_id = a.user_id), 0),
			(SELECT COUNT(*) FROM transactions t WHERE t.user_id = a.user_id)
		FROM accounts a WHERE a.user_id = ?`, userID,
	).Scan(&check.Balance, &check.TransactionCount, &check.LedgerSum, &check.LedgerCount)
	if errors.Is(err, sql.ErrNoRows) {
		return check, nil
	}
	if err != nil {
		return ledger.AccountCheck{}, mapError("check account", err)
	}
	return check, nil
}

func (s *Store) RecentByMetadata(ctx context.Context, key, value string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = ledger.DefaultPageSize
	}
	rows, err := s.db.QueryContext(ctx, selectTransaction+`
		WHERE amount > 0 AND json_extract(metadata_json, ?) = ?
		ORDER BY seq DESC LIMIT ?`,
		"$."+key, value, limit)
	if err != nil {
		return nil, mapError("recent by metadata", err)
	}
	return collect(rows)
}

// Reset drops and recreates the schema. Demo scenarios only: dropping the
// table is the one way around the append-only triggers.
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `
		DROP TABLE IF EXISTS transactions;
		DROP TABLE IF EXISTS accounts;`); err != nil {
		return mapError("reset", err)
	}
	return s.migrate(ctx)
}

// =============================================================================
// HELPERS
// =============================================================================

func collect(rows *sql.Rows) ([]ledger.Transaction, error) {
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError("iterate transactions", err)
	}
	return txs, nil
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx           ledger.Transaction
		txType       string
		description  sql.NullString
		metadataJSON sql.NullString
		createdAt    string
	)

	err := rows.Scan(
		&tx.Seq, &tx.ID, &tx.UserID, &tx.Amount, &txType, &tx.SourceRef,
		&description, &metadataJSON, &tx.BalanceAfter, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	tx.Type = ledger.TransactionType(txType)
	tx.Description = description.String
	tx.CreatedAt = parseTime(createdAt)
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &tx.Metadata); err != nil {
			return tx, fmt.Errorf("failed to decode metadata for %s: %w", tx.ID, err)
		}
	}
	return tx, nil
}

func marshalMetadata(md map[string]string) (sql.NullString, error) {
	if len(md) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func isUniqueConstraintError(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

// mapError marks lock contention and deadline errors as retryable.
func mapError(op string, err error) error {
	var se sqlite3.Error
	if errors.As(err, &se) && (se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrStoreUnavailable, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
