// Package postgres implements the ledger storage interfaces on PostgreSQL
// through a pgx connection pool. It is the backend for deployments that run
// more than one server instance (paired with the Redis account lock).
//
// The balance row is locked with SELECT ... FOR UPDATE for the duration of
// an append, so the store refuses overdraws even without the service lock.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rez/wallet-ledger/ledger"
)

const uniqueViolation = "23505"

type Store struct {
	pool *pgxpool.Pool
}

var (
	_ ledger.AuditStore    = (*Store)(nil)
	_ ledger.ActivityStore = (*Store)(nil)
	_ ledger.Resetter      = (*Store)(nil)
)

// New connects to dsn and applies the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

const schema = `
	CREATE TABLE IF NOT EXISTS ledger_accounts (
		user_id     TEXT PRIMARY KEY,
		balance     BIGINT NOT NULL DEFAULT 0 CHECK (balance >= 0),
		tx_count    BIGINT NOT NULL DEFAULT 0,
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS ledger_transactions (
		seq           BIGSERIAL PRIMARY KEY,
		id            TEXT NOT NULL UNIQUE,
		user_id       TEXT NOT NULL REFERENCES ledger_accounts(user_id),
		amount        BIGINT NOT NULL CHECK (amount <> 0),
		tx_type       TEXT NOT NULL,
		source_ref    TEXT NOT NULL,
		description   TEXT NOT NULL DEFAULT '',
		metadata      JSONB,
		balance_after BIGINT NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, source_ref, tx_type)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_user_seq
		ON ledger_transactions (user_id, seq DESC);

	CREATE INDEX IF NOT EXISTS idx_ledger_transactions_product
		ON ledger_transactions ((metadata->>'product_id'))
		WHERE metadata IS NOT NULL;

	CREATE OR REPLACE FUNCTION ledger_append_only() RETURNS trigger AS $$
	BEGIN
		RAISE EXCEPTION 'ledger_transactions is append-only';
	END;
	$$ LANGUAGE plpgsql;

	DROP TRIGGER IF EXISTS trg_ledger_append_only ON ledger_transactions;
	CREATE TRIGGER trg_ledger_append_only
		BEFORE UPDATE OR DELETE ON ledger_transactions
		FOR EACH ROW EXECUTE FUNCTION ledger_append_only();
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// ============================================================================
// ACCOUNTS
// ============================================================================

func (s *Store) GetBalance(ctx context.Context, userID ledger.UserID) (int64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE user_id = $1`, userID).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, mapError("get balance", err)
	}
	return balance, nil
}

const selectAccount = `SELECT user_id, balance, tx_count, created_at, updated_at FROM ledger_accounts`

func (s *Store) GetAccount(ctx context.Context, userID ledger.UserID) (ledger.Account, error) {
	var a ledger.Account
	err := s.pool.QueryRow(ctx, selectAccount+` WHERE user_id = $1 AND tx_count > 0`, userID).
		Scan(&a.UserID, &a.Balance, &a.TransactionCount, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, mapError("get account", err)
	}
	return a, nil
}

// ============================================================================
// APPEND
// ============================================================================

func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if tx.CreatedAt.IsZero() {
		return ledger.Transaction{}, fmt.Errorf("transaction %s has no timestamp", tx.ID)
	}
	metadata, err := encodeMetadata(tx.Metadata)
	if err != nil {
		return ledger.Transaction{}, err
	}

	pgTx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ledger.Transaction{}, mapError("begin transaction", err)
	}
	defer pgTx.Rollback(ctx)

	_, err = pgTx.Exec(ctx, `
		INSERT INTO ledger_accounts (user_id, balance, tx_count, created_at, updated_at)
		VALUES ($1, 0, 0, $2, $2)
		ON CONFLICT (user_id) DO NOTHING`, tx.UserID, tx.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, mapError("ensure account", err)
	}

	var balance int64
	err = pgTx.QueryRow(ctx, `SELECT balance FROM ledger_accounts WHERE user_id = $1 FOR UPDATE`, tx.UserID).Scan(&balance)
	if err != nil {
		return ledger.Transaction{}, mapError("lock account", err)
	}

	tx.BalanceAfter = balance + tx.Amount
	if tx.BalanceAfter < 0 {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{
			UserID:    tx.UserID,
			Available: balance,
			Requested: -tx.Amount,
		}
	}

	err = pgTx.QueryRow(ctx, `
		INSERT INTO ledger_transactions
			(id, user_id, amount, tx_type, source_ref, description, metadata, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
		RETURNING seq`,
		tx.ID, tx.UserID, tx.Amount, tx.Type, tx.SourceRef, tx.Description,
		metadata, tx.BalanceAfter, tx.CreatedAt,
	).Scan(&tx.Seq)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ledger.Transaction{}, ledger.ErrDuplicateEvent
		}
		return ledger.Transaction{}, mapError("insert transaction", err)
	}

	_, err = pgTx.Exec(ctx, `
		UPDATE ledger_accounts
		SET balance = $2, tx_count = tx_count + 1, updated_at = $3
		WHERE user_id = $1`, tx.UserID, tx.BalanceAfter, tx.CreatedAt)
	if err != nil {
		return ledger.Transaction{}, mapError("update balance", err)
	}

	if err := pgTx.Commit(ctx); err != nil {
		return ledger.Transaction{}, mapError("commit", err)
	}
	return tx, nil
}

// ============================================================================
// QUERIES
// ============================================================================

const selectTransaction = `
	SELECT seq, id, user_id, amount, tx_type, source_ref, description,
	       metadata, balance_after, created_at
	FROM ledger_transactions`

func (s *Store) FindBySource(ctx context.Context, key ledger.SourceKey) (ledger.Transaction, error) {
	txs, err := s.query(ctx, "find by source", selectTransaction+`
		WHERE user_id = $1 AND tx_type = $2 AND source_ref = $3`,
		key.UserID, key.Type, key.SourceRef)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

func (s *Store) ListTransactions(ctx context.Context, userID ledger.UserID, req ledger.PageRequest) (ledger.Page, error) {
	req = req.Normalize()
	after, err := req.After()
	if err != nil {
		return ledger.Page{}, err
	}

	q := selectTransaction + ` WHERE user_id = $1 AND ($2::BIGINT = 0 OR seq < $2::BIGINT) ORDER BY seq DESC LIMIT $3`
	if req.Order == ledger.OldestFirst {
		q = selectTransaction + ` WHERE user_id = $1 AND seq > $2::BIGINT ORDER BY seq ASC LIMIT $3`
	}
	txs, err := s.query(ctx, "list transactions", q, userID, after, req.Limit+1)
	if err != nil {
		return ledger.Page{}, err
	}
	return ledger.BuildPage(txs, req.Limit), nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.pool.Query(ctx, selectAccount+` WHERE tx_count > 0 ORDER BY user_id`)
	if err != nil {
		return nil, mapError("list accounts", err)
	}
	defer rows.Close()

	var out []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.UserID, &a.Balance, &a.TransactionCount, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) SumTransactions(ctx context.Context, userID ledger.UserID) (int64, int64, error) {
	var sum, count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0)::BIGINT, COUNT(*) FROM ledger_transactions WHERE user_id = $1`,
		userID).Scan(&sum, &count)
	if err != nil {
		return 0, 0, mapError("sum transactions", err)
	}
	return sum, count, nil
}

// CheckAccount runs as one statement, so both sides come from the same
// snapshot.
func (s *Store) CheckAccount(ctx context.Context, userID ledger.UserID) (ledger.AccountCheck, error) {
	check := ledger.AccountCheck{UserID: userID}
	err := s.pool.QueryRow(ctx, `
		SELECT a.balance, a.tx_count,
			COALESCE((SELECT SUM(t.amount) FROM ledger_transactions t WHERE t.user_id = a.user_id), 0)::BIGINT,
			(SELECT COUNT(*) FROM ledger_transactions t WHERE t.user_id = a.user_id)
		FROM ledger_accounts a WHERE a.user_id = $1`, userID,
	).Scan(&check.Balance, &check.TransactionCount, &check.LedgerSum, &check.LedgerCount)
	if errors.Is(err, pgx.ErrNoRows) {
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
	return s.query(ctx, "recent by metadata", selectTransaction+`
		WHERE amount > 0 AND metadata->>$1 = $2
		ORDER BY seq DESC LIMIT $3`, key, value, limit)
}

// Reset empties both tables. TRUNCATE does not fire the row triggers.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE ledger_transactions, ledger_accounts RESTART IDENTITY`)
	if err != nil {
		return mapError("reset", err)
	}
	return nil
}

// ============================================================================
// HELPERS
// ============================================================================

func (s *Store) query(ctx context.Context, op, q string, args ...any) ([]ledger.Transaction, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer rows.Close()

	txs := []ledger.Transaction{}
	for rows.Next() {
		var (
			tx       ledger.Transaction
			txType   string
			metadata []byte
		)
		err := rows.Scan(&tx.Seq, &tx.ID, &tx.UserID, &tx.Amount, &txType, &tx.SourceRef,
			&tx.Description, &metadata, &tx.BalanceAfter, &tx.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Type = ledger.TransactionType(txType)
		tx.CreatedAt = tx.CreatedAt.UTC()
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &tx.Metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata for %s: %w", tx.ID, err)
			}
		}
		txs = append(txs, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(op, err)
	}
	return txs, nil
}

func encodeMetadata(md map[string]string) (*string, error) {
	if len(md) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(md)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	s := string(b)
	return &s, nil
}

func mapError(op string, err error) error {
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrStoreUnavailable, op, err)
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return fmt.Errorf("%w: %s: %v", ledger.ErrStoreUnavailable, op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}
