/*
store.go - Persistence interface for accounts and transactions

PURPOSE:
  Defines the interface between the ledger service and the database.
  Implementations keep the account balance and the transaction log
  consistent: an append and its balance update succeed or fail together.

KEY INTERFACES:
  Store:         Core contract used by the Service
  AuditStore:    Adds full scans for the invariant auditor
  ActivityStore: Adds metadata lookups (recent earners per product)

APPEND-ONLY CONTRACT:
  - AppendTransaction(): the ONLY write
  - NO Update() or Delete() methods exist

IDEMPOTENCY:
  (UserID, SourceRef, Type) is unique. A second append with the same key
  fails with ErrDuplicateEvent and changes nothing.

NON-NEGATIVE BALANCE:
  An append that would take the balance below zero fails with
  *InsufficientFundsError inside the same unit of work.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and demos
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with row locks

SEE ALSO:
  - service.go: the only caller that writes
  - cursor.go: PageRequest / Page
*/
package ledger

import "context"

// Store handles persistence of accounts and transactions.
type Store interface {
	// GetBalance returns the current balance, 0 for an unknown user.
	GetBalance(ctx context.Context, userID UserID) (int64, error)

	// GetAccount returns ErrAccountNotFound for an unknown user.
	GetAccount(ctx context.Context, userID UserID) (Account, error)

	// AppendTransaction persists tx and updates the balance atomically.
	// The returned copy carries Seq, BalanceAfter and CreatedAt.
	AppendTransaction(ctx context.Context, tx Transaction) (Transaction, error)

	// FindBySource returns ErrTransactionNotFound if no transaction has the key.
	FindBySource(ctx context.Context, key SourceKey) (Transaction, error)

	// ListTransactions returns one page, paginated by cursor.
	ListTransactions(ctx context.Context, userID UserID, req PageRequest) (Page, error)
}

// AuditStore extends Store with scans used by the Auditor.
type AuditStore interface {
	Store

	// ListAccounts returns every account that has at least one transaction.
	ListAccounts(ctx context.Context) ([]Account, error)

	// SumTransactions recomputes the balance from the log.
	SumTransactions(ctx context.Context, userID UserID) (sum int64, count int64, err error)

	// CheckAccount reads the stored balance and the log totals of one
	// account in a single consistent read.
	CheckAccount(ctx context.Context, userID UserID) (AccountCheck, error)
}

// AccountCheck pairs the materialized account with totals recomputed from
// the log at the same instant.
type AccountCheck struct {
	UserID           UserID
	Balance          int64
	TransactionCount int64
	LedgerSum        int64
	LedgerCount      int64
}

// ActivityStore extends Store with metadata lookups.
type ActivityStore interface {
	Store

	// RecentByMetadata returns the newest credits whose metadata[key] == value.
	RecentByMetadata(ctx context.Context, key, value string, limit int) ([]Transaction, error)
}

// Resetter is implemented by stores that can be wiped (demo scenarios only).
type Resetter interface {
	Reset(ctx context.Context) error
}
