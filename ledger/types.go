/*
Package ledger provides the wallet ledger engine.

PURPOSE:
  Every coin a user holds is explained by an append-only list of
  transactions. Cashback for a purchase, a flat reward for a review, a
  referral bonus and a refund are credits; spending coins at checkout is a
  debit. The account balance is a materialized view of that list and is
  updated in the same unit of work as each append.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: immutable ledger entry (signed amount, type, sourceRef)
  - TransactionType: cashback, referral, refund, redemption, purchase-debit
  - Account: per-user balance and transaction count
  - Summary: what the wallet screen shows

DESIGN PRINCIPLES:
  1. Append-only: transactions are never edited, corrections are new entries
  2. Integer coins: amounts are int64 in the smallest coin unit
  3. Idempotency: (UserID, SourceRef, Type) identifies a triggering event
  4. Explicit ownership: every call names the user, there is no session user

USAGE:
  svc := ledger.NewService(store)
  res, err := svc.Credit(ctx, "user-1", ledger.TxCashback, 220, "review-1")

SEE ALSO:
  - store.go: persistence contract
  - service.go: the sole mutator of account state
  - errors.go: error taxonomy
*/
package ledger

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type TransactionID string

// =============================================================================
// TRANSACTION TYPES
// =============================================================================

type TransactionType string

const (
	TxCashback      TransactionType = "cashback"       // Earned on a purchase or review
	TxReferral      TransactionType = "referral"       // Bonus for referring a friend
	TxRefund        TransactionType = "refund"         // Coins returned after a cancelled order
	TxRedemption    TransactionType = "redemption"     // Coins spent at checkout
	TxPurchaseDebit TransactionType = "purchase-debit" // Coins taken for a purchase outside checkout
)

// TransactionTypes lists every known type in display order.
var TransactionTypes = []TransactionType{
	TxCashback, TxReferral, TxRefund, TxRedemption, TxPurchaseDebit,
}

func (t TransactionType) Valid() bool { return t.IsCredit() || t.IsDebit() }

// IsCredit reports whether transactions of this type add coins.
func (t TransactionType) IsCredit() bool {
	switch t {
	case TxCashback, TxReferral, TxRefund:
		return true
	}
	return false
}

// IsDebit reports whether transactions of this type remove coins.
func (t TransactionType) IsDebit() bool {
	return t == TxRedemption || t == TxPurchaseDebit
}

// ParseTransactionType converts a stored or user supplied string.
func ParseTransactionType(s string) (TransactionType, error) {
	t := TransactionType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidType, s)
	}
	return t, nil
}

// =============================================================================
// TRANSACTION - Immutable balance change
// =============================================================================

type Transaction struct {
	ID     TransactionID
	UserID UserID
	Amount int64 // positive = credit, negative = debit
	Type   TransactionType

	// SourceRef identifies the triggering event (order id, review id,
	// checkout id). Together with UserID and Type it is unique.
	SourceRef string

	Description string
	Metadata    map[string]string

	// Assigned by the store on append.
	Seq          int64
	BalanceAfter int64
	CreatedAt    time.Time
}

// IsCredit reports whether the transaction added coins.
func (tx Transaction) IsCredit() bool { return tx.Amount > 0 }

// SourceKey is the idempotency identity of a transaction.
type SourceKey struct {
	UserID    UserID
	Type      TransactionType
	SourceRef string
}

func (tx Transaction) Key() SourceKey {
	return SourceKey{UserID: tx.UserID, Type: tx.Type, SourceRef: tx.SourceRef}
}

// String quotes each part, so distinct keys never render the same.
func (k SourceKey) String() string {
	return fmt.Sprintf("%q/%q/%q", k.UserID, k.Type, k.SourceRef)
}

// =============================================================================
// ACCOUNT
// =============================================================================

type AccountState string

const (
	AccountNonExistent AccountState = "non_existent"
	AccountActive      AccountState = "active"
)

// Account is created lazily by the first transaction and never deleted.
type Account struct {
	UserID           UserID
	Balance          int64
	TransactionCount int64
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (a Account) State() AccountState {
	if a.TransactionCount == 0 {
		return AccountNonExistent
	}
	return AccountActive
}

// =============================================================================
// RESULTS
// =============================================================================

// Result is returned by every mutating call.
type Result struct {
	NewBalance  int64
	Transaction Transaction

	// Duplicate is true when the event was already recorded and the
	// existing transaction is returned instead of a new one.
	Duplicate bool
}

// Summary is the read model behind the wallet screen.
type Summary struct {
	UserID           UserID
	State            AccountState
	Balance          int64
	TransactionCount int64
	Recent           []Transaction
	LastActivity     time.Time
}
