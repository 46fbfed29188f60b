package store_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rez/wallet-ledger/ledger"
	"github.com/rez/wallet-ledger/ledger/store"
)

func tx(userID ledger.UserID, amount int64, txType ledger.TransactionType, ref string) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.TransactionID("tx-" + string(userID) + "-" + ref + "-" + string(txType)),
		UserID:    userID,
		Amount:    amount,
		Type:      txType,
		SourceRef: ref,
	}
}

func TestMemory_AppendAssignsSeqAndBalance(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	a, err := m.AppendTransaction(ctx, tx("U1", 952, ledger.TxCashback, "welcome"))
	require.NoError(t, err)
	b, err := m.AppendTransaction(ctx, tx("U1", -52, ledger.TxRedemption, "checkout-1"))
	require.NoError(t, err)

	assert.Equal(t, int64(952), a.BalanceAfter)
	assert.Equal(t, int64(900), b.BalanceAfter)
	assert.Greater(t, b.Seq, a.Seq)
	assert.False(t, a.CreatedAt.IsZero())

	acct, err := m.GetAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), acct.Balance)
	assert.Equal(t, int64(2), acct.TransactionCount)
	assert.Equal(t, ledger.AccountActive, acct.State())
}

func TestMemory_RejectsDuplicateSource(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.AppendTransaction(ctx, tx("U1", 10, ledger.TxCashback, "order-1"))
	require.NoError(t, err)
	_, err = m.AppendTransaction(ctx, tx("U1", 10, ledger.TxCashback, "order-1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	// Same reference for another user is a different event.
	_, err = m.AppendTransaction(ctx, tx("U2", 10, ledger.TxCashback, "order-1"))
	assert.NoError(t, err)
}

func TestMemory_RejectsNegativeBalance(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	_, err := m.AppendTransaction(ctx, tx("U1", -1, ledger.TxRedemption, "r1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = m.GetAccount(ctx, "U1")
	assert.ErrorIs(t, err, ledger.ErrAccountNotFound)
}

func TestMemory_MetadataIsCopied(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	in := tx("U1", 10, ledger.TxCashback, "order-1")
	in.Metadata = map[string]string{"product_id": "P1"}
	_, err := m.AppendTransaction(ctx, in)
	require.NoError(t, err)
	in.Metadata["product_id"] = "mutated"

	got, err := m.FindBySource(ctx, ledger.SourceKey{UserID: "U1", Type: ledger.TxCashback, SourceRef: "order-1"})
	require.NoError(t, err)
	assert.Equal(t, "P1", got.Metadata["product_id"])
}

func TestMemory_FindBySourceMissing(t *testing.T) {
	m := store.NewMemory()
	_, err := m.FindBySource(context.Background(), ledger.SourceKey{UserID: "U1", Type: ledger.TxCashback, SourceRef: "x"})
	assert.ErrorIs(t, err, ledger.ErrTransactionNotFound)
}

func TestMemory_RecentByMetadata(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	for i, user := range []ledger.UserID{"U1", "U2", "U3", "U4"} {
		in := tx(user, int64(10*(i+1)), ledger.TxCashback, "order-1")
		in.Metadata = map[string]string{"product_id": "P1"}
		_, err := m.AppendTransaction(ctx, in)
		require.NoError(t, err)
	}
	other := tx("U1", 5, ledger.TxCashback, "order-2")
	other.Metadata = map[string]string{"product_id": "P2"}
	_, err := m.AppendTransaction(ctx, other)
	require.NoError(t, err)

	recent, err := m.RecentByMetadata(ctx, "product_id", "P1", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, ledger.UserID("U4"), recent[0].UserID)
	assert.Equal(t, ledger.UserID("U2"), recent[2].UserID)
}

func TestMemory_ListAccountsAndSum(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := m.AppendTransaction(ctx, tx("U2", 5, ledger.TxCashback, fmt.Sprintf("o-%d", i)))
		require.NoError(t, err)
	}
	_, err := m.AppendTransaction(ctx, tx("U1", 7, ledger.TxReferral, "ref-1"))
	require.NoError(t, err)

	accounts, err := m.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 2)
	assert.Equal(t, ledger.UserID("U1"), accounts[0].UserID)

	sum, count, err := m.SumTransactions(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, int64(15), sum)
	assert.Equal(t, int64(3), count)
}

func TestMemory_KeepsCallerTimestamp(t *testing.T) {
	m := store.NewMemory()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	in := tx("U1", 1, ledger.TxCashback, "o")
	in.CreatedAt = at

	got, err := m.AppendTransaction(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, at, got.CreatedAt)
}

func TestMemory_Reset(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	_, err := m.AppendTransaction(ctx, tx("U1", 1, ledger.TxCashback, "o"))
	require.NoError(t, err)

	require.NoError(t, m.Reset(ctx))
	balance, err := m.GetBalance(ctx, "U1")
	require.NoError(t, err)
	assert.Zero(t, balance)
}
