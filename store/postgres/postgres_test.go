package postgres_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/rez/wallet-ledger/ledger"
	"github.com/rez/wallet-ledger/store/postgres"
)

// Runs against a disposable database named by LEDGER_TEST_POSTGRES_DSN.
// Every test resets the tables.
func newTestStore(t *testing.T) *postgres.Store {
	t.Helper()
	dsn := os.Getenv("LEDGER_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LEDGER_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Reset(ctx))
	return store
}

func entry(userID ledger.UserID, amount int64, txType ledger.TransactionType, ref string) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.TransactionID(fmt.Sprintf("%s-%s-%s", userID, txType, ref)),
		UserID:    userID,
		Amount:    amount,
		Type:      txType,
		SourceRef: ref,
		CreatedAt: time.Now().UTC(),
	}
}

func TestPostgres_AppendAndRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	in := entry("U1", 952, ledger.TxCashback, "welcome")
	in.Metadata = map[string]string{"product_id": "P1"}
	saved, err := store.AppendTransaction(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, int64(952), saved.BalanceAfter)

	got, err := store.FindBySource(ctx, in.Key())
	require.NoError(t, err)
	assert.Equal(t, saved.Seq, got.Seq)
	assert.Equal(t, "P1", got.Metadata["product_id"])

	_, err = store.AppendTransaction(ctx, in)
	assert.ErrorIs(t, err, ledger.ErrDuplicateEvent)

	_, err = store.AppendTransaction(ctx, entry("U1", -1000, ledger.TxRedemption, "r1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	acct, err := store.GetAccount(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, int64(952), acct.Balance)
	assert.Equal(t, int64(1), acct.TransactionCount)
}

func TestPostgres_PagesAndAudit(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_, err := store.AppendTransaction(ctx, entry("U1", int64(i), ledger.TxCashback, fmt.Sprintf("o-%d", i)))
		require.NoError(t, err)
	}

	page, err := store.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 3, Order: ledger.OldestFirst})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 3)
	page, err = store.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 3, Order: ledger.OldestFirst, Cursor: page.NextCursor})
	require.NoError(t, err)
	require.Len(t, page.Transactions, 2)
	assert.Equal(t, "o-4", page.Transactions[0].SourceRef)

	report, err := (&ledger.Auditor{Store: store}).Run(ctx)
	require.NoError(t, err)
	assert.True(t, report.OK())
}

func TestPostgres_ConcurrentDebitsWithoutServiceLock(t *testing.T) {
	// Row locks alone keep the balance non-negative.
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.AppendTransaction(ctx, entry("U2", 100, ledger.TxCashback, "seed"))
	require.NoError(t, err)

	var g errgroup.Group
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			_, err := store.AppendTransaction(ctx, entry("U2", -30, ledger.TxRedemption, fmt.Sprintf("r-%d", i)))
			if err != nil && !assert.ErrorIs(t, err, ledger.ErrInsufficientFunds) {
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	balance, err := store.GetBalance(ctx, "U2")
	require.NoError(t, err)
	assert.Equal(t, int64(10), balance)
}
