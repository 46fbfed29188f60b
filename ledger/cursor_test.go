package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rez/wallet-ledger/ledger"
	"github.com/rez/wallet-ledger/ledger/store"
)

func TestCursor_RoundTrip(t *testing.T) {
	c := ledger.EncodeCursor(42)
	seq, err := ledger.DecodeCursor(c)
	require.NoError(t, err)
	assert.Equal(t, int64(42), seq)

	seq, err = ledger.DecodeCursor("")
	require.NoError(t, err)
	assert.Zero(t, seq)
}

func TestCursor_RejectsGarbage(t *testing.T) {
	for _, c := range []string{"%%%", "c2VxOg", "Zm9vOjE", ledger.EncodeCursor(0)} {
		_, err := ledger.DecodeCursor(c)
		assert.ErrorIs(t, err, ledger.ErrInvalidCursor, "cursor %q", c)
	}
}

func TestPageRequest_Normalize(t *testing.T) {
	req := ledger.PageRequest{}.Normalize()
	assert.Equal(t, ledger.DefaultPageSize, req.Limit)
	assert.Equal(t, ledger.NewestFirst, req.Order)

	req = ledger.PageRequest{Limit: 5000}.Normalize()
	assert.Equal(t, ledger.MaxPageSize, req.Limit)
}

func TestParseOrder(t *testing.T) {
	o, err := ledger.ParseOrder("")
	require.NoError(t, err)
	assert.Equal(t, ledger.NewestFirst, o)

	o, err = ledger.ParseOrder("oldest")
	require.NoError(t, err)
	assert.Equal(t, ledger.OldestFirst, o)

	_, err = ledger.ParseOrder("sideways")
	assert.Error(t, err)
}

// =============================================================================
// PAGINATION OVER A LIVE LOG
// =============================================================================

func TestPagination_StableUnderConcurrentAppends(t *testing.T) {
	// GIVEN: 25 transactions and a first page of 10 (newest first)
	// WHEN: New credits land before the second page is read
	// THEN: The second page continues where the first stopped, no repeats
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 25; i++ {
		_, err := svc.Credit(ctx, "U1", ledger.TxCashback, 1, fmt.Sprintf("order-%02d", i))
		require.NoError(t, err)
	}

	first, err := svc.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 10})
	require.NoError(t, err)
	require.Len(t, first.Transactions, 10)
	require.NotEmpty(t, first.NextCursor)
	assert.Equal(t, "order-25", first.Transactions[0].SourceRef)

	_, err = svc.Credit(ctx, "U1", ledger.TxCashback, 1, "order-late")
	require.NoError(t, err)

	second, err := svc.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 10, Cursor: first.NextCursor})
	require.NoError(t, err)
	require.Len(t, second.Transactions, 10)
	assert.Equal(t, "order-15", second.Transactions[0].SourceRef)

	third, err := svc.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 10, Cursor: second.NextCursor})
	require.NoError(t, err)
	assert.Len(t, third.Transactions, 5)
	assert.Empty(t, third.NextCursor)
}

func TestPagination_OldestFirst(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 7; i++ {
		_, err := svc.Credit(ctx, "U1", ledger.TxCashback, 1, fmt.Sprintf("order-%d", i))
		require.NoError(t, err)
	}

	var refs []string
	req := ledger.PageRequest{Limit: 3, Order: ledger.OldestFirst}
	for {
		page, err := svc.ListTransactions(ctx, "U1", req)
		require.NoError(t, err)
		for _, tx := range page.Transactions {
			refs = append(refs, tx.SourceRef)
		}
		if page.NextCursor == "" {
			break
		}
		req.Cursor = page.NextCursor
	}
	assert.Equal(t, []string{"order-1", "order-2", "order-3", "order-4", "order-5", "order-6", "order-7"}, refs)
}

func TestPagination_ExactMultipleHasNoEmptyTrailingPage(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	for i := 1; i <= 4; i++ {
		_, err := svc.Credit(ctx, "U1", ledger.TxCashback, 1, fmt.Sprintf("order-%d", i))
		require.NoError(t, err)
	}

	page, err := svc.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 2})
	require.NoError(t, err)
	page, err = svc.ListTransactions(ctx, "U1", ledger.PageRequest{Limit: 2, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Len(t, page.Transactions, 2)
	assert.Empty(t, page.NextCursor)
}

// =============================================================================
// LAZY SEQUENCE
// =============================================================================

type countingPager struct {
	ledger.Pager
	calls int
	fail  error
}

func (p *countingPager) ListTransactions(ctx context.Context, userID ledger.UserID, req ledger.PageRequest) (ledger.Page, error) {
	p.calls++
	if p.fail != nil {
		return ledger.Page{}, p.fail
	}
	return p.Pager.ListTransactions(ctx, userID, req)
}

func TestTransactions_LazyAndRestartable(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	ctx := context.Background()
	for i := 1; i <= 9; i++ {
		_, err := svc.Credit(ctx, "U1", ledger.TxCashback, int64(i), fmt.Sprintf("order-%d", i))
		require.NoError(t, err)
	}

	pager := &countingPager{Pager: mem}
	seq := ledger.Transactions(ctx, pager, "U1", ledger.OldestFirst, 4)
	assert.Zero(t, pager.calls, "nothing fetched before ranging")

	collect := func() []int64 {
		var out []int64
		for tx, err := range seq {
			require.NoError(t, err)
			out = append(out, tx.Amount)
		}
		return out
	}

	want := []int64{1, 2, 3, 4, 5, 6, 7, 8, 9}
	assert.Equal(t, want, collect())
	assert.Equal(t, 3, pager.calls)
	assert.Equal(t, want, collect(), "second range starts from the first page")
}

func TestTransactions_EarlyBreakStopsFetching(t *testing.T) {
	mem := store.NewMemory()
	svc := ledger.NewService(mem)
	ctx := context.Background()
	for i := 1; i <= 9; i++ {
		_, err := svc.Credit(ctx, "U1", ledger.TxCashback, 1, fmt.Sprintf("order-%d", i))
		require.NoError(t, err)
	}

	pager := &countingPager{Pager: mem}
	n := 0
	for range ledger.Transactions(ctx, pager, "U1", ledger.NewestFirst, 2) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
	assert.Equal(t, 2, pager.calls)
}

func TestTransactions_YieldsFetchError(t *testing.T) {
	boom := errors.New("boom")
	pager := &countingPager{Pager: store.NewMemory(), fail: boom}

	var errs []error
	for _, err := range ledger.Transactions(context.Background(), pager, "U1", ledger.NewestFirst, 10) {
		errs = append(errs, err)
	}
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], boom)
}
