// Package store provides Store implementations.
package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rez/wallet-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps one bucket per account. The map lock is only held to find or
// create a bucket, so appends for different users do not contend.
type Memory struct {
	mu      sync.RWMutex
	buckets map[ledger.UserID]*bucket
	seq     atomic.Int64
	now     func() time.Time
}

type bucket struct {
	mu      sync.RWMutex
	account ledger.Account
	txs     []ledger.Transaction // ascending Seq
	sources map[ledger.SourceKey]int
}

var (
	_ ledger.AuditStore    = (*Memory)(nil)
	_ ledger.ActivityStore = (*Memory)(nil)
	_ ledger.Resetter      = (*Memory)(nil)
)

func NewMemory() *Memory {
	return &Memory{
		buckets: make(map[ledger.UserID]*bucket),
		now:     time.Now,
	}
}

func (m *Memory) get(userID ledger.UserID) *bucket {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.buckets[userID]
}

func (m *Memory) getOrCreate(userID ledger.UserID) *bucket {
	if b := m.get(userID); b != nil {
		return b
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[userID]
	if !ok {
		b = &bucket{
			account: ledger.Account{UserID: userID},
			sources: make(map[ledger.SourceKey]int),
		}
		m.buckets[userID] = b
	}
	return b
}

func (m *Memory) GetBalance(_ context.Context, userID ledger.UserID) (int64, error) {
	b := m.get(userID)
	if b == nil {
		return 0, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.account.Balance, nil
}

func (m *Memory) GetAccount(_ context.Context, userID ledger.UserID) (ledger.Account, error) {
	b := m.get(userID)
	if b == nil {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.account.TransactionCount == 0 {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	return b.account, nil
}

// AppendTransaction checks the key and the balance, then writes both the
// entry and the new balance under the bucket lock.
func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Transaction{}, err
	}
	b := m.getOrCreate(tx.UserID)
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.sources[tx.Key()]; exists {
		return ledger.Transaction{}, ledger.ErrDuplicateEvent
	}
	newBalance := b.account.Balance + tx.Amount
	if newBalance < 0 {
		return ledger.Transaction{}, &ledger.InsufficientFundsError{
			UserID:    tx.UserID,
			Available: b.account.Balance,
			Requested: -tx.Amount,
		}
	}

	now := m.now().UTC()
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.Seq = m.seq.Add(1)
	tx.BalanceAfter = newBalance
	tx.Metadata = cloneMetadata(tx.Metadata)

	b.sources[tx.Key()] = len(b.txs)
	b.txs = append(b.txs, tx)

	if b.account.TransactionCount == 0 {
		b.account.CreatedAt = tx.CreatedAt
	}
	b.account.Balance = newBalance
	b.account.TransactionCount++
	b.account.UpdatedAt = tx.CreatedAt

	return copyTx(tx), nil
}

func (m *Memory) FindBySource(_ context.Context, key ledger.SourceKey) (ledger.Transaction, error) {
	b := m.get(key.UserID)
	if b == nil {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	i, ok := b.sources[key]
	if !ok {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return copyTx(b.txs[i]), nil
}

func (m *Memory) ListTransactions(_ context.Context, userID ledger.UserID, req ledger.PageRequest) (ledger.Page, error) {
	req = req.Normalize()
	after, err := req.After()
	if err != nil {
		return ledger.Page{}, err
	}
	b := m.get(userID)
	if b == nil {
		return ledger.Page{Transactions: []ledger.Transaction{}}, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]ledger.Transaction, 0, req.Limit+1)
	if req.Order == ledger.OldestFirst {
		start := sort.Search(len(b.txs), func(i int) bool { return b.txs[i].Seq > after })
		for i := start; i < len(b.txs) && len(out) <= req.Limit; i++ {
			out = append(out, copyTx(b.txs[i]))
		}
	} else {
		end := len(b.txs)
		if after > 0 {
			end = sort.Search(len(b.txs), func(i int) bool { return b.txs[i].Seq >= after })
		}
		for i := end - 1; i >= 0 && len(out) <= req.Limit; i-- {
			out = append(out, copyTx(b.txs[i]))
		}
	}
	return ledger.BuildPage(out, req.Limit), nil
}

// =============================================================================
// AUDIT + ACTIVITY
// =============================================================================

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.RLock()
	buckets := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.RUnlock()

	var out []ledger.Account
	for _, b := range buckets {
		b.mu.RLock()
		if b.account.TransactionCount > 0 {
			out = append(out, b.account)
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) SumTransactions(_ context.Context, userID ledger.UserID) (int64, int64, error) {
	b := m.get(userID)
	if b == nil {
		return 0, 0, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	var sum int64
	for _, tx := range b.txs {
		sum += tx.Amount
	}
	return sum, int64(len(b.txs)), nil
}

func (m *Memory) CheckAccount(_ context.Context, userID ledger.UserID) (ledger.AccountCheck, error) {
	check := ledger.AccountCheck{UserID: userID}
	b := m.get(userID)
	if b == nil {
		return check, nil
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	check.Balance = b.account.Balance
	check.TransactionCount = b.account.TransactionCount
	for _, tx := range b.txs {
		check.LedgerSum += tx.Amount
	}
	check.LedgerCount = int64(len(b.txs))
	return check, nil
}

func (m *Memory) RecentByMetadata(_ context.Context, key, value string, limit int) ([]ledger.Transaction, error) {
	m.mu.RLock()
	buckets := make([]*bucket, 0, len(m.buckets))
	for _, b := range m.buckets {
		buckets = append(buckets, b)
	}
	m.mu.RUnlock()

	var out []ledger.Transaction
	for _, b := range buckets {
		b.mu.RLock()
		for _, tx := range b.txs {
			if tx.Amount > 0 && tx.Metadata[key] == value {
				out = append(out, copyTx(tx))
			}
		}
		b.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Reset drops every account. Demo scenarios only.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets = make(map[ledger.UserID]*bucket)
	return nil
}

func cloneMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}

func copyTx(tx ledger.Transaction) ledger.Transaction {
	tx.Metadata = cloneMetadata(tx.Metadata)
	return tx
}
