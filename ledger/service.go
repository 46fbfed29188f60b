/*
service.go - The only component that mutates account state

PURPOSE:
  Credit, Debit and the read-side queries. Every mutation goes through
  the same path:

    1. validate input (amount > 0, user, sourceRef, type)
    2. take the per-account lock
    3. return the existing transaction if the event was already recorded
    4. for debits, check the balance
    5. append through the Store (balance + log in one unit of work)

IDEMPOTENCY:
  Credit and Debit are idempotent on (user, sourceRef, type). A retry
  gets the original transaction and the current balance with
  Result.Duplicate set. It is never an error and never a second entry.

CONCURRENCY:
  Same user: serialized by Locker. Different users: independent.
  Each store call runs under StoreTimeout; running out of time surfaces
  as ErrStoreUnavailable. Once an append has started it is detached from
  the caller's cancellation, so a commit that lands after the caller went
  away still stands and a retry with the same sourceRef sees it.

SEE ALSO:
  - store.go: persistence contract
  - lock/: per-account locks
  - gateway/: translates external events into Credit/Debit
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/ledger/lock"
)

// Locker serializes work per key. See package lock.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Recorder receives operation outcomes. Implemented by package metrics.
type Recorder interface {
	ObserveOperation(op string, txType TransactionType, outcome string)
	ObserveDuplicate(txType TransactionType)
	ObserveStore(op string, d time.Duration)
	ObserveAudit(accounts, mismatches int)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOperation(string, TransactionType, string) {}
func (nopRecorder) ObserveDuplicate(TransactionType)                {}
func (nopRecorder) ObserveStore(string, time.Duration)              {}
func (nopRecorder) ObserveAudit(int, int)                           {}

const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient_funds"
	OutcomeInvalid      = "invalid"
	OutcomeUnavailable  = "unavailable"
	OutcomeError        = "error"
)

const (
	DefaultStoreTimeout = 5 * time.Second
	DefaultRecentLimit  = 5
)

// =============================================================================
// SERVICE
// =============================================================================

type Service struct {
	store    Store
	locker   Locker
	ids      *IDGenerator
	now      func() time.Time
	timeout  time.Duration
	recent   int
	logger   *zap.Logger
	recorder Recorder
}

type Option func(*Service)

func WithLocker(l Locker) Option { return func(s *Service) { s.locker = l } }
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }
func WithStoreTimeout(d time.Duration) Option { return func(s *Service) { s.timeout = d } }
func WithRecentLimit(n int) Option { return func(s *Service) { s.recent = n } }
func WithRecorder(r Recorder) Option { return func(s *Service) { s.recorder = r } }

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService wires a Service with an in-process Locker unless one is given.
func NewService(store Store, opts ...Option) *Service {
	s := &Service{
		store:    store,
		locker:   lock.NewLocal(),
		ids:      NewIDGenerator(),
		now:      time.Now,
		timeout:  DefaultStoreTimeout,
		recent:   DefaultRecentLimit,
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Store exposes the underlying store for read-only collaborators.
func (s *Service) Store() Store { return s.store }

// =============================================================================
// TRANSACTION OPTIONS
// =============================================================================

type txOptions struct {
	txType      TransactionType
	description string
	metadata    map[string]string
}

type TxOption func(*txOptions)

// WithDescription sets the label shown in wallet history.
func WithDescription(d string) TxOption { return func(o *txOptions) { o.description = d } }

// WithMetadata attaches a key/value pair (e.g. product_id).
func WithMetadata(key, value string) TxOption {
	return func(o *txOptions) {
		if o.metadata == nil {
			o.metadata = make(map[string]string)
		}
		o.metadata[key] = value
	}
}

// WithType selects the debit type. Debit defaults to TxRedemption.
func WithType(t TransactionType) TxOption { return func(o *txOptions) { o.txType = t } }

// =============================================================================
// MUTATIONS
// =============================================================================

// Credit adds amount coins to userID for the event identified by sourceRef.
func (s *Service) Credit(ctx context.Context, userID UserID, txType TransactionType, amount int64, sourceRef string, opts ...TxOption) (Result, error) {
	o := txOptions{txType: txType}
	for _, fn := range opts {
		fn(&o)
	}
	if err := validate(userID, amount, sourceRef); err != nil {
		s.recorder.ObserveOperation("credit", txType, OutcomeInvalid)
		return Result{}, err
	}
	if !o.txType.IsCredit() {
		s.recorder.ObserveOperation("credit", txType, OutcomeInvalid)
		return Result{}, fmt.Errorf("%w: %q is not a credit type", ErrInvalidType, o.txType)
	}
	return s.apply(ctx, "credit", s.newTransaction(userID, amount, sourceRef, o))
}

// Debit removes amount coins from userID. It never drives the balance
// negative: an over-draw fails with *InsufficientFundsError and leaves the
// account untouched.
func (s *Service) Debit(ctx context.Context, userID UserID, amount int64, sourceRef string, opts ...TxOption) (Result, error) {
	o := txOptions{txType: TxRedemption}
	for _, fn := range opts {
		fn(&o)
	}
	if err := validate(userID, amount, sourceRef); err != nil {
		s.recorder.ObserveOperation("debit", o.txType, OutcomeInvalid)
		return Result{}, err
	}
	if !o.txType.IsDebit() {
		s.recorder.ObserveOperation("debit", o.txType, OutcomeInvalid)
		return Result{}, fmt.Errorf("%w: %q is not a debit type", ErrInvalidType, o.txType)
	}
	return s.apply(ctx, "debit", s.newTransaction(userID, -amount, sourceRef, o))
}

func validate(userID UserID, amount int64, sourceRef string) error {
	if userID == "" {
		return ErrInvalidUser
	}
	if amount <= 0 {
		return fmt.Errorf("%w: %d must be positive", ErrInvalidAmount, amount)
	}
	if sourceRef == "" {
		return ErrInvalidSourceRef
	}
	return nil
}

func (s *Service) newTransaction(userID UserID, amount int64, sourceRef string, o txOptions) Transaction {
	now := s.now().UTC()
	return Transaction{
		ID:          s.ids.New(now),
		UserID:      userID,
		Amount:      amount,
		Type:        o.txType,
		SourceRef:   sourceRef,
		Description: o.description,
		Metadata:    o.metadata,
		CreatedAt:   now,
	}
}

func (s *Service) apply(ctx context.Context, op string, tx Transaction) (res Result, err error) {
	log := s.logger.With(
		zap.String("op", op),
		zap.String("user_id", string(tx.UserID)),
		zap.String("type", string(tx.Type)),
		zap.String("source_ref", tx.SourceRef),
		zap.Int64("amount", tx.Amount),
	)
	defer func() { s.recorder.ObserveOperation(op, tx.Type, outcomeOf(res, err)) }()

	lockCtx, cancel := context.WithTimeout(ctx, s.timeout)
	release, err := s.locker.Acquire(lockCtx, string(tx.UserID))
	cancel()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		log.Warn("account lock not acquired", zap.Error(err))
		return Result{}, unavailable("lock", err)
	}
	defer release()

	if existing, found, err := s.lookup(ctx, tx.Key()); err != nil {
		return Result{}, err
	} else if found {
		return s.duplicate(ctx, log, tx, existing)
	}

	if tx.Amount < 0 {
		balance, err := s.balance(ctx, tx.UserID)
		if err != nil {
			return Result{}, err
		}
		if balance+tx.Amount < 0 {
			log.Info("debit rejected", zap.Int64("balance", balance))
			return Result{}, &InsufficientFundsError{UserID: tx.UserID, Available: balance, Requested: -tx.Amount}
		}
	}

	// Do not start a write for a caller that is already gone.
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	saved, err := s.append(ctx, tx)
	switch {
	case err == nil:
		log.Info("transaction applied", zap.String("tx_id", string(saved.ID)), zap.Int64("balance", saved.BalanceAfter))
		return Result{NewBalance: saved.BalanceAfter, Transaction: saved}, nil
	case errors.Is(err, ErrDuplicateEvent):
		// Another writer (e.g. a second instance without the shared lock)
		// recorded the event first.
		existing, found, lerr := s.lookup(ctx, tx.Key())
		if lerr != nil {
			return Result{}, lerr
		}
		if !found {
			return Result{}, fmt.Errorf("duplicate reported for %s but not found", tx.Key())
		}
		return s.duplicate(ctx, log, tx, existing)
	case errors.Is(err, ErrInsufficientFunds):
		log.Info("debit rejected by store", zap.Error(err))
		return Result{}, err
	default:
		log.Error("append failed", zap.Error(err))
		return Result{}, err
	}
}

func (s *Service) duplicate(ctx context.Context, log *zap.Logger, tx, existing Transaction) (Result, error) {
	balance, err := s.balance(ctx, tx.UserID)
	if err != nil {
		return Result{}, err
	}
	if existing.Amount != tx.Amount {
		log.Warn("duplicate event with different amount, keeping original",
			zap.Int64("original_amount", existing.Amount))
	} else {
		log.Info("duplicate event absorbed", zap.String("tx_id", string(existing.ID)))
	}
	s.recorder.ObserveDuplicate(tx.Type)
	return Result{NewBalance: balance, Transaction: existing, Duplicate: true}, nil
}

func outcomeOf(res Result, err error) string {
	switch {
	case err == nil && res.Duplicate:
		return OutcomeDuplicate
	case err == nil:
		return OutcomeApplied
	case errors.Is(err, ErrInsufficientFunds):
		return OutcomeInsufficient
	case IsClientError(err):
		return OutcomeInvalid
	case IsRetryable(err):
		return OutcomeUnavailable
	}
	return OutcomeError
}

// =============================================================================
// STORE CALLS WITH BOUNDED TIMEOUT
// =============================================================================

func (s *Service) storeCall(ctx context.Context, op string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	err := fn(callCtx)
	s.recorder.ObserveStore(op, time.Since(start))

	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return unavailable(op, err)
	}
	return err
}

func (s *Service) append(ctx context.Context, tx Transaction) (Transaction, error) {
	var saved Transaction
	err := s.storeCall(context.WithoutCancel(ctx), "append", func(ctx context.Context) error {
		var err error
		saved, err = s.store.AppendTransaction(ctx, tx)
		return err
	})
	return saved, err
}

func (s *Service) lookup(ctx context.Context, key SourceKey) (Transaction, bool, error) {
	var tx Transaction
	err := s.storeCall(ctx, "find_by_source", func(ctx context.Context) error {
		var err error
		tx, err = s.store.FindBySource(ctx, key)
		return err
	})
	if errors.Is(err, ErrTransactionNotFound) {
		return Transaction{}, false, nil
	}
	if err != nil {
		return Transaction{}, false, err
	}
	return tx, true, nil
}

func (s *Service) balance(ctx context.Context, userID UserID) (int64, error) {
	var b int64
	err := s.storeCall(ctx, "get_balance", func(ctx context.Context) error {
		var err error
		b, err = s.store.GetBalance(ctx, userID)
		return err
	})
	return b, err
}

// =============================================================================
// QUERIES
// =============================================================================

// Balance returns the current balance, 0 for an unknown user.
func (s *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	if userID == "" {
		return 0, ErrInvalidUser
	}
	return s.balance(ctx, userID)
}

// Find returns the transaction recorded for key, if any.
func (s *Service) Find(ctx context.Context, key SourceKey) (Transaction, bool, error) {
	return s.lookup(ctx, key)
}

// GetSummary returns balance, transaction count and the most recent entries.
func (s *Service) GetSummary(ctx context.Context, userID UserID) (Summary, error) {
	if userID == "" {
		return Summary{}, ErrInvalidUser
	}

	var acct Account
	err := s.storeCall(ctx, "get_account", func(ctx context.Context) error {
		var err error
		acct, err = s.store.GetAccount(ctx, userID)
		return err
	})
	if errors.Is(err, ErrAccountNotFound) {
		return Summary{UserID: userID, State: AccountNonExistent, Recent: []Transaction{}}, nil
	}
	if err != nil {
		return Summary{}, err
	}

	page, err := s.ListTransactions(ctx, userID, PageRequest{Limit: s.recent, Order: NewestFirst})
	if err != nil {
		return Summary{}, err
	}

	return Summary{
		UserID:           userID,
		State:            acct.State(),
		Balance:          acct.Balance,
		TransactionCount: acct.TransactionCount,
		Recent:           page.Transactions,
		LastActivity:     acct.UpdatedAt,
	}, nil
}

// ListTransactions returns one page of history.
func (s *Service) ListTransactions(ctx context.Context, userID UserID, req PageRequest) (Page, error) {
	if userID == "" {
		return Page{}, ErrInvalidUser
	}
	req = req.Normalize()
	if _, err := req.After(); err != nil {
		return Page{}, err
	}

	var page Page
	err := s.storeCall(ctx, "list_transactions", func(ctx context.Context) error {
		var err error
		page, err = s.store.ListTransactions(ctx, userID, req)
		return err
	})
	if err != nil {
		return Page{}, err
	}
	if page.Transactions == nil {
		page.Transactions = []Transaction{}
	}
	return page, nil
}

// History returns a lazy, restartable walk over the whole log.
func (s *Service) History(ctx context.Context, userID UserID, order Order) iter.Seq2[Transaction, error] {
	return Transactions(ctx, s, userID, order, MaxPageSize)
}
