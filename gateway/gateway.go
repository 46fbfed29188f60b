/*
Package gateway turns external triggers into ledger calls.

FLOW:
  trigger -> cashback.Evaluator (amount) -> ledger.Service (credit/debit)

  purchaseCompleted  -> credit cashback, sourceRef = orderId
  reviewSubmitted    -> credit cashback (flat), sourceRef = reviewId
  referral           -> credit referral (flat), sourceRef = referralId
  refund             -> credit refund, sourceRef = refundRef
  redemption         -> debit redemption, sourceRef = checkoutRef
  checkout           -> debit purchase-debit capped at MaxRedeemable

IN-FLIGHT DEDUP:
  Identical triggers arriving together (same type, user and sourceRef)
  share one ledger call through singleflight. The store key is still the
  source of truth; this only saves the lock round trip. A shared call is
  detached from the first caller's context so one impatient client cannot
  fail the others. Each caller still stops waiting when its own context
  ends.

The gateway does not retry. ErrStoreUnavailable goes back to the caller,
who retries with the same reference.
*/
package gateway

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/rez/wallet-ledger/cashback"
	"github.com/rez/wallet-ledger/ledger"
)

// Wallet history labels.
const (
	DescOrderCashback  = "Order Cashback"
	DescReviewCashback = "Review Cashback"
	DescReferralBonus  = "Referral Bonus"
	DescRefund         = "Refunded Coins"
	DescRedemption     = "Coins Redeemed"
	DescCheckout       = "Coins Used on Purchase"
)

// Metadata keys attached to transactions.
const (
	MetaOrderID   = "order_id"
	MetaProductID = "product_id"
	MetaReviewID  = "review_id"
)

type Gateway struct {
	ledger *ledger.Service
	rules  *cashback.Evaluator
	logger *zap.Logger
	flight singleflight.Group
}

func New(svc *ledger.Service, rules *cashback.Evaluator, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{ledger: svc, rules: rules, logger: logger.Named("gateway")}
}

// Outcome is what every handler returns: the resulting balance and, when a
// ledger entry exists for the trigger, that entry.
type Outcome struct {
	Balance     int64
	Amount      int64
	Transaction *ledger.Transaction
	Duplicate   bool
	Skipped     bool // nothing to record (zero cashback, nothing redeemable)
}

// =============================================================================
// EVENTS
// =============================================================================

type PurchaseCompleted struct {
	OrderID            string
	UserID             ledger.UserID
	ProductID          string
	PurchasePrice      decimal.Decimal
	CashbackPercentage decimal.Decimal
}

type ReviewSubmitted struct {
	ReviewID  string
	UserID    ledger.UserID
	ProductID string
}

type Checkout struct {
	CheckoutRef string
	UserID      ledger.UserID
	Price       decimal.Decimal
	Coins       int64 // 0 = as many as allowed
}

// =============================================================================
// CREDITS
// =============================================================================

func (g *Gateway) HandlePurchaseCompleted(ctx context.Context, ev PurchaseCompleted) (Outcome, error) {
	amount, err := g.rules.Evaluate(cashback.EventPurchase, cashback.Payload{
		PurchasePrice:      ev.PurchasePrice,
		CashbackPercentage: ev.CashbackPercentage,
	})
	if err != nil {
		return Outcome{}, err
	}
	if amount == 0 {
		return g.skip(ctx, ev.UserID)
	}

	opts := []ledger.TxOption{
		ledger.WithDescription(DescOrderCashback),
		ledger.WithMetadata(MetaOrderID, ev.OrderID),
	}
	if ev.ProductID != "" {
		opts = append(opts, ledger.WithMetadata(MetaProductID, ev.ProductID))
	}
	return g.credit(ctx, ev.UserID, ledger.TxCashback, amount, ev.OrderID, opts...)
}

func (g *Gateway) HandleReviewSubmitted(ctx context.Context, ev ReviewSubmitted) (Outcome, error) {
	amount, err := g.rules.Evaluate(cashback.EventReview, cashback.Payload{})
	if err != nil {
		return Outcome{}, err
	}
	if amount == 0 {
		return g.skip(ctx, ev.UserID)
	}
	return g.credit(ctx, ev.UserID, ledger.TxCashback, amount, ev.ReviewID,
		ledger.WithDescription(DescReviewCashback),
		ledger.WithMetadata(MetaReviewID, ev.ReviewID),
		ledger.WithMetadata(MetaProductID, ev.ProductID))
}

func (g *Gateway) HandleReferral(ctx context.Context, referralID string, userID ledger.UserID) (Outcome, error) {
	amount, err := g.rules.Evaluate(cashback.EventReferral, cashback.Payload{})
	if err != nil {
		return Outcome{}, err
	}
	if amount == 0 {
		return g.skip(ctx, userID)
	}
	return g.credit(ctx, userID, ledger.TxReferral, amount, referralID,
		ledger.WithDescription(DescReferralBonus))
}

// HandleRefund returns coins from a cancelled order.
func (g *Gateway) HandleRefund(ctx context.Context, refundRef string, userID ledger.UserID, amount int64) (Outcome, error) {
	return g.credit(ctx, userID, ledger.TxRefund, amount, refundRef,
		ledger.WithDescription(DescRefund))
}

// =============================================================================
// DEBITS
// =============================================================================

func (g *Gateway) HandleRedemption(ctx context.Context, userID ledger.UserID, amount int64, checkoutRef string) (Outcome, error) {
	return g.do(ctx, ledger.TxRedemption, userID, checkoutRef, func(ctx context.Context) (ledger.Result, error) {
		return g.ledger.Debit(ctx, userID, amount, checkoutRef,
			ledger.WithDescription(DescRedemption))
	})
}

// HandleCheckout spends coins on a purchase, never more than the price or
// the balance. A retried checkout returns the original debit.
func (g *Gateway) HandleCheckout(ctx context.Context, c Checkout) (Outcome, error) {
	if c.Coins < 0 {
		return Outcome{}, fmt.Errorf("%w: coins %d is negative", ledger.ErrInvalidAmount, c.Coins)
	}
	if c.Price.IsNegative() {
		return Outcome{}, fmt.Errorf("%w: price %s is negative", cashback.ErrInvalidPayload, c.Price)
	}
	if c.UserID == "" {
		return Outcome{}, ledger.ErrInvalidUser
	}
	if c.CheckoutRef == "" {
		return Outcome{}, ledger.ErrInvalidSourceRef
	}

	return g.do(ctx, ledger.TxPurchaseDebit, c.UserID, c.CheckoutRef, func(ctx context.Context) (ledger.Result, error) {
		opts := []ledger.TxOption{
			ledger.WithType(ledger.TxPurchaseDebit),
			ledger.WithDescription(DescCheckout),
		}

		// A retry must return the original debit even if the wallet is
		// empty now, so replay the recorded amount.
		key := ledger.SourceKey{UserID: c.UserID, Type: ledger.TxPurchaseDebit, SourceRef: c.CheckoutRef}
		if existing, found, err := g.ledger.Find(ctx, key); err != nil {
			return ledger.Result{}, err
		} else if found {
			return g.ledger.Debit(ctx, c.UserID, -existing.Amount, c.CheckoutRef, opts...)
		}

		balance, err := g.ledger.Balance(ctx, c.UserID)
		if err != nil {
			return ledger.Result{}, err
		}
		coins := cashback.MaxRedeemable(balance, c.Price)
		if c.Coins > 0 && c.Coins < coins {
			coins = c.Coins
		}
		if coins == 0 {
			return ledger.Result{NewBalance: balance}, nil
		}
		return g.ledger.Debit(ctx, c.UserID, coins, c.CheckoutRef, opts...)
	})
}

// =============================================================================
// READS
// =============================================================================

// RecentEarners lists the latest cashback credits tagged with productID.
// Stores that cannot search metadata return nothing.
func (g *Gateway) RecentEarners(ctx context.Context, productID string, limit int) ([]ledger.Transaction, error) {
	activity, ok := g.ledger.Store().(ledger.ActivityStore)
	if !ok {
		return []ledger.Transaction{}, nil
	}
	txs, err := activity.RecentByMetadata(ctx, MetaProductID, productID, limit)
	if err != nil {
		return nil, err
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	return txs, nil
}

// Quote previews the cashback for a purchase without recording anything.
func (g *Gateway) Quote(price, percentage decimal.Decimal) (int64, error) {
	return g.rules.Purchase(price, percentage)
}

func (g *Gateway) Rules() *cashback.Evaluator { return g.rules }

// =============================================================================
// HELPERS
// =============================================================================

func (g *Gateway) credit(ctx context.Context, userID ledger.UserID, txType ledger.TransactionType, amount int64, sourceRef string, opts ...ledger.TxOption) (Outcome, error) {
	return g.do(ctx, txType, userID, sourceRef, func(ctx context.Context) (ledger.Result, error) {
		return g.ledger.Credit(ctx, userID, txType, amount, sourceRef, opts...)
	})
}

func (g *Gateway) skip(ctx context.Context, userID ledger.UserID) (Outcome, error) {
	balance, err := g.ledger.Balance(ctx, userID)
	if err != nil {
		return Outcome{}, err
	}
	g.logger.Debug("zero cashback, nothing recorded", zap.String("user_id", string(userID)))
	return Outcome{Balance: balance, Skipped: true}, nil
}

func (g *Gateway) do(ctx context.Context, txType ledger.TransactionType, userID ledger.UserID, sourceRef string, fn func(context.Context) (ledger.Result, error)) (Outcome, error) {
	key := ledger.SourceKey{UserID: userID, Type: txType, SourceRef: sourceRef}.String()
	ch := g.flight.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return Outcome{}, r.Err
		}
		res := r.Val.(ledger.Result)
		if res.Transaction.ID == "" {
			return Outcome{Balance: res.NewBalance, Skipped: true}, nil
		}
		tx := res.Transaction
		if tx.UserID != userID {
			g.logger.Error("shared call returned another user's transaction",
				zap.String("key", key), zap.String("tx_user_id", string(tx.UserID)))
			return Outcome{}, fmt.Errorf("shared call for %s returned transaction of %s", key, tx.UserID)
		}
		amount := tx.Amount
		if amount < 0 {
			amount = -amount
		}
		if r.Shared {
			g.logger.Debug("trigger shared an in-flight call", zap.String("key", key))
		}
		return Outcome{
			Balance:     res.NewBalance,
			Amount:      amount,
			Transaction: &tx,
			Duplicate:   res.Duplicate,
		}, nil
	}
}
