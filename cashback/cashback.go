/*
Package cashback computes how many coins an event earns.

PURPOSE:
  Pure functions from an event payload to a coin amount. Nothing here
  touches the ledger: the gateway evaluates, then credits.

RULES:
  purchase:  round_half_up(price * percentage / 100)
  review:    flat amount (default 220)
  referral:  flat amount (default 50)

  Arithmetic is decimal so 2199 * 10% is exactly 219.9 before rounding
  (220), never 219.89999.

CHECKOUT HELPERS:
  MaxRedeemable(balance, price) = min(balance, floor(price)): one coin
  pays one unit of price.
  CoinValue(balance) = balance * coin value (default 0.1), the currency
  worth shown next to the balance.

EXAMPLE:
  e := cashback.NewEvaluator(cashback.DefaultRules())
  coins, err := e.Evaluate(cashback.EventPurchase, cashback.Payload{
      PurchasePrice:      decimal.NewFromInt(2199),
      CashbackPercentage: decimal.NewFromInt(10),
  })
  // coins == 220
*/
package cashback

import (
	"errors"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// ErrInvalidPayload is returned for a negative price, a percentage outside
// [0, 100] or an unknown event.
var ErrInvalidPayload = errors.New("invalid cashback payload")

type EventType string

const (
	EventPurchase EventType = "purchase"
	EventReview   EventType = "review"
	EventReferral EventType = "referral"
)

// Payload carries the inputs of a purchase. Flat-rate events ignore it.
type Payload struct {
	PurchasePrice      decimal.Decimal
	CashbackPercentage decimal.Decimal
}

// Rules holds the configurable amounts.
type Rules struct {
	ReviewFlat   int64
	ReferralFlat int64
	CoinValue    decimal.Decimal // currency per coin
}

func DefaultRules() Rules {
	return Rules{
		ReviewFlat:   220,
		ReferralFlat: 50,
		CoinValue:    decimal.RequireFromString("0.1"),
	}
}

// Validate rejects negative flat amounts and coin values.
func (r Rules) Validate() error {
	if r.ReviewFlat < 0 || r.ReferralFlat < 0 {
		return fmt.Errorf("flat cashback must not be negative (review %d, referral %d)", r.ReviewFlat, r.ReferralFlat)
	}
	if r.CoinValue.IsNegative() {
		return fmt.Errorf("coin value must not be negative: %s", r.CoinValue)
	}
	return nil
}

var (
	hundred  = decimal.NewFromInt(100)
	maxCoins = decimal.NewFromInt(math.MaxInt64)
)

type Evaluator struct {
	rules Rules
}

func NewEvaluator(rules Rules) *Evaluator {
	return &Evaluator{rules: rules}
}

func (e *Evaluator) Rules() Rules { return e.rules }

// Evaluate returns the coins earned by event. It is deterministic and has
// no side effects.
func (e *Evaluator) Evaluate(event EventType, p Payload) (int64, error) {
	switch event {
	case EventPurchase:
		return e.Purchase(p.PurchasePrice, p.CashbackPercentage)
	case EventReview:
		return e.rules.ReviewFlat, nil
	case EventReferral:
		return e.rules.ReferralFlat, nil
	}
	return 0, fmt.Errorf("%w: unknown event %q", ErrInvalidPayload, event)
}

// Purchase computes round_half_up(price * percentage / 100).
func (e *Evaluator) Purchase(price, percentage decimal.Decimal) (int64, error) {
	if price.IsNegative() {
		return 0, fmt.Errorf("%w: price %s is negative", ErrInvalidPayload, price)
	}
	if percentage.IsNegative() || percentage.GreaterThan(hundred) {
		return 0, fmt.Errorf("%w: percentage %s outside [0, 100]", ErrInvalidPayload, percentage)
	}

	// Both operands are non-negative, so Round's half-away-from-zero is half-up.
	coins := price.Mul(percentage).Div(hundred).Round(0)
	if coins.GreaterThan(maxCoins) {
		return 0, fmt.Errorf("%w: cashback %s overflows", ErrInvalidPayload, coins)
	}
	return coins.IntPart(), nil
}

// MaxRedeemable is the number of coins usable against price.
func MaxRedeemable(balance int64, price decimal.Decimal) int64 {
	if balance <= 0 || !price.IsPositive() {
		return 0
	}
	whole := price.Floor()
	if whole.LessThan(decimal.NewFromInt(balance)) {
		return whole.IntPart()
	}
	return balance
}

// CoinValue converts a balance into currency.
func (e *Evaluator) CoinValue(balance int64) decimal.Decimal {
	return decimal.NewFromInt(balance).Mul(e.rules.CoinValue)
}
