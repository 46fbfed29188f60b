/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. Idempotency  - ErrDuplicateEvent (absorbed by the Service)
  2. Business     - ErrInsufficientFunds, ErrInvalidAmount, ErrInvalidType
  3. Store        - ErrStoreUnavailable (transient, retry with backoff)

USAGE:
  if errors.Is(err, ledger.ErrInsufficientFunds) {
      var ife *ledger.InsufficientFundsError
      errors.As(err, &ife) // available / requested / shortfall
  }

SEE ALSO:
  - service.go: maps store errors to this taxonomy
  - api/errors.go: maps this taxonomy to HTTP status codes
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrDuplicateEvent is returned by a Store when (user, sourceRef, type)
	// already exists. The Service turns it into a successful Result.
	ErrDuplicateEvent = errors.New("duplicate event")

	// ErrInsufficientFunds is returned when a debit exceeds the balance.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrStoreUnavailable is transient. Callers may retry with backoff;
	// the sourceRef makes the retry safe.
	ErrStoreUnavailable = errors.New("account store unavailable")

	// ErrInvalidAmount is returned for non-positive credit or debit amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrInvalidSourceRef = errors.New("source reference is required")
	ErrInvalidUser      = errors.New("user id is required")
	ErrInvalidType      = errors.New("invalid transaction type")

	ErrAccountNotFound     = errors.New("account not found")
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrInvalidCursor = errors.New("invalid cursor")
)

// =============================================================================
// STRUCTURED ERRORS
// =============================================================================

// InsufficientFundsError carries the numbers behind a rejected debit.
type InsufficientFundsError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientFundsError) Shortfall() int64 { return e.Requested - e.Available }

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %d, requested %d, shortfall %d",
		e.UserID, e.Available, e.Requested, e.Shortfall())
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to invalid client input
// or a business rule the caller must handle.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidSourceRef) ||
		errors.Is(err, ErrInvalidUser) ||
		errors.Is(err, ErrInvalidType) ||
		errors.Is(err, ErrInvalidCursor)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAccountNotFound) || errors.Is(err, ErrTransactionNotFound)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}
