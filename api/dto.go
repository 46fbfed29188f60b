/*
dto.go - Data Transfer Objects for API requests and responses

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Request structs carry go-playground/validator tags; handlers call
  decodeAndValidate before touching the gateway. Decimal fields are
  checked by the cashback evaluator, not by tags.

MONEY:
  Coins are integers. Prices and percentages are decimals and accept
  either JSON numbers or strings ("2199.00").

SEE ALSO:
  - handlers.go: Uses these types
  - errors.go: ErrorResponse and status mapping
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/rez/wallet-ledger/gateway"
	"github.com/rez/wallet-ledger/ledger"
)

// =============================================================================
// EVENT REQUESTS
// =============================================================================

type PurchaseCompletedRequest struct {
	OrderID            string          `json:"order_id" validate:"required,max=128"`
	UserID             string          `json:"user_id" validate:"required,max=128"`
	ProductID          string          `json:"product_id" validate:"omitempty,max=128"`
	PurchasePrice      *decimal.Decimal `json:"purchase_price" validate:"required"`
	CashbackPercentage *decimal.Decimal `json:"cashback_percentage" validate:"required"`
}

type ReviewSubmittedRequest struct {
	ReviewID  string `json:"review_id" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	ProductID string `json:"product_id" validate:"required,max=128"`
}

type ReferralRequest struct {
	ReferralID string `json:"referral_id" validate:"required,max=128"`
	UserID     string `json:"user_id" validate:"required,max=128"`
}

type RefundRequest struct {
	RefundRef string `json:"refund_ref" validate:"required,max=128"`
	UserID    string `json:"user_id" validate:"required,max=128"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

// RedemptionRequest debits a fixed amount. When Price is set instead of
// Amount the request is a checkout: as many coins as the price and the
// balance allow (optionally capped by Amount).
type RedemptionRequest struct {
	CheckoutRef string           `json:"checkout_ref" validate:"required,max=128"`
	Amount      int64            `json:"amount" validate:"gte=0"`
	Price       *decimal.Decimal `json:"price,omitempty"`
}

// =============================================================================
// RESPONSES
// =============================================================================

// TransactionDTO represents a ledger entry in API responses.
type TransactionDTO struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Amount       int64             `json:"amount"`
	Type         string            `json:"type"`
	SourceRef    string            `json:"source_ref"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	BalanceAfter int64             `json:"balance_after"`
	CreatedAt    time.Time         `json:"created_at"`
}

// MutationResponse is returned by every event and redemption endpoint.
type MutationResponse struct {
	NewBalance  int64           `json:"new_balance"`
	Amount      int64           `json:"amount"`
	Duplicate   bool            `json:"duplicate"`
	Skipped     bool            `json:"skipped,omitempty"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

type WalletDTO struct {
	UserID           string           `json:"user_id"`
	State            string           `json:"state"`
	Balance          int64            `json:"balance"`
	Worth            string           `json:"worth"`
	TransactionCount int64            `json:"transaction_count"`
	LastActivity     *time.Time       `json:"last_activity,omitempty"`
	Recent           []TransactionDTO `json:"recent"`
}

type TransactionPageDTO struct {
	Transactions []TransactionDTO `json:"transactions"`
	NextCursor   string           `json:"next_cursor,omitempty"`
}

type EarnerDTO struct {
	UserID    string    `json:"user_id"`
	Amount    int64     `json:"amount"`
	EarnedAt  time.Time `json:"earned_at"`
	SourceRef string    `json:"source_ref"`
}

type QuoteDTO struct {
	PurchasePrice      string `json:"purchase_price"`
	CashbackPercentage string `json:"cashback_percentage"`
	Coins              int64  `json:"coins"`
}

type MismatchDTO struct {
	UserID      string `json:"user_id"`
	Balance     int64  `json:"balance"`
	LedgerSum   int64  `json:"ledger_sum"`
	StoredCount int64  `json:"stored_count"`
	LedgerCount int64  `json:"ledger_count"`
	Reason      string `json:"reason"`
}

type AuditReportDTO struct {
	CheckedAt  time.Time     `json:"checked_at"`
	Accounts   int           `json:"accounts"`
	OK         bool          `json:"ok"`
	Mismatches []MismatchDTO `json:"mismatches"`
}

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Users       []string `json:"users"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:           string(tx.ID),
		UserID:       string(tx.UserID),
		Amount:       tx.Amount,
		Type:         string(tx.Type),
		SourceRef:    tx.SourceRef,
		Description:  tx.Description,
		Metadata:     tx.Metadata,
		BalanceAfter: tx.BalanceAfter,
		CreatedAt:    tx.CreatedAt,
	}
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	out := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionDTO(tx))
	}
	return out
}

func toMutationResponse(o gateway.Outcome) MutationResponse {
	resp := MutationResponse{
		NewBalance: o.Balance,
		Amount:     o.Amount,
		Duplicate:  o.Duplicate,
		Skipped:    o.Skipped,
	}
	if o.Transaction != nil {
		dto := toTransactionDTO(*o.Transaction)
		resp.Transaction = &dto
	}
	return resp
}

func toAuditReportDTO(r ledger.AuditReport) AuditReportDTO {
	out := AuditReportDTO{
		CheckedAt:  r.CheckedAt,
		Accounts:   r.Accounts,
		OK:         r.OK(),
		Mismatches: make([]MismatchDTO, 0, len(r.Mismatches)),
	}
	for _, m := range r.Mismatches {
		out.Mismatches = append(out.Mismatches, MismatchDTO{
			UserID:      string(m.UserID),
			Balance:     m.Balance,
			LedgerSum:   m.LedgerSum,
			StoredCount: m.StoredCount,
			LedgerCount: m.LedgerCount,
			Reason:      m.Reason,
		})
	}
	return out
}
