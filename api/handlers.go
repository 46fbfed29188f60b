/*
handlers.go - HTTP API handlers for the wallet ledger

ENDPOINTS:
  Events (called by the order/catalog subsystem):
    POST   /api/events/purchase-completed   Credit purchase cashback
    POST   /api/events/review-submitted     Credit flat review cashback
    POST   /api/events/referral             Credit referral bonus
    POST   /api/events/refund               Credit refunded coins

  Wallet (called by the presentation layer):
    GET    /api/users/{id}/wallet           Balance, worth, recent entries
    GET    /api/users/{id}/transactions     History page (cursor, limit, order)
    POST   /api/users/{id}/redemptions      Spend coins at checkout

  Catalog helpers:
    GET    /api/products/{id}/recent-earners  Latest cashback for a product
    GET    /api/cashback/quote                Preview purchase cashback

  Admin:
    POST   /api/admin/audit                 Re-derive balances from the log

STATUS CODES:
  201 fresh write, 200 duplicate (same body, "duplicate": true) or skip,
  400 validation, 402 insufficient funds, 503 store unavailable
  (Retry-After set; retry with the same reference).

SECURITY NOTE:
  No authentication. Event endpoints are meant for internal callers.

SEE ALSO:
  - dto.go: Request/response data structures
  - errors.go: Error mapping
  - server.go: Router setup and middleware
*/
package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/gateway"
	"github.com/rez/wallet-ledger/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger   *ledger.Service
	Gateway  *gateway.Gateway
	Auditor  *ledger.Auditor
	PageSize int

	logger    *zap.Logger
	scenarios *scenarioState
}

// NewHandler wires handlers around a ledger service and its gateway.
// auditor may be nil when the store cannot be audited.
func NewHandler(svc *ledger.Service, gw *gateway.Gateway, auditor *ledger.Auditor, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		Ledger:    svc,
		Gateway:   gw,
		Auditor:   auditor,
		PageSize:  ledger.DefaultPageSize,
		logger:    logger.Named("api"),
		scenarios: &scenarioState{},
	}
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) PurchaseCompleted(w http.ResponseWriter, r *http.Request) {
	var req PurchaseCompletedRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	out, err := h.Gateway.HandlePurchaseCompleted(r.Context(), gateway.PurchaseCompleted{
		OrderID:            req.OrderID,
		UserID:             ledger.UserID(req.UserID),
		ProductID:          req.ProductID,
		PurchasePrice:      *req.PurchasePrice,
		CashbackPercentage: *req.CashbackPercentage,
	})
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) ReviewSubmitted(w http.ResponseWriter, r *http.Request) {
	var req ReviewSubmittedRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	out, err := h.Gateway.HandleReviewSubmitted(r.Context(), gateway.ReviewSubmitted{
		ReviewID:  req.ReviewID,
		UserID:    ledger.UserID(req.UserID),
		ProductID: req.ProductID,
	})
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) Referral(w http.ResponseWriter, r *http.Request) {
	var req ReferralRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	out, err := h.Gateway.HandleReferral(r.Context(), req.ReferralID, ledger.UserID(req.UserID))
	h.writeOutcome(w, r, out, err)
}

func (h *Handler) Refund(w http.ResponseWriter, r *http.Request) {
	var req RefundRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	out, err := h.Gateway.HandleRefund(r.Context(), req.RefundRef, ledger.UserID(req.UserID), req.Amount)
	h.writeOutcome(w, r, out, err)
}

// =============================================================================
// WALLET HANDLERS
// =============================================================================

// Redeem debits coins. With a price it becomes a capped checkout.
func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	var req RedemptionRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	var (
		out gateway.Outcome
		err error
	)
	if req.Price != nil {
		out, err = h.Gateway.HandleCheckout(r.Context(), gateway.Checkout{
			CheckoutRef: req.CheckoutRef,
			UserID:      userID,
			Price:       *req.Price,
			Coins:       req.Amount,
		})
	} else {
		if req.Amount <= 0 {
			writeError(w, r, http.StatusBadRequest, CodeInvalidAmount, "amount must be positive", nil)
			return
		}
		out, err = h.Gateway.HandleRedemption(r.Context(), userID, req.Amount, req.CheckoutRef)
	}
	h.writeOutcome(w, r, out, err)
}

// GetWallet returns the wallet summary. Unknown users get an empty wallet.
func (h *Handler) GetWallet(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	summary, err := h.Ledger.GetSummary(r.Context(), userID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	dto := WalletDTO{
		UserID:           string(summary.UserID),
		State:            string(summary.State),
		Balance:          summary.Balance,
		Worth:            h.Gateway.Rules().CoinValue(summary.Balance).StringFixed(2),
		TransactionCount: summary.TransactionCount,
		Recent:           toTransactionDTOs(summary.Recent),
	}
	if !summary.LastActivity.IsZero() {
		dto.LastActivity = &summary.LastActivity
	}
	writeJSON(w, r, http.StatusOK, dto)
}

// GetTransactions returns one page of history.
func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	order, err := ledger.ParseOrder(q.Get("order"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
		return
	}
	limit, ok := parseLimit(w, r, q.Get("limit"), h.PageSize)
	if !ok {
		return
	}

	page, err := h.Ledger.ListTransactions(r.Context(), userID, ledger.PageRequest{
		Cursor: q.Get("cursor"),
		Limit:  limit,
		Order:  order,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		NextCursor:   page.NextCursor,
	})
}

// =============================================================================
// CATALOG HELPERS
// =============================================================================

func (h *Handler) RecentEarners(w http.ResponseWriter, r *http.Request) {
	productID := chi.URLParam(r, "id")
	limit, ok := parseLimit(w, r, r.URL.Query().Get("limit"), 5)
	if !ok {
		return
	}

	txs, err := h.Gateway.RecentEarners(r.Context(), productID, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	out := make([]EarnerDTO, 0, len(txs))
	for _, tx := range txs {
		out = append(out, EarnerDTO{
			UserID:    string(tx.UserID),
			Amount:    tx.Amount,
			EarnedAt:  tx.CreatedAt,
			SourceRef: tx.SourceRef,
		})
	}
	writeJSON(w, r, http.StatusOK, out)
}

func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	price, err := decimal.NewFromString(q.Get("price"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "price must be a number", nil)
		return
	}
	pct, err := decimal.NewFromString(q.Get("percentage"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "percentage must be a number", nil)
		return
	}

	coins, err := h.Gateway.Quote(price, pct)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, QuoteDTO{
		PurchasePrice:      price.String(),
		CashbackPercentage: pct.String(),
		Coins:              coins,
	})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

func (h *Handler) RunAudit(w http.ResponseWriter, r *http.Request) {
	if h.Auditor == nil {
		writeError(w, r, http.StatusNotImplemented, CodeInternal, "Store does not support auditing", nil)
		return
	}
	report, err := h.Auditor.Run(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, toAuditReportDTO(report))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) writeOutcome(w http.ResponseWriter, r *http.Request, out gateway.Outcome, err error) {
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	status := http.StatusCreated
	if out.Duplicate || out.Skipped {
		status = http.StatusOK
	}
	writeJSON(w, r, status, toMutationResponse(out))
}

func parseLimit(w http.ResponseWriter, r *http.Request, raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "limit must be a positive integer", nil)
		return 0, false
	}
	if n > ledger.MaxPageSize {
		n = ledger.MaxPageSize
	}
	return n, true
}
