package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/cashback"
	"github.com/rez/wallet-ledger/ledger"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeInvalidAmount     = "invalid_amount"
	CodeInsufficientFunds = "insufficient_funds"
	CodeStoreUnavailable  = "store_unavailable"
	CodeNotFound          = "not_found"
	CodeInternal          = "internal"
	CodeCanceled          = "canceled"
)

// retryAfterSeconds is sent with 503 responses.
const retryAfterSeconds = 1

// statusClientClosedRequest is nginx's code for a client that went away.
const statusClientClosedRequest = 499

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// InsufficientFundsDetails accompanies a 402.
type InsufficientFundsDetails struct {
	Available int64 `json:"available"`
	Requested int64 `json:"requested"`
	Shortfall int64 `json:"shortfall"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	render.Status(r, status)
	render.JSON(w, r, data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string, details any) {
	writeJSON(w, r, status, ErrorResponse{Error: message, Code: code, Details: details})
}

// decodeAndValidate reads a JSON body into dst and runs struct validation.
// It writes the 400 itself and reports whether the handler may continue.
func decodeAndValidate(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body", err.Error())
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "Validation error", formatValidationError(err))
		return false
	}
	return true
}

func formatValidationError(err error) []string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "required":
			out = append(out, fmt.Sprintf("%s is required", e.Field()))
		case "gt", "gte":
			out = append(out, fmt.Sprintf("%s must be %s %s", e.Field(), e.Tag(), e.Param()))
		case "max":
			out = append(out, fmt.Sprintf("%s must have maximum length %s", e.Field(), e.Param()))
		default:
			out = append(out, fmt.Sprintf("%s is invalid (%s)", e.Field(), e.Tag()))
		}
	}
	return out
}

// writeLedgerError maps the ledger error taxonomy to HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *ledger.InsufficientFundsError
	switch {
	case errors.Is(err, context.Canceled):
		h.logger.Debug("client went away", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, statusClientClosedRequest, CodeCanceled, "Request canceled", nil)
	case errors.As(err, &insufficient):
		writeError(w, r, http.StatusPaymentRequired, CodeInsufficientFunds, "Insufficient coins", InsufficientFundsDetails{
			Available: insufficient.Available,
			Requested: insufficient.Requested,
			Shortfall: insufficient.Shortfall(),
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, r, http.StatusPaymentRequired, CodeInsufficientFunds, "Insufficient coins", nil)
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, cashback.ErrInvalidPayload):
		writeError(w, r, http.StatusBadRequest, CodeInvalidAmount, err.Error(), nil)
	case ledger.IsClientError(err):
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, err.Error(), nil)
	case ledger.IsRetryable(err):
		h.logger.Warn("store unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
		writeError(w, r, http.StatusServiceUnavailable, CodeStoreUnavailable, "Wallet temporarily unavailable, retry with the same reference", nil)
	case ledger.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	default:
		h.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, CodeInternal, "Internal error", nil)
	}
}
