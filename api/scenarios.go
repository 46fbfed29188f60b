/*
scenarios.go - Demo wallets for local runs and UI demos

AVAILABLE SCENARIOS:

	rajesh-gold:  952 coins built from cashback, referral and refund history
	empty-wallet: a user with no transactions
	low-balance:  100 coins, enough to exercise insufficient-funds paths

HOW SCENARIOS WORK:
 1. Reset the store when it supports it (memory, sqlite, postgres)
 2. Credit each seed entry through the ledger service

Seed entries use fixed source references, so loading the same scenario
twice without a reset leaves the balances unchanged.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "rajesh-gold"}

NOTE:

	Scenarios wipe the store. Only enable them in development.

SEE ALSO:
  - handlers.go: Wallet endpoints used to inspect the result
  - cmd/ledgerctl: "simulate" loads the same seeds from the CLI
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rez/wallet-ledger/gateway"
	"github.com/rez/wallet-ledger/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

type seedEntry struct {
	UserID      ledger.UserID
	Type        ledger.TransactionType
	Amount      int64
	SourceRef   string
	Description string
}

type scenario struct {
	ScenarioDTO
	Seed []seedEntry
}

var scenarios = []scenario{
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "rajesh-gold",
			Name:        "Gold Member Wallet",
			Description: "952 coins earned from orders, a referral and a refund",
			Users:       []string{"rajesh"},
		},
		Seed: []seedEntry{
			{"rajesh", ledger.TxCashback, 627, "seed-welcome", "Welcome Cashback"},
			{"rajesh", ledger.TxCashback, 100, "seed-order-1001", gateway.DescOrderCashback},
			{"rajesh", ledger.TxReferral, 50, "seed-referral-ananya", gateway.DescReferralBonus},
			{"rajesh", ledger.TxCashback, 75, "seed-booking-77", "Service Booking Cashback"},
			{"rajesh", ledger.TxRefund, 100, "seed-refund-1002", gateway.DescRefund},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "empty-wallet",
			Name:        "Empty Wallet",
			Description: "New user without any coins",
			Users:       []string{"newbie"},
		},
	},
	{
		ScenarioDTO: ScenarioDTO{
			ID:          "low-balance",
			Name:        "Low Balance",
			Description: "100 coins, less than most checkouts",
			Users:       []string{"priya"},
		},
		Seed: []seedEntry{
			{"priya", ledger.TxCashback, 100, "seed-order-2001", gateway.DescOrderCashback},
		},
	},
}

// Scenarios returns the available scenarios.
func Scenarios() []ScenarioDTO {
	out := make([]ScenarioDTO, 0, len(scenarios))
	for _, s := range scenarios {
		out = append(out, s.ScenarioDTO)
	}
	return out
}

func findScenario(id string) (scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return scenario{}, false
}

// ErrUnknownScenario is returned by SeedScenario for an unregistered id.
var ErrUnknownScenario = errors.New("unknown scenario")

// SeedScenario seeds the wallets of one scenario. It does not reset the store.
func SeedScenario(ctx context.Context, svc *ledger.Service, id string) error {
	s, ok := findScenario(id)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownScenario, id)
	}
	for _, e := range s.Seed {
		if _, err := svc.Credit(ctx, e.UserID, e.Type, e.Amount, e.SourceRef, ledger.WithDescription(e.Description)); err != nil {
			return fmt.Errorf("seed %s for %s: %w", e.SourceRef, e.UserID, err)
		}
	}
	return nil
}

// =============================================================================
// HANDLERS
// =============================================================================

type scenarioState struct {
	mu       sync.Mutex
	current  string
	runID    string
	loadedAt time.Time
}

// LoadedScenarioDTO describes the last loaded scenario.
type LoadedScenarioDTO struct {
	ScenarioDTO
	RunID    string    `json:"run_id"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, Scenarios())
}

// GetCurrentScenario returns the loaded scenario, or null.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarios.mu.Lock()
	defer h.scenarios.mu.Unlock()

	s, ok := findScenario(h.scenarios.current)
	if !ok {
		writeJSON(w, r, http.StatusOK, nil)
		return
	}
	writeJSON(w, r, http.StatusOK, LoadedScenarioDTO{
		ScenarioDTO: s.ScenarioDTO,
		RunID:       h.scenarios.runID,
		LoadedAt:    h.scenarios.loadedAt,
	})
}

func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s, ok := findScenario(req.ScenarioID)
	if !ok {
		writeError(w, r, http.StatusBadRequest, CodeInvalidRequest, "Unknown scenario", req.ScenarioID)
		return
	}

	h.scenarios.mu.Lock()
	defer h.scenarios.mu.Unlock()

	ctx := r.Context()
	if err := h.reset(ctx); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.scenarios.current = ""

	if err := SeedScenario(ctx, h.Ledger, s.ID); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	h.scenarios.current = s.ID
	h.scenarios.runID = uuid.NewString()
	h.scenarios.loadedAt = time.Now().UTC()
	h.logger.Info("scenario loaded",
		zap.String("scenario", s.ID),
		zap.String("run_id", h.scenarios.runID),
		zap.Int("entries", len(s.Seed)),
	)

	writeJSON(w, r, http.StatusOK, LoadedScenarioDTO{
		ScenarioDTO: s.ScenarioDTO,
		RunID:       h.scenarios.runID,
		LoadedAt:    h.scenarios.loadedAt,
	})
}

func (h *Handler) ResetScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarios.mu.Lock()
	defer h.scenarios.mu.Unlock()

	if err := h.reset(r.Context()); err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.scenarios.current = ""
	writeJSON(w, r, http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) reset(ctx context.Context) error {
	resetter, ok := h.Ledger.Store().(ledger.Resetter)
	if !ok {
		return fmt.Errorf("store cannot be reset")
	}
	return resetter.Reset(ctx)
}
