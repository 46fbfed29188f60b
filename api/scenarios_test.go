/*
scenarios_test.go - Tests for demo scenarios

Each scenario must load on a fresh store, produce the advertised balances
and leave balances unchanged when seeded a second time.
*/
package api

import (
	"context"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rez/wallet-ledger/ledger"
)

func TestScenario_Balances(t *testing.T) {
	tests := []struct {
		id      string
		user    ledger.UserID
		balance int64
		entries int64
	}{
		{"rajesh-gold", "rajesh", 952, 5},
		{"empty-wallet", "newbie", 0, 0},
		{"low-balance", "priya", 100, 1},
	}

	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			s := newTestServer(t)
			ctx := context.Background()

			require.NoError(t, SeedScenario(ctx, s.handler.Ledger, tt.id))
			// Fixed source references make a second seed a no-op.
			require.NoError(t, SeedScenario(ctx, s.handler.Ledger, tt.id))

			summary, err := s.handler.Ledger.GetSummary(ctx, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.balance, summary.Balance)
			assert.Equal(t, tt.entries, summary.TransactionCount)
		})
	}
}

func TestScenario_Unknown(t *testing.T) {
	s := newTestServer(t)

	err := SeedScenario(context.Background(), s.handler.Ledger, "nope")
	assert.ErrorIs(t, err, ErrUnknownScenario)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScenario_LoadReplacesPreviousData(t *testing.T) {
	// GIVEN: A wallet with unrelated history
	// WHEN: Loading low-balance over it
	// THEN: The store is wiped first and the current scenario is tracked
	s := newTestServer(t)
	s.fund(t, "U1", 500)

	rec := s.do(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "low-balance"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	loaded := decode[LoadedScenarioDTO](t, rec)
	assert.Equal(t, "low-balance", loaded.ID)
	assert.NotEmpty(t, loaded.RunID)

	balance, err := s.handler.Ledger.Balance(context.Background(), "U1")
	require.NoError(t, err)
	assert.Zero(t, balance)

	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, loaded.RunID, decode[LoadedScenarioDTO](t, rec).RunID)

	rec = s.do(t, http.MethodPost, "/api/scenarios/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "null", strings.TrimSpace(rec.Body.String()))
}

func TestScenario_RoutesDisabled(t *testing.T) {
	s := newTestServer(t)
	router := NewRouter(s.handler, RouterOptions{})
	s.router = router

	rec := s.do(t, http.MethodGet, "/api/scenarios", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
