package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rez/wallet-ledger/app"
	"github.com/rez/wallet-ledger/config"
)

func TestNew_MemoryStoreServesAPI(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverMemory

	a, err := app.New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	require.NotNil(t, a.Auditor)

	srv := httptest.NewServer(a.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/api/events/referral", "application/json",
		strings.NewReader(`{"referral_id":"ref-1","user_id":"U1"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestNew_SQLiteFile(t *testing.T) {
	cfg := config.Default()
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "wallet.db")
	cfg.Metrics.Enabled = false

	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	res, err := a.Ledger.Credit(context.Background(), "U1", "cashback", 75, "order-1")
	require.NoError(t, err)
	assert.Equal(t, int64(75), res.NewBalance)

	rec := httptest.NewRecorder()
	a.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = "mongo"

	_, err := app.New(context.Background(), cfg, nil)
	assert.ErrorContains(t, err, "invalid config")
}
