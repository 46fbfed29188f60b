package logging_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rez/wallet-ledger/logging"
)

func TestNew(t *testing.T) {
	logger, err := logging.New("debug", "console")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	logger, err = logging.New("warn", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))

	_, err = logging.New("loud", "json")
	assert.Error(t, err)
	_, err = logging.New("info", "xml")
	assert.Error(t, err)
}

func TestMiddleware_LogsStatus(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	h := middleware.RequestID(logging.Middleware(zap.New(core))(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
		})))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/users/U1/redemptions", nil))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
	fields := entries[0].ContextMap()
	assert.Equal(t, int64(http.StatusPaymentRequired), fields["status"])
	assert.Equal(t, "/api/users/U1/redemptions", fields["path"])
	assert.NotEmpty(t, fields["request_id"])
}
