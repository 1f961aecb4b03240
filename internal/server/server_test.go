package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletqueue/internal/bootstrap"
	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/logging"
	"github.com/congo-pay/walletqueue/internal/routes"
)

func TestErrorsAreRenderedAsJSON(t *testing.T) {
	cfg := config.Config{
		AppEnv:            "test",
		Port:              "0",
		WorkerConcurrency: 1,
		SuccessRate:       1,
		AdmissionBackend:  config.BackendMemory,
		DeferralBackend:   config.BackendPostgres,
	}
	logger := logging.Discard()
	c, err := bootstrap.Build(cfg, bootstrap.Infra{}, logger)
	require.NoError(t, err)
	srv := New(cfg, routes.Deps{Logger: logger, Metrics: c.Metrics, Payments: c.Payments, Wallets: c.Wallets})

	resp, err := srv.App().Test(httptest.NewRequest(http.MethodGet, "/api/v1/transactions/missing", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.True(t, strings.HasPrefix(string(body), `{"error":`), "JSON error body, got %s", body)
}
