package routes

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletqueue/internal/bootstrap"
	"github.com/congo-pay/walletqueue/internal/config"
	"github.com/congo-pay/walletqueue/internal/logging"
)

func newTestApp(t *testing.T) *fiber.App {
	t.Helper()
	cfg := config.Config{
		AppEnv:               "test",
		WorkerConcurrency:    1,
		MaxRetries:           3,
		SuccessRate:          1,
		AdmissionBackend:     config.BackendMemory,
		DeferralBackend:      config.BackendPostgres,
		DefaultWalletBalance: 200,
	}
	logger := logging.Discard()
	c, err := bootstrap.Build(cfg, bootstrap.Infra{}, logger)
	require.NoError(t, err)
	app := fiber.New()
	Setup(app, Deps{Cfg: cfg, Logger: logger, Metrics: c.Metrics, Payments: c.Payments, Wallets: c.Wallets})
	return app
}

func do(t *testing.T, app *fiber.App, method, path, body string) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	resp, err := app.Test(req)
	require.NoError(t, err, "%s %s", method, path)
	defer resp.Body.Close()
	payload, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(payload)
}

func TestRoutesEndToEnd(t *testing.T) {
	app := newTestApp(t)

	status, _ := do(t, app, http.MethodPost, "/api/v1/wallets", `{"id":"w1","name":"Alice"}`)
	require.Equal(t, http.StatusCreated, status, "create wallet")
	status, _ = do(t, app, http.MethodPost, "/api/v1/transactions", `{"wallet_id":"w1","amount":50}`)
	require.Equal(t, http.StatusCreated, status, "create transaction")

	status, body := do(t, app, http.MethodGet, "/api/v1/wallets/w1/transactions", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"waiting_for_worker"`)

	status, body = do(t, app, http.MethodGet, "/api/v1/transactions/dead-letter", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"transactions":[]`)
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestApp(t)

	status, body := do(t, app, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"rabbitmq":"not configured"`)

	status, body = do(t, app, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")

	status, body = do(t, app, http.MethodGet, "/api/v1/ping", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"status":"ok"`)
}
