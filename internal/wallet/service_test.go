package wallet

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/walletqueue/internal/ledger"
	"github.com/congo-pay/walletqueue/internal/logging"
)

func newService() *Service {
	return NewService(ledger.NewInMemory(), 200, logging.Discard())
}

func TestServiceCreateUsesDefaultBalance(t *testing.T) {
	svc := newService()
	ctx := context.Background()

	wallet, err := svc.Create(ctx, CreateInput{Name: "Alice"})
	require.NoError(t, err)
	assert.NotEmpty(t, wallet.ID, "generated wallet id")
	assert.Equal(t, int64(200), wallet.Balance)
	assert.Zero(t, wallet.Reserved)

	fetched, err := svc.Get(ctx, wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alice", fetched.Name)
}

func TestServiceCreateValidates(t *testing.T) {
	svc := newService()
	ctx := context.Background()
	negative := int64(-1)

	_, err := svc.Create(ctx, CreateInput{Name: "  "})
	assert.ErrorIs(t, err, ErrInvalidInput, "blank name")
	_, err = svc.Create(ctx, CreateInput{Name: "Bob", Balance: &negative})
	assert.ErrorIs(t, err, ErrInvalidInput, "negative balance")

	zero := int64(0)
	_, err = svc.Create(ctx, CreateInput{ID: "w1", Name: "Bob", Balance: &zero})
	require.NoError(t, err, "empty wallet")
	_, err = svc.Create(ctx, CreateInput{ID: "w1", Name: "Bob"})
	assert.ErrorIs(t, err, ledger.ErrWalletExists)
}

func TestHandlerCreateAndGet(t *testing.T) {
	h := NewHandler(newService())
	app := fiber.New()
	app.Post("/wallets", h.Create)
	app.Get("/wallets/:walletId", h.Get)

	post := func(body string) *http.Response {
		req := httptest.NewRequest(http.MethodPost, "/wallets", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := app.Test(req)
		require.NoError(t, err)
		return resp
	}

	assert.Equal(t, http.StatusCreated, post(`{"id":"w1","name":"Alice","balance":500}`).StatusCode)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/wallets/w1", nil))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"available":500`)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/wallets/missing", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusConflict, post(`{"id":"w1","name":"Again"}`).StatusCode)
}
