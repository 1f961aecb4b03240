package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletqueue/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Balance *int64 `json:"balance"`
}

type walletResponse struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Balance   int64  `json:"balance"`
	Reserved  int64  `json:"reserved"`
	Available int64  `json:"available"`
}

func toResponse(w ledger.Wallet) walletResponse {
	return walletResponse{
		ID:        w.ID,
		Name:      w.Name,
		Balance:   w.Balance,
		Reserved:  w.Reserved,
		Available: w.Available(),
	}
}

// Create provisions a wallet.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	wallet, err := h.service.Create(c.UserContext(), CreateInput{ID: req.ID, Name: req.Name, Balance: req.Balance})
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(toResponse(wallet))
}

// Get returns the wallet snapshot including reserved funds.
func (h *Handler) Get(c *fiber.Ctx) error {
	wallet, err := h.service.Get(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(wallet))
}

// List returns every wallet.
func (h *Handler) List(c *fiber.Ctx) error {
	wallets, err := h.service.List(c.UserContext())
	if err != nil {
		return mapError(err)
	}
	out := make([]walletResponse, 0, len(wallets))
	for _, w := range wallets {
		out = append(out, toResponse(w))
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"wallets": out})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ledger.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrWalletExists):
		return fiber.NewError(http.StatusConflict, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, "internal error")
	}
}
