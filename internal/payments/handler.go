package payments

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletqueue/internal/transaction"
)

// Handler exposes transaction endpoints.
type Handler struct {
	service *Service
}

// NewHandler constructs a transaction handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type createRequest struct {
	WalletID string `json:"wallet_id"`
	Amount   int64  `json:"amount"`
}

// Create accepts a transaction for asynchronous processing.
func (h *Handler) Create(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.WalletID == "" {
		return fiber.NewError(http.StatusBadRequest, "wallet_id is required")
	}

	tx, err := h.service.CreateTransaction(c.UserContext(), req.WalletID, req.Amount)
	if err != nil {
		return mapError(err)
	}
	return c.Status(http.StatusCreated).JSON(tx)
}

// Get returns a single transaction.
func (h *Handler) Get(c *fiber.Ctx) error {
	tx, err := h.service.GetTransaction(c.UserContext(), c.Params("id"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(tx)
}

// Status returns the current status of a transaction.
func (h *Handler) Status(c *fiber.Ctx) error {
	id := c.Params("id")
	status, err := h.service.GetStatus(c.UserContext(), id)
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"id": id, "status": status})
}

// ListByWallet returns the transactions of a wallet.
func (h *Handler) ListByWallet(c *fiber.Ctx) error {
	txs, err := h.service.ListWalletTransactions(c.UserContext(), c.Params("walletId"))
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"transactions": nonNil(txs)})
}

// DeadLettered returns the quarantined transactions.
func (h *Handler) DeadLettered(c *fiber.Ctx) error {
	txs, err := h.service.ListDeadLettered(c.UserContext())
	if err != nil {
		return mapError(err)
	}
	return c.JSON(fiber.Map{"transactions": nonNil(txs)})
}

func mapError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrWalletNotFound):
		return fiber.NewError(http.StatusNotFound, "wallet not found")
	case errors.Is(err, transaction.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, "transaction not found")
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}

func nonNil(txs []transaction.Transaction) []transaction.Transaction {
	if txs == nil {
		return []transaction.Transaction{}
	}
	return txs
}
