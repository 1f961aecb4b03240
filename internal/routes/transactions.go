package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletqueue/internal/payments"
)

// RegisterTransactionRoutes wires transaction endpoints. submitLimit guards
// submission and may be nil.
func RegisterTransactionRoutes(r fiber.Router, h *payments.Handler, submitLimit fiber.Handler) {
	if submitLimit != nil {
		r.Post("/transactions", submitLimit, h.Create)
	} else {
		r.Post("/transactions", h.Create)
	}
	// Registered before /:id so the literal segment wins.
	r.Get("/transactions/dead-letter", h.DeadLettered)
	r.Get("/transactions/:id", h.Get)
	r.Get("/transactions/:id/status", h.Status)
	r.Get("/wallets/:walletId/transactions", h.ListByWallet)
}
