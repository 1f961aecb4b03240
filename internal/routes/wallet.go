package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/walletqueue/internal/wallet"
)

// RegisterWalletRoutes wires wallet endpoints. Provisioning sits behind operatorAuth.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler, operatorAuth fiber.Handler) {
	r.Post("/wallets", operatorAuth, h.Create)
	r.Get("/wallets", h.List)
	r.Get("/wallets/:walletId", h.Get)
}
