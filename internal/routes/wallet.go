package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/wallet"
)

// RegisterWalletRoutes wires balance and history endpoints.
func RegisterWalletRoutes(r fiber.Router, h *wallet.Handler) {
	r.Get("/balance", h.Balance)
	r.Get("/history", h.History)
}
