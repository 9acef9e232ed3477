package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/payout"
)

// RegisterWithdrawalRoutes wires the account withdrawal endpoints. guards run before the
// withdrawal handler only.
func RegisterWithdrawalRoutes(r fiber.Router, h *payout.Handler, guards ...fiber.Handler) {
	r.Post("/withdrawals", append(guards, h.Withdraw)...)
	r.Get("/withdrawals/:entryId", h.Get)
}

// RegisterAdminWithdrawalRoutes wires reconciliation endpoints.
func RegisterAdminWithdrawalRoutes(r fiber.Router, h *payout.Handler) {
	r.Get("/withdrawals/:entryId", h.Get)
	r.Post("/withdrawals/:entryId/reconcile", h.Reconcile)
	r.Post("/withdrawals/:entryId/resolve", h.Resolve)
}
