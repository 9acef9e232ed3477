package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/distribution"
)

// RegisterDistributionRoutes wires the distribution endpoints. guards run before the
// distribute handler only.
func RegisterDistributionRoutes(r fiber.Router, h *distribution.Handler, guards ...fiber.Handler) {
	r.Post("/distributions", append(guards, h.Distribute)...)
	r.Get("/distributions/:runId", h.Get)
	r.Post("/distributions/:runId/resume", h.Resume)
}
