package distribution

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/ledger"
)

// Handler exposes distribution endpoints for administrators.
type Handler struct {
	engine *Engine
}

// NewHandler constructs a distribution handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// DistributeRequest starts a run. Without accounts the weight source is consulted.
type DistributeRequest struct {
	TotalAmount int64        `json:"total_amount"`
	Period      string       `json:"period"`
	Accounts    []Allocation `json:"accounts"`
}

// RunResponse is the API shape of a run report.
type RunResponse struct {
	Run
	Credited       []string `json:"credited"`
	NotCredited    []string `json:"not_credited"`
	CreditedAmount int64    `json:"credited_amount"`
}

func toResponse(run Run) RunResponse {
	return RunResponse{
		Run:            run,
		Credited:       run.Credited(),
		NotCredited:    run.NotCredited(),
		CreditedAmount: run.CreditedAmount(),
	}
}

// Distribute runs a distribution and returns its report. The Idempotency-Key header
// names the run; a retry with the same key reports the existing run.
func (h *Handler) Distribute(c *fiber.Ctx) error {
	runKey := c.Get("Idempotency-Key")
	if runKey == "" {
		return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}
	var req DistributeRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	if req.Period == "" {
		return fiber.NewError(http.StatusBadRequest, "period is required")
	}

	var (
		run Run
		err error
	)
	if len(req.Accounts) > 0 {
		run, err = h.engine.Distribute(c.UserContext(), runKey, req.TotalAmount, req.Period, req.Accounts)
	} else {
		run, err = h.engine.DistributeFromSource(c.UserContext(), runKey, req.TotalAmount, req.Period)
	}
	return respond(c, http.StatusCreated, run, err)
}

// Resume continues a partial run.
func (h *Handler) Resume(c *fiber.Ctx) error {
	run, err := h.engine.Resume(c.UserContext(), c.Params("runId"))
	return respond(c, http.StatusOK, run, err)
}

// Get returns a run report.
func (h *Handler) Get(c *fiber.Ctx) error {
	run, err := h.engine.Get(c.UserContext(), c.Params("runId"))
	return respond(c, http.StatusOK, run, err)
}

func respond(c *fiber.Ctx, status int, run Run, err error) error {
	switch {
	case err == nil:
		if run.Replayed {
			status = http.StatusOK
		}
		return c.Status(status).JSON(toResponse(run))
	case errors.Is(err, ErrPartialDistribution):
		return c.Status(http.StatusMultiStatus).JSON(toResponse(run))
	case ledger.IsValidation(err):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrRunKeyMismatch), errors.Is(err, ErrRunInProgress):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrRunNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
