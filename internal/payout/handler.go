package payout

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/ledger"
	"github.com/staykeep/payouts/internal/wallet"
)

// Handler exposes withdrawal endpoints.
type Handler struct {
	orchestrator *Orchestrator
}

// NewHandler constructs a payout handler.
func NewHandler(orchestrator *Orchestrator) *Handler {
	return &Handler{orchestrator: orchestrator}
}

// WithdrawRequest is the body of a withdrawal call.
type WithdrawRequest struct {
	Amount    int64  `json:"amount"`
	Provider  string `json:"provider"`
	Recipient string `json:"recipient"`
}

// ResolveRequest is the body of a manual resolution.
type ResolveRequest struct {
	Status            string `json:"status"`
	ExternalReference string `json:"external_reference"`
	FailureReason     string `json:"failure_reason"`
}

// OutcomeResponse is the API shape of a withdrawal outcome.
type OutcomeResponse struct {
	EntryID           string `json:"entry_id"`
	AccountID         string `json:"account_id"`
	Amount            int64  `json:"amount"`
	Status            string `json:"status"`
	DisplayStatus     string `json:"display_status"`
	Destination       string `json:"destination"`
	ExternalReference string `json:"external_reference,omitempty"`
	RejectKind        string `json:"reject_kind,omitempty"`
	Replayed          bool   `json:"replayed,omitempty"`
}

// Withdraw starts or continues a withdrawal for the authenticated account. The
// Idempotency-Key header names the withdrawal; resending it continues the same one.
func (h *Handler) Withdraw(c *fiber.Ctx) error {
	clientKey := c.Get("Idempotency-Key")
	if clientKey == "" {
		return fiber.NewError(http.StatusBadRequest, "missing Idempotency-Key header")
	}
	var req WithdrawRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}

	out, err := h.orchestrator.Withdraw(c.UserContext(), WithdrawInput{
		AccountID: wallet.AccountID(c),
		Amount:    req.Amount,
		Provider:  req.Provider,
		Recipient: req.Recipient,
		ClientKey: clientKey,
	})
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(statusCode(out)).JSON(toResponse(out))
}

// Get returns a withdrawal of the authenticated account, or any account on admin routes.
func (h *Handler) Get(c *fiber.Ctx) error {
	accountID, _ := c.Locals("account_id").(string)
	out, err := h.orchestrator.Lookup(c.UserContext(), c.Params("entryId"), accountID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(out))
}

// Reconcile replays a pending withdrawal against its provider.
func (h *Handler) Reconcile(c *fiber.Ctx) error {
	out, err := h.orchestrator.Reconcile(c.UserContext(), c.Params("entryId"))
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(out))
}

// Resolve settles a pending withdrawal by hand.
func (h *Handler) Resolve(c *fiber.Ctx) error {
	var req ResolveRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	out, err := h.orchestrator.Resolve(c.UserContext(), c.Params("entryId"), ledger.Status(req.Status), req.ExternalReference, req.FailureReason)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(toResponse(out))
}

func statusCode(out Outcome) int {
	switch out.Status {
	case StatusCompleted:
		if out.Replayed {
			return http.StatusOK
		}
		return http.StatusCreated
	case StatusRejected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusAccepted
	}
}

func toResponse(out Outcome) OutcomeResponse {
	display := "processing"
	switch out.Status {
	case StatusCompleted:
		display = "completed"
	case StatusRejected:
		display = "failed"
	}
	return OutcomeResponse{
		EntryID:           out.EntryID,
		AccountID:         out.AccountID,
		Amount:            out.Amount,
		Status:            string(out.Status),
		DisplayStatus:     display,
		Destination:       out.Destination,
		ExternalReference: out.ExternalReference,
		RejectKind:        string(out.RejectKind),
		Replayed:          out.Replayed,
	}
}

func toHTTPError(err error) error {
	switch {
	case ledger.IsValidation(err):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return fiber.NewError(http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ErrIdempotencyMismatch), errors.Is(err, ledger.ErrInvalidTransition):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
