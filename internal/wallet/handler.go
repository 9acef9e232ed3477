package wallet

import (
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/staykeep/payouts/internal/ledger"
)

// Handler exposes wallet HTTP endpoints.
type Handler struct {
	service *Service
}

// NewHandler builds a wallet HTTP handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// AccountID resolves the account a request acts on: the authenticated account, or the
// :accountId path parameter on admin routes.
func AccountID(c *fiber.Ctx) string {
	if id, ok := c.Locals("account_id").(string); ok && id != "" {
		return id
	}
	return c.Params("accountId")
}

// Balance returns the account balance.
func (h *Handler) Balance(c *fiber.Ctx) error {
	accountID := AccountID(c)
	balance, err := h.service.Balance(c.UserContext(), accountID)
	if err != nil {
		return toHTTPError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": balance.AccountID,
		"balance":    balance.Amount,
		"timestamp":  balance.AsOf,
	})
}

// History returns one page of the account's ledger entries.
func (h *Handler) History(c *fiber.Ctx) error {
	accountID := AccountID(c)
	filter := ledger.Filter{
		Status: ledger.Status(c.Query("status")),
		Reason: c.Query("reason"),
		After:  c.Query("after"),
		Limit:  c.QueryInt("limit", 50),
	}
	entries, err := h.service.Page(c.UserContext(), accountID, filter)
	if err != nil {
		return toHTTPError(err)
	}

	items := make([]EntryView, 0, len(entries))
	for _, e := range entries {
		items = append(items, ViewOf(e))
	}
	var next string
	if len(entries) > 0 {
		next = entries[len(entries)-1].ID
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": accountID,
		"entries":    items,
		"next_after": next,
	})
}

func toHTTPError(err error) error {
	switch {
	case ledger.IsValidation(err):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return fiber.NewError(http.StatusNotFound, err.Error())
	default:
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
}
