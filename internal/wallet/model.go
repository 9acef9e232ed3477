package wallet

import (
	"time"

	"github.com/staykeep/payouts/internal/ledger"
)

// Balance encapsulates available funds for an account.
type Balance struct {
	AccountID string
	Amount    int64
	AsOf      time.Time
}

// EntryView is the display shape of a ledger entry.
type EntryView struct {
	ID                string     `json:"id"`
	Direction         string     `json:"direction"`
	Amount            int64      `json:"amount"`
	Reason            string     `json:"reason"`
	Status            string     `json:"status"`
	DisplayStatus     string     `json:"display_status"`
	CorrelationID     string     `json:"correlation_id,omitempty"`
	ExternalReference string     `json:"external_reference,omitempty"`
	FailureReason     string     `json:"failure_reason,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	ResolvedAt        *time.Time `json:"resolved_at,omitempty"`
}

// ViewOf converts an entry for display. Pending withdrawals read as "processing".
func ViewOf(e ledger.Entry) EntryView {
	return EntryView{
		ID:                e.ID,
		Direction:         string(e.Direction),
		Amount:            e.Amount,
		Reason:            e.Reason,
		Status:            string(e.Status),
		DisplayStatus:     DisplayStatus(e.Status),
		CorrelationID:     e.CorrelationID,
		ExternalReference: e.ExternalReference,
		FailureReason:     e.FailureReason,
		CreatedAt:         e.CreatedAt,
		ResolvedAt:        e.ResolvedAt,
	}
}

// DisplayStatus maps a ledger status to the wording shown to account holders.
func DisplayStatus(s ledger.Status) string {
	switch s {
	case ledger.StatusSuccess:
		return "completed"
	case ledger.StatusFailed:
		return "failed"
	default:
		return "processing"
	}
}
