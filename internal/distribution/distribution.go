package distribution

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/staykeep/payouts/internal/ledger"
)

// ErrPartialDistribution reports a run that stopped after crediting some accounts.
var ErrPartialDistribution = errors.New("distribution partially applied")

// ErrRunNotFound is returned for unknown run ids.
var ErrRunNotFound = errors.New("distribution run not found")

// ErrRunExists is returned by a RunStore asked to create a run id it already holds.
var ErrRunExists = errors.New("distribution run already exists")

// ErrRunKeyMismatch indicates a run key reused with a different total or period.
var ErrRunKeyMismatch = errors.New("distribution key reused with different parameters")

// ErrRunInProgress is returned when a retried request finds its run still running.
var ErrRunInProgress = errors.New("distribution run still in progress")

// Allocation is one eligible account and its contributed capital.
type Allocation struct {
	AccountID string `json:"account_id"`
	Weight    int64  `json:"weight"`
}

// ShareStatus tracks the credit of one share.
type ShareStatus string

const (
	SharePending  ShareStatus = "pending"
	ShareCredited ShareStatus = "credited"
	ShareFailed   ShareStatus = "failed"
	ShareSkipped  ShareStatus = "skipped"
)

// Share is the amount computed for one account in a run.
type Share struct {
	AccountID string      `json:"account_id"`
	Weight    int64       `json:"weight"`
	Amount    int64       `json:"amount"`
	Status    ShareStatus `json:"status"`
	EntryID   string      `json:"entry_id,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// RunStatus tracks a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
)

// Run is the durable record of one distribution.
type Run struct {
	ID          string     `json:"id"`
	Period      string     `json:"period"`
	TotalAmount int64      `json:"total_amount"`
	Status      RunStatus  `json:"status"`
	Shares      []Share    `json:"shares"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Replayed    bool       `json:"replayed,omitempty"`
}

// Credited lists accounts whose share was credited.
func (r Run) Credited() []string { return r.accounts(ShareCredited) }

// NotCredited lists accounts with a non-zero share that was not credited.
func (r Run) NotCredited() []string {
	var out []string
	for _, s := range r.Shares {
		if s.Status == SharePending || s.Status == ShareFailed {
			out = append(out, s.AccountID)
		}
	}
	return out
}

// CreditedAmount sums the credited shares.
func (r Run) CreditedAmount() int64 {
	var total int64
	for _, s := range r.Shares {
		if s.Status == ShareCredited {
			total += s.Amount
		}
	}
	return total
}

func (r Run) accounts(status ShareStatus) []string {
	var out []string
	for _, s := range r.Shares {
		if s.Status == status {
			out = append(out, s.AccountID)
		}
	}
	return out
}

// Compute splits total pro rata by weight. Each share is floor(total*weight/sum), worked
// out in arbitrary precision so large weights cannot overflow; the rounding remainder
// goes to the largest weight, ties to the smallest account id, so the shares always sum
// to total. Shares are returned in input order.
func Compute(total int64, allocations []Allocation) ([]Share, error) {
	if total <= 0 {
		return nil, ledger.NewValidationError("total_amount", "must be positive")
	}
	if len(allocations) == 0 {
		return nil, ledger.NewValidationError("accounts", "at least one eligible account is required")
	}

	sum := decimal.Zero
	seen := make(map[string]struct{}, len(allocations))
	top := 0
	for i, a := range allocations {
		if a.AccountID == "" {
			return nil, ledger.NewValidationError("account_id", "is required")
		}
		if a.Weight <= 0 {
			return nil, ledger.NewValidationError("weight", fmt.Sprintf("must be positive for %s", a.AccountID))
		}
		if _, dup := seen[a.AccountID]; dup {
			return nil, ledger.NewValidationError("account_id", fmt.Sprintf("%s listed twice", a.AccountID))
		}
		seen[a.AccountID] = struct{}{}
		sum = sum.Add(decimal.NewFromInt(a.Weight))

		best := allocations[top]
		if a.Weight > best.Weight || (a.Weight == best.Weight && a.AccountID < best.AccountID) {
			top = i
		}
	}

	dTotal := decimal.NewFromInt(total)
	shares := make([]Share, len(allocations))
	var allocated int64
	for i, a := range allocations {
		q, _ := dTotal.Mul(decimal.NewFromInt(a.Weight)).QuoRem(sum, 0)
		amount := q.IntPart()
		allocated += amount
		shares[i] = Share{AccountID: a.AccountID, Weight: a.Weight, Amount: amount, Status: SharePending}
	}
	shares[top].Amount += total - allocated

	for i := range shares {
		if shares[i].Amount == 0 {
			shares[i].Status = ShareSkipped
		}
	}
	return shares, nil
}
