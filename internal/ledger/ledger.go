package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInsufficientFunds occurs when the account balance cannot cover a requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateKey indicates an entry with the same idempotency key already exists.
	// Stores return the stored entry alongside this error whenever they can.
	ErrDuplicateKey = errors.New("duplicate idempotency key")

	// ErrInvalidTransition is returned when a status change is requested for an entry
	// that is no longer pending.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrNotFound is returned when no entry matches the lookup.
	ErrNotFound = errors.New("ledger entry not found")
)

// Direction tells whether an entry adds to or removes from an account balance.
type Direction string

const (
	DirectionCredit Direction = "CREDIT"
	DirectionDebit  Direction = "DEBIT"
)

// Status is the settlement state of an entry.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Reason tags used by this service. Collaborators may post other free-text reasons.
const (
	ReasonWithdrawal = "WITHDRAWAL"
	ReasonRollback   = "ROLLBACK"
	ReasonDividend   = "DIVIDEND"
	ReasonCommission = "COMMISSION"
)

// Entry is an immutable balance-affecting record. Only Status, ExternalReference and
// FailureReason change, once, when a pending entry is resolved.
type Entry struct {
	ID                string
	AccountID         string
	Direction         Direction
	Amount            int64
	Reason            string
	Status            Status
	IdempotencyKey    string
	CorrelationID     string
	Destination       string
	ExternalReference string
	FailureReason     string
	CreatedAt         time.Time
	ResolvedAt        *time.Time
}

// Counts reports whether the entry participates in the balance. A failed debit keeps
// counting: its compensating ROLLBACK credit is what releases the funds.
func (e Entry) Counts() bool {
	return e.Status != StatusFailed || e.Direction == DirectionDebit
}

// Signed returns the balance delta contributed by the entry.
func (e Entry) Signed() int64 {
	if !e.Counts() {
		return 0
	}
	if e.Direction == DirectionDebit {
		return -e.Amount
	}
	return e.Amount
}

// Transition describes the resolution of a pending entry.
type Transition struct {
	Status            Status
	ExternalReference string
	FailureReason     string
}

// Filter narrows account history. After is an entry id cursor; Limit is the page size.
type Filter struct {
	Status Status
	Reason string
	After  string
	Limit  int
}

const (
	defaultPageSize = 100
	maxPageSize     = 1000
)

func (f Filter) pageSize() int {
	if f.Limit <= 0 || f.Limit > maxPageSize {
		return defaultPageSize
	}
	return f.Limit
}

func (f Filter) matches(e Entry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.Reason != "" && e.Reason != f.Reason {
		return false
	}
	return true
}

// AccountTx exposes the reads and writes allowed while an account is serialized.
type AccountTx interface {
	Balance(ctx context.Context) (int64, error)
	Append(ctx context.Context, entry Entry) (Entry, error)
}

// Store is the append-only record of ledger entries. Entries are never deleted.
type Store interface {
	Append(ctx context.Context, entry Entry) (Entry, error)
	UpdateStatus(ctx context.Context, id string, t Transition) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Entry, error)
	Balance(ctx context.Context, accountID string) (int64, error)
	ListByAccount(ctx context.Context, accountID string, f Filter) ([]Entry, error)
	ListPending(ctx context.Context, reason string, createdBefore time.Time, limit int) ([]Entry, error)
	// WithAccount runs fn while holding the account's serialization boundary. Every
	// check-then-append against one account's balance must go through it.
	WithAccount(ctx context.Context, accountID string, fn func(AccountTx) error) error
}

// ValidationError reports malformed input. It is the caller's fault and never retried.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// NewValidationError builds a ValidationError for the named field.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// IsValidation reports whether err carries a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func validate(e Entry) error {
	switch {
	case e.AccountID == "":
		return NewValidationError("account_id", "is required")
	case e.Amount <= 0:
		return NewValidationError("amount", "must be positive")
	case e.Direction != DirectionCredit && e.Direction != DirectionDebit:
		return NewValidationError("direction", fmt.Sprintf("unknown direction %q", e.Direction))
	case e.Status != StatusPending && e.Status != StatusSuccess && e.Status != StatusFailed:
		return NewValidationError("status", fmt.Sprintf("unknown status %q", e.Status))
	case e.IdempotencyKey == "":
		return NewValidationError("idempotency_key", "is required")
	case e.Reason == "":
		return NewValidationError("reason", "is required")
	}
	return nil
}

func validateTransition(t Transition) error {
	if t.Status != StatusSuccess && t.Status != StatusFailed {
		return NewValidationError("status", fmt.Sprintf("cannot transition to %q", t.Status))
	}
	return nil
}

// Sum computes the balance of the given entries.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}
