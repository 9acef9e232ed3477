package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/staykeep/payouts/internal/ledger"
)

// Service computes balances from the ledger and guards the non-negative balance invariant.
type Service struct {
	store  ledger.Store
	logger *slog.Logger
}

// NewService builds a wallet service instance.
func NewService(store ledger.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger}
}

// EntryOption decorates entries written through the service.
type EntryOption func(*ledger.Entry)

// WithDestination records the payout destination on a debit.
func WithDestination(destination string) EntryOption {
	return func(e *ledger.Entry) { e.Destination = destination }
}

// WithCorrelation links an entry to a distribution run or an original entry.
func WithCorrelation(id string) EntryOption {
	return func(e *ledger.Entry) { e.CorrelationID = id }
}

// GetBalance returns the current balance of the account.
func (s *Service) GetBalance(ctx context.Context, accountID string) (int64, error) {
	if accountID == "" {
		return 0, ledger.NewValidationError("account_id", "is required")
	}
	return s.store.Balance(ctx, accountID)
}

// Balance returns the balance with its observation time.
func (s *Service) Balance(ctx context.Context, accountID string) (Balance, error) {
	amount, err := s.GetBalance(ctx, accountID)
	if err != nil {
		return Balance{}, err
	}
	return Balance{AccountID: accountID, Amount: amount, AsOf: time.Now().UTC()}, nil
}

// ReserveDebit appends a PENDING debit when the balance covers amount. The balance check
// and the append happen under the account's serialization boundary. A reused key returns
// the stored entry together with ledger.ErrDuplicateKey and writes nothing.
func (s *Service) ReserveDebit(ctx context.Context, accountID string, amount int64, reason, idempotencyKey string, opts ...EntryOption) (ledger.Entry, error) {
	entry := ledger.Entry{
		AccountID:      accountID,
		Direction:      ledger.DirectionDebit,
		Amount:         amount,
		Reason:         reason,
		Status:         ledger.StatusPending,
		IdempotencyKey: idempotencyKey,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	if err := validateRequest(entry); err != nil {
		return ledger.Entry{}, err
	}

	var reserved ledger.Entry
	err := s.store.WithAccount(ctx, accountID, func(tx ledger.AccountTx) error {
		existing, err := s.store.GetByIdempotencyKey(ctx, idempotencyKey)
		switch {
		case err == nil:
			reserved = existing
			return ledger.ErrDuplicateKey
		case !errors.Is(err, ledger.ErrNotFound):
			return err
		}

		balance, err := tx.Balance(ctx)
		if err != nil {
			return err
		}
		if balance < amount {
			return ledger.ErrInsufficientFunds
		}

		reserved, err = tx.Append(ctx, entry)
		return err
	})
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateKey) {
			return reserved, ledger.ErrDuplicateKey
		}
		return ledger.Entry{}, err
	}

	s.logger.Debug("debit reserved",
		slog.String("account_id", accountID),
		slog.String("entry_id", reserved.ID),
		slog.Int64("amount", amount),
		slog.String("reason", reason),
	)
	return reserved, nil
}

// CreditAccount appends a settled credit. Repeating a key returns the stored credit.
func (s *Service) CreditAccount(ctx context.Context, accountID string, amount int64, reason, idempotencyKey string, opts ...EntryOption) (ledger.Entry, error) {
	entry := ledger.Entry{
		AccountID:      accountID,
		Direction:      ledger.DirectionCredit,
		Amount:         amount,
		Reason:         reason,
		Status:         ledger.StatusSuccess,
		IdempotencyKey: idempotencyKey,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	if err := validateRequest(entry); err != nil {
		return ledger.Entry{}, err
	}

	credited, err := s.store.Append(ctx, entry)
	if errors.Is(err, ledger.ErrDuplicateKey) {
		if credited.AccountID != accountID || credited.Amount != amount || credited.Direction != ledger.DirectionCredit {
			return credited, fmt.Errorf("credit key %s already used for a different entry: %w", idempotencyKey, ledger.ErrDuplicateKey)
		}
		return credited, nil
	}
	if err != nil {
		return ledger.Entry{}, err
	}

	s.logger.Debug("account credited",
		slog.String("account_id", accountID),
		slog.String("entry_id", credited.ID),
		slog.Int64("amount", amount),
		slog.String("reason", reason),
	)
	return credited, nil
}

// History returns a lazy cursor over the account's entries in creation order.
func (s *Service) History(accountID string, f ledger.Filter) *ledger.Cursor {
	return ledger.NewCursor(s.store, accountID, f)
}

// Page returns one page of history, used by display collaborators.
func (s *Service) Page(ctx context.Context, accountID string, f ledger.Filter) ([]ledger.Entry, error) {
	if accountID == "" {
		return nil, ledger.NewValidationError("account_id", "is required")
	}
	return s.store.ListByAccount(ctx, accountID, f)
}

func validateRequest(e ledger.Entry) error {
	switch {
	case e.AccountID == "":
		return ledger.NewValidationError("account_id", "is required")
	case e.Amount <= 0:
		return ledger.NewValidationError("amount", "must be positive")
	case e.IdempotencyKey == "":
		return ledger.NewValidationError("idempotency_key", "is required")
	case e.Reason == "":
		return ledger.NewValidationError("reason", "is required")
	}
	return nil
}
