package ledger

import (
	"context"

	"github.com/google/uuid"
)

// SeedBalance is a test helper that funds an account with a settled credit.
func SeedBalance(s Store, accountID string, amount int64) Entry {
	entry, err := s.Append(context.Background(), Entry{
		AccountID:      accountID,
		Direction:      DirectionCredit,
		Amount:         amount,
		Reason:         "SEED",
		Status:         StatusSuccess,
		IdempotencyKey: "seed:" + uuid.NewString(),
	})
	if err != nil {
		panic(err)
	}
	return entry
}
