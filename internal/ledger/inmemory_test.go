package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func debit(account, key string, amount int64) Entry {
	return Entry{
		AccountID:      account,
		Direction:      DirectionDebit,
		Amount:         amount,
		Reason:         ReasonWithdrawal,
		Status:         StatusPending,
		IdempotencyKey: key,
	}
}

func TestInMemoryStore_AppendRejectsNonPositiveAmount(t *testing.T) {
	s := NewInMemory()
	for _, amount := range []int64{0, -10} {
		_, err := s.Append(context.Background(), debit("acct:a", "k", amount))
		if !IsValidation(err) {
			t.Fatalf("amount %d: expected validation error, got %v", amount, err)
		}
	}
}

func TestInMemoryStore_BalanceCountsDebitsUntilCompensated(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "acct:a", 10_000)

	pending, err := s.Append(ctx, debit("acct:a", "w-1", 1_000))
	if err != nil {
		t.Fatalf("append pending: %v", err)
	}
	failed, err := s.Append(ctx, debit("acct:a", "w-2", 2_000))
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	if _, err := s.UpdateStatus(ctx, failed.ID, Transition{Status: StatusFailed}); err != nil {
		t.Fatalf("fail entry: %v", err)
	}

	balance, err := s.Balance(ctx, "acct:a")
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if balance != 7_000 {
		t.Fatalf("expected failed debit to hold funds until compensated, got %d", balance)
	}
	if _, err := s.Append(ctx, Entry{AccountID: "acct:a", Direction: DirectionCredit, Amount: 2_000, Reason: ReasonRollback, Status: StatusSuccess, IdempotencyKey: "w-2:rollback", CorrelationID: failed.ID}); err != nil {
		t.Fatalf("append rollback: %v", err)
	}
	balance, _ = s.Balance(ctx, "acct:a")
	if balance != 9_000 {
		t.Fatalf("expected balance 9000 after rollback, got %d", balance)
	}

	if _, err := s.UpdateStatus(ctx, pending.ID, Transition{Status: StatusSuccess, ExternalReference: "TX-1"}); err != nil {
		t.Fatalf("settle entry: %v", err)
	}
	balance, _ = s.Balance(ctx, "acct:a")
	if balance != 9_000 {
		t.Fatalf("expected balance to stay 9000 after settlement, got %d", balance)
	}

	entries, err := s.ListByAccount(ctx, "acct:a", Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if got := Sum(entries); got != balance {
		t.Fatalf("sum of history %d does not match balance %d", got, balance)
	}
}

func TestInMemoryStore_DuplicateKeyReturnsStoredEntry(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	first, err := s.Append(ctx, debit("acct:a", "dup", 500))
	if err != nil {
		t.Fatalf("initial append: %v", err)
	}
	again, err := s.Append(ctx, debit("acct:a", "dup", 500))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("expected stored entry %s, got %s", first.ID, again.ID)
	}
}

func TestInMemoryStore_StatusTransitionsOnce(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	entry, _ := s.Append(ctx, debit("acct:a", "w", 100))

	updated, err := s.UpdateStatus(ctx, entry.ID, Transition{Status: StatusSuccess, ExternalReference: "TX-9"})
	if err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if updated.ExternalReference != "TX-9" || updated.ResolvedAt == nil {
		t.Fatalf("unexpected resolved entry: %+v", updated)
	}

	current, err := s.UpdateStatus(ctx, entry.ID, Transition{Status: StatusFailed})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if current.Status != StatusSuccess {
		t.Fatalf("expected stored status SUCCESS, got %s", current.Status)
	}

	if _, err := s.UpdateStatus(ctx, "missing", Transition{Status: StatusFailed}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.UpdateStatus(ctx, entry.ID, Transition{Status: StatusPending}); !IsValidation(err) {
		t.Fatalf("expected validation error for PENDING target, got %v", err)
	}
}

func TestInMemoryStore_ConcurrentReservationsNeverOverdraw(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	SeedBalance(s, "acct:a", 1_000)

	const workers = 20
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reserved int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.WithAccount(ctx, "acct:a", func(tx AccountTx) error {
				balance, err := tx.Balance(ctx)
				if err != nil {
					return err
				}
				if balance < 300 {
					return ErrInsufficientFunds
				}
				_, err = tx.Append(ctx, debit("acct:a", fmt.Sprintf("w-%d", i), 300))
				return err
			})
			if err == nil {
				mu.Lock()
				reserved++
				mu.Unlock()
			} else if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("worker %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	if reserved != 3 {
		t.Fatalf("expected exactly 3 reservations, got %d", reserved)
	}
	balance, _ := s.Balance(ctx, "acct:a")
	if balance != 100 {
		t.Fatalf("expected balance 100, got %d", balance)
	}
}

func TestInMemoryStore_ListPending(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	old := debit("acct:a", "old", 100)
	old.CreatedAt = time.Now().Add(-time.Hour)
	if _, err := s.Append(ctx, old); err != nil {
		t.Fatalf("append old: %v", err)
	}
	if _, err := s.Append(ctx, debit("acct:a", "fresh", 100)); err != nil {
		t.Fatalf("append fresh: %v", err)
	}

	pending, err := s.ListPending(ctx, ReasonWithdrawal, time.Now().Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0].IdempotencyKey != "old" {
		t.Fatalf("expected only the old entry, got %+v", pending)
	}
}

func TestCursor_PagesLazilyAndRestarts(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	for i := 0; i < 7; i++ {
		SeedBalance(s, "acct:a", int64(i+1))
	}

	cur := NewCursor(s, "acct:a", Filter{Limit: 3})
	first, err := Collect(ctx, cur)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(first) != 7 {
		t.Fatalf("expected 7 entries, got %d", len(first))
	}
	for i, e := range first {
		if e.Amount != int64(i+1) {
			t.Fatalf("entry %d out of order: amount %d", i, e.Amount)
		}
	}

	cur.Reset()
	second, err := Collect(ctx, cur)
	if err != nil {
		t.Fatalf("collect after reset: %v", err)
	}
	if len(second) != len(first) || second[0].ID != first[0].ID {
		t.Fatalf("reset cursor did not restart from the beginning")
	}
}
