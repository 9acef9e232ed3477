package payout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/staykeep/payouts/internal/gateway"
	"github.com/staykeep/payouts/internal/ledger"
	"github.com/staykeep/payouts/internal/logging"
	"github.com/staykeep/payouts/internal/notification"
	"github.com/staykeep/payouts/internal/wallet"
)

// scripted answers each call with the next result; the last one repeats.
type scripted struct {
	mu      sync.Mutex
	results []gateway.Result
	keys    []string
	onSend  func()
}

func (s *scripted) send(_ context.Context, req gateway.Request) gateway.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys = append(s.keys, req.IdempotencyKey)
	if s.onSend != nil {
		s.onSend()
	}
	res := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return res
}

func (s *scripted) calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.keys...)
}

type fixture struct {
	store    ledger.Store
	wallets  *wallet.Service
	orch     *Orchestrator
	provider *scripted
	notes    *notification.Recorder
}

func newFixture(t *testing.T, results ...gateway.Result) *fixture {
	t.Helper()
	store := ledger.NewInMemory()
	wallets := wallet.NewService(store, logging.Discard())
	provider := &scripted{results: results}
	reg := gateway.NewRegistry("XAF", logging.Discard())
	require.NoError(t, reg.Register(gateway.Func{ProviderName: "mtn", Fn: provider.send}, gateway.WithTimeout(200*time.Millisecond)))
	notes := &notification.Recorder{}
	orch := NewOrchestrator(store, wallets, reg, notes, logging.Discard(), Options{MinWithdrawal: 500})
	return &fixture{store: store, wallets: wallets, orch: orch, provider: provider, notes: notes}
}

func (f *fixture) balance(t *testing.T, accountID string) int64 {
	t.Helper()
	b, err := f.wallets.GetBalance(context.Background(), accountID)
	require.NoError(t, err)
	return b
}

func (f *fixture) entries(t *testing.T, accountID string) []ledger.Entry {
	t.Helper()
	entries, err := ledger.Collect(context.Background(), f.wallets.History(accountID, ledger.Filter{}))
	require.NoError(t, err)
	return entries
}

func withdrawal(amount int64, clientKey string) WithdrawInput {
	return WithdrawInput{AccountID: "acct-1", Amount: amount, Provider: "mtn", Recipient: "237670000001", ClientKey: clientKey}
}

func TestWithdrawSuccess(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	out, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, "TX-1", out.ExternalReference)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))

	debit, err := f.store.Get(context.Background(), out.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusSuccess, debit.Status)
	assert.Equal(t, ledger.DirectionDebit, debit.Direction)
	assert.Equal(t, int64(4_000), debit.Amount)
	assert.Equal(t, "TX-1", debit.ExternalReference)

	msgs := f.notes.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notification.KindWithdrawalCompleted, msgs[0].Kind)
}

func TestWithdrawRejectedIsCompensated(t *testing.T) {
	f := newFixture(t, gateway.Rejected(gateway.InsufficientMerchantFunds, "float empty"))
	ledger.SeedBalance(f.store, "acct-1", 6_000)

	out, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, gateway.InsufficientMerchantFunds, out.RejectKind)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))

	entries := f.entries(t, "acct-1")
	require.Len(t, entries, 3)
	debit, rollback := entries[1], entries[2]
	assert.Equal(t, ledger.StatusFailed, debit.Status)
	assert.Equal(t, string(gateway.InsufficientMerchantFunds), debit.FailureReason)
	assert.Equal(t, ledger.DirectionCredit, rollback.Direction)
	assert.Equal(t, ledger.ReasonRollback, rollback.Reason)
	assert.Equal(t, ledger.StatusSuccess, rollback.Status)
	assert.Equal(t, int64(4_000), rollback.Amount)
	assert.Equal(t, debit.ID, rollback.CorrelationID)

	msgs := f.notes.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, notification.KindWithdrawalFailed, msgs[0].Kind)
}

func TestWithdrawIndeterminateThenReplayConfirmsSuccess(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"), gateway.Success("TX-9"))
	ledger.SeedBalance(f.store, "acct-1", 6_000)

	out, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusReconciliationRequired, out.Status)
	assert.Equal(t, int64(5_000), f.balance(t, "acct-1"))
	assert.Empty(t, f.notes.Messages())

	replayed, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, replayed.Status)
	assert.True(t, replayed.Replayed)
	assert.Equal(t, out.EntryID, replayed.EntryID)
	assert.Equal(t, int64(5_000), f.balance(t, "acct-1"))

	keys := f.provider.calls()
	require.Len(t, keys, 2)
	assert.Equal(t, keys[0], keys[1], "replay reuses the idempotency key")
}

func TestWithdrawIndeterminateThenReconcileConfirmsFailure(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"), gateway.Rejected(gateway.InvalidRecipient, "no such wallet"))
	ledger.SeedBalance(f.store, "acct-1", 6_000)

	out, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-1"))
	require.NoError(t, err)
	require.Equal(t, StatusReconciliationRequired, out.Status)

	resolved, err := f.orch.Reconcile(context.Background(), out.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, resolved.Status)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))
}

func TestWithdrawReplayAfterSuccessDoesNotDebitTwice(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	first, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	second, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)

	assert.Equal(t, first.EntryID, second.EntryID)
	assert.Equal(t, StatusCompleted, second.Status)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))
	assert.Len(t, f.entries(t, "acct-1"), 2)
	assert.Len(t, f.provider.calls(), 1, "a settled withdrawal is not sent again")
}

func TestWithdrawReplayAfterRejectionKeepsSingleRollback(t *testing.T) {
	f := newFixture(t, gateway.Rejected(gateway.ProviderRefused, "blocked"))
	ledger.SeedBalance(f.store, "acct-1", 6_000)

	_, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	out, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)

	assert.Equal(t, StatusRejected, out.Status)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))
	assert.Len(t, f.entries(t, "acct-1"), 3)
}

func TestWithdrawReplayRepairsMissingRollback(t *testing.T) {
	f := newFixture(t, gateway.Success("unused"))
	ctx := context.Background()
	ledger.SeedBalance(f.store, "acct-1", 6_000)

	key := DeriveKey("acct-1", "req-1")
	debit, err := f.wallets.ReserveDebit(ctx, "acct-1", 4_000, ledger.ReasonWithdrawal, key, wallet.WithDestination("mtn:237670000001"))
	require.NoError(t, err)
	_, err = f.store.UpdateStatus(ctx, debit.ID, ledger.Transition{Status: ledger.StatusFailed, FailureReason: string(gateway.ProviderRefused)})
	require.NoError(t, err)
	require.Equal(t, int64(2_000), f.balance(t, "acct-1"), "funds stay held until the rollback credit exists")

	out, err := f.orch.Withdraw(ctx, withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, out.Status)
	assert.Len(t, f.entries(t, "acct-1"), 3)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"))

	_, err = f.orch.Withdraw(ctx, withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), f.balance(t, "acct-1"), "rollback credit is recorded once")
	assert.Empty(t, f.provider.calls())
}

func TestWithdrawKeyReuseWithDifferentAmount(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	_, err := f.orch.Withdraw(context.Background(), withdrawal(4_000, "req-1"))
	require.NoError(t, err)
	_, err = f.orch.Withdraw(context.Background(), withdrawal(5_000, "req-1"))
	assert.ErrorIs(t, err, ErrIdempotencyMismatch)
}

func TestWithdrawValidation(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	cases := map[string]WithdrawInput{
		"zero amount":       {AccountID: "acct-1", Amount: 0, Provider: "mtn", Recipient: "237670000001", ClientKey: "k"},
		"below minimum":     {AccountID: "acct-1", Amount: 100, Provider: "mtn", Recipient: "237670000001", ClientKey: "k"},
		"bad recipient":     {AccountID: "acct-1", Amount: 1_000, Provider: "mtn", Recipient: "not-a-phone", ClientKey: "k"},
		"unknown provider":  {AccountID: "acct-1", Amount: 1_000, Provider: "paypal", Recipient: "237670000001", ClientKey: "k"},
		"missing account":   {Amount: 1_000, Provider: "mtn", Recipient: "237670000001", ClientKey: "k"},
		"missing recipient": {AccountID: "acct-1", Amount: 1_000, Provider: "mtn", ClientKey: "k"},
		"missing key":       {AccountID: "acct-1", Amount: 1_000, Provider: "mtn", Recipient: "237670000001"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.orch.Withdraw(context.Background(), in)
			assert.True(t, ledger.IsValidation(err), "got %v", err)
		})
	}
	assert.Empty(t, f.provider.calls())
	assert.Equal(t, int64(10_000), f.balance(t, "acct-1"))
}

func TestWithdrawInsufficientFundsNeverReachesGateway(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 900)

	_, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-1"))
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	assert.Empty(t, f.provider.calls())
}

func TestConcurrentWithdrawalsReserveOnce(t *testing.T) {
	f := newFixture(t, gateway.Success("TX"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.orch.Withdraw(context.Background(), withdrawal(6_000, fmt.Sprintf("req-%d", i)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	var ok, insufficient int
	for err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ledger.ErrInsufficientFunds):
			insufficient++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 3, insufficient)
	assert.Equal(t, int64(4_000), f.balance(t, "acct-1"))
}

func TestCallerCancellationDoesNotCompensate(t *testing.T) {
	f := newFixture(t, gateway.Success("TX-1"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.provider.onSend = cancel

	out, err := f.orch.Withdraw(ctx, withdrawal(2_000, "req-1"))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, out.Status)
	assert.Equal(t, int64(8_000), f.balance(t, "acct-1"))
	assert.Len(t, f.entries(t, "acct-1"), 2)
}

func TestReconcilePendingSweep(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"), gateway.Indeterminate("timeout"), gateway.Success("TX-1"), gateway.Rejected(gateway.InvalidRecipient, "gone"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	a, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-a"))
	require.NoError(t, err)
	b, err := f.orch.Withdraw(context.Background(), withdrawal(2_000, "req-b"))
	require.NoError(t, err)
	require.Equal(t, StatusReconciliationRequired, a.Status)
	require.Equal(t, StatusReconciliationRequired, b.Status)

	sum, err := f.orch.ReconcilePending(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Checked: 2, Completed: 1, Rejected: 1}, sum)
	assert.Equal(t, int64(9_000), f.balance(t, "acct-1"))
}

func TestResolveManually(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)
	ctx := context.Background()

	a, err := f.orch.Withdraw(ctx, withdrawal(1_000, "req-a"))
	require.NoError(t, err)
	b, err := f.orch.Withdraw(ctx, withdrawal(2_000, "req-b"))
	require.NoError(t, err)

	_, err = f.orch.Resolve(ctx, a.EntryID, ledger.StatusSuccess, "", "")
	assert.True(t, ledger.IsValidation(err))
	_, err = f.orch.Resolve(ctx, b.EntryID, ledger.StatusFailed, "", "CARD_EXPIRED")
	assert.True(t, ledger.IsValidation(err), "reason outside the rejection taxonomy")

	done, err := f.orch.Resolve(ctx, a.EntryID, ledger.StatusSuccess, "MANUAL-1", "")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	failed, err := f.orch.Resolve(ctx, b.EntryID, ledger.StatusFailed, "", "")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, failed.Status)
	assert.Equal(t, int64(9_000), f.balance(t, "acct-1"))

	_, err = f.orch.Resolve(ctx, a.EntryID, ledger.StatusFailed, "", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidTransition)
}

func TestLookupHidesOtherAccounts(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"))
	ledger.SeedBalance(f.store, "acct-1", 10_000)

	out, err := f.orch.Withdraw(context.Background(), withdrawal(1_000, "req-1"))
	require.NoError(t, err)

	got, err := f.orch.Lookup(context.Background(), out.EntryID, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, StatusReconciliationRequired, got.Status)

	_, err = f.orch.Lookup(context.Background(), out.EntryID, "acct-2")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeriveKey(t *testing.T) {
	assert.Equal(t, DeriveKey("acct-1", "req-1"), DeriveKey("acct-1", "req-1"))
	assert.NotEqual(t, DeriveKey("acct-1", "req-1"), DeriveKey("acct-2", "req-1"))
}

func TestReconcileBlockedLocallyStaysPending(t *testing.T) {
	store := ledger.NewInMemory()
	wallets := wallet.NewService(store, logging.Discard())
	calls := 0
	reg := gateway.NewRegistry("XAF", logging.Discard())
	require.NoError(t, reg.Register(gateway.Func{ProviderName: "mtn", Fn: func(context.Context, gateway.Request) gateway.Result {
		calls++
		return gateway.Indeterminate("timeout")
	}}, gateway.WithTimeout(100*time.Millisecond), gateway.WithRateLimit(0.01, 1)))
	orch := NewOrchestrator(store, wallets, reg, nil, logging.Discard(), Options{MinWithdrawal: 500})
	ledger.SeedBalance(store, "acct-1", 6_000)
	ctx := context.Background()

	out, err := orch.Withdraw(ctx, withdrawal(1_000, "req-1"))
	require.NoError(t, err)
	require.Equal(t, StatusReconciliationRequired, out.Status)

	again, err := orch.Reconcile(ctx, out.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StatusReconciliationRequired, again.Status)
	assert.Equal(t, 1, calls)

	balance, err := wallets.GetBalance(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), balance, "a blocked replay never refunds")
}

func TestReconcileWithRemovedProviderStaysPending(t *testing.T) {
	f := newFixture(t, gateway.Indeterminate("timeout"))
	ledger.SeedBalance(f.store, "acct-1", 6_000)
	ctx := context.Background()

	out, err := f.orch.Withdraw(ctx, withdrawal(1_000, "req-1"))
	require.NoError(t, err)

	empty := gateway.NewRegistry("XAF", logging.Discard())
	orch := NewOrchestrator(f.store, f.wallets, empty, nil, logging.Discard(), Options{MinWithdrawal: 500})
	again, err := orch.Reconcile(ctx, out.EntryID)
	require.NoError(t, err)
	assert.Equal(t, StatusReconciliationRequired, again.Status)
	assert.Equal(t, int64(5_000), f.balance(t, "acct-1"))

	entry, err := f.store.Get(ctx, out.EntryID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPending, entry.Status)
}
