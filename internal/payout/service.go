package payout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/staykeep/payouts/internal/gateway"
	"github.com/staykeep/payouts/internal/ledger"
	"github.com/staykeep/payouts/internal/metrics"
	"github.com/staykeep/payouts/internal/notification"
	"github.com/staykeep/payouts/internal/wallet"
)

// ErrIdempotencyMismatch indicates a reused key with a different amount or destination.
var ErrIdempotencyMismatch = errors.New("idempotency key reused with different withdrawal parameters")

var keyNamespace = uuid.MustParse("0b6f1e58-7d1c-4c5e-8c8e-3f5a2d9b7a41")

// DeriveKey turns a client supplied key into the ledger idempotency key. The same
// account and client key always produce the same ledger key.
func DeriveKey(accountID, clientKey string) string {
	return uuid.NewSHA1(keyNamespace, []byte(accountID+"|"+clientKey)).String()
}

func rollbackKey(key string) string { return key + ":rollback" }

// Status is the caller-facing result of a withdrawal.
type Status string

const (
	StatusCompleted              Status = "completed"
	StatusRejected               Status = "rejected"
	StatusReconciliationRequired Status = "reconciliation_required"
)

// Outcome describes where a withdrawal stands.
type Outcome struct {
	Status            Status
	EntryID           string
	AccountID         string
	Amount            int64
	IdempotencyKey    string
	Destination       string
	ExternalReference string
	RejectKind        gateway.RejectKind
	Detail            string
	Replayed          bool
}

// WithdrawInput captures a request to move wallet funds to an external account.
type WithdrawInput struct {
	AccountID string `validate:"required,max=128"`
	Amount    int64  `validate:"gt=0"`
	Provider  string `validate:"required,max=64"`
	Recipient string `validate:"required,numeric,min=8,max=15"`
	ClientKey string `validate:"required,max=128"`
}

// Options tunes the orchestrator.
type Options struct {
	MinWithdrawal int64
	SweepLimit    int
}

// Orchestrator runs withdrawals against the ledger and the payout gateways.
type Orchestrator struct {
	store    ledger.Store
	wallets  *wallet.Service
	gateways *gateway.Registry
	notifier notification.Notifier
	validate *validator.Validate
	opts     Options
	logger   *slog.Logger
}

// NewOrchestrator wires the withdrawal flow.
func NewOrchestrator(store ledger.Store, wallets *wallet.Service, gateways *gateway.Registry, notifier notification.Notifier, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.SweepLimit <= 0 {
		opts.SweepLimit = 100
	}
	return &Orchestrator{
		store:    store,
		wallets:  wallets,
		gateways: gateways,
		notifier: notifier,
		validate: validator.New(),
		opts:     opts,
		logger:   logger,
	}
}

// Withdraw reserves funds, sends them through the provider and settles the reservation.
// A Rejected gateway answer fails the debit and credits the funds back. An
// Indeterminate answer leaves the debit PENDING and reports reconciliation required;
// calling Withdraw again with the same key continues the same withdrawal.
func (o *Orchestrator) Withdraw(ctx context.Context, in WithdrawInput) (Outcome, error) {
	if err := o.check(in); err != nil {
		return Outcome{}, err
	}

	dest := gateway.Destination{Provider: in.Provider, Recipient: in.Recipient}
	key := DeriveKey(in.AccountID, in.ClientKey)

	entry, err := o.wallets.ReserveDebit(ctx, in.AccountID, in.Amount, ledger.ReasonWithdrawal, key, wallet.WithDestination(dest.String()))
	switch {
	case errors.Is(err, ledger.ErrDuplicateKey):
		if entry.AccountID != in.AccountID || entry.Amount != in.Amount || entry.Destination != dest.String() || entry.Reason != ledger.ReasonWithdrawal {
			return Outcome{}, ErrIdempotencyMismatch
		}
		o.logger.Info("withdrawal replayed",
			slog.String("account_id", entry.AccountID),
			slog.String("entry_id", entry.ID),
			slog.String("status", string(entry.Status)),
		)
		out, err := o.settle(ctx, entry)
		out.Replayed = true
		return out, err
	case err != nil:
		return Outcome{}, err
	}

	o.logger.Info("withdrawal reserved",
		slog.String("account_id", entry.AccountID),
		slog.String("entry_id", entry.ID),
		slog.Int64("amount", entry.Amount),
		slog.String("provider", dest.Provider),
		slog.String("idempotency_key", key),
	)
	return o.submit(ctx, entry, dest)
}

func (o *Orchestrator) check(in WithdrawInput) error {
	if err := o.validate.Struct(in); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ledger.NewValidationError(verrs[0].Field(), "failed "+verrs[0].Tag()+" check")
		}
		return ledger.NewValidationError("request", err.Error())
	}
	if in.Amount < o.opts.MinWithdrawal {
		return ledger.NewValidationError("Amount", fmt.Sprintf("must be at least %d", o.opts.MinWithdrawal))
	}
	if !o.gateways.Has(in.Provider) {
		return ledger.NewValidationError("Provider", "is not supported")
	}
	return nil
}

// settle drives an existing withdrawal entry to the outcome its status implies.
func (o *Orchestrator) settle(ctx context.Context, entry ledger.Entry) (Outcome, error) {
	switch entry.Status {
	case ledger.StatusSuccess:
		return outcomeOf(entry), nil
	case ledger.StatusFailed:
		if err := o.compensate(ctx, entry); err != nil {
			return Outcome{}, err
		}
		return outcomeOf(entry), nil
	default:
		dest, err := gateway.ParseDestination(entry.Destination)
		if err != nil {
			return Outcome{}, fmt.Errorf("entry %s: %w", entry.ID, err)
		}
		return o.submit(ctx, entry, dest)
	}
}

func (o *Orchestrator) submit(ctx context.Context, entry ledger.Entry, dest gateway.Destination) (Outcome, error) {
	// Once the provider has been called the result is recorded even if the caller left.
	ctx = context.WithoutCancel(ctx)
	res := o.gateways.Send(ctx, dest, entry.Amount, entry.IdempotencyKey)

	switch res.Outcome {
	case gateway.OutcomeSuccess:
		return o.complete(ctx, entry, res.ExternalReference)
	case gateway.OutcomeRejected:
		return o.reject(ctx, entry, res.Kind, res.Detail)
	default:
		o.logger.Warn("withdrawal requires reconciliation",
			slog.String("account_id", entry.AccountID),
			slog.String("entry_id", entry.ID),
			slog.String("provider", dest.Provider),
			slog.String("idempotency_key", entry.IdempotencyKey),
			slog.String("detail", res.Detail),
		)
		metrics.Withdrawals.WithLabelValues(dest.Provider, string(StatusReconciliationRequired)).Inc()
		out := outcomeOf(entry)
		out.Detail = res.Detail
		return out, nil
	}
}

func (o *Orchestrator) complete(ctx context.Context, entry ledger.Entry, reference string) (Outcome, error) {
	updated, err := o.store.UpdateStatus(ctx, entry.ID, ledger.Transition{Status: ledger.StatusSuccess, ExternalReference: reference})
	switch {
	case errors.Is(err, ledger.ErrInvalidTransition):
		if updated.Status != ledger.StatusSuccess {
			o.logger.Error("provider paid a withdrawal resolved as failed",
				slog.String("entry_id", entry.ID),
				slog.String("external_reference", reference),
			)
		}
		return o.settle(ctx, updated)
	case err != nil:
		// The debit stays PENDING; the next replay or sweep settles it.
		o.logger.Error("recording withdrawal success failed", slog.String("entry_id", entry.ID), slog.Any("error", err))
		out := outcomeOf(entry)
		out.ExternalReference = reference
		return out, nil
	}

	o.logger.Info("withdrawal completed",
		slog.String("account_id", updated.AccountID),
		slog.String("entry_id", updated.ID),
		slog.String("external_reference", reference),
	)
	o.track(updated, StatusCompleted)
	o.notify(ctx, notification.KindWithdrawalCompleted, updated.AccountID,
		fmt.Sprintf("Your withdrawal of %d was sent (ref %s)", updated.Amount, reference))
	return outcomeOf(updated), nil
}

func (o *Orchestrator) reject(ctx context.Context, entry ledger.Entry, kind gateway.RejectKind, detail string) (Outcome, error) {
	updated, err := o.store.UpdateStatus(ctx, entry.ID, ledger.Transition{Status: ledger.StatusFailed, FailureReason: string(kind)})
	switch {
	case errors.Is(err, ledger.ErrInvalidTransition):
		return o.settle(ctx, updated)
	case err != nil:
		return Outcome{}, fmt.Errorf("record withdrawal failure: %w", err)
	}

	if err := o.compensate(ctx, updated); err != nil {
		return Outcome{}, err
	}

	o.logger.Info("withdrawal rejected and compensated",
		slog.String("account_id", updated.AccountID),
		slog.String("entry_id", updated.ID),
		slog.String("kind", string(kind)),
		slog.String("detail", detail),
	)
	o.track(updated, StatusRejected)
	o.notify(ctx, notification.KindWithdrawalFailed, updated.AccountID,
		fmt.Sprintf("Your withdrawal of %d could not be sent and was returned to your wallet", updated.Amount))

	out := outcomeOf(updated)
	out.Detail = detail
	return out, nil
}

// compensate credits a failed debit back. Repeating it is a no-op.
func (o *Orchestrator) compensate(ctx context.Context, entry ledger.Entry) error {
	_, err := o.wallets.CreditAccount(ctx, entry.AccountID, entry.Amount, ledger.ReasonRollback, rollbackKey(entry.IdempotencyKey), wallet.WithCorrelation(entry.ID))
	if err != nil {
		return fmt.Errorf("compensate withdrawal %s: %w", entry.ID, err)
	}
	return nil
}

// Lookup returns the outcome of a withdrawal. A non-empty accountID restricts the
// lookup to that account's entries.
func (o *Orchestrator) Lookup(ctx context.Context, entryID, accountID string) (Outcome, error) {
	entry, err := o.withdrawal(ctx, entryID)
	if err != nil {
		return Outcome{}, err
	}
	if accountID != "" && entry.AccountID != accountID {
		return Outcome{}, ledger.ErrNotFound
	}
	return outcomeOf(entry), nil
}

// Reconcile replays one withdrawal against its provider under the original key.
func (o *Orchestrator) Reconcile(ctx context.Context, entryID string) (Outcome, error) {
	entry, err := o.withdrawal(ctx, entryID)
	if err != nil {
		return Outcome{}, err
	}
	return o.settle(ctx, entry)
}

// SweepResult summarizes a reconciliation sweep.
type SweepResult struct {
	Checked      int
	Completed    int
	Rejected     int
	StillPending int
	Errors       int
}

// ReconcilePending replays withdrawals that have been PENDING for longer than olderThan.
func (o *Orchestrator) ReconcilePending(ctx context.Context, olderThan time.Duration) (SweepResult, error) {
	pending, err := o.store.ListPending(ctx, ledger.ReasonWithdrawal, time.Now().UTC().Add(-olderThan), o.opts.SweepLimit)
	if err != nil {
		return SweepResult{}, err
	}

	var sum SweepResult
	for _, entry := range pending {
		if ctx.Err() != nil {
			break
		}
		sum.Checked++
		out, err := o.settle(ctx, entry)
		if err != nil {
			sum.Errors++
			o.logger.Error("reconciling withdrawal failed", slog.String("entry_id", entry.ID), slog.Any("error", err))
			continue
		}
		switch out.Status {
		case StatusCompleted:
			sum.Completed++
		case StatusRejected:
			sum.Rejected++
		default:
			sum.StillPending++
		}
	}
	metrics.PendingReconciliation.Set(float64(sum.StillPending + sum.Errors))
	return sum, nil
}

// Resolve settles a pending withdrawal by hand, for cases the provider cannot answer.
// Resolving as FAILED credits the funds back.
func (o *Orchestrator) Resolve(ctx context.Context, entryID string, status ledger.Status, reference, reason string) (Outcome, error) {
	entry, err := o.withdrawal(ctx, entryID)
	if err != nil {
		return Outcome{}, err
	}
	if entry.Status != ledger.StatusPending {
		return outcomeOf(entry), ledger.ErrInvalidTransition
	}

	switch status {
	case ledger.StatusSuccess:
		if reference == "" {
			return Outcome{}, ledger.NewValidationError("external_reference", "is required to resolve as SUCCESS")
		}
		return o.complete(ctx, entry, reference)
	case ledger.StatusFailed:
		kind := gateway.RejectKind(reason)
		if reason == "" {
			kind = gateway.ProviderRefused
		}
		if !kind.Valid() {
			return Outcome{}, ledger.NewValidationError("failure_reason", fmt.Sprintf("unknown rejection kind %q", reason))
		}
		return o.reject(ctx, entry, kind, "resolved manually")
	default:
		return Outcome{}, ledger.NewValidationError("status", "must be SUCCESS or FAILED")
	}
}

func (o *Orchestrator) withdrawal(ctx context.Context, entryID string) (ledger.Entry, error) {
	entry, err := o.store.Get(ctx, entryID)
	if err != nil {
		return ledger.Entry{}, err
	}
	if entry.Reason != ledger.ReasonWithdrawal || entry.Direction != ledger.DirectionDebit {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	return entry, nil
}

func (o *Orchestrator) track(entry ledger.Entry, status Status) {
	provider := ""
	if dest, err := gateway.ParseDestination(entry.Destination); err == nil {
		provider = dest.Provider
	}
	metrics.Withdrawals.WithLabelValues(provider, string(status)).Inc()
}

func (o *Orchestrator) notify(ctx context.Context, kind, accountID, body string) {
	if o.notifier == nil {
		return
	}
	if err := o.notifier.Send(ctx, notification.Message{Kind: kind, Destination: accountID, Body: body}); err != nil {
		o.logger.Warn("notification failed", slog.String("kind", kind), slog.Any("error", err))
	}
}

func outcomeOf(entry ledger.Entry) Outcome {
	out := Outcome{
		EntryID:           entry.ID,
		AccountID:         entry.AccountID,
		Amount:            entry.Amount,
		IdempotencyKey:    entry.IdempotencyKey,
		Destination:       entry.Destination,
		ExternalReference: entry.ExternalReference,
	}
	switch entry.Status {
	case ledger.StatusSuccess:
		out.Status = StatusCompleted
	case ledger.StatusFailed:
		out.Status = StatusRejected
		out.RejectKind = gateway.RejectKind(entry.FailureReason)
	default:
		out.Status = StatusReconciliationRequired
	}
	return out
}
