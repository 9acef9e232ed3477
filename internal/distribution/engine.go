package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/staykeep/payouts/internal/ledger"
	"github.com/staykeep/payouts/internal/metrics"
	"github.com/staykeep/payouts/internal/notification"
	"github.com/staykeep/payouts/internal/wallet"
)

// Crediter appends settled credits. *wallet.Service satisfies it.
type Crediter interface {
	CreditAccount(ctx context.Context, accountID string, amount int64, reason, idempotencyKey string, opts ...wallet.EntryOption) (ledger.Entry, error)
}

// WeightSource lists the accounts eligible for a period with their contributed capital.
type WeightSource interface {
	EligibleAccounts(ctx context.Context, period string) ([]Allocation, error)
}

// Engine credits pro-rata shares of a lump sum.
type Engine struct {
	wallets  Crediter
	runs     RunStore
	weights  WeightSource
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine wires a distribution engine. weights may be nil when callers always supply
// allocations.
func NewEngine(wallets Crediter, runs RunStore, weights WeightSource, notifier notification.Notifier, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		wallets:  wallets,
		runs:     runs,
		weights:  weights,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

var runNamespace = uuid.MustParse("5d2c8f3a-91e4-4b7a-a6d0-7c3e1f9b2a64")

// RunID derives the run id from the caller's request key, so a retried request lands on
// the same run and the same share credit keys.
func RunID(runKey string) string {
	return uuid.NewSHA1(runNamespace, []byte("distribution|"+runKey)).String()
}

func shareKey(runID, accountID string) string {
	return "dist:" + runID + ":" + accountID
}

// Distribute splits total across allocations and credits each non-zero share with reason
// DIVIDEND. The first failed credit halts the run: the returned run lists credited and
// uncredited accounts and the error wraps ErrPartialDistribution. Credits already issued
// stay in place. runKey names the run; calling again with the same key reports the
// existing run instead of distributing twice.
func (e *Engine) Distribute(ctx context.Context, runKey string, total int64, period string, allocations []Allocation) (Run, error) {
	if runKey == "" {
		return Run{}, ledger.NewValidationError("idempotency_key", "is required")
	}
	runID := RunID(runKey)
	if run, found, err := e.existing(ctx, runID, total, period); found || err != nil {
		return run, err
	}

	shares, err := Compute(total, allocations)
	if err != nil {
		return Run{}, err
	}

	run := Run{
		ID:          runID,
		Period:      period,
		TotalAmount: total,
		Status:      RunRunning,
		Shares:      shares,
		CreatedAt:   e.now(),
	}
	if err := e.runs.CreateRun(ctx, run); err != nil {
		if errors.Is(err, ErrRunExists) {
			run, _, err := e.existing(ctx, runID, total, period)
			return run, err
		}
		return Run{}, fmt.Errorf("create distribution run: %w", err)
	}

	e.logger.Info("distribution started",
		slog.String("run_id", run.ID),
		slog.String("period", period),
		slog.Int64("total_amount", total),
		slog.Int("accounts", len(shares)),
	)
	return e.apply(ctx, run)
}

// DistributeFromSource asks the weight source for the eligible accounts of period.
func (e *Engine) DistributeFromSource(ctx context.Context, runKey string, total int64, period string) (Run, error) {
	if runKey == "" {
		return Run{}, ledger.NewValidationError("idempotency_key", "is required")
	}
	if run, found, err := e.existing(ctx, RunID(runKey), total, period); found || err != nil {
		return run, err
	}
	if e.weights == nil {
		return Run{}, errors.New("no weight source configured")
	}
	allocations, err := e.weights.EligibleAccounts(ctx, period)
	if err != nil {
		return Run{}, fmt.Errorf("load eligible accounts: %w", err)
	}
	return e.Distribute(ctx, runKey, total, period, allocations)
}

// existing reports a run already stored under runID, with the error its state implies.
func (e *Engine) existing(ctx context.Context, runID string, total int64, period string) (Run, bool, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if errors.Is(err, ErrRunNotFound) {
		return Run{}, false, nil
	}
	if err != nil {
		return Run{}, false, err
	}
	if run.TotalAmount != total || run.Period != period {
		return Run{}, true, ErrRunKeyMismatch
	}

	run.Replayed = true
	e.logger.Info("distribution replayed", slog.String("run_id", run.ID), slog.String("status", string(run.Status)))
	switch run.Status {
	case RunPartial:
		return run, true, fmt.Errorf("%w: resume run %s", ErrPartialDistribution, run.ID)
	case RunRunning:
		return run, true, ErrRunInProgress
	default:
		return run, true, nil
	}
}

// Resume credits the shares of a partial run that were not credited. Credits reuse the
// run's keys, so shares already credited are never credited again.
func (e *Engine) Resume(ctx context.Context, runID string) (Run, error) {
	run, err := e.runs.GetRun(ctx, runID)
	if err != nil {
		return Run{}, err
	}
	if run.Status == RunCompleted {
		return run, nil
	}
	for i := range run.Shares {
		if run.Shares[i].Status == ShareFailed {
			run.Shares[i].Status = SharePending
			run.Shares[i].Error = ""
		}
	}
	e.logger.Info("distribution resumed", slog.String("run_id", run.ID))
	return e.apply(ctx, run)
}

// Get returns a stored run.
func (e *Engine) Get(ctx context.Context, runID string) (Run, error) {
	return e.runs.GetRun(ctx, runID)
}

func (e *Engine) apply(ctx context.Context, run Run) (Run, error) {
	for i := range run.Shares {
		share := &run.Shares[i]
		if share.Status != SharePending {
			continue
		}

		entry, err := e.wallets.CreditAccount(ctx, share.AccountID, share.Amount, ledger.ReasonDividend,
			shareKey(run.ID, share.AccountID), wallet.WithCorrelation(run.ID))
		if err != nil {
			share.Status = ShareFailed
			share.Error = err.Error()
			metrics.DistributionCredits.WithLabelValues("failed").Inc()
			e.logger.Error("distribution credit failed",
				slog.String("run_id", run.ID),
				slog.String("account_id", share.AccountID),
				slog.Int64("amount", share.Amount),
				slog.Any("error", err),
			)
			if recErr := e.runs.RecordShare(ctx, run.ID, *share); recErr != nil {
				e.logger.Error("recording failed share", slog.String("run_id", run.ID), slog.Any("error", recErr))
			}
			return e.finish(ctx, run, RunPartial, fmt.Errorf("%w: credit %s: %v", ErrPartialDistribution, share.AccountID, err))
		}

		share.Status = ShareCredited
		share.EntryID = entry.ID
		metrics.DistributionCredits.WithLabelValues("credited").Inc()
		if err := e.runs.RecordShare(ctx, run.ID, *share); err != nil {
			return e.finish(ctx, run, RunPartial, fmt.Errorf("%w: record share %s: %v", ErrPartialDistribution, share.AccountID, err))
		}
		e.notify(ctx, share.AccountID, fmt.Sprintf("You received a dividend of %d for %s", share.Amount, run.Period))
	}
	return e.finish(ctx, run, RunCompleted, nil)
}

func (e *Engine) finish(ctx context.Context, run Run, status RunStatus, cause error) (Run, error) {
	run.Status = status
	completed := e.now()
	run.CompletedAt = &completed
	if err := e.runs.FinishRun(ctx, run.ID, status, completed); err != nil {
		e.logger.Error("finishing distribution run", slog.String("run_id", run.ID), slog.Any("error", err))
		if cause == nil {
			cause = fmt.Errorf("finish distribution run: %w", err)
		}
	}

	e.logger.Info("distribution finished",
		slog.String("run_id", run.ID),
		slog.String("status", string(status)),
		slog.Int64("credited_amount", run.CreditedAmount()),
		slog.Int("credited_accounts", len(run.Credited())),
		slog.Int("not_credited_accounts", len(run.NotCredited())),
	)
	return run, cause
}

func (e *Engine) notify(ctx context.Context, accountID, body string) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Send(ctx, notification.Message{Kind: notification.KindDividendCredited, Destination: accountID, Body: body}); err != nil {
		e.logger.Warn("notification failed", slog.String("account_id", accountID), slog.Any("error", err))
	}
}
