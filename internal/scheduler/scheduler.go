package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/staykeep/payouts/internal/payout"
)

// Reconciler sweeps withdrawals left pending.
type Reconciler interface {
	ReconcilePending(ctx context.Context, olderThan time.Duration) (payout.SweepResult, error)
}

// Scheduler manages cron job scheduling.
type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	olderThan  time.Duration
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a scheduler running the reconciliation sweep on spec, a cron expression
// with a seconds field.
func New(spec string, reconciler Reconciler, olderThan time.Duration, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	s := &Scheduler{
		cron:       c,
		reconciler: reconciler,
		olderThan:  olderThan,
		timeout:    5 * time.Minute,
		logger:     logger,
	}
	if _, err := c.AddFunc(spec, s.ReconcilePending); err != nil {
		return nil, fmt.Errorf("register reconciliation job: %w", err)
	}
	return s, nil
}

// Start begins the cron scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("cron scheduler started", slog.Int("jobs", len(s.cron.Entries())))
}

// Stop waits for running jobs and stops the scheduler.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("cron scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("cron scheduler stop timed out")
	}
}

// ReconcilePending runs one reconciliation sweep.
func (s *Scheduler) ReconcilePending() {
	s.runWithRecovery("ReconcilePending", func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		sum, err := s.reconciler.ReconcilePending(ctx, s.olderThan)
		if err != nil {
			s.logger.Error("reconciliation sweep failed", slog.Any("error", err))
			return
		}
		if sum.Checked == 0 {
			return
		}
		s.logger.Info("reconciliation sweep finished",
			slog.Int("checked", sum.Checked),
			slog.Int("completed", sum.Completed),
			slog.Int("rejected", sum.Rejected),
			slog.Int("still_pending", sum.StillPending),
			slog.Int("errors", sum.Errors),
		)
	})
}

func (s *Scheduler) runWithRecovery(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("job panicked", slog.String("job", name), slog.Any("panic", r))
		}
	}()
	start := time.Now()
	fn()
	s.logger.Debug("job finished", slog.String("job", name), slog.Duration("duration", time.Since(start)))
}
