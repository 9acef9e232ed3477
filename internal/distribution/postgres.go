package distribution

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLRunStore persists runs in PostgreSQL through database/sql.
type SQLRunStore struct {
	db *sql.DB
}

var _ RunStore = (*SQLRunStore)(nil)

// NewSQLRunStore constructs a SQL-backed run store.
func NewSQLRunStore(db *sql.DB) *SQLRunStore {
	return &SQLRunStore{db: db}
}

// CreateRun stores the run and its computed shares in one transaction.
func (s *SQLRunStore) CreateRun(ctx context.Context, run Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err := tx.ExecContext(ctx, `INSERT INTO distribution_runs (id, period, total_amount, status, created_at)
        VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.Period, run.TotalAmount, string(run.Status), run.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return ErrRunExists
		}
		return fmt.Errorf("insert run: %w", err)
	}
	for i, share := range run.Shares {
		if _, err := tx.ExecContext(ctx, `INSERT INTO distribution_shares (run_id, position, account_id, weight, amount, status)
            VALUES ($1, $2, $3, $4, $5, $6)`,
			run.ID, i, share.AccountID, share.Weight, share.Amount, string(share.Status)); err != nil {
			return fmt.Errorf("insert share %s: %w", share.AccountID, err)
		}
	}
	return tx.Commit()
}

// RecordShare stores the credit result of one share.
func (s *SQLRunStore) RecordShare(ctx context.Context, runID string, share Share) error {
	res, err := s.db.ExecContext(ctx, `UPDATE distribution_shares
        SET status = $3, entry_id = NULLIF($4, ''), error = NULLIF($5, '')
        WHERE run_id = $1 AND account_id = $2`,
		runID, share.AccountID, string(share.Status), share.EntryID, share.Error)
	if err != nil {
		return fmt.Errorf("record share: %w", err)
	}
	return expectOne(res)
}

// FinishRun marks the run completed or partial.
func (s *SQLRunStore) FinishRun(ctx context.Context, runID string, status RunStatus, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE distribution_runs SET status = $2, completed_at = $3 WHERE id = $1`,
		runID, string(status), completedAt)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return expectOne(res)
}

// GetRun loads a run with its shares in computation order.
func (s *SQLRunStore) GetRun(ctx context.Context, runID string) (Run, error) {
	var (
		run       Run
		status    string
		completed sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, period, total_amount, status, created_at, completed_at
        FROM distribution_runs WHERE id = $1`, runID).
		Scan(&run.ID, &run.Period, &run.TotalAmount, &status, &run.CreatedAt, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrRunNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	run.Status = RunStatus(status)
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT account_id, weight, amount, status, COALESCE(entry_id, ''), COALESCE(error, '')
        FROM distribution_shares WHERE run_id = $1 ORDER BY position`, runID)
	if err != nil {
		return Run{}, fmt.Errorf("list shares: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			share       Share
			shareStatus string
		)
		if err := rows.Scan(&share.AccountID, &share.Weight, &share.Amount, &shareStatus, &share.EntryID, &share.Error); err != nil {
			return Run{}, err
		}
		share.Status = ShareStatus(shareStatus)
		run.Shares = append(run.Shares, share)
	}
	return run, rows.Err()
}

func expectOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// SQLWeightSource reads contributed capital from the investments table.
type SQLWeightSource struct {
	db *sql.DB
}

// NewSQLWeightSource constructs a weight source over the investments table.
func NewSQLWeightSource(db *sql.DB) *SQLWeightSource {
	return &SQLWeightSource{db: db}
}

// EligibleAccounts sums each account's contributions for the period.
func (s *SQLWeightSource) EligibleAccounts(ctx context.Context, period string) ([]Allocation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT account_id, SUM(amount)
        FROM investments
        WHERE period = $1
        GROUP BY account_id
        HAVING SUM(amount) > 0
        ORDER BY account_id`, period)
	if err != nil {
		return nil, fmt.Errorf("eligible accounts: %w", err)
	}
	defer rows.Close()

	var out []Allocation
	for rows.Next() {
		var a Allocation
		if err := rows.Scan(&a.AccountID, &a.Weight); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
