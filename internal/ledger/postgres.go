package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staykeep/payouts/internal/ids"
)

const entryColumns = `id, account_id, direction, amount, reason, status, idempotency_key,
        correlation_id, destination, external_reference, failure_reason, created_at, resolved_at`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore persists ledger entries in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore constructs a Postgres-backed ledger store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Append inserts a new entry. A reused idempotency key returns the stored entry and
// ErrDuplicateKey.
func (s *PostgresStore) Append(ctx context.Context, entry Entry) (Entry, error) {
	return appendEntry(ctx, s.db, entry)
}

// UpdateStatus resolves a pending entry exactly once.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, t Transition) (Entry, error) {
	if err := validateTransition(t); err != nil {
		return Entry{}, err
	}

	row := s.db.QueryRow(ctx, `UPDATE ledger_entries
        SET status = $2,
            external_reference = COALESCE(NULLIF($3, ''), external_reference),
            failure_reason = NULLIF($4, ''),
            resolved_at = now()
        WHERE id = $1 AND status = 'PENDING'
        RETURNING `+entryColumns, id, string(t.Status), t.ExternalReference, t.FailureReason)
	entry, err := scanEntry(row)
	if err == nil {
		return entry, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Entry{}, fmt.Errorf("update entry status: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return Entry{}, err
	}
	return current, ErrInvalidTransition
}

// Get fetches a single entry by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Entry, error) {
	return getBy(ctx, s.db, "id", id)
}

// GetByIdempotencyKey fetches the entry recorded for the key.
func (s *PostgresStore) GetByIdempotencyKey(ctx context.Context, key string) (Entry, error) {
	return getBy(ctx, s.db, "idempotency_key", key)
}

// Balance sums the counted entries of the account.
func (s *PostgresStore) Balance(ctx context.Context, accountID string) (int64, error) {
	return balanceFor(ctx, s.db, accountID)
}

// ListByAccount returns up to f.Limit entries created after the f.After cursor.
func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, f Filter) ([]Entry, error) {
	query := `SELECT ` + entryColumns + `
        FROM ledger_entries
        WHERE account_id = $1
          AND ($2 = '' OR status = $2)
          AND ($3 = '' OR reason = $3)
          AND ($4 = '' OR (created_at, id) > (SELECT created_at, id FROM ledger_entries WHERE id = $4))
        ORDER BY created_at, id
        LIMIT $5`
	rows, err := s.db.Query(ctx, query, accountID, string(f.Status), f.Reason, f.After, f.pageSize())
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	return collectEntries(rows)
}

// ListPending returns pending entries created before the cutoff, oldest first.
func (s *PostgresStore) ListPending(ctx context.Context, reason string, createdBefore time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	rows, err := s.db.Query(ctx, `SELECT `+entryColumns+`
        FROM ledger_entries
        WHERE status = 'PENDING'
          AND ($1 = '' OR reason = $1)
          AND created_at < $2
        ORDER BY created_at, id
        LIMIT $3`, reason, createdBefore.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending entries: %w", err)
	}
	return collectEntries(rows)
}

// WithAccount opens a transaction and locks the account row for its duration.
func (s *PostgresStore) WithAccount(ctx context.Context, accountID string, fn func(AccountTx) error) error {
	if err := ensureAccount(ctx, s.db, accountID); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	var locked string
	if err := tx.QueryRow(ctx, `SELECT account_id FROM ledger_accounts WHERE account_id = $1 FOR UPDATE`, accountID).Scan(&locked); err != nil {
		return fmt.Errorf("lock account %s: %w", accountID, err)
	}

	if err := fn(&postgresTx{tx: tx, accountID: accountID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresTx struct {
	tx        pgx.Tx
	accountID string
}

func (t *postgresTx) Balance(ctx context.Context) (int64, error) {
	return balanceFor(ctx, t.tx, t.accountID)
}

func (t *postgresTx) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.AccountID != t.accountID {
		return Entry{}, NewValidationError("account_id", "does not match the serialized account")
	}
	return appendEntry(ctx, t.tx, entry)
}

func ensureAccount(ctx context.Context, q querier, accountID string) error {
	_, err := q.Exec(ctx, `INSERT INTO ledger_accounts (account_id) VALUES ($1)
        ON CONFLICT (account_id) DO NOTHING`, accountID)
	if err != nil {
		return fmt.Errorf("ensure account %s: %w", accountID, err)
	}
	return nil
}

func appendEntry(ctx context.Context, q querier, entry Entry) (Entry, error) {
	if err := validate(entry); err != nil {
		return Entry{}, err
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.CreatedAt)
	}
	if err := ensureAccount(ctx, q, entry.AccountID); err != nil {
		return Entry{}, err
	}

	tag, err := q.Exec(ctx, `INSERT INTO ledger_entries (`+entryColumns+`)
        VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, NULL)
        ON CONFLICT (idempotency_key) DO NOTHING`,
		entry.ID, entry.AccountID, string(entry.Direction), entry.Amount, entry.Reason, string(entry.Status),
		entry.IdempotencyKey, entry.CorrelationID, entry.Destination, entry.ExternalReference,
		entry.FailureReason, entry.CreatedAt.UTC())
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.CheckViolation {
			return Entry{}, NewValidationError("entry", pgErr.Message)
		}
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := getBy(ctx, q, "idempotency_key", entry.IdempotencyKey)
		if err != nil {
			return Entry{}, err
		}
		return existing, ErrDuplicateKey
	}
	return entry, nil
}

func getBy(ctx context.Context, q querier, column, value string) (Entry, error) {
	row := q.QueryRow(ctx, `SELECT `+entryColumns+` FROM ledger_entries WHERE `+column+` = $1`, value)
	entry, err := scanEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("get entry by %s: %w", column, err)
	}
	return entry, nil
}

func balanceFor(ctx context.Context, q querier, accountID string) (int64, error) {
	const query = `
        SELECT COALESCE(SUM(CASE WHEN direction = 'CREDIT' THEN amount ELSE -amount END), 0)
        FROM ledger_entries
        WHERE account_id = $1 AND (status <> 'FAILED' OR direction = 'DEBIT')`
	var balance int64
	if err := q.QueryRow(ctx, query, accountID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("balance for %s: %w", accountID, err)
	}
	return balance, nil
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                                      Entry
		direction, status                      string
		correlation, destination, ref, failure *string
		createdAt                              time.Time
		resolvedAt                             *time.Time
	)
	if err := row.Scan(&e.ID, &e.AccountID, &direction, &e.Amount, &e.Reason, &status, &e.IdempotencyKey,
		&correlation, &destination, &ref, &failure, &createdAt, &resolvedAt); err != nil {
		return Entry{}, err
	}
	e.Direction = Direction(direction)
	e.Status = Status(status)
	e.CorrelationID = deref(correlation)
	e.Destination = deref(destination)
	e.ExternalReference = deref(ref)
	e.FailureReason = deref(failure)
	e.CreatedAt = createdAt.UTC()
	if resolvedAt != nil {
		t := resolvedAt.UTC()
		e.ResolvedAt = &t
	}
	return e, nil
}

func collectEntries(rows pgx.Rows) ([]Entry, error) {
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
