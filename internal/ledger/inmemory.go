package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/staykeep/payouts/internal/ids"
)

type inMemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]Entry
	accounts map[string][]string
	byKey    map[string]string

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	now func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory store useful for tests and local runs.
func NewInMemory() Store {
	return &inMemoryStore{
		entries:  make(map[string]Entry),
		accounts: make(map[string][]string),
		byKey:    make(map[string]string),
		locks:    make(map[string]*sync.Mutex),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *inMemoryStore) Append(_ context.Context, entry Entry) (Entry, error) {
	if err := validate(entry); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, exists := s.byKey[entry.IdempotencyKey]; exists {
		return s.entries[id], ErrDuplicateKey
	}

	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	if entry.ID == "" {
		entry.ID = ids.NewAt(entry.CreatedAt)
	}

	s.entries[entry.ID] = entry
	s.accounts[entry.AccountID] = append(s.accounts[entry.AccountID], entry.ID)
	s.byKey[entry.IdempotencyKey] = entry.ID
	return entry, nil
}

func (s *inMemoryStore) UpdateStatus(_ context.Context, id string, t Transition) (Entry, error) {
	if err := validateTransition(t); err != nil {
		return Entry{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if entry.Status != StatusPending {
		return entry, ErrInvalidTransition
	}

	resolvedAt := s.now()
	entry.Status = t.Status
	if t.ExternalReference != "" {
		entry.ExternalReference = t.ExternalReference
	}
	entry.FailureReason = t.FailureReason
	entry.ResolvedAt = &resolvedAt
	s.entries[id] = entry
	return entry, nil
}

func (s *inMemoryStore) Get(_ context.Context, id string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return entry, nil
}

func (s *inMemoryStore) GetByIdempotencyKey(_ context.Context, key string) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byKey[key]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return s.entries[id], nil
}

func (s *inMemoryStore) Balance(_ context.Context, accountID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balanceLocked(accountID), nil
}

func (s *inMemoryStore) balanceLocked(accountID string) int64 {
	var total int64
	for _, id := range s.accounts[accountID] {
		total += s.entries[id].Signed()
	}
	return total
}

func (s *inMemoryStore) ListByAccount(_ context.Context, accountID string, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ordered := s.accounts[accountID]
	start := 0
	if f.After != "" {
		start = len(ordered)
		for i, id := range ordered {
			if id == f.After {
				start = i + 1
				break
			}
		}
	}

	limit := f.pageSize()
	out := make([]Entry, 0, limit)
	for _, id := range ordered[start:] {
		entry := s.entries[id]
		if !f.matches(entry) {
			continue
		}
		out = append(out, entry)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *inMemoryStore) ListPending(_ context.Context, reason string, createdBefore time.Time, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, entry := range s.entries {
		if entry.Status != StatusPending {
			continue
		}
		if reason != "" && entry.Reason != reason {
			continue
		}
		if !entry.CreatedAt.Before(createdBefore) {
			continue
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *inMemoryStore) WithAccount(ctx context.Context, accountID string, fn func(AccountTx) error) error {
	lock := s.accountLock(accountID)
	lock.Lock()
	defer lock.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(&inMemoryTx{store: s, accountID: accountID})
}

func (s *inMemoryStore) accountLock(accountID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	lock, ok := s.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[accountID] = lock
	}
	return lock
}

type inMemoryTx struct {
	store     *inMemoryStore
	accountID string
}

func (tx *inMemoryTx) Balance(ctx context.Context) (int64, error) {
	return tx.store.Balance(ctx, tx.accountID)
}

func (tx *inMemoryTx) Append(ctx context.Context, entry Entry) (Entry, error) {
	if entry.AccountID != tx.accountID {
		return Entry{}, NewValidationError("account_id", "does not match the serialized account")
	}
	return tx.store.Append(ctx, entry)
}
