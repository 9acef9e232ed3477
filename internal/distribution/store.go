package distribution

import (
	"context"
	"sync"
	"time"
)

// RunStore persists runs and the result of every share credit. Records are never deleted.
// CreateRun returns ErrRunExists for a run id already stored.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) error
	RecordShare(ctx context.Context, runID string, share Share) error
	FinishRun(ctx context.Context, runID string, status RunStatus, completedAt time.Time) error
	GetRun(ctx context.Context, runID string) (Run, error)
}

type memoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]Run
}

// NewMemoryRunStore returns an in-process RunStore.
func NewMemoryRunStore() RunStore {
	return &memoryRunStore{runs: make(map[string]Run)}
}

func (s *memoryRunStore) CreateRun(_ context.Context, run Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return ErrRunExists
	}
	run.Shares = append([]Share(nil), run.Shares...)
	s.runs[run.ID] = run
	return nil
}

func (s *memoryRunStore) RecordShare(_ context.Context, runID string, share Share) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	for i := range run.Shares {
		if run.Shares[i].AccountID == share.AccountID {
			run.Shares[i] = share
			return nil
		}
	}
	return ErrRunNotFound
}

func (s *memoryRunStore) FinishRun(_ context.Context, runID string, status RunStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.CompletedAt = &completedAt
	s.runs[runID] = run
	return nil
}

func (s *memoryRunStore) GetRun(_ context.Context, runID string) (Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	run.Shares = append([]Share(nil), run.Shares...)
	return run, nil
}
