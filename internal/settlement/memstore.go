package settlement

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu    sync.Mutex
	byID  map[string]Transaction
	order []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Transaction)}
}

func (s *MemoryStore) Insert(_ context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[tx.ID]; ok {
		return ErrInvalidRequest
	}
	s.byID[tx.ID] = tx
	s.order = append(s.order, tx.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return tx, nil
}

func (s *MemoryStore) Merge(_ context.Context, next Transaction) (Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byID[next.ID]
	if !ok {
		return Transaction{}, false, ErrNotFound
	}
	if !MergeAllowed(cur, next) {
		return cur, false, nil
	}
	s.byID[next.ID] = next
	return next, true, nil
}

func (s *MemoryStore) List(_ context.Context, limit int) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.order)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Transaction, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.byID[s.order[i]])
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, statuses ...Status) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Transaction
	for _, id := range s.order {
		tx := s.byID[id]
		if slices.Contains(statuses, tx.Status) {
			out = append(out, tx)
		}
	}
	return out, nil
}
