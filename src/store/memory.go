// Package store provides an in-memory store implementation.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/ajaymathur/build-stats/src/contracts"
)

// MemoryStore is an in-memory implementation of Store.
// Useful for testing and dry runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]map[int]contracts.Record // repo key -> number -> record
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]map[int]contracts.Record),
	}
}

// HighWaterMark returns the highest build number held for the repository.
func (s *MemoryStore) HighWaterMark(ctx context.Context, repo contracts.Repo) (int, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byNumber := s.records[repo.String()]
	if len(byNumber) == 0 {
		return 0, false, nil
	}
	max := 0
	for number := range byNumber {
		if number > max {
			max = number
		}
	}
	return max, true, nil
}

// Append merges records by build number, last write winning.
func (s *MemoryStore) Append(ctx context.Context, repo contracts.Repo, records []contracts.Record) error {
	if err := repo.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := repo.String()
	byNumber, ok := s.records[key]
	if !ok {
		byNumber = make(map[int]contracts.Record, len(records))
		s.records[key] = byNumber
	}
	for _, r := range records {
		byNumber[r.Number] = r
	}
	return nil
}

// ReadAll returns every held record, ascending by build number.
func (s *MemoryStore) ReadAll(ctx context.Context, repo contracts.Repo) ([]contracts.Record, error) {
	if err := repo.Validate(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byNumber := s.records[repo.String()]
	out := make([]contracts.Record, 0, len(byNumber))
	for _, r := range byNumber {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out, nil
}

// Delete drops all records for the repository. Idempotent.
func (s *MemoryStore) Delete(ctx context.Context, repo contracts.Repo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, repo.String())
	return nil
}

// Location describes the in-memory partition for diagnostics.
func (s *MemoryStore) Location(repo contracts.Repo) string {
	return "memory://" + repo.Slug()
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
