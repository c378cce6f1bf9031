package memory

import (
	"context"
	"sync"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/storage"
)

// TrackedTokenStore is an in-memory implementation of storage.TrackedTokenStore.
type TrackedTokenStore struct {
	mu      sync.RWMutex
	records map[string]*domain.TrackedTokenRecord // keyed by address
}

// NewTrackedTokenStore creates a new in-memory tracked token store.
func NewTrackedTokenStore() *TrackedTokenStore {
	return &TrackedTokenStore{
		records: make(map[string]*domain.TrackedTokenRecord),
	}
}

// Upsert inserts or replaces a record, keeping the original CreatedAt.
func (s *TrackedTokenStore) Upsert(_ context.Context, r *domain.TrackedTokenRecord) error {
	if err := storage.ValidateRecord(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	recCopy := *r
	if existing, ok := s.records[r.Address]; ok {
		recCopy.CreatedAt = existing.CreatedAt
	}
	s.records[r.Address] = &recCopy
	return nil
}

// Delete removes the record for address.
func (s *TrackedTokenStore) Delete(_ context.Context, address string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, address)
	return nil
}

// Get retrieves a record by address. Returns ErrNotFound if not exists.
func (s *TrackedTokenStore) Get(_ context.Context, address string) (*domain.TrackedTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[address]
	if !ok {
		return nil, storage.ErrNotFound
	}
	recCopy := *r
	return &recCopy, nil
}

// List returns all records ordered by CreatedAt ASC, then address.
func (s *TrackedTokenStore) List(_ context.Context) ([]*domain.TrackedTokenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*domain.TrackedTokenRecord, 0, len(s.records))
	for _, r := range s.records {
		recCopy := *r
		result = append(result, &recCopy)
	}
	storage.SortRecords(result)
	return result, nil
}

var _ storage.TrackedTokenStore = (*TrackedTokenStore)(nil)
