package memory

import (
	"context"
	"sort"
	"sync"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/storage"
)

// DefaultHistoryPerAddress bounds the samples kept for one address.
const DefaultHistoryPerAddress = 10_000

// PriceHistoryStore is an in-memory implementation of storage.PriceHistoryStore.
// Samples are kept sorted by timestamp; the oldest are evicted past the per-address limit.
type PriceHistoryStore struct {
	mu       sync.RWMutex
	samples  map[string][]*domain.PriceSample // keyed by address, timestamp ASC
	maxPerID int
}

// NewPriceHistoryStore creates a store keeping at most maxPerAddress samples per token.
func NewPriceHistoryStore(maxPerAddress int) *PriceHistoryStore {
	if maxPerAddress <= 0 {
		maxPerAddress = DefaultHistoryPerAddress
	}
	return &PriceHistoryStore{
		samples:  make(map[string][]*domain.PriceSample),
		maxPerID: maxPerAddress,
	}
}

// Append adds samples, skipping ones whose (address, timestamp_ms) already exists.
func (s *PriceHistoryStore) Append(_ context.Context, samples []*domain.PriceSample) error {
	for _, p := range samples {
		if p == nil || p.Address == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range samples {
		list := s.samples[p.Address]
		idx := sort.Search(len(list), func(i int) bool { return list[i].TimestampMs >= p.TimestampMs })
		if idx < len(list) && list[idx].TimestampMs == p.TimestampMs {
			continue
		}
		sampleCopy := *p
		list = append(list, nil)
		copy(list[idx+1:], list[idx:])
		list[idx] = &sampleCopy
		if len(list) > s.maxPerID {
			list = list[len(list)-s.maxPerID:]
		}
		s.samples[p.Address] = list
	}
	return nil
}

// Query returns samples for address at or after since, newest first.
func (s *PriceHistoryStore) Query(_ context.Context, address string, since int64, limit int) ([]*domain.PriceSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.samples[address]
	var result []*domain.PriceSample
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].TimestampMs < since {
			break
		}
		if limit > 0 && len(result) >= limit {
			break
		}
		sampleCopy := *list[i]
		result = append(result, &sampleCopy)
	}
	return result, nil
}

var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)
