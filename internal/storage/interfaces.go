// Package storage defines the persistence interfaces shared by the memory, bolt,
// postgres and clickhouse backends.
package storage

import (
	"context"
	"errors"
	"sort"

	"solana-token-tracker/internal/domain"
)

var (
	// ErrNotFound is returned by Get for an address that was never stored.
	ErrNotFound = errors.New("storage: not found")
	// ErrInvalidInput rejects a record without an address or with a negative threshold.
	ErrInvalidInput = errors.New("storage: invalid input")
)

// TrackedTokenStore persists the set of tracked addresses and their alert thresholds
// so tracking survives a restart.
type TrackedTokenStore interface {
	// Upsert inserts or replaces the record for r.Address. CreatedAt of an existing row is kept.
	Upsert(ctx context.Context, r *domain.TrackedTokenRecord) error

	// Delete removes the record. Deleting a missing address is not an error.
	Delete(ctx context.Context, address string) error

	// Get retrieves one record. Returns ErrNotFound if not exists.
	Get(ctx context.Context, address string) (*domain.TrackedTokenRecord, error)

	// List returns every record ordered by CreatedAt ASC.
	List(ctx context.Context) ([]*domain.TrackedTokenRecord, error)
}

// PriceHistoryStore keeps polled price samples.
type PriceHistoryStore interface {
	// Append adds samples. Samples repeating an existing (address, timestamp_ms) are ignored.
	Append(ctx context.Context, samples []*domain.PriceSample) error

	// Query returns up to limit samples for address with TimestampMs >= since,
	// newest first. limit <= 0 means no limit.
	Query(ctx context.Context, address string, since int64, limit int) ([]*domain.PriceSample, error)
}

// ValidateRecord checks the fields every backend requires.
func ValidateRecord(r *domain.TrackedTokenRecord) error {
	if r == nil || r.Address == "" || r.ThresholdUp < 0 || r.ThresholdDown < 0 {
		return ErrInvalidInput
	}
	return nil
}

// SortRecords orders records by CreatedAt ASC, then address.
func SortRecords(records []*domain.TrackedTokenRecord) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt != records[j].CreatedAt {
			return records[i].CreatedAt < records[j].CreatedAt
		}
		return records[i].Address < records[j].Address
	})
}
