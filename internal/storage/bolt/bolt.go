// Package bolt stores tracked tokens in a single-file bbolt database.
package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/storage"
)

var trackedBucket = []byte("tracked_tokens")

// DB wraps a bbolt database.
type DB struct {
	*bbolt.DB
}

// Open opens or creates the database at path and ensures its buckets exist.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(trackedBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &DB{DB: db}, nil
}

// TrackedTokenStore implements storage.TrackedTokenStore on bbolt.
type TrackedTokenStore struct {
	db *DB
}

// NewTrackedTokenStore creates a new TrackedTokenStore.
func NewTrackedTokenStore(db *DB) *TrackedTokenStore {
	return &TrackedTokenStore{db: db}
}

// record is the stored JSON value.
type record struct {
	ThresholdUp   float64 `json:"threshold_up"`
	ThresholdDown float64 `json:"threshold_down"`
	CreatedAt     int64   `json:"created_at"`
	UpdatedAt     int64   `json:"updated_at"`
}

func toDomain(address string, raw []byte) (*domain.TrackedTokenRecord, error) {
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", address, err)
	}
	return &domain.TrackedTokenRecord{
		Address:       address,
		ThresholdUp:   rec.ThresholdUp,
		ThresholdDown: rec.ThresholdDown,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}, nil
}

// Upsert inserts or replaces a record, keeping the original CreatedAt.
func (s *TrackedTokenStore) Upsert(_ context.Context, r *domain.TrackedTokenRecord) (err error) {
	if err := storage.ValidateRecord(r); err != nil {
		return err
	}
	defer observe("upsert", time.Now(), &err)

	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(trackedBucket)
		rec := record{
			ThresholdUp:   r.ThresholdUp,
			ThresholdDown: r.ThresholdDown,
			CreatedAt:     r.CreatedAt,
			UpdatedAt:     r.UpdatedAt,
		}
		if raw := b.Get([]byte(r.Address)); raw != nil {
			existing, err := toDomain(r.Address, raw)
			if err != nil {
				return err
			}
			rec.CreatedAt = existing.CreatedAt
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(r.Address), data)
	})
}

// Delete removes the record for address.
func (s *TrackedTokenStore) Delete(_ context.Context, address string) (err error) {
	defer observe("delete", time.Now(), &err)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(trackedBucket).Delete([]byte(address))
	})
}

// Get retrieves a record by address. Returns ErrNotFound if not exists.
func (s *TrackedTokenStore) Get(_ context.Context, address string) (rec *domain.TrackedTokenRecord, err error) {
	defer observe("get", time.Now(), &err)
	err = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(trackedBucket).Get([]byte(address))
		if raw == nil {
			return storage.ErrNotFound
		}
		rec, err = toDomain(address, raw)
		return err
	})
	return rec, err
}

// List returns all records ordered by CreatedAt ASC, then address.
func (s *TrackedTokenStore) List(_ context.Context) (records []*domain.TrackedTokenRecord, err error) {
	defer observe("list", time.Now(), &err)
	err = s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(trackedBucket).ForEach(func(k, v []byte) error {
			rec, err := toDomain(string(k), v)
			if err != nil {
				return err
			}
			records = append(records, rec)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	storage.SortRecords(records)
	return records, nil
}

func observe(op string, start time.Time, err *error) {
	var e error
	if err != nil && !errors.Is(*err, storage.ErrNotFound) {
		e = *err
	}
	observability.RecordDBQuery("bolt", op, time.Since(start), e)
}

var _ storage.TrackedTokenStore = (*TrackedTokenStore)(nil)
