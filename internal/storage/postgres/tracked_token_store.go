package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/storage"
)

// TrackedTokenStore implements storage.TrackedTokenStore using PostgreSQL.
type TrackedTokenStore struct {
	pool *Pool
}

// NewTrackedTokenStore creates a new TrackedTokenStore.
func NewTrackedTokenStore(pool *Pool) *TrackedTokenStore {
	return &TrackedTokenStore{pool: pool}
}

// Compile-time interface check.
var _ storage.TrackedTokenStore = (*TrackedTokenStore)(nil)

// Upsert inserts or replaces a record. created_at of an existing row is kept.
func (s *TrackedTokenStore) Upsert(ctx context.Context, r *domain.TrackedTokenRecord) (err error) {
	if err := storage.ValidateRecord(r); err != nil {
		return err
	}
	defer func(start time.Time) { observe("upsert", start, err) }(time.Now())

	query := `
		INSERT INTO tracked_tokens (
			address, threshold_up, threshold_down, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (address) DO UPDATE SET
			threshold_up = EXCLUDED.threshold_up,
			threshold_down = EXCLUDED.threshold_down,
			updated_at = EXCLUDED.updated_at
	`

	_, err = s.pool.Exec(ctx, query,
		r.Address,
		r.ThresholdUp,
		r.ThresholdDown,
		r.CreatedAt,
		r.UpdatedAt,
	)
	if err != nil {
		if isConstraintError(err) {
			return storage.ErrInvalidInput
		}
		return fmt.Errorf("upsert tracked token: %w", err)
	}
	return nil
}

// Delete removes the record for address.
func (s *TrackedTokenStore) Delete(ctx context.Context, address string) (err error) {
	defer func(start time.Time) { observe("delete", start, err) }(time.Now())

	if _, err = s.pool.Exec(ctx, `DELETE FROM tracked_tokens WHERE address = $1`, address); err != nil {
		return fmt.Errorf("delete tracked token: %w", err)
	}
	return nil
}

// Get retrieves a record by address. Returns ErrNotFound if not exists.
func (s *TrackedTokenStore) Get(ctx context.Context, address string) (rec *domain.TrackedTokenRecord, err error) {
	defer func(start time.Time) { observe("get", start, err) }(time.Now())

	query := `
		SELECT address, threshold_up, threshold_down, created_at, updated_at
		FROM tracked_tokens
		WHERE address = $1
	`

	rec, err = scanRecord(s.pool.QueryRow(ctx, query, address))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get tracked token: %w", err)
	}
	return rec, nil
}

// List returns all records ordered by created_at ASC, then address.
func (s *TrackedTokenStore) List(ctx context.Context) (records []*domain.TrackedTokenRecord, err error) {
	defer func(start time.Time) { observe("list", start, err) }(time.Now())

	query := `
		SELECT address, threshold_up, threshold_down, created_at, updated_at
		FROM tracked_tokens
		ORDER BY created_at ASC, address ASC
	`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tracked tokens: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan tracked token: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracked tokens: %w", err)
	}
	return records, nil
}

// scanRecord scans a single row into TrackedTokenRecord.
func scanRecord(row pgx.Row) (*domain.TrackedTokenRecord, error) {
	var r domain.TrackedTokenRecord
	if err := row.Scan(&r.Address, &r.ThresholdUp, &r.ThresholdDown, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}
