package clickhouse

import (
	"context"
	"fmt"
	"time"

	"solana-token-tracker/internal/domain"
	"solana-token-tracker/internal/observability"
	"solana-token-tracker/internal/storage"
)

// PriceHistoryStore implements storage.PriceHistoryStore using ClickHouse.
// price_samples is a ReplacingMergeTree keyed by (address, timestamp_ms), so repeats collapse.
type PriceHistoryStore struct {
	conn *Conn
}

// NewPriceHistoryStore creates a new PriceHistoryStore.
func NewPriceHistoryStore(conn *Conn) *PriceHistoryStore {
	return &PriceHistoryStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PriceHistoryStore = (*PriceHistoryStore)(nil)

// Append writes samples in one batch.
func (s *PriceHistoryStore) Append(ctx context.Context, samples []*domain.PriceSample) (err error) {
	if len(samples) == 0 {
		return nil
	}
	for _, p := range samples {
		if p == nil || p.Address == "" {
			return storage.ErrInvalidInput
		}
	}
	defer func(start time.Time) {
		observability.RecordDBQuery("clickhouse", "append", time.Since(start), err)
	}(time.Now())

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO price_samples (
			address, timestamp_ms, price, is_fallback
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, p := range samples {
		var fallback uint8
		if p.IsFallback {
			fallback = 1
		}
		if err = batch.Append(p.Address, uint64(p.TimestampMs), p.Price, fallback); err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err = batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// Query returns samples for address at or after since, newest first.
func (s *PriceHistoryStore) Query(ctx context.Context, address string, since int64, limit int) (samples []*domain.PriceSample, err error) {
	defer func(start time.Time) {
		observability.RecordDBQuery("clickhouse", "query", time.Since(start), err)
	}(time.Now())

	if since < 0 {
		since = 0
	}
	query := `
		SELECT address, timestamp_ms, price, is_fallback
		FROM price_samples FINAL
		WHERE address = ? AND timestamp_ms >= ?
		ORDER BY timestamp_ms DESC
	`
	args := []any{address, uint64(since)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, uint64(limit))
	}

	rows, err := s.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query price samples: %w", err)
	}
	defer rows.Close()

	return scanPriceSamples(rows)
}

// scanPriceSamples scans multiple rows.
func scanPriceSamples(rows chRows) ([]*domain.PriceSample, error) {
	var samples []*domain.PriceSample

	for rows.Next() {
		var p domain.PriceSample
		var timestampMs uint64
		var fallback uint8

		if err := rows.Scan(&p.Address, &timestampMs, &p.Price, &fallback); err != nil {
			return nil, fmt.Errorf("scan price sample row: %w", err)
		}

		p.TimestampMs = int64(timestampMs)
		p.IsFallback = fallback == 1
		samples = append(samples, &p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price sample rows: %w", err)
	}

	return samples, nil
}
