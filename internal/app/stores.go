package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"solana-token-tracker/internal/config"
	"solana-token-tracker/internal/storage"
	"solana-token-tracker/internal/storage/bolt"
	chstore "solana-token-tracker/internal/storage/clickhouse"
	"solana-token-tracker/internal/storage/memory"
	"solana-token-tracker/internal/storage/migrations"
	pgstore "solana-token-tracker/internal/storage/postgres"
)

// stores holds the persistence backends and the connections behind them.
type stores struct {
	tracked storage.TrackedTokenStore
	history storage.PriceHistoryStore
	closers []func() error
}

func (s *stores) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

// openStores picks the tracked token store by STORE_DRIVER and the price history
// store by CLICKHOUSE_DSN, falling back to memory.
func openStores(ctx context.Context, cfg *config.Config, log *zap.Logger) (*stores, error) {
	s := &stores{}

	switch cfg.StoreDriver {
	case "memory":
		s.tracked = memory.NewTrackedTokenStore()
	case "bolt":
		db, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, db.Close)
		s.tracked = bolt.NewTrackedTokenStore(db)
	case "postgres":
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		if err := migrations.RunPostgres(ctx, pool); err != nil {
			s.Close()
			return nil, fmt.Errorf("postgres migrations: %w", err)
		}
		s.tracked = pgstore.NewTrackedTokenStore(pool)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	if cfg.ClickHouseDSN != "" {
		conn, err := chstore.OpenMigrated(ctx, cfg.ClickHouseDSN)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, conn.Close)
		s.history = chstore.NewPriceHistoryStore(conn)
	} else {
		s.history = memory.NewPriceHistoryStore(0)
	}

	log.Info("stores ready",
		zap.String("tracked", cfg.StoreDriver),
		zap.Bool("clickhouse_history", cfg.ClickHouseDSN != ""))
	return s, nil
}
