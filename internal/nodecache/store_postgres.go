package nodecache

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists snapshots in PostgreSQL, one row per slot.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func initSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS node_cache_snapshots (
			slot TEXT PRIMARY KEY,
			payload BYTEA NOT NULL,
			saved_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM node_cache_snapshots WHERE slot = 'current'`,
	).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	return data, nil
}

func (s *PostgresStore) Save(ctx context.Context, data []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO node_cache_snapshots (slot, payload, saved_at)
		 VALUES ('current', $1, now())
		 ON CONFLICT (slot) DO UPDATE SET payload = EXCLUDED.payload, saved_at = EXCLUDED.saved_at`,
		data,
	)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *PostgresStore) Quarantine(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin quarantine: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var exists bool
	if err := tx.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM node_cache_snapshots WHERE slot = 'current')`,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check snapshot: %w", err)
	}
	if !exists {
		return nil
	}
	if _, err := tx.Exec(ctx, `DELETE FROM node_cache_snapshots WHERE slot = 'backup'`); err != nil {
		return fmt.Errorf("drop old backup: %w", err)
	}
	if _, err := tx.Exec(ctx, `UPDATE node_cache_snapshots SET slot = 'backup' WHERE slot = 'current'`); err != nil {
		return fmt.Errorf("quarantine snapshot: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
