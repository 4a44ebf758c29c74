package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the shared connection pool used by the postgres-backed stores.
type DB struct {
	Pool *pgxpool.Pool
}

func Connect(ctx context.Context, url string) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (db *DB) Close() {
	db.Pool.Close()
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS batches (
		batch_id     TEXT PRIMARY KEY,
		session_id   TEXT NOT NULL,
		task_ids     TEXT[] NOT NULL,
		layout       TEXT NOT NULL,
		fail_fast    BOOLEAN NOT NULL DEFAULT FALSE,
		status       TEXT NOT NULL,
		error        TEXT,
		archive_name TEXT,
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS batches_session_idx ON batches (session_id)`,
	`CREATE TABLE IF NOT EXISTS session_usage (
		session_id      TEXT PRIMARY KEY,
		images_uploaded BIGINT NOT NULL DEFAULT 0,
		images_output   BIGINT NOT NULL DEFAULT 0,
		input_bytes     BIGINT NOT NULL DEFAULT 0,
		output_bytes    BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS session_activities (
		id               BIGSERIAL PRIMARY KEY,
		session_id       TEXT NOT NULL,
		task_id          TEXT NOT NULL,
		batch_id         TEXT,
		filename         TEXT,
		input_bytes      BIGINT NOT NULL DEFAULT 0,
		output_bytes     BIGINT NOT NULL DEFAULT 0,
		output_count     INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		error_kind       TEXT,
		created_at       TIMESTAMPTZ NOT NULL,
		completed_at     TIMESTAMPTZ,
		duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS session_activities_session_idx ON session_activities (session_id, id DESC)`,
}

// EnsureSchema creates the tables the stores need if they are missing.
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
