package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ianktoo/image-converter/internal/database"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/task"
)

// PostgresStore keeps counters in session_usage and the log in
// session_activities.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{pool: db.Pool}
}

func (s *PostgresStore) AddUploads(ctx context.Context, sessionID string, n int) error {
	query := `
		INSERT INTO session_usage (session_id, images_uploaded)
		VALUES ($1, $2)
		ON CONFLICT (session_id) DO UPDATE
		SET images_uploaded = session_usage.images_uploaded + EXCLUDED.images_uploaded
	`
	_, err := s.pool.Exec(ctx, query, sessionID, n)
	return err //nolint:wrapcheck
}

func (s *PostgresStore) AddOutcome(ctx context.Context, sessionID string, a Activity) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error { //nolint:wrapcheck
		_, err := tx.Exec(ctx, `
			INSERT INTO session_usage (session_id, images_output, input_bytes, output_bytes)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (session_id) DO UPDATE
			SET images_output = session_usage.images_output + EXCLUDED.images_output,
			    input_bytes = session_usage.input_bytes + EXCLUDED.input_bytes,
			    output_bytes = session_usage.output_bytes + EXCLUDED.output_bytes
		`, sessionID, a.OutputCount, a.InputBytes, a.OutputBytes)
		if err != nil {
			return fmt.Errorf("bump usage: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO session_activities (session_id, task_id, batch_id, filename, input_bytes, output_bytes,
				output_count, status, error_kind, created_at, completed_at, duration_seconds)
			VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, $12)
		`, sessionID, a.TaskID, a.BatchID, a.Filename, a.InputBytes, a.OutputBytes,
			a.OutputCount, string(a.Status), string(a.ErrorKind), a.CreatedAt, a.CompletedAt, a.DurationSeconds)
		if err != nil {
			return fmt.Errorf("insert activity: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) Counters(ctx context.Context, sessionID string) (Counters, error) {
	var c Counters
	err := s.pool.QueryRow(ctx, `
		SELECT images_uploaded, images_output, input_bytes, output_bytes
		FROM session_usage WHERE session_id = $1
	`, sessionID).Scan(&c.ImagesUploaded, &c.ImagesOutput, &c.InputBytes, &c.OutputBytes)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return Counters{}, err //nolint:wrapcheck
	}
	err = s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(duration_seconds), 0) FROM session_activities WHERE session_id = $1
	`, sessionID).Scan(&c.ElapsedSeconds)
	if err != nil {
		return Counters{}, err //nolint:wrapcheck
	}
	return c, nil
}

func (s *PostgresStore) Activities(ctx context.Context, sessionID string, limit int) ([]Activity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT task_id, COALESCE(batch_id, ''), COALESCE(filename, ''), input_bytes, output_bytes, output_count,
			status, COALESCE(error_kind, ''), created_at, completed_at, duration_seconds
		FROM session_activities
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	defer rows.Close()

	out := []Activity{}
	for rows.Next() {
		var (
			a         Activity
			status    string
			errorKind string
		)
		if err := rows.Scan(&a.TaskID, &a.BatchID, &a.Filename, &a.InputBytes, &a.OutputBytes, &a.OutputCount,
			&status, &errorKind, &a.CreatedAt, &a.CompletedAt, &a.DurationSeconds); err != nil {
			return nil, err //nolint:wrapcheck
		}
		a.Status = task.Status(status)
		a.ErrorKind = errs.Kind(errorKind)
		out = append(out, a)
	}
	return out, rows.Err() //nolint:wrapcheck
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error { //nolint:wrapcheck
		if _, err := tx.Exec(ctx, `DELETE FROM session_activities WHERE session_id = $1`, sessionID); err != nil {
			return err //nolint:wrapcheck
		}
		_, err := tx.Exec(ctx, `DELETE FROM session_usage WHERE session_id = $1`, sessionID)
		return err //nolint:wrapcheck
	})
}
