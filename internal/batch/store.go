package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/database"
	"github.com/ianktoo/image-converter/internal/storage"
)

// Store persists batch records keyed by session.
type Store interface {
	Save(ctx context.Context, b Batch) error
	Load(ctx context.Context) ([]Batch, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// fileStore writes one JSON file per batch under
// <dataDir>/batches/<session>/<batch>.json.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) Store { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) root() string { return filepath.Join(s.dataDir, "batches") }

func (s *fileStore) Save(_ context.Context, b Batch) error {
	path := filepath.Join(s.root(), filepath.Base(b.SessionID), filepath.Base(b.ID)+".json")
	return storage.WriteJSONAtomic(path, b) //nolint:wrapcheck
}

func (s *fileStore) Load(_ context.Context) ([]Batch, error) {
	paths, err := filepath.Glob(filepath.Join(s.root(), "*", "*.json"))
	if err != nil {
		return nil, fmt.Errorf("glob batches: %w", err)
	}
	out := make([]Batch, 0, len(paths))
	for _, p := range paths {
		data, err := os.ReadFile(p)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("skip unreadable batch record")
			continue
		}
		var b Batch
		if err := json.Unmarshal(data, &b); err != nil {
			log.Warn().Str("path", p).Err(err).Msg("skip corrupt batch record")
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fileStore) DeleteSession(_ context.Context, sessionID string) error {
	err := os.RemoveAll(filepath.Join(s.root(), filepath.Base(sessionID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove batch records: %w", err)
	}
	return nil
}

// PostgresStore keeps batch records in the batches table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{pool: db.Pool}
}

func (s *PostgresStore) Save(ctx context.Context, b Batch) error {
	query := `
		INSERT INTO batches (batch_id, session_id, task_ids, layout, fail_fast, status, error, archive_name, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
		ON CONFLICT (batch_id) DO UPDATE
		SET status = EXCLUDED.status, error = EXCLUDED.error, archive_name = EXCLUDED.archive_name,
		    updated_at = EXCLUDED.updated_at
	`
	_, err := s.pool.Exec(ctx, query, b.ID, b.SessionID, b.TaskIDs, string(b.Layout), b.FailFast,
		string(b.Status), b.Error, b.ArchiveName, b.CreatedAt, b.UpdatedAt)
	return err //nolint:wrapcheck
}

func (s *PostgresStore) Load(ctx context.Context) ([]Batch, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT batch_id, session_id, task_ids, layout, fail_fast, status, COALESCE(error, ''),
			COALESCE(archive_name, ''), created_at, updated_at
		FROM batches
		ORDER BY created_at
	`)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		var (
			b      Batch
			layout string
			status string
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.TaskIDs, &layout, &b.FailFast, &status, &b.Error,
			&b.ArchiveName, &b.CreatedAt, &b.UpdatedAt); err != nil {
			return nil, err //nolint:wrapcheck
		}
		b.Layout = archive.ParseLayout(layout)
		b.Status = Status(status)
		out = append(out, b)
	}
	return out, rows.Err() //nolint:wrapcheck
}

func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM batches WHERE session_id = $1`, sessionID)
	return err //nolint:wrapcheck
}
