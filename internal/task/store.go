package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/storage"
)

// TaskStore abstracts persistence for task records. Records are keyed by
// session so a whole session can be dropped at once.
type TaskStore interface {
	SaveTask(ctx context.Context, t *Task) error
	DeleteTask(ctx context.Context, t *Task) error
	LoadTasks(ctx context.Context) ([]*Task, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// fileStore implements TaskStore as one JSON file per task under
// <dataDir>/tasks/<session>/<task>.json.
type fileStore struct {
	dataDir string
}

func NewFileStore(dataDir string) TaskStore { //nolint:ireturn
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) root() string { return filepath.Join(s.dataDir, "tasks") }

func (s *fileStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root(), filepath.Base(sessionID))
}

func (s *fileStore) statusPath(t *Task) string {
	return filepath.Join(s.sessionDir(t.SessionID), filepath.Base(t.ID)+".json")
}

func (s *fileStore) SaveTask(_ context.Context, t *Task) error {
	return storage.WriteJSONAtomic(s.statusPath(t), t) //nolint:wrapcheck
}

func (s *fileStore) DeleteTask(_ context.Context, t *Task) error {
	if err := os.Remove(s.statusPath(t)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove task record: %w", err)
	}
	return nil
}

func (s *fileStore) DeleteSession(_ context.Context, sessionID string) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("remove session records: %w", err)
	}
	return nil
}

func (s *fileStore) LoadTasks(_ context.Context) ([]*Task, error) {
	sessions, err := os.ReadDir(s.root())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var tasks []*Task
	for _, sess := range sessions {
		if !sess.IsDir() {
			continue
		}
		dir := filepath.Join(s.root(), sess.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			log.Warn().Str("session_id", sess.Name()).Err(err).Msg("read session records failed")
			continue
		}
		for _, e := range entries {
			if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
				continue
			}
			b, err := os.ReadFile(filepath.Join(dir, e.Name())) //nolint:gosec // path is controlled by application
			if err != nil {
				continue
			}
			var t Task
			if err := json.Unmarshal(b, &t); err != nil {
				log.Warn().Str("file", e.Name()).Err(err).Msg("skip corrupt task record")
				continue
			}
			tasks = append(tasks, &t)
		}
	}
	return tasks, nil
}
