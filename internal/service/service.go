package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/batch"
	"github.com/ianktoo/image-converter/internal/codec"
	"github.com/ianktoo/image-converter/internal/config"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/fetch"
	"github.com/ianktoo/image-converter/internal/ledger"
	"github.com/ianktoo/image-converter/internal/plan"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
	"github.com/ianktoo/image-converter/internal/worker"
)

var (
	// ErrNotReady is returned for an archive that has not been assembled yet.
	ErrNotReady = errors.New("archive not ready")
	// ErrForbidden is returned for a file that is not an output of the task.
	ErrForbidden = errors.New("file does not belong to task")
)

// Deps are the collaborators a Service orchestrates.
type Deps struct {
	Storage   *storage.FS
	Registry  *task.Registry
	Pool      *worker.Pool
	Codec     codec.Codec
	Batches   *batch.Coordinator
	Archives  *archive.Assembler
	Ledger    *ledger.Ledger
	Fetcher   *fetch.Fetcher
	Converter *worker.Converter
}

// Service is the entry point used by the HTTP layer.
type Service struct {
	cfg       config.Config
	builder   *plan.Builder
	extension map[string]struct{}

	fs        *storage.FS
	registry  *task.Registry
	pool      *worker.Pool
	codec     codec.Codec
	batches   *batch.Coordinator
	archives  *archive.Assembler
	ledger    *ledger.Ledger
	fetcher   *fetch.Fetcher
	converter *worker.Converter

	locks *sessionLocks
	now   func() time.Time
}

// New wires the service and subscribes the ledger and batch coordinator to
// task transitions.
func New(cfg config.Config, d Deps) *Service {
	cfg.OutputFormats = encodable(cfg.OutputFormats, d.Codec.Formats())
	s := &Service{
		cfg: cfg,
		builder: plan.NewBuilder(plan.Settings{
			Formats:             cfg.OutputFormats,
			Presets:             cfg.SizePresets,
			DefaultQuality:      cfg.DefaultQuality,
			WebOptimizedQuality: cfg.WebOptimizedQuality,
		}),
		extension: make(map[string]struct{}, len(cfg.InputExtensions)),
		fs:        d.Storage,
		registry:  d.Registry,
		pool:      d.Pool,
		codec:     d.Codec,
		batches:   d.Batches,
		archives:  d.Archives,
		ledger:    d.Ledger,
		fetcher:   d.Fetcher,
		converter: d.Converter,
		locks:     newSessionLocks(),
		now:       time.Now,
	}
	for _, ext := range cfg.InputExtensions {
		s.extension[ext] = struct{}{}
	}
	s.registry.OnTransition(s.ledger.Observe)
	s.registry.OnTransition(s.batches.Observe)
	s.batches.SetGuard(s.locks.pin)
	return s
}

// encodable keeps the configured formats the codec can write.
func encodable(configured, supported []string) []string {
	ok := make(map[string]struct{}, len(supported))
	for _, f := range supported {
		ok[f] = struct{}{}
	}
	out := make([]string, 0, len(configured))
	for _, f := range configured {
		if _, found := ok[f]; !found {
			log.Warn().Str("format", f).Msg("output format not supported by codec, disabled")
			continue
		}
		out = append(out, f)
	}
	return out
}

// Recover restores persisted tasks and batches after a restart. Sessions
// whose usage did not survive are replayed from their restored tasks; for
// the rest, tasks that were in flight are accounted as interrupted. Uploads
// of interrupted tasks are dropped.
func (s *Service) Recover(ctx context.Context) error {
	interrupted, err := s.registry.LoadFromDisk(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	replayed := make(map[string]bool)
	rebuilt := 0
	for sid := range s.registry.Sessions() {
		ok, err := s.ledger.Replay(ctx, sid, s.registry.List(sid))
		if err != nil {
			log.Warn().Str("session_id", sid).Err(err).Msg("replay session usage failed")
		}
		replayed[sid] = ok
		if ok {
			rebuilt++
		}
	}
	for _, t := range interrupted {
		if !replayed[t.SessionID] {
			if err := s.ledger.RecordOutcome(ctx, t); err != nil {
				log.Warn().Str("task_id", t.ID).Err(err).Msg("account interrupted task failed")
			}
		}
		if t.InputKey != "" {
			_ = s.fs.Delete(t.InputKey)
		}
	}
	n, err := s.batches.Restore(ctx)
	if err != nil {
		return err //nolint:wrapcheck
	}
	log.Info().Int("interrupted_tasks", len(interrupted)).Int("replayed_sessions", rebuilt).Int("batches", n).Msg("state recovered")
	return nil
}


// GetTask returns the task if it belongs to the session.
func (s *Service) GetTask(sessionID, taskID string) (task.Task, error) {
	t, err := s.registry.Get(taskID)
	if err != nil {
		return task.Task{}, err //nolint:wrapcheck
	}
	if t.SessionID != sessionID {
		return task.Task{}, fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	return t, nil
}

// ListTasks returns the session's tasks in creation order.
func (s *Service) ListTasks(sessionID string) []task.Task {
	return s.registry.List(sessionID)
}

// ListBatches returns the session's batches in submission order.
func (s *Service) ListBatches(sessionID string) []batch.Batch {
	return s.batches.List(sessionID)
}

// Load is a point-in-time view of the conversion queue.
type Load struct {
	Queued  int  `json:"queued"`
	Running int  `json:"running"`
	Free    int  `json:"free"`
	Busy    bool `json:"busy"`
}

func (s *Service) Load() Load {
	queued, running := s.pool.Stats()
	return Load{Queued: queued, Running: running, Free: s.pool.Free(), Busy: s.pool.IsBusy()}
}

// GetBatch returns the batch and its constituent tasks.
func (s *Service) GetBatch(sessionID, batchID string) (batch.Batch, []task.Task, error) {
	b, err := s.batches.Get(batchID)
	if err != nil {
		return batch.Batch{}, nil, err //nolint:wrapcheck
	}
	if b.SessionID != sessionID {
		return batch.Batch{}, nil, fmt.Errorf("%w: batch %s", errs.ErrNotFound, batchID)
	}
	tasks := make([]task.Task, 0, len(b.TaskIDs))
	for _, id := range b.TaskIDs {
		if t, err := s.registry.Get(id); err == nil {
			tasks = append(tasks, t)
		}
	}
	return b, tasks, nil
}

// File is an opened artifact ready to be streamed to a client.
type File struct {
	io.ReadCloser
	Name string
	Size int64
}

// Archive assembles the outputs of the listed tasks into a zip. Unknown
// tasks and tasks of other sessions are skipped like tasks without outputs.
func (s *Service) Archive(ctx context.Context, sessionID string, taskIDs []string, layout string) (File, error) {
	if len(taskIDs) == 0 {
		return File{}, fmt.Errorf("%w: no task ids given", errs.ErrPlanRejected)
	}
	l := archive.ParseLayout(layout)

	release := s.locks.pin(sessionID)
	defer release()

	tasks := make([]task.Task, 0, len(taskIDs))
	for _, id := range taskIDs {
		t, err := s.GetTask(sessionID, id)
		if err != nil {
			log.Debug().Str("task_id", id).Err(err).Msg("skip task in archive request")
			continue
		}
		tasks = append(tasks, t)
	}

	key := storage.ArchiveKey(sessionID, "archive-"+uuid.NewString()+".zip")
	arc, err := s.archives.Build(ctx, key, tasks, l)
	if err != nil {
		return File{}, err //nolint:wrapcheck
	}
	rc, err := s.fs.Open(arc.Key)
	if err != nil {
		s.dropArchive(arc.Key)
		return File{}, err //nolint:wrapcheck
	}
	return File{
		ReadCloser: &removeOnClose{ReadCloser: rc, remove: func() { s.dropArchive(arc.Key) }},
		Name:       "converted-" + string(l) + ".zip",
		Size:       arc.Size,
	}, nil
}

// removeOnClose deletes a one-off archive once its download is closed.
type removeOnClose struct {
	io.ReadCloser
	once   sync.Once
	remove func()
}

func (r *removeOnClose) Close() error {
	err := r.ReadCloser.Close()
	r.once.Do(r.remove)
	return err //nolint:wrapcheck
}

func (s *Service) dropArchive(key string) {
	if err := s.fs.Delete(key); err != nil {
		log.Warn().Str("key", key).Err(err).Msg("remove served archive failed")
	}
}

// BatchArchive opens the archive of a completed batch.
func (s *Service) BatchArchive(sessionID, batchID string) (File, error) {
	b, _, err := s.GetBatch(sessionID, batchID)
	if err != nil {
		return File{}, err
	}
	if b.ArchiveName == "" {
		return File{}, fmt.Errorf("%w: batch %s is %s", ErrNotReady, batchID, b.Status)
	}

	release := s.locks.pin(sessionID)
	defer release()
	key := storage.ArchiveKey(sessionID, b.ArchiveName)
	size, err := s.fs.Size(key)
	if err != nil {
		return File{}, err //nolint:wrapcheck
	}
	rc, err := s.fs.Open(key)
	if err != nil {
		return File{}, err //nolint:wrapcheck
	}
	return File{ReadCloser: rc, Name: b.ArchiveName, Size: size}, nil
}

// OpenOutput opens one output of a task by its file name.
func (s *Service) OpenOutput(sessionID, taskID, filename string) (File, error) {
	t, err := s.GetTask(sessionID, taskID)
	if err != nil {
		return File{}, err
	}

	release := s.locks.pin(sessionID)
	defer release()
	for _, o := range t.Outputs() {
		if path.Base(o.Path) != filename {
			continue
		}
		rc, err := s.fs.Open(o.Path)
		if err != nil {
			return File{}, err //nolint:wrapcheck
		}
		return File{ReadCloser: rc, Name: filename, Size: o.Size}, nil
	}
	return File{}, fmt.Errorf("%w: %s", ErrForbidden, filename)
}

func (s *Service) Usage(ctx context.Context, sessionID string) (ledger.Usage, error) {
	return s.ledger.Usage(ctx, sessionID) //nolint:wrapcheck
}

func (s *Service) Activities(ctx context.Context, sessionID string, limit int) ([]ledger.Activity, error) {
	return s.ledger.Activities(ctx, sessionID, limit) //nolint:wrapcheck
}

// Limits are the request limits advertised to clients.
type Limits struct {
	MaxImagesPerUpload int      `json:"max_images_per_upload"`
	MaxImageSizeMB     int      `json:"max_image_size_mb"`
	URLDownloadMaxMB   int      `json:"url_download_max_mb"`
	InputExtensions    []string `json:"input_extensions"`
	MaxDimension       int      `json:"max_dimension"`
	// ProgressiveJPEG is false while the progressive toggle has no effect.
	ProgressiveJPEG    bool     `json:"progressive_jpeg"`
}

func (s *Service) Limits() Limits {
	return Limits{
		MaxImagesPerUpload: s.cfg.MaxImagesPerUpload,
		MaxImageSizeMB:     s.cfg.MaxImageSizeMB,
		URLDownloadMaxMB:   s.cfg.URLDownloadMaxMB,
		InputExtensions:    s.cfg.InputExtensions,
		MaxDimension:       plan.MaxDimension,
		ProgressiveJPEG:    codec.ProgressiveJPEG,
	}
}

func (s *Service) Formats() []string { return s.cfg.OutputFormats }

func (s *Service) Presets() map[string][2]int { return s.cfg.SizePresets }
