package ledger

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/task"
)

// Activity is one finished task as recorded for its session.
type Activity struct {
	TaskID          string      `json:"task_id"`
	BatchID         string      `json:"batch_id,omitempty"`
	Filename        string      `json:"filename"`
	InputBytes      int64       `json:"input_bytes"`
	OutputBytes     int64       `json:"output_bytes"`
	OutputCount     int         `json:"output_count"`
	Status          task.Status `json:"status"`
	ErrorKind       errs.Kind   `json:"error_kind,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	CompletedAt     time.Time   `json:"completed_at"`
	DurationSeconds float64     `json:"duration_seconds"`
}

// Counters are the stored per-session totals.
type Counters struct {
	ImagesUploaded int64
	ImagesOutput   int64
	InputBytes     int64
	OutputBytes    int64
	// ElapsedSeconds is summed over the session's activities when read.
	ElapsedSeconds float64
}

// Usage is the read model served to clients.
type Usage struct {
	ImagesUploaded     int64   `json:"images_uploaded"`
	ImagesOutput       int64   `json:"images_output"`
	TotalInputBytes    int64   `json:"total_input_bytes"`
	TotalOutputBytes   int64   `json:"total_output_bytes"`
	CompressionPercent float64 `json:"compression_percent"`
	TimeSpentSeconds   float64 `json:"time_spent_seconds"`
}

// Store keeps counters and activities keyed by session. AddOutcome must bump
// the counters and append the activity as one atomic update.
type Store interface {
	AddUploads(ctx context.Context, sessionID string, n int) error
	AddOutcome(ctx context.Context, sessionID string, a Activity) error
	Counters(ctx context.Context, sessionID string) (Counters, error)
	Activities(ctx context.Context, sessionID string, limit int) ([]Activity, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

const DefaultActivityLimit = 100

// Ledger is the session accounting facade. It is safe for concurrent use as
// long as its store is.
type Ledger struct {
	store Store
}

func New(store Store) *Ledger {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Ledger{store: store}
}

// RecordUpload counts n accepted inputs for the session.
func (l *Ledger) RecordUpload(ctx context.Context, sessionID string, n int) error {
	if n <= 0 {
		return nil
	}
	if err := l.store.AddUploads(ctx, sessionID, n); err != nil {
		return fmt.Errorf("%w: record upload: %v", errs.ErrStorageFailure, err)
	}
	return nil
}

// RecordOutcome accounts a task that reached a terminal state.
func (l *Ledger) RecordOutcome(ctx context.Context, t task.Task) error {
	if !t.Status.Terminal() {
		return fmt.Errorf("%w: task %s is %s", errs.ErrInvalidTransition, t.ID, t.Status)
	}
	if err := l.store.AddOutcome(ctx, t.SessionID, activityOf(t)); err != nil {
		return fmt.Errorf("%w: record outcome: %v", errs.ErrStorageFailure, err)
	}
	return nil
}

// Observe is a task.Hook that records each first arrival at a terminal state.
func (l *Ledger) Observe(prev task.Status, t task.Task) {
	if prev.Terminal() || !t.Status.Terminal() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.RecordOutcome(ctx, t); err != nil {
		log.Error().Str("task_id", t.ID).Str("session_id", t.SessionID).Err(err).Msg("ledger update failed")
	}
}

// Replay accounts the restored tasks of a session whose counters are empty,
// which is the state of a memory store after a restart. A session that
// already has usage is left alone and false is returned.
func (l *Ledger) Replay(ctx context.Context, sessionID string, tasks []task.Task) (bool, error) {
	c, err := l.store.Counters(ctx, sessionID)
	if err != nil {
		return false, fmt.Errorf("%w: read usage: %v", errs.ErrStorageFailure, err)
	}
	if c.ImagesUploaded > 0 || len(tasks) == 0 {
		return false, nil
	}
	if err := l.RecordUpload(ctx, sessionID, len(tasks)); err != nil {
		return false, err
	}
	done := make([]task.Task, 0, len(tasks))
	for _, t := range tasks {
		if t.Status.Terminal() {
			done = append(done, t)
		}
	}
	sort.SliceStable(done, func(i, j int) bool { return done[i].LastActivity().Before(done[j].LastActivity()) })
	for _, t := range done {
		if err := l.RecordOutcome(ctx, t); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (l *Ledger) Usage(ctx context.Context, sessionID string) (Usage, error) {
	c, err := l.store.Counters(ctx, sessionID)
	if err != nil {
		return Usage{}, fmt.Errorf("%w: read usage: %v", errs.ErrStorageFailure, err)
	}
	return Usage{
		ImagesUploaded:     c.ImagesUploaded,
		ImagesOutput:       c.ImagesOutput,
		TotalInputBytes:    c.InputBytes,
		TotalOutputBytes:   c.OutputBytes,
		CompressionPercent: CompressionPercent(c.InputBytes, c.OutputBytes),
		TimeSpentSeconds:   c.ElapsedSeconds,
	}, nil
}

// Activities returns at most limit entries, newest first.
func (l *Ledger) Activities(ctx context.Context, sessionID string, limit int) ([]Activity, error) {
	if limit <= 0 {
		limit = DefaultActivityLimit
	}
	out, err := l.store.Activities(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: read activities: %v", errs.ErrStorageFailure, err)
	}
	return out, nil
}

// DeleteAll drops the counters and activity log of the session.
func (l *Ledger) DeleteAll(ctx context.Context, sessionID string) error {
	if err := l.store.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: delete ledger: %v", errs.ErrStorageFailure, err)
	}
	return nil
}

// CompressionPercent is the size saved relative to the input, rounded to a
// whole percent. Zero input yields 0.
func CompressionPercent(in, out int64) float64 {
	if in <= 0 {
		return 0
	}
	return math.Round((1 - float64(out)/float64(in)) * 100)
}

func activityOf(t task.Task) Activity {
	a := Activity{
		TaskID:      t.ID,
		BatchID:     t.BatchID,
		Filename:    t.Filename,
		InputBytes:  t.InputSize,
		OutputBytes: t.OutputBytes(),
		OutputCount: len(t.OutputPaths),
		Status:      t.Status,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.LastActivity(),
	}
	if t.Error != nil {
		a.ErrorKind = t.Error.Kind
	}
	if d := a.CompletedAt.Sub(a.CreatedAt); d > 0 {
		a.DurationSeconds = d.Seconds()
	}
	return a
}
