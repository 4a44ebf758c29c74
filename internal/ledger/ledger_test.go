package ledger

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianktoo/image-converter/internal/database"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/task"
)

func finished(id, sid string, status task.Status, in int64, outs ...int64) task.Task {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	done := created.Add(1500 * time.Millisecond)
	t := task.Task{
		ID: id, SessionID: sid, Filename: id + ".jpg", Status: status,
		InputSize: in, CreatedAt: created, CompletedAt: &done,
	}
	for i, n := range outs {
		t.OutputPaths = append(t.OutputPaths, fmt.Sprintf("out/%s/%d", id, i))
		t.OutputSizes = append(t.OutputSizes, n)
		t.OutputFormats = append(t.OutputFormats, "png")
	}
	if status == task.StatusFailed {
		t.Error = &task.Error{Kind: errs.KindCodecFailure, Message: "broken"}
	}
	return t
}

func TestCompressionPercent(t *testing.T) {
	assert.Equal(t, 60.0, CompressionPercent(1_000_000, 400_000))
	assert.Equal(t, 0.0, CompressionPercent(0, 0))
	assert.Equal(t, 0.0, CompressionPercent(0, 500))
	assert.Equal(t, -50.0, CompressionPercent(100, 150))
	assert.Equal(t, 33.0, CompressionPercent(3, 2))
	assert.Equal(t, 67.0, CompressionPercent(3, 1))
	assert.Equal(t, 100.0, CompressionPercent(10, 0))
}

// exerciseStore runs the same ledger scenario against any store.
func exerciseStore(t *testing.T, store Store, sid string) {
	t.Helper()
	ctx := context.Background()
	l := New(store)

	require.NoError(t, l.RecordUpload(ctx, sid, 3))
	require.NoError(t, l.RecordOutcome(ctx, finished("t1", sid, task.StatusCompleted, 1_000_000, 300_000, 100_000)))
	require.NoError(t, l.RecordOutcome(ctx, finished("t2", sid, task.StatusFailed, 0)))

	u, err := l.Usage(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.ImagesUploaded)
	assert.Equal(t, int64(2), u.ImagesOutput)
	assert.Equal(t, int64(1_000_000), u.TotalInputBytes)
	assert.Equal(t, int64(400_000), u.TotalOutputBytes)
	assert.Equal(t, 60.0, u.CompressionPercent)
	assert.InDelta(t, 3.0, u.TimeSpentSeconds, 1e-9)

	acts, err := l.Activities(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, acts, 2)
	assert.Equal(t, "t2", acts[0].TaskID, "newest first")
	assert.Equal(t, errs.KindCodecFailure, acts[0].ErrorKind)
	assert.Equal(t, 2, acts[1].OutputCount)

	limited, err := l.Activities(ctx, sid, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, l.DeleteAll(ctx, sid))
	u, err = l.Usage(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, Usage{}, u)
	acts, err = l.Activities(ctx, sid, 10)
	require.NoError(t, err)
	assert.Empty(t, acts)
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore(), "s1")
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	db, err := database.Connect(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(db.Close)
	require.NoError(t, db.EnsureSchema(context.Background()))

	exerciseStore(t, NewPostgresStore(db), fmt.Sprintf("ledger-test-%d", time.Now().UnixNano()))
}

func TestRecordOutcomeRejectsRunningTask(t *testing.T) {
	l := New(nil)
	err := l.RecordOutcome(context.Background(), task.Task{ID: "x", SessionID: "s", Status: task.StatusConverting})
	assert.ErrorIs(t, err, errs.ErrInvalidTransition)
}

func TestObserveCountsOnlyFirstTerminalArrival(t *testing.T) {
	l := New(nil)
	done := finished("t1", "s1", task.StatusCompleted, 10, 4)

	l.Observe(task.StatusPending, finished("t0", "s1", task.StatusConverting, 10))
	l.Observe(task.StatusConverting, done)
	l.Observe(task.StatusCompleted, done)

	u, err := l.Usage(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), u.ImagesOutput)
	assert.Equal(t, int64(10), u.TotalInputBytes)
}

func TestSessionsAreIsolatedUnderConcurrency(t *testing.T) {
	l := New(nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = l.RecordOutcome(ctx, finished(fmt.Sprintf("a%d", i), "a", task.StatusCompleted, 100, 40))
		}(i)
		go func(i int) {
			defer wg.Done()
			_ = l.RecordOutcome(ctx, finished(fmt.Sprintf("b%d", i), "b", task.StatusCompleted, 10, 10))
		}(i)
	}
	wg.Wait()

	a, err := l.Usage(ctx, "a")
	require.NoError(t, err)
	b, err := l.Usage(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, int64(5000), a.TotalInputBytes)
	assert.Equal(t, 60.0, a.CompressionPercent)
	assert.Equal(t, int64(500), b.TotalOutputBytes)
	assert.Equal(t, 0.0, b.CompressionPercent)
}

func TestReplayRebuildsEmptySessionsOnly(t *testing.T) {
	ctx := context.Background()
	l := New(nil)
	restored := []task.Task{
		finished("t1", "s1", task.StatusCompleted, 100, 40, 20),
		finished("t2", "s1", task.StatusFailed, 50),
		{ID: "t3", SessionID: "s1", Status: task.StatusPending},
	}

	ok, err := l.Replay(ctx, "s1", restored)
	require.NoError(t, err)
	assert.True(t, ok)
	u, err := l.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), u.ImagesUploaded)
	assert.Equal(t, int64(2), u.ImagesOutput)
	assert.Equal(t, int64(150), u.TotalInputBytes)
	acts, err := l.Activities(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Len(t, acts, 2, "only terminal tasks become activities")

	ok, err = l.Replay(ctx, "s1", restored)
	require.NoError(t, err)
	assert.False(t, ok)
	again, err := l.Usage(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, u, again)

	ok, err = l.Replay(ctx, "s2", nil)
	require.NoError(t, err)
	assert.False(t, ok)
}
