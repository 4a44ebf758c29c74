package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/task"
)

var allStatuses = []task.Status{task.StatusPending, task.StatusConverting, task.StatusCompleted, task.StatusFailed}

func synthetic(statuses []task.Status) []task.Task {
	tasks := make([]task.Task, len(statuses))
	for i, s := range statuses {
		tasks[i] = task.Task{ID: fmt.Sprintf("t%d", i), Status: s}
		if s == task.StatusCompleted {
			tasks[i].OutputPaths = []string{"out"}
		}
		if s == task.StatusFailed {
			tasks[i].Error = &task.Error{Kind: errs.KindCodecFailure, Message: "bad input"}
		}
	}
	return tasks
}

// combos enumerates every assignment of statuses to n tasks.
func combos(n int) [][]task.Status {
	out := [][]task.Status{{}}
	for i := 0; i < n; i++ {
		var next [][]task.Status
		for _, prefix := range out {
			for _, s := range allStatuses {
				next = append(next, append(append([]task.Status(nil), prefix...), s))
			}
		}
		out = next
	}
	return out
}

func count(statuses []task.Status, want task.Status) int {
	n := 0
	for _, s := range statuses {
		if s == want {
			n++
		}
	}
	return n
}

func TestDeriveFailFastAllCombinations(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		for _, c := range combos(n) {
			status, msg := Derive(synthetic(c), true)
			switch {
			case count(c, task.StatusFailed) > 0:
				assert.Equal(t, StatusFailed, status, "%v", c)
				assert.Contains(t, msg, "bad input")
			case count(c, task.StatusCompleted) == n:
				assert.Equal(t, StatusCompleted, status, "%v", c)
			default:
				assert.Equal(t, StatusProcessing, status, "%v", c)
			}
		}
	}
}

func TestDeriveTolerantAllCombinations(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		for _, c := range combos(n) {
			status, _ := Derive(synthetic(c), false)
			completed, failed := count(c, task.StatusCompleted), count(c, task.StatusFailed)
			switch {
			case completed+failed < n:
				assert.Equal(t, StatusProcessing, status, "%v", c)
			case completed > 0:
				assert.Equal(t, StatusCompleted, status, "%v", c)
			default:
				assert.Equal(t, StatusFailed, status, "%v", c)
			}
		}
	}
}

type fakeAssembler struct {
	calls   atomic.Int32
	delay   time.Duration
	err     error
	mu      sync.Mutex
	layouts []archive.Layout
}

func (f *fakeAssembler) Build(_ context.Context, destKey string, tasks []task.Task, layout archive.Layout) (archive.Archive, error) {
	f.calls.Add(1)
	time.Sleep(f.delay)
	f.mu.Lock()
	f.layouts = append(f.layouts, layout)
	f.mu.Unlock()
	if f.err != nil {
		return archive.Archive{}, f.err
	}
	return archive.Archive{Key: destKey, Size: int64(len(tasks))}, nil
}

type harness struct {
	registry *task.Registry
	asm      *fakeAssembler
	coord    *Coordinator
}

func newHarness(t *testing.T, store Store) *harness {
	t.Helper()
	r := task.NewRegistry(nil)
	asm := &fakeAssembler{}
	c := NewCoordinator(r, asm, store)
	r.OnTransition(c.Observe)
	return &harness{registry: r, asm: asm, coord: c}
}

func (h *harness) newBatch(t *testing.T, sid, id string, n int, failFast bool) []string {
	t.Helper()
	specs := make([]task.Spec, n)
	for i := range specs {
		specs[i] = task.Spec{SessionID: sid, BatchID: id, Filename: fmt.Sprintf("f%d.jpg", i)}
	}
	created, err := h.registry.Create(context.Background(), specs)
	require.NoError(t, err)
	ids := make([]string, n)
	for i, tk := range created {
		ids[i] = tk.ID
	}
	_, err = h.coord.Register(context.Background(), Batch{ID: id, SessionID: sid, TaskIDs: ids, Layout: archive.LayoutByFormat, FailFast: failFast})
	require.NoError(t, err)
	return ids
}

func (h *harness) complete(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.registry.Apply(ctx, id, task.Start())
	require.NoError(t, err)
	_, err = h.registry.Apply(ctx, id, task.AddOutput(task.Output{Path: "outputs/" + id + ".png", Format: "png", Size: 3}))
	require.NoError(t, err)
	_, err = h.registry.Apply(ctx, id, task.Complete())
	require.NoError(t, err)
}

func (h *harness) fail(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := h.registry.Apply(ctx, id, task.Start())
	require.NoError(t, err)
	_, err = h.registry.Apply(ctx, id, task.Fail(errs.ErrCodecFailure))
	require.NoError(t, err)
}

func TestCoordinatorCompletesAndArchivesOnce(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.newBatch(t, "s1", "b1", 3, false)

	h.complete(t, ids[0])
	h.complete(t, ids[1])
	h.coord.Wait()
	b, err := h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, b.Status)
	assert.Empty(t, b.ArchiveName)

	h.fail(t, ids[2])
	h.coord.Wait()

	b, err = h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status, "partial archive without fail-fast")
	assert.Equal(t, "b1.zip", b.ArchiveName)
	assert.Empty(t, b.Error)
	assert.Equal(t, int32(1), h.asm.calls.Load())
	assert.Equal(t, []archive.Layout{archive.LayoutByFormat}, h.asm.layouts)
}

func TestCoordinatorAssemblesExactlyOnceUnderRace(t *testing.T) {
	h := newHarness(t, nil)
	h.asm.delay = 20 * time.Millisecond
	ids := h.newBatch(t, "s1", "b1", 2, false)
	h.complete(t, ids[0])
	h.complete(t, ids[1])

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.coord.Evaluate(context.Background(), "b1")
		}()
	}
	wg.Wait()
	h.coord.Wait()

	assert.Equal(t, int32(1), h.asm.calls.Load())
	b, err := h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
}

func TestCoordinatorFailFastSkipsArchive(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.newBatch(t, "s1", "b1", 3, true)

	h.fail(t, ids[1])
	h.coord.Wait()
	b, err := h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Contains(t, b.Error, ids[1])

	h.complete(t, ids[0])
	h.complete(t, ids[2])
	h.coord.Wait()

	b, err = h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Zero(t, h.asm.calls.Load())
}

func TestCoordinatorArchiveFailureFailsBatch(t *testing.T) {
	h := newHarness(t, nil)
	h.asm.err = errs.ErrStorageFailure
	ids := h.newBatch(t, "s1", "b1", 1, false)
	h.complete(t, ids[0])
	h.coord.Wait()

	b, err := h.coord.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, b.Status)
	assert.Contains(t, b.Error, "archive assembly failed")
}

func TestCoordinatorDisjointBatchesDoNotInterfere(t *testing.T) {
	h := newHarness(t, nil)
	a := h.newBatch(t, "s1", "A", 2, true)
	b := h.newBatch(t, "s1", "B", 2, true)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		h.complete(t, a[0])
		h.complete(t, a[1])
	}()
	go func() {
		defer wg.Done()
		h.fail(t, b[0])
		h.complete(t, b[1])
	}()
	wg.Wait()
	h.coord.Wait()

	ba, err := h.coord.Get("A")
	require.NoError(t, err)
	bb, err := h.coord.Get("B")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, ba.Status)
	assert.Empty(t, ba.Error)
	assert.Equal(t, StatusFailed, bb.Status)
	assert.Equal(t, []Batch{ba, bb}, h.coord.List("s1"))
}

func TestCoordinatorGetIsSideEffectFree(t *testing.T) {
	h := newHarness(t, nil)
	ids := h.newBatch(t, "s1", "b1", 1, false)
	h.complete(t, ids[0])
	h.coord.Wait()
	calls := h.asm.calls.Load()

	for i := 0; i < 5; i++ {
		_, err := h.coord.Get("b1")
		require.NoError(t, err)
	}
	assert.Equal(t, calls, h.asm.calls.Load())

	_, err := h.coord.Get("missing")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCoordinatorDeleteSession(t *testing.T) {
	h := newHarness(t, NewFileStore(t.TempDir()))
	h.newBatch(t, "s1", "b1", 1, false)
	h.newBatch(t, "s2", "b2", 1, false)

	require.NoError(t, h.coord.DeleteSession(context.Background(), "s1"))
	_, err := h.coord.Get("b1")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.Empty(t, h.coord.List("s1"))
	_, err = h.coord.Get("b2")
	assert.NoError(t, err)
}

func TestCoordinatorRestoreReevaluatesOpenBatches(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	r := task.NewRegistry(nil)
	created, err := r.Create(ctx, []task.Spec{{SessionID: "s1", BatchID: "b1", Filename: "a.jpg"}})
	require.NoError(t, err)

	first := NewCoordinator(r, &fakeAssembler{}, NewFileStore(dir))
	_, err = first.Register(ctx, Batch{ID: "b1", SessionID: "s1", TaskIDs: []string{created[0].ID}, Layout: archive.LayoutFlat})
	require.NoError(t, err)

	// The task finishes while no coordinator observes the registry.
	(&harness{registry: r}).complete(t, created[0].ID)

	asm := &fakeAssembler{}
	second := NewCoordinator(r, asm, NewFileStore(dir))
	n, err := second.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	second.Wait()

	b, err := second.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, b.Status)
	assert.Equal(t, "b1.zip", b.ArchiveName)
	assert.Equal(t, int32(1), asm.calls.Load())
}

func TestCoordinatorListReportsDerivedStatus(t *testing.T) {
	r := task.NewRegistry(nil)
	c := NewCoordinator(r, &fakeAssembler{}, nil)
	h := &harness{registry: r, asm: &fakeAssembler{}, coord: c}
	ids := h.newBatch(t, "s1", "b1", 2, true)
	h.fail(t, ids[0])

	listed := c.List("s1")
	require.Len(t, listed, 1)
	assert.Equal(t, StatusFailed, listed[0].Status, "open batch is derived, not read raw")
	got, err := c.Get("b1")
	require.NoError(t, err)
	assert.Equal(t, got, listed[0])
	assert.Empty(t, c.List("s2"))
}
