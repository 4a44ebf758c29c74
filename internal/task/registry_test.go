package task

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ianktoo/image-converter/internal/errs"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(NewFileStore(t.TempDir()))
}

func createOne(t *testing.T, r *Registry, sessionID string) Task {
	t.Helper()
	created, err := r.Create(context.Background(), []Spec{{SessionID: sessionID, Filename: "a.png", Formats: []string{"png"}}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return created[0]
}

func TestCreateAndGet(t *testing.T) {
	r := newTestRegistry(t)
	created, err := r.Create(context.Background(), []Spec{
		{SessionID: "s1", Filename: "a.png"},
		{SessionID: "s1", Filename: "b.png"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 2 || created[0].ID == created[1].ID {
		t.Fatalf("expected two distinct tasks, got %+v", created)
	}
	got, err := r.Get(created[0].ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusPending || got.Progress != 0 || got.Error != nil {
		t.Fatalf("unexpected initial state: %+v", got)
	}
	if _, err := r.Get("missing"); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if list := r.List("s1"); len(list) != 2 || list[0].Filename != "a.png" {
		t.Fatalf("unexpected list: %+v", list)
	}
	if list := r.List("other"); len(list) != 0 {
		t.Fatalf("expected no cross-session visibility, got %+v", list)
	}
}

func TestLifecycleCompleted(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	tsk := createOne(t, r, "s1")

	if _, err := r.Apply(ctx, tsk.ID, Progress(10)); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("progress before start must fail, got %v", err)
	}
	if _, err := r.Apply(ctx, tsk.ID, Start()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if got, _ := r.Apply(ctx, tsk.ID, Progress(40)); got.Progress != 40 {
		t.Fatalf("expected progress 40, got %d", got.Progress)
	}
	if got, _ := r.Apply(ctx, tsk.ID, Progress(20)); got.Progress != 40 {
		t.Fatalf("progress must not decrease, got %d", got.Progress)
	}
	if got, _ := r.Apply(ctx, tsk.ID, Progress(150)); got.Progress != 99 {
		t.Fatalf("running progress is capped below 100, got %d", got.Progress)
	}
	if _, err := r.Apply(ctx, tsk.ID, AddOutput(Output{Path: "outputs/s1/a.png", Format: "png", Size: 42})); err != nil {
		t.Fatalf("output: %v", err)
	}
	got, err := r.Apply(ctx, tsk.ID, Complete())
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != StatusCompleted || got.Progress != 100 || got.CompletedAt == nil || got.Error != nil {
		t.Fatalf("unexpected completed state: %+v", got)
	}
	if len(got.OutputPaths) != 1 || len(got.OutputSizes) != 1 || got.OutputBytes() != 42 {
		t.Fatalf("unexpected outputs: %+v", got)
	}
	if _, err := r.Apply(ctx, tsk.ID, Start()); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("re-entry after terminal must fail, got %v", err)
	}
	if _, err := r.Apply(ctx, tsk.ID, Fail(errs.ErrTimeout)); !errors.Is(err, errs.ErrInvalidTransition) {
		t.Fatalf("fail after completed must be rejected, got %v", err)
	}
}

func TestFailFreezesProgressAndClassifies(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	pendingFail := createOne(t, r, "s1")
	got, err := r.Apply(ctx, pendingFail.ID, Fail(errs.ErrCodecFailure))
	if err != nil {
		t.Fatalf("pending->failed: %v", err)
	}
	if got.Status != StatusFailed || got.Error == nil || got.Error.Kind != errs.KindCodecFailure {
		t.Fatalf("unexpected failed state: %+v", got)
	}

	tsk := createOne(t, r, "s1")
	_, _ = r.Apply(ctx, tsk.ID, Start())
	_, _ = r.Apply(ctx, tsk.ID, Progress(55))
	got, _ = r.Apply(ctx, tsk.ID, Fail(context.DeadlineExceeded))
	if got.Progress != 55 || got.Error.Kind != errs.KindTimeout {
		t.Fatalf("expected frozen progress and timeout kind, got %+v", got)
	}
}

func TestSnapshotsAreIsolated(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	tsk := createOne(t, r, "s1")
	_, _ = r.Apply(ctx, tsk.ID, Start())

	snap, _ := r.Get(tsk.ID)
	_, _ = r.Apply(ctx, tsk.ID, AddOutput(Output{Path: "p", Size: 1}))
	if len(snap.OutputPaths) != 0 {
		t.Fatalf("snapshot changed after later write: %+v", snap)
	}
	snap.Formats[0] = "mutated"
	if again, _ := r.Get(tsk.ID); again.Formats[0] != "png" {
		t.Fatalf("caller mutation leaked into registry")
	}
}

func TestConcurrentReadersSeeParallelArrays(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	tsk := createOne(t, r, "s1")
	_, _ = r.Apply(ctx, tsk.ID, Start())

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				got, err := r.Get(tsk.ID)
				if err != nil {
					t.Errorf("get: %v", err)
					return
				}
				if len(got.OutputPaths) != len(got.OutputSizes) || len(got.OutputPaths) != len(got.OutputFormats) {
					t.Errorf("torn read: %d paths, %d sizes", len(got.OutputPaths), len(got.OutputSizes))
					return
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		if _, err := r.Apply(ctx, tsk.ID, AddOutput(Output{Path: "p", Format: "png", Size: int64(i)})); err != nil {
			t.Fatalf("output: %v", err)
		}
	}
	close(stop)
	wg.Wait()
}

func TestHooksObserveTransitions(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	var seen []Status
	r.OnTransition(func(prev Status, tsk Task) {
		seen = append(seen, tsk.Status)
	})
	tsk := createOne(t, r, "s1")
	_, _ = r.Apply(ctx, tsk.ID, Start())
	_, _ = r.Apply(ctx, tsk.ID, Complete())
	_, _ = r.Apply(ctx, tsk.ID, Complete())
	if len(seen) != 2 || seen[0] != StatusConverting || seen[1] != StatusCompleted {
		t.Fatalf("unexpected hook calls: %v", seen)
	}
}

func TestEraseFencesWorkersAndDropsRecords(t *testing.T) {
	dataDir := t.TempDir()
	r := NewRegistry(NewFileStore(dataDir))
	ctx := context.Background()
	tsk := createOne(t, r, "s1")
	keep := createOne(t, r, "s2")
	_, _ = r.Apply(ctx, tsk.ID, Start())

	r.BeginErase("s1")
	if _, err := r.Apply(ctx, tsk.ID, Complete()); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found during erasure, got %v", err)
	}
	if _, err := r.Create(ctx, []Spec{{SessionID: "s1"}}); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected create to be refused during erasure, got %v", err)
	}

	r.AbortErase("s1")
	if _, err := r.Apply(ctx, tsk.ID, Progress(5)); err != nil {
		t.Fatalf("expected transitions after abort, got %v", err)
	}

	r.BeginErase("s1")
	if err := r.FinishErase(ctx, "s1"); err != nil {
		t.Fatalf("finish erase: %v", err)
	}
	if _, err := r.Get(tsk.ID); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("expected not found after erasure, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dataDir, "tasks", "s1")); !os.IsNotExist(err) {
		t.Fatalf("expected session records removed, got %v", err)
	}
	if _, err := r.Get(keep.ID); err != nil {
		t.Fatalf("other session must survive: %v", err)
	}
	if _, ok := r.Sessions()["s1"]; ok {
		t.Fatalf("erased session still listed")
	}
}

func TestPersistAndLoadFromDisk(t *testing.T) {
	dataDir := t.TempDir()
	r := NewRegistry(NewFileStore(dataDir))
	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	r.now = func() time.Time { return base }
	running := createOne(t, r, "s1")
	r.now = func() time.Time { return base.Add(time.Second) }
	done := createOne(t, r, "s1")
	_, _ = r.Apply(ctx, running.ID, Start())
	_, _ = r.Apply(ctx, done.ID, Start())
	_, _ = r.Apply(ctx, done.ID, Complete())

	r2 := NewRegistry(NewFileStore(dataDir))
	interrupted, err := r2.LoadFromDisk(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0].ID != running.ID {
		t.Fatalf("expected one interrupted task, got %+v", interrupted)
	}
	got, err := r2.Get(running.ID)
	if err != nil || got.Status != StatusFailed || got.Error.Kind != errs.KindInterrupted {
		t.Fatalf("expected running task failed as interrupted, got %+v (%v)", got, err)
	}
	if got, err := r2.Get(done.ID); err != nil || got.Status != StatusCompleted {
		t.Fatalf("expected completed task restored, got %+v (%v)", got, err)
	}
	if list := r2.List("s1"); len(list) != 2 || list[0].ID != running.ID {
		t.Fatalf("expected creation order preserved, got %+v", list)
	}
}

func TestSessionsLastActivity(t *testing.T) {
	r := newTestRegistry(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	tsk := createOne(t, r, "s1")
	r.now = func() time.Time { return base.Add(time.Hour) }
	_, _ = r.Apply(context.Background(), tsk.ID, Fail(errs.ErrCodecFailure))
	if got := r.Sessions()["s1"]; !got.Equal(base.Add(time.Hour)) {
		t.Fatalf("expected last activity at completion, got %s", got)
	}
}

// blockingHook parks every terminal transition until release is closed.
func blockingHook(entered chan<- struct{}, release <-chan struct{}) Hook {
	return func(_ Status, tsk Task) {
		if !tsk.Status.Terminal() {
			return
		}
		entered <- struct{}{}
		<-release
	}
}

func TestSlowHookDoesNotBlockRegistryWriters(t *testing.T) {
	r := newTestRegistry(t)
	entered, release := make(chan struct{}, 1), make(chan struct{})
	r.OnTransition(blockingHook(entered, release))
	tsk := createOne(t, r, "s1")

	go func() { _, _ = r.Apply(context.Background(), tsk.ID, Fail(errs.ErrCodecFailure)) }()
	<-entered

	created := make(chan struct{})
	go func() {
		_, _ = r.Create(context.Background(), []Spec{{SessionID: "s2", Filename: "b.png"}})
		close(created)
	}()
	select {
	case <-created:
	case <-time.After(2 * time.Second):
		close(release)
		t.Fatalf("create blocked behind a running hook")
	}
	if got, _ := r.Get(tsk.ID); got.Status != StatusFailed {
		t.Fatalf("snapshot should be published before hooks finish, got %s", got.Status)
	}
	close(release)
}

func TestBeginEraseWaitsForRunningHooks(t *testing.T) {
	r := newTestRegistry(t)
	entered, release := make(chan struct{}, 1), make(chan struct{})
	r.OnTransition(blockingHook(entered, release))
	tsk := createOne(t, r, "s1")

	go func() { _, _ = r.Apply(context.Background(), tsk.ID, Fail(errs.ErrCodecFailure)) }()
	<-entered

	fenced := make(chan struct{})
	go func() {
		r.BeginErase("s1")
		close(fenced)
	}()
	select {
	case <-fenced:
		t.Fatalf("erase fence returned while a hook was still running")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-fenced:
	case <-time.After(2 * time.Second):
		t.Fatalf("erase fence did not return after hooks finished")
	}
}
