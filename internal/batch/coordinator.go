package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
)

// Tasks is the read side of the task registry.
type Tasks interface {
	Get(taskID string) (task.Task, error)
}

// Assembler builds the archive of a completed batch.
type Assembler interface {
	Build(ctx context.Context, destKey string, tasks []task.Task, layout archive.Layout) (archive.Archive, error)
}

// Guard pins a session's artifacts while a batch archive is assembled. The
// returned func releases it.
type Guard func(sessionID string) (release func())

type phase int

const (
	phaseOpen phase = iota
	phaseAssembling
	phaseDone
)

type record struct {
	batch Batch
	phase phase
}

// Coordinator derives batch status from task transitions and assembles each
// completed batch's archive exactly once.
type Coordinator struct {
	mu        sync.Mutex
	batches   map[string]*record
	bySession map[string][]string

	tasks     Tasks
	assembler Assembler
	store     Store
	guard     Guard
	timeout   time.Duration
	now       func() time.Time

	wg sync.WaitGroup
}

// NewCoordinator wires a coordinator. A nil store keeps batches in memory.
func NewCoordinator(tasks Tasks, assembler Assembler, store Store) *Coordinator {
	return &Coordinator{
		batches:   make(map[string]*record),
		bySession: make(map[string][]string),
		tasks:     tasks,
		assembler: assembler,
		store:     store,
		guard:     func(string) func() { return func() {} },
		timeout:   5 * time.Minute,
		now:       time.Now,
	}
}

// SetGuard installs the session guard taken around archive assembly.
func (c *Coordinator) SetGuard(g Guard) { c.guard = g }

// Register adds a new processing batch. Its tasks must already exist.
func (c *Coordinator) Register(ctx context.Context, b Batch) (Batch, error) {
	now := c.now().UTC()
	b = b.clone()
	b.Status = StatusProcessing
	b.Error, b.ArchiveName = "", ""
	b.CreatedAt, b.UpdatedAt = now, now

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, dup := c.batches[b.ID]; dup {
		return Batch{}, fmt.Errorf("batch %s already registered", b.ID)
	}
	if err := c.persist(ctx, b); err != nil {
		return Batch{}, err
	}
	c.batches[b.ID] = &record{batch: b}
	c.bySession[b.SessionID] = append(c.bySession[b.SessionID], b.ID)
	return b.clone(), nil
}

// Observe is a task.Hook. Registry hooks may not call back into the registry,
// so evaluation is handed to a goroutine.
func (c *Coordinator) Observe(_ task.Status, t task.Task) {
	if t.BatchID == "" || !t.Status.Terminal() {
		return
	}
	c.Notify(t.BatchID)
}

// Notify schedules a re-evaluation of the batch.
func (c *Coordinator) Notify(batchID string) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()
		c.Evaluate(ctx, batchID)
	}()
}

// Wait blocks until every scheduled evaluation has returned.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Evaluate recomputes the batch from authoritative task state. It is safe to
// call any number of times; only the first caller to see a completed batch
// assembles its archive.
func (c *Coordinator) Evaluate(ctx context.Context, batchID string) {
	c.mu.Lock()
	rec, ok := c.batches[batchID]
	if !ok || rec.phase != phaseOpen {
		c.mu.Unlock()
		return
	}
	b := rec.batch.clone()
	c.mu.Unlock()

	tasks, err := c.load(b)
	if err != nil {
		log.Debug().Str("batch_id", batchID).Err(err).Msg("batch tasks unavailable")
		return
	}

	status, msg := Derive(tasks, b.FailFast)
	switch status {
	case StatusFailed:
		c.finish(ctx, batchID, phaseOpen, func(b *Batch) {
			b.Status, b.Error = StatusFailed, msg
		})
	case StatusCompleted:
		if !c.claim(batchID) {
			return
		}
		c.assemble(ctx, b, tasks)
	}
}

func (c *Coordinator) load(b Batch) ([]task.Task, error) {
	tasks := make([]task.Task, 0, len(b.TaskIDs))
	for _, id := range b.TaskIDs {
		t, err := c.tasks.Get(id)
		if err != nil {
			return nil, err //nolint:wrapcheck
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// claim moves the batch from open to assembling. Exactly one caller wins.
func (c *Coordinator) claim(batchID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.batches[batchID]
	if !ok || rec.phase != phaseOpen {
		return false
	}
	rec.phase = phaseAssembling
	return true
}

func (c *Coordinator) assemble(ctx context.Context, b Batch, tasks []task.Task) {
	logger := log.With().Str("batch_id", b.ID).Str("session_id", b.SessionID).Logger()

	release := c.guard(b.SessionID)
	defer release()

	c.mu.Lock()
	_, alive := c.batches[b.ID]
	c.mu.Unlock()
	if !alive {
		logger.Debug().Msg("session erased before assembly")
		return
	}

	name := b.ID + ".zip"
	arc, err := c.assembler.Build(ctx, storage.ArchiveKey(b.SessionID, name), tasks, b.Layout)
	if err != nil {
		logger.Error().Err(err).Msg("batch archive failed")
		c.finish(ctx, b.ID, phaseAssembling, func(b *Batch) {
			b.Status, b.Error = StatusFailed, "archive assembly failed: "+err.Error()
		})
		return
	}
	c.finish(ctx, b.ID, phaseAssembling, func(b *Batch) {
		b.Status, b.ArchiveName = StatusCompleted, name
	})
	logger.Info().Str("archive", name).Int64("bytes", arc.Size).Msg("batch completed")
}

// finish applies the final update if the batch is still in the expected phase.
func (c *Coordinator) finish(ctx context.Context, batchID string, from phase, update func(*Batch)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.batches[batchID]
	if !ok || rec.phase != from {
		return
	}
	next := rec.batch.clone()
	update(&next)
	next.UpdatedAt = c.now().UTC()
	if err := c.persist(ctx, next); err != nil {
		log.Warn().Str("batch_id", batchID).Err(err).Msg("persist batch failed")
	}
	rec.batch = next
	rec.phase = phaseDone
}

// Get returns the batch with its latest derived status. It has no side
// effects: a batch whose tasks are all done but whose archive is not yet
// recorded is reported as processing.
func (c *Coordinator) Get(batchID string) (Batch, error) {
	c.mu.Lock()
	rec, ok := c.batches[batchID]
	if !ok {
		c.mu.Unlock()
		return Batch{}, fmt.Errorf("%w: batch %s", errs.ErrNotFound, batchID)
	}
	b, ph := rec.batch.clone(), rec.phase
	c.mu.Unlock()

	if ph != phaseOpen {
		return b, nil
	}
	tasks, err := c.load(b)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return Batch{}, fmt.Errorf("%w: batch %s", errs.ErrNotFound, batchID)
		}
		return Batch{}, err
	}
	if status, msg := Derive(tasks, b.FailFast); status == StatusFailed {
		b.Status, b.Error = status, msg
	}
	return b, nil
}

// List returns the session's batches in registration order, each as Get
// reports it. Batches erased while listing are left out.
func (c *Coordinator) List(sessionID string) []Batch {
	c.mu.Lock()
	ids := append([]string(nil), c.bySession[sessionID]...)
	c.mu.Unlock()

	out := make([]Batch, 0, len(ids))
	for _, id := range ids {
		b, err := c.Get(id)
		if err != nil {
			continue
		}
		out = append(out, b)
	}
	return out
}

// DeleteSession drops every batch of the session.
func (c *Coordinator) DeleteSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.store != nil {
		if err := c.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("%w: delete batches: %v", errs.ErrStorageFailure, err)
		}
	}
	for _, id := range c.bySession[sessionID] {
		delete(c.batches, id)
	}
	delete(c.bySession, sessionID)
	return nil
}

// Restore loads persisted batches and re-evaluates those still open.
func (c *Coordinator) Restore(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	loaded, err := c.store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: load batches: %v", errs.ErrStorageFailure, err)
	}
	var open []string
	c.mu.Lock()
	for _, b := range loaded {
		if _, dup := c.batches[b.ID]; dup {
			continue
		}
		rec := &record{batch: b.clone(), phase: phaseDone}
		if b.Status == StatusProcessing {
			rec.phase = phaseOpen
			open = append(open, b.ID)
		}
		c.batches[b.ID] = rec
		c.bySession[b.SessionID] = append(c.bySession[b.SessionID], b.ID)
	}
	c.mu.Unlock()

	for _, id := range open {
		c.Notify(id)
	}
	return len(loaded), nil
}

func (c *Coordinator) persist(ctx context.Context, b Batch) error {
	if c.store == nil {
		return nil
	}
	if err := c.store.Save(ctx, b); err != nil {
		return fmt.Errorf("%w: persist batch: %v", errs.ErrStorageFailure, err)
	}
	return nil
}
