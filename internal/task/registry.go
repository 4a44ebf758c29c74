package task

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
)

// Hook observes every successful transition. Hooks run synchronously on the
// transitioning goroutine after the registry lock is released; BeginErase
// waits for running hooks, so a hook must not erase sessions itself.
type Hook func(prev Status, t Task)

type entry struct {
	mu   sync.Mutex // serializes writers of this task
	snap atomic.Pointer[Task]
}

// Registry owns the canonical state of every task. Writers of one task are
// linearized; readers get immutable snapshots and never block on writers.
type Registry struct {
	mu        sync.RWMutex
	hooking   sync.RWMutex // held shared while hooks run
	tasks     map[string]*entry
	bySession map[string][]string
	erasing   map[string]struct{}
	hooks     []Hook
	store     TaskStore
	now       func() time.Time
}

// NewRegistry creates a registry persisting through store. A nil store keeps
// tasks in memory only.
func NewRegistry(store TaskStore) *Registry {
	return &Registry{
		tasks:     make(map[string]*entry),
		bySession: make(map[string][]string),
		erasing:   make(map[string]struct{}),
		store:     store,
		now:       time.Now,
	}
}

// OnTransition registers a hook. Intended for wiring at startup.
func (r *Registry) OnTransition(h Hook) {
	r.mu.Lock()
	r.hooks = append(r.hooks, h)
	r.mu.Unlock()
}

// Create registers one pending task per spec. Either every task is created
// and persisted, or none is.
func (r *Registry) Create(ctx context.Context, specs []Spec) ([]Task, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	now := r.now().UTC()
	created := make([]*Task, 0, len(specs))
	for _, s := range specs {
		created = append(created, &Task{
			ID:            uuid.NewString(),
			SessionID:     s.SessionID,
			BatchID:       s.BatchID,
			Filename:      s.Filename,
			Status:        StatusPending,
			Formats:       append([]string(nil), s.Formats...),
			Jobs:          s.Jobs,
			OutputPaths:   []string{},
			OutputSizes:   []int64{},
			OutputFormats: []string{},
			InputKey:      s.InputKey,
			InputSize:     s.InputSize,
			CreatedAt:     now,
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range created {
		if _, ok := r.erasing[t.SessionID]; ok {
			return nil, fmt.Errorf("%w: session %s is being erased", errs.ErrNotFound, t.SessionID)
		}
	}
	if r.store != nil {
		for i, t := range created {
			if err := r.store.SaveTask(ctx, t); err != nil {
				for _, done := range created[:i] {
					_ = r.store.DeleteTask(ctx, done)
				}
				return nil, fmt.Errorf("%w: persist task: %v", errs.ErrStorageFailure, err)
			}
		}
	}
	out := make([]Task, 0, len(created))
	for _, t := range created {
		e := &entry{}
		e.snap.Store(t)
		r.tasks[t.ID] = e
		r.bySession[t.SessionID] = append(r.bySession[t.SessionID], t.ID)
		out = append(out, *t.clone())
	}
	return out, nil
}

// Get returns a snapshot of the task.
func (r *Registry) Get(taskID string) (Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	r.mu.RUnlock()
	if !ok {
		return Task{}, fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	return *e.snap.Load().clone(), nil
}

// Apply runs one state machine event against the task. Tasks of a session
// under erasure report errs.ErrNotFound so in-flight workers discard results.
func (r *Registry) Apply(ctx context.Context, taskID string, ev Event) (Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[taskID]
	if !ok {
		r.mu.RUnlock()
		return Task{}, fmt.Errorf("%w: task %s", errs.ErrNotFound, taskID)
	}
	e.mu.Lock()
	cur := e.snap.Load()
	if _, gone := r.erasing[cur.SessionID]; gone {
		e.mu.Unlock()
		r.mu.RUnlock()
		return Task{}, fmt.Errorf("%w: session %s erased", errs.ErrNotFound, cur.SessionID)
	}
	next := cur.clone()
	if err := apply(next, ev, r.now().UTC()); err != nil {
		e.mu.Unlock()
		r.mu.RUnlock()
		return Task{}, err
	}
	if r.store != nil && ev.Kind != EventProgress {
		if err := r.store.SaveTask(ctx, next); err != nil {
			log.Warn().Str("task_id", next.ID).Err(err).Msg("persist task failed")
		}
	}
	e.snap.Store(next)
	e.mu.Unlock()
	hooks := r.hooks
	r.hooking.RLock()
	r.mu.RUnlock()
	defer r.hooking.RUnlock()

	snapshot := *next.clone()
	for _, h := range hooks {
		h(cur.Status, snapshot)
	}
	return snapshot, nil
}

// List returns the session's tasks in creation order.
func (r *Registry) List(sessionID string) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.bySession[sessionID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if e, ok := r.tasks[id]; ok {
			out = append(out, *e.snap.Load().clone())
		}
	}
	return out
}

// Sessions maps every known session to the time of its latest task activity.
func (r *Registry) Sessions() map[string]time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]time.Time, len(r.bySession))
	for sid, ids := range r.bySession {
		var latest time.Time
		for _, id := range ids {
			if e, ok := r.tasks[id]; ok {
				if ts := e.snap.Load().LastActivity(); ts.After(latest) {
					latest = ts
				}
			}
		}
		out[sid] = latest
	}
	return out
}

// BeginErase fences the session: after it returns, no transition of the
// session's tasks is in flight, the hooks of earlier ones have returned and
// later ones fail with errs.ErrNotFound.
func (r *Registry) BeginErase(sessionID string) {
	r.mu.Lock()
	r.erasing[sessionID] = struct{}{}
	r.mu.Unlock()
	r.hooking.Lock()
	r.hooking.Unlock() //nolint:staticcheck // drains running hooks
}

// AbortErase lifts the fence after a failed erasure.
func (r *Registry) AbortErase(sessionID string) {
	r.mu.Lock()
	delete(r.erasing, sessionID)
	r.mu.Unlock()
}

// FinishErase drops every task record of the session.
func (r *Registry) FinishErase(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.store != nil {
		if err := r.store.DeleteSession(ctx, sessionID); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrStorageFailure, err)
		}
	}
	for _, id := range r.bySession[sessionID] {
		delete(r.tasks, id)
	}
	delete(r.bySession, sessionID)
	delete(r.erasing, sessionID)
	return nil
}

// restore inserts a loaded record, keeping per-session creation order.
func (r *Registry) restore(t *Task) {
	e := &entry{}
	e.snap.Store(t)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tasks[t.ID]; dup {
		return
	}
	r.tasks[t.ID] = e
	ids := append(r.bySession[t.SessionID], t.ID)
	sort.SliceStable(ids, func(i, j int) bool {
		return r.tasks[ids[i]].snap.Load().CreatedAt.Before(r.tasks[ids[j]].snap.Load().CreatedAt)
	})
	r.bySession[t.SessionID] = ids
}
