package task

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
)

// LoadFromDisk restores persisted tasks. Tasks that were pending or converting
// when the previous process stopped are marked failed as interrupted, since
// their jobs are gone with the old worker pool. Returns the interrupted tasks.
func (r *Registry) LoadFromDisk(ctx context.Context) ([]Task, error) {
	if r.store == nil {
		return nil, nil
	}
	loaded, err := r.store.LoadTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	var interrupted []Task
	for _, t := range loaded {
		if len(t.OutputSizes) != len(t.OutputPaths) || len(t.OutputFormats) != len(t.OutputPaths) {
			log.Warn().Str("task_id", t.ID).Msg("skip task record with mismatched outputs")
			continue
		}
		if !t.Status.Terminal() {
			if err := apply(t, Fail(errs.ErrInterrupted), r.now().UTC()); err == nil {
				if err := r.store.SaveTask(ctx, t); err != nil {
					log.Warn().Str("task_id", t.ID).Err(err).Msg("persist interrupted task failed")
				}
				interrupted = append(interrupted, *t.clone())
			}
		}
		r.restore(t)
	}
	return interrupted, nil
}
