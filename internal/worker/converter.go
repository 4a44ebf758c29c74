package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/codec"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/plan"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
)

// Artifacts is the storage surface the converter needs.
type Artifacts interface {
	ReadAll(key string) ([]byte, error)
	Put(key string, r io.Reader) (int64, error)
	Delete(key string) error
}

// Converter executes every job of one task. Each task is run by exactly one
// converter invocation; it never retries.
//
// All planned outputs are attempted. If any fails the task ends failed,
// classified by the first failure, and the outputs that succeeded stay listed.
type Converter struct {
	registry  *task.Registry
	artifacts Artifacts
	codec     codec.Codec
	timeout   time.Duration
}

// NewConverter wires a converter. timeout bounds each output job.
func NewConverter(registry *task.Registry, artifacts Artifacts, c codec.Codec, timeout time.Duration) *Converter {
	return &Converter{registry: registry, artifacts: artifacts, codec: c, timeout: timeout}
}

// Run converts the task identified by taskID.
func (c *Converter) Run(ctx context.Context, taskID string) {
	t, err := c.registry.Apply(ctx, taskID, task.Start())
	if err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("cannot start task")
		return
	}
	logger := log.With().Str("task_id", t.ID).Str("session_id", t.SessionID).Logger()
	defer c.dropUpload(t)

	if len(t.Jobs) == 0 {
		c.fail(ctx, t.ID, fmt.Errorf("%w: task has no jobs", errs.ErrPlanRejected))
		return
	}
	input, err := c.artifacts.ReadAll(t.InputKey)
	if err != nil {
		c.fail(ctx, t.ID, fmt.Errorf("%w: read input: %v", errs.ErrStorageFailure, err))
		return
	}

	var failures []error
	for i, job := range t.Jobs {
		if err := c.runJob(ctx, t, input, job); err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				logger.Info().Msg("session erased during conversion, discarding results")
				return
			}
			logger.Warn().Str("format", job.Format).Str("size", job.Target.Suffix).Err(err).Msg("output failed")
			failures = append(failures, err)
		}
		if _, err := c.registry.Apply(ctx, t.ID, task.Progress((i+1)*100/len(t.Jobs))); errors.Is(err, errs.ErrNotFound) {
			return
		}
	}

	if len(failures) > 0 {
		c.fail(ctx, t.ID, combine(failures, len(t.Jobs)))
		return
	}
	if _, err := c.registry.Apply(ctx, t.ID, task.Complete()); err != nil {
		logger.Warn().Err(err).Msg("complete task failed")
		return
	}
	logger.Debug().Int("outputs", len(t.Jobs)).Msg("task completed")
}

// runJob converts, stores and records one output.
func (c *Converter) runJob(ctx context.Context, t task.Task, input []byte, job plan.Job) error {
	out, err := c.convert(ctx, input, job)
	if err != nil {
		return err
	}
	key := storage.OutputKey(t.SessionID, t.ID, plan.OutputName(t.Filename, t.ID, job))
	n, err := c.artifacts.Put(key, bytes.NewReader(out))
	if err != nil {
		return fmt.Errorf("store output: %w", err)
	}
	if _, err := c.registry.Apply(ctx, t.ID, task.AddOutput(task.Output{Path: key, Format: job.Format, Size: n})); err != nil {
		if delErr := c.artifacts.Delete(key); delErr != nil {
			log.Warn().Str("task_id", t.ID).Str("key", key).Err(delErr).Msg("discard output failed")
		}
		return err //nolint:wrapcheck
	}
	return nil
}

type convertResult struct {
	data []byte
	err  error
}

// convert runs the codec under the per-job deadline. The codec call cannot be
// preempted, so on deadline its goroutine is abandoned and its result dropped.
func (c *Converter) convert(ctx context.Context, input []byte, job plan.Job) ([]byte, error) {
	jobCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	done := make(chan convertResult, 1)
	go func() {
		data, err := c.codec.Convert(jobCtx, input, job)
		done <- convertResult{data: data, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %s %s exceeded %s", errs.ErrTimeout, job.Format, job.Target.Suffix, c.timeout)
			}
			if errors.Is(r.err, context.Canceled) {
				return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, r.err)
			}
			if errs.KindOf(r.err) == errs.KindInternal {
				return nil, fmt.Errorf("%w: %v", errs.ErrCodecFailure, r.err)
			}
			return nil, r.err
		}
		return r.data, nil
	case <-jobCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrInterrupted, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s %s exceeded %s", errs.ErrTimeout, job.Format, job.Target.Suffix, c.timeout)
	}
}

func (c *Converter) fail(ctx context.Context, taskID string, cause error) {
	if _, err := c.registry.Apply(ctx, taskID, task.Fail(cause)); err != nil && !errors.Is(err, errs.ErrNotFound) {
		log.Warn().Str("task_id", taskID).Err(err).Msg("fail task failed")
	}
}

func (c *Converter) dropUpload(t task.Task) {
	if t.InputKey == "" {
		return
	}
	if err := c.artifacts.Delete(t.InputKey); err != nil {
		log.Warn().Str("task_id", t.ID).Err(err).Msg("delete upload failed")
	}
}

// outputsError reports several failed outputs of one task. It unwraps to the
// first failure so the task is classified by it.
type outputsError struct {
	failures []error
	total    int
}

func (e *outputsError) Error() string {
	msgs := make([]string, len(e.failures))
	for i, f := range e.failures {
		msgs[i] = f.Error()
	}
	return fmt.Sprintf("%d of %d outputs failed: %s", len(e.failures), e.total, strings.Join(msgs, "; "))
}

func (e *outputsError) Unwrap() error { return e.failures[0] }

func combine(failures []error, total int) error {
	if total == 1 {
		return failures[0]
	}
	return &outputsError{failures: failures, total: total}
}
