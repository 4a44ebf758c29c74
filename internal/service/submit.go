package service

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/archive"
	"github.com/ianktoo/image-converter/internal/batch"
	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/plan"
	"github.com/ianktoo/image-converter/internal/storage"
	"github.com/ianktoo/image-converter/internal/task"
	"github.com/ianktoo/image-converter/internal/worker"
)

// Upload is one input file received from a client.
type Upload struct {
	Filename string
	Data     []byte
}

// BatchOptions control how a batch is aggregated.
type BatchOptions struct {
	Layout string
	// FailFast overrides the configured policy when set.
	FailFast *bool
}

// Submit creates one task per upload and queues them for conversion.
func (s *Service) Submit(ctx context.Context, sessionID string, uploads []Upload, req plan.Request) ([]task.Task, error) {
	if err := s.validate(sessionID, uploads, true); err != nil {
		return nil, err
	}
	p, err := s.builder.Build(req)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	return s.submit(ctx, sessionID, "", uploads, p, nil)
}

// SubmitURL fetches a remote image within the configured budget and submits it.
func (s *Service) SubmitURL(ctx context.Context, sessionID, rawURL string, req plan.Request) ([]task.Task, error) {
	p, err := s.builder.Build(req)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	res, err := s.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return nil, err //nolint:wrapcheck
	}
	uploads := []Upload{{Filename: res.Filename, Data: res.Data}}
	if err := s.validate(sessionID, uploads, false); err != nil {
		return nil, err
	}
	return s.submit(ctx, sessionID, "", uploads, p, nil)
}

// SubmitBatch creates a batch over one task per upload.
func (s *Service) SubmitBatch(ctx context.Context, sessionID string, uploads []Upload, req plan.Request, opts BatchOptions) (batch.Batch, []task.Task, error) {
	if err := s.validate(sessionID, uploads, true); err != nil {
		return batch.Batch{}, nil, err
	}
	p, err := s.builder.Build(req)
	if err != nil {
		return batch.Batch{}, nil, err //nolint:wrapcheck
	}
	failFast := s.cfg.BatchFailFast
	if opts.FailFast != nil {
		failFast = *opts.FailFast
	}

	batchID := uuid.NewString()
	var registered batch.Batch
	tasks, err := s.submit(ctx, sessionID, batchID, uploads, p, func(created []task.Task) error {
		ids := make([]string, len(created))
		for i, t := range created {
			ids[i] = t.ID
		}
		b, err := s.batches.Register(ctx, batch.Batch{
			ID:        batchID,
			SessionID: sessionID,
			TaskIDs:   ids,
			Layout:    archive.ParseLayout(opts.Layout),
			FailFast:  failFast,
		})
		registered = b
		return err //nolint:wrapcheck
	})
	if err != nil {
		return batch.Batch{}, nil, err
	}
	log.Info().Str("batch_id", batchID).Str("session_id", sessionID).Int("tasks", len(tasks)).Bool("fail_fast", failFast).Msg("batch submitted")
	return registered, tasks, nil
}

func (s *Service) validate(sessionID string, uploads []Upload, checkExtension bool) error {
	if strings.TrimSpace(sessionID) == "" {
		return fmt.Errorf("%w: missing session id", errs.ErrPlanRejected)
	}
	if len(uploads) == 0 {
		return fmt.Errorf("%w: no files uploaded", errs.ErrPlanRejected)
	}
	if len(uploads) > s.cfg.MaxImagesPerUpload {
		return fmt.Errorf("%w: at most %d images per upload", errs.ErrPlanRejected, s.cfg.MaxImagesPerUpload)
	}
	for _, u := range uploads {
		if checkExtension {
			if _, ok := s.extension[strings.ToLower(filepath.Ext(u.Filename))]; !ok {
				return fmt.Errorf("%w: unsupported file type %q", errs.ErrPlanRejected, u.Filename)
			}
		}
		if int64(len(u.Data)) > s.cfg.MaxImageSizeBytes() {
			return fmt.Errorf("%w: %s exceeds %d MB", errs.ErrTooLarge, u.Filename, s.cfg.MaxImageSizeMB)
		}
		if len(u.Data) == 0 {
			return fmt.Errorf("%w: %s is empty", errs.ErrPlanRejected, u.Filename)
		}
	}
	return nil
}

// pending is a task about to be created with its probe outcome.
type pending struct {
	spec     task.Spec
	probeErr error
}

// submit stores the inputs, creates the tasks atomically and queues them.
// register, when given, runs after creation and before any task is queued.
func (s *Service) submit(ctx context.Context, sessionID, batchID string, uploads []Upload, p plan.Plan, register func([]task.Task) error) ([]task.Task, error) {
	if free := s.pool.Free(); free < len(uploads) {
		return nil, fmt.Errorf("%w: conversion queue is full", errs.ErrResourceExhausted)
	}

	release := s.locks.pin(sessionID)
	defer release()

	items := make([]pending, len(uploads))
	var stored []string
	cleanup := func() {
		for _, key := range stored {
			_ = s.fs.Delete(key)
		}
	}
	for i, u := range uploads {
		it := pending{spec: task.Spec{
			SessionID: sessionID,
			BatchID:   batchID,
			Filename:  filepath.Base(u.Filename),
			Formats:   p.Formats,
			InputSize: int64(len(u.Data)),
		}}
		dims, err := s.codec.Probe(u.Data)
		if err != nil {
			it.probeErr = err
			items[i] = it
			continue
		}
		it.spec.Jobs = p.Jobs(dims)
		key := storage.UploadKey(sessionID, uuid.NewString(), u.Filename)
		if _, err := s.fs.Put(key, bytes.NewReader(u.Data)); err != nil {
			cleanup()
			return nil, err //nolint:wrapcheck
		}
		stored = append(stored, key)
		it.spec.InputKey = key
		items[i] = it
	}

	specs := make([]task.Spec, len(items))
	for i, it := range items {
		specs[i] = it.spec
	}
	created, err := s.registry.Create(ctx, specs)
	if err != nil {
		cleanup()
		return nil, err //nolint:wrapcheck
	}
	if err := s.ledger.RecordUpload(ctx, sessionID, len(created)); err != nil {
		log.Warn().Str("session_id", sessionID).Err(err).Msg("record upload failed")
	}
	if register != nil {
		if err := register(created); err != nil {
			for _, t := range created {
				s.fail(ctx, t.ID, err)
			}
			cleanup()
			return nil, err
		}
	}

	var fns []worker.Func
	var queued []task.Task
	for i, t := range created {
		if items[i].probeErr != nil {
			s.fail(ctx, t.ID, items[i].probeErr)
			continue
		}
		id := t.ID
		fns = append(fns, func(ctx context.Context) { s.converter.Run(ctx, id) })
		queued = append(queued, t)
	}
	if err := s.pool.SubmitAll(fns); err != nil {
		log.Warn().Str("session_id", sessionID).Int("tasks", len(queued)).Err(err).Msg("queue rejected tasks")
		for _, t := range queued {
			s.fail(ctx, t.ID, err)
			_ = s.fs.Delete(t.InputKey)
		}
	}
	if batchID != "" {
		s.batches.Notify(batchID)
	}

	out := make([]task.Task, 0, len(created))
	for _, t := range created {
		if snap, err := s.registry.Get(t.ID); err == nil {
			t = snap
		}
		out = append(out, t)
	}
	log.Info().Str("session_id", sessionID).Int("tasks", len(out)).Int("queued", len(fns)).Msg("tasks submitted")
	return out, nil
}

// fail records an immediate failure of a task that never started.
func (s *Service) fail(ctx context.Context, taskID string, cause error) {
	if _, err := s.registry.Apply(ctx, taskID, task.Fail(cause)); err != nil {
		log.Warn().Str("task_id", taskID).Err(err).Msg("fail task failed")
	}
}
