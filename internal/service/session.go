package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ianktoo/image-converter/internal/errs"
	"github.com/ianktoo/image-converter/internal/storage"
)

// sessionLocks hands out one RWMutex per session. Readers pin the session's
// artifacts while they use them; erasure takes the write side.
type sessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	sync.RWMutex
	refs int
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{locks: make(map[string]*sessionLock)}
}

func (l *sessionLocks) acquire(sessionID string) *sessionLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	return sl
}

func (l *sessionLocks) drop(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if sl := l.locks[sessionID]; sl != nil {
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, sessionID)
		}
	}
}

func (l *sessionLocks) pin(sessionID string) func() {
	sl := l.acquire(sessionID)
	sl.RLock()
	return func() {
		sl.RUnlock()
		l.drop(sessionID)
	}
}

func (l *sessionLocks) exclusive(sessionID string) func() {
	sl := l.acquire(sessionID)
	sl.Lock()
	return func() {
		sl.Unlock()
		l.drop(sessionID)
	}
}

// DeleteSession erases every record and artifact of the session. It waits
// for submissions and archive builds touching the session to finish. Workers
// still converting the session's tasks discard their results.
//
// Artifacts go first: if they cannot be removed the erasure is reported as
// failed and records and counters are left in place for a retry.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	unlock := s.locks.exclusive(sessionID)
	defer unlock()

	s.registry.BeginErase(sessionID)
	if err := s.fs.DeletePrefixes(ctx, storage.SessionPrefixes(sessionID)...); err != nil {
		s.registry.AbortErase(sessionID)
		return fmt.Errorf("%w: erase artifacts of %s: %v", errs.ErrStorageFailure, sessionID, err)
	}
	if err := s.registry.FinishErase(ctx, sessionID); err != nil {
		s.registry.AbortErase(sessionID)
		return err //nolint:wrapcheck
	}
	if err := s.batches.DeleteSession(ctx, sessionID); err != nil {
		return err //nolint:wrapcheck
	}
	if err := s.ledger.DeleteAll(ctx, sessionID); err != nil {
		return err //nolint:wrapcheck
	}
	log.Info().Str("session_id", sessionID).Msg("session erased")
	return nil
}

// ExpireSessions erases idle sessions whose latest activity is older than
// the retention TTL. Sessions with unfinished tasks are left alone.
func (s *Service) ExpireSessions(ctx context.Context) int {
	ttl := s.cfg.RetentionTTL
	if ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-ttl)
	erased := 0
	for sid, last := range s.registry.Sessions() {
		if last.After(cutoff) || s.busy(sid) {
			continue
		}
		if err := s.DeleteSession(ctx, sid); err != nil {
			log.Warn().Str("session_id", sid).Err(err).Msg("expire session failed")
			continue
		}
		erased++
	}
	return erased
}

func (s *Service) busy(sessionID string) bool {
	for _, t := range s.registry.List(sessionID) {
		if !t.Status.Terminal() {
			return true
		}
	}
	return false
}

// RunRetention expires sessions every interval until ctx is done.
func (s *Service) RunRetention(ctx context.Context) {
	if s.cfg.RetentionTTL <= 0 || s.cfg.RetentionInterval <= 0 {
		log.Info().Msg("session retention disabled")
		return
	}
	ticker := time.NewTicker(s.cfg.RetentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.ExpireSessions(ctx); n > 0 {
				log.Info().Int("sessions", n).Msg("expired sessions erased")
			}
		}
	}
}
