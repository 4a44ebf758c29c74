package ledger

import (
	"context"
	"sync"
)

type session struct {
	counters   Counters
	activities []Activity
}

// MemoryStore keeps the ledger in process. All updates go through one mutex.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*session)}
}

func (m *MemoryStore) get(sessionID string) *session {
	s, ok := m.sessions[sessionID]
	if !ok {
		s = &session{}
		m.sessions[sessionID] = s
	}
	return s
}

func (m *MemoryStore) AddUploads(_ context.Context, sessionID string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.get(sessionID).counters.ImagesUploaded += int64(n)
	return nil
}

func (m *MemoryStore) AddOutcome(_ context.Context, sessionID string, a Activity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.get(sessionID)
	s.counters.ImagesOutput += int64(a.OutputCount)
	s.counters.InputBytes += a.InputBytes
	s.counters.OutputBytes += a.OutputBytes
	s.activities = append(s.activities, a)
	return nil
}

func (m *MemoryStore) Counters(_ context.Context, sessionID string) (Counters, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Counters{}, nil
	}
	c := s.counters
	c.ElapsedSeconds = 0
	for _, a := range s.activities {
		c.ElapsedSeconds += a.DurationSeconds
	}
	return c, nil
}

func (m *MemoryStore) Activities(_ context.Context, sessionID string, limit int) ([]Activity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return []Activity{}, nil
	}
	out := make([]Activity, 0, min(limit, len(s.activities)))
	for i := len(s.activities) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.activities[i])
	}
	return out, nil
}

func (m *MemoryStore) DeleteSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	return nil
}
