package session

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps sessions in process memory. Reads return copies.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	locks    *KeyedMutex
	now      func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides the wall clock, for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		sessions: make(map[string]*Session),
		locks:    NewKeyedMutex(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStore) GetOrCreate(_ context.Context, id string) (*Session, bool, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s.Clone(), false, nil
	}

	s = New(id, m.now())
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s.Clone(), true, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fn func(*Session) error) (*Session, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	m.mu.RLock()
	cur, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	prevActivity := cur.LastActivity
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if next.LastActivity.Before(prevActivity) {
		next.LastActivity = prevActivity
	}
	next.Version = cur.Version + 1

	m.mu.Lock()
	m.sessions[id] = next
	m.mu.Unlock()
	return next.Clone(), nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	unlock := m.locks.Lock(id)
	defer unlock()
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) List(context.Context) ([]*Session, error) {
	m.mu.RLock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) Cleanup(_ context.Context, maxIdle time.Duration) (int, error) {
	now := m.now()
	m.mu.RLock()
	var stale []string
	for id, s := range m.sessions {
		if s.Idle(now, maxIdle) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range stale {
		unlock := m.locks.Lock(id)
		m.mu.Lock()
		// re-check: the session may have been touched while we waited for its lock
		if s, ok := m.sessions[id]; ok && s.Idle(now, maxIdle) {
			delete(m.sessions, id)
			removed++
		}
		m.mu.Unlock()
		unlock()
	}
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }

// Len reports the number of live sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}
