// Package mockstore is the in-memory stand-in backend. It is the last link of the
// failover chain and the default backend in tests.
package mockstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"shopdesk/internal/storage"
)

// Store keeps records as encoded JSON so callers never share memory with it.
type Store struct {
	mu         sync.RWMutex
	customers  map[string][]byte
	statistics []byte
	templates  map[string][]byte

	healthy  bool
	pool     *storage.PoolStats
	poolOK   bool
	closed   bool
	cleanups int
}

func New() *Store {
	return &Store{
		customers: make(map[string][]byte),
		templates: make(map[string][]byte),
		healthy:   true,
		poolOK:    true,
	}
}

func (s *Store) Type() storage.Type { return storage.TypeMock }

// SetHealthy controls the result of TestConnection.
func (s *Store) SetHealthy(ok bool) {
	s.mu.Lock()
	s.healthy = ok
	s.mu.Unlock()
}

// SetPoolStats makes the store report the given pool stats and pool health.
func (s *Store) SetPoolStats(stats storage.PoolStats, healthy bool) {
	s.mu.Lock()
	s.pool = &stats
	s.poolOK = healthy
	s.mu.Unlock()
}

// Cleanups reports how many times Cleanup ran.
func (s *Store) Cleanups() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cleanups
}

func (s *Store) TestConnection(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("mock: %w: closed", storage.ErrUnavailable)
	}
	if !s.healthy {
		return fmt.Errorf("mock: %w", storage.ErrUnavailable)
	}
	return nil
}

func (s *Store) ConnectionPoolStats() storage.PoolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pool == nil {
		return storage.PoolStats{Active: 0, Idle: 1, Total: 1, MaxConnections: 1}
	}
	return *s.pool
}

func (s *Store) ConnectionPoolHealth(context.Context) storage.PoolHealth {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h := storage.PoolHealth{Healthy: s.poolOK && s.healthy, CheckedAt: time.Now()}
	if !h.Healthy {
		h.Message = "mock pool marked unhealthy"
	}
	return h
}

func (s *Store) Cleanup() error {
	s.mu.Lock()
	s.closed = true
	s.cleanups++
	s.mu.Unlock()
	return nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*storage.Customer, error) {
	s.mu.RLock()
	raw, ok := s.customers[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	var c storage.Customer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, c *storage.Customer) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[c.ID]; exists {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	s.customers[c.ID] = raw
	return nil
}

func (s *Store) UpdateCustomer(_ context.Context, c *storage.Customer) error {
	c.UpdatedAt = time.Now()
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.customers[c.ID]; !exists {
		return storage.ErrNotFound
	}
	s.customers[c.ID] = raw
	return nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]storage.Customer, error) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.customers))
	for id := range s.customers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	out := make([]storage.Customer, 0, len(ids))
	for _, id := range ids {
		var c storage.Customer
		if err := json.Unmarshal(s.customers[id], &c); err != nil {
			s.mu.RUnlock()
			return nil, fmt.Errorf("decode customer %s: %w", id, err)
		}
		out = append(out, c)
	}
	s.mu.RUnlock()
	return out, nil
}

func (s *Store) GetStatistics(context.Context) (*storage.StatisticsSnapshot, error) {
	s.mu.RLock()
	raw := s.statistics
	s.mu.RUnlock()
	if raw == nil {
		return nil, storage.ErrNotFound
	}
	var st storage.StatisticsSnapshot
	if err := json.Unmarshal(raw, &st); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return &st, nil
}

func (s *Store) SaveStatistics(_ context.Context, st *storage.StatisticsSnapshot) error {
	if st.ID == "" {
		st.ID = storage.StatisticsID
	}
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	s.mu.Lock()
	s.statistics = raw
	s.mu.Unlock()
	return nil
}

func (s *Store) GetAllIntentTemplates(context.Context) ([]storage.IntentTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.templates))
	for id := range s.templates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]storage.IntentTemplate, 0, len(ids))
	for _, id := range ids {
		var t storage.IntentTemplate
		if err := json.Unmarshal(s.templates[id], &t); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", id, err)
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) GetIntentTemplate(_ context.Context, id string) (*storage.IntentTemplate, error) {
	s.mu.RLock()
	raw, ok := s.templates[id]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	var t storage.IntentTemplate
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; exists {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	s.templates[t.ID] = raw
	return nil
}

func (s *Store) UpdateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	t.UpdatedAt = time.Now()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.templates[t.ID]; !exists {
		return storage.ErrNotFound
	}
	s.templates[t.ID] = raw
	return nil
}
