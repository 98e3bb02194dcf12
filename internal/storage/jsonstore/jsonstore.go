// Package jsonstore is the flat-file backend: one JSON document per collection in a directory.
package jsonstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"shopdesk/internal/storage"
)

const (
	customersFile  = "customers.json"
	statisticsFile = "statistics.json"
	templatesFile  = "intent_templates.json"
)

type Store struct {
	dir string
	mu  sync.Mutex
}

func New(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("json store: %w: empty directory", storage.ErrInvalidConfig)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) Type() storage.Type { return storage.TypeJSON }

// TestConnection verifies the data directory is still writable.
func (s *Store) TestConnection(context.Context) error {
	f, err := os.CreateTemp(s.dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("json store: %w: %v", storage.ErrUnavailable, err)
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}

func (s *Store) GetCustomer(_ context.Context, id string) (*storage.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers, err := s.loadCustomersUnlocked()
	if err != nil {
		return nil, err
	}
	c, ok := customers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (s *Store) CreateCustomer(_ context.Context, c *storage.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers, err := s.loadCustomersUnlocked()
	if err != nil {
		return err
	}
	if _, exists := customers[c.ID]; exists {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	customers[c.ID] = *c
	return s.writeUnlocked(customersFile, customers)
}

func (s *Store) UpdateCustomer(_ context.Context, c *storage.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers, err := s.loadCustomersUnlocked()
	if err != nil {
		return err
	}
	if _, exists := customers[c.ID]; !exists {
		return storage.ErrNotFound
	}
	c.UpdatedAt = time.Now()
	customers[c.ID] = *c
	return s.writeUnlocked(customersFile, customers)
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]storage.Customer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	customers, err := s.loadCustomersUnlocked()
	if err != nil {
		return nil, err
	}
	out := make([]storage.Customer, 0, len(customers))
	for _, c := range customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) GetStatistics(context.Context) (*storage.StatisticsSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap storage.StatisticsSnapshot
	found, err := s.readUnlocked(statisticsFile, &snap)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, storage.ErrNotFound
	}
	return &snap, nil
}

func (s *Store) SaveStatistics(_ context.Context, snap *storage.StatisticsSnapshot) error {
	if snap.ID == "" {
		snap.ID = storage.StatisticsID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeUnlocked(statisticsFile, snap)
}

func (s *Store) GetAllIntentTemplates(context.Context) ([]storage.IntentTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates, err := s.loadTemplatesUnlocked()
	if err != nil {
		return nil, err
	}
	out := make([]storage.IntentTemplate, 0, len(templates))
	for _, t := range templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetIntentTemplate(_ context.Context, id string) (*storage.IntentTemplate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates, err := s.loadTemplatesUnlocked()
	if err != nil {
		return nil, err
	}
	t, ok := templates[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (s *Store) CreateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates, err := s.loadTemplatesUnlocked()
	if err != nil {
		return err
	}
	if _, exists := templates[t.ID]; exists {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	templates[t.ID] = *t
	return s.writeUnlocked(templatesFile, templates)
}

func (s *Store) UpdateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	templates, err := s.loadTemplatesUnlocked()
	if err != nil {
		return err
	}
	if _, exists := templates[t.ID]; !exists {
		return storage.ErrNotFound
	}
	t.UpdatedAt = time.Now()
	templates[t.ID] = *t
	return s.writeUnlocked(templatesFile, templates)
}

func (s *Store) loadCustomersUnlocked() (map[string]storage.Customer, error) {
	customers := make(map[string]storage.Customer)
	if _, err := s.readUnlocked(customersFile, &customers); err != nil {
		return nil, err
	}
	return customers, nil
}

func (s *Store) loadTemplatesUnlocked() (map[string]storage.IntentTemplate, error) {
	templates := make(map[string]storage.IntentTemplate)
	if _, err := s.readUnlocked(templatesFile, &templates); err != nil {
		return nil, err
	}
	return templates, nil
}

// readUnlocked decodes name into v. A missing or empty file reports found=false.
func (s *Store) readUnlocked(name string, v any) (bool, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("open read: %w", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

// writeUnlocked replaces name atomically via a temp file and rename.
func (s *Store) writeUnlocked(name string, v any) error {
	f, err := os.CreateTemp(s.dir, name+".tmp-*")
	if err != nil {
		return fmt.Errorf("open write: %w", err)
	}
	tmp := f.Name()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("encode %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, name)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}
