// Package supabasestore is the networked relational backend over Supabase PostgREST.
//
// Expected tables (jsonb payload per row):
//
//	customers(id text primary key, data jsonb, updated_at timestamptz)
//	statistics(id text primary key, data jsonb, updated_at timestamptz)
//	intent_templates(id text primary key, intent text, category text, data jsonb, updated_at timestamptz)
package supabasestore

import (
	"context"
	"fmt"
	"time"

	"github.com/supabase-community/supabase-go"

	"shopdesk/internal/storage"
)

const (
	tableCustomers  = "customers"
	tableStatistics = "statistics"
	tableTemplates  = "intent_templates"
)

type Config struct {
	URL    string
	APIKey string
}

type Store struct {
	client *supabase.Client
}

type customerRow struct {
	ID        string           `json:"id"`
	Data      storage.Customer `json:"data"`
	UpdatedAt time.Time        `json:"updated_at"`
}

type statisticsRow struct {
	ID        string                     `json:"id"`
	Data      storage.StatisticsSnapshot `json:"data"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

type templateRow struct {
	ID        string                 `json:"id"`
	Intent    string                 `json:"intent"`
	Category  string                 `json:"category"`
	Data      storage.IntentTemplate `json:"data"`
	UpdatedAt time.Time              `json:"updated_at"`
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("supabase: %w: URL is required", storage.ErrInvalidConfig)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("supabase: %w: API key is required", storage.ErrInvalidConfig)
	}
	client, err := supabase.NewClient(cfg.URL, cfg.APIKey, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create supabase client: %w", err)
	}
	s := &Store{client: client}
	if err := s.TestConnection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Type() storage.Type { return storage.TypeSupabase }

// TestConnection issues a one-row select; the REST client carries no context.
func (s *Store) TestConnection(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var rows []struct {
		ID string `json:"id"`
	}
	_, err := s.client.From(tableTemplates).
		Select("id", "", false).
		Limit(1, "").
		ExecuteTo(&rows)
	if err != nil {
		return fmt.Errorf("supabase: %w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) GetCustomer(_ context.Context, id string) (*storage.Customer, error) {
	var rows []customerRow
	_, err := s.client.From(tableCustomers).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return &rows[0].Data, nil
}

func (s *Store) CreateCustomer(_ context.Context, c *storage.Customer) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	row := customerRow{ID: c.ID, Data: *c, UpdatedAt: now}
	if _, _, err := s.client.From(tableCustomers).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) UpdateCustomer(_ context.Context, c *storage.Customer) error {
	c.UpdatedAt = time.Now().UTC()
	row := customerRow{ID: c.ID, Data: *c, UpdatedAt: c.UpdatedAt}
	var updated []customerRow
	_, err := s.client.From(tableCustomers).
		Update(row, "representation", "").
		Eq("id", c.ID).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	if len(updated) == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListCustomers(_ context.Context, limit int) ([]storage.Customer, error) {
	q := s.client.From(tableCustomers).Select("*", "", false)
	if limit > 0 {
		q = q.Limit(limit, "")
	}
	var rows []customerRow
	if _, err := q.ExecuteTo(&rows); err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	out := make([]storage.Customer, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out, nil
}

func (s *Store) GetStatistics(context.Context) (*storage.StatisticsSnapshot, error) {
	var rows []statisticsRow
	_, err := s.client.From(tableStatistics).
		Select("*", "", false).
		Eq("id", storage.StatisticsID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return &rows[0].Data, nil
}

func (s *Store) SaveStatistics(_ context.Context, snap *storage.StatisticsSnapshot) error {
	snap.ID = storage.StatisticsID
	row := statisticsRow{ID: snap.ID, Data: *snap, UpdatedAt: time.Now().UTC()}
	if _, _, err := s.client.From(tableStatistics).Upsert(row, "id", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to save statistics: %w", err)
	}
	return nil
}

func (s *Store) GetAllIntentTemplates(context.Context) ([]storage.IntentTemplate, error) {
	var rows []templateRow
	_, err := s.client.From(tableTemplates).
		Select("*", "", false).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent templates: %w", err)
	}
	out := make([]storage.IntentTemplate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Data)
	}
	return out, nil
}

func (s *Store) GetIntentTemplate(_ context.Context, id string) (*storage.IntentTemplate, error) {
	var rows []templateRow
	_, err := s.client.From(tableTemplates).
		Select("*", "", false).
		Eq("id", id).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("failed to get intent template: %w", err)
	}
	if len(rows) == 0 {
		return nil, storage.ErrNotFound
	}
	return &rows[0].Data, nil
}

func (s *Store) CreateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	row := templateRow{ID: t.ID, Intent: t.Intent, Category: t.Category, Data: *t, UpdatedAt: now}
	if _, _, err := s.client.From(tableTemplates).Insert(row, false, "", "minimal", "").Execute(); err != nil {
		return fmt.Errorf("failed to create intent template: %w", err)
	}
	return nil
}

func (s *Store) UpdateIntentTemplate(_ context.Context, t *storage.IntentTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	row := templateRow{ID: t.ID, Intent: t.Intent, Category: t.Category, Data: *t, UpdatedAt: t.UpdatedAt}
	var updated []templateRow
	_, err := s.client.From(tableTemplates).
		Update(row, "representation", "").
		Eq("id", t.ID).
		ExecuteTo(&updated)
	if err != nil {
		return fmt.Errorf("failed to update intent template: %w", err)
	}
	if len(updated) == 0 {
		return storage.ErrNotFound
	}
	return nil
}
