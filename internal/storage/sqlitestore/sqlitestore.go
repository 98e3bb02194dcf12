// Package sqlitestore is the embedded-file backend on libsql.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"shopdesk/internal/storage"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS statistics (
		id TEXT PRIMARY KEY,
		data TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS intent_templates (
		id TEXT PRIMARY KEY,
		intent TEXT NOT NULL,
		category TEXT NOT NULL,
		data TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_intent_templates_category ON intent_templates(category)`,
}

type Config struct {
	Path     string
	MaxConns int
}

type Store struct {
	db *sql.DB
	// wait count at the previous pool sample; the delta is reported as pending
	lastWait atomic.Int64
}

func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("sqlite: %w: empty path", storage.ErrInvalidConfig)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 4
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("libsql", "file:"+cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MaxConns)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Type() storage.Type { return storage.TypeSQLite }

func (s *Store) TestConnection(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("sqlite: %w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) ConnectionPoolStats() storage.PoolStats {
	st := s.db.Stats()
	prev := s.lastWait.Swap(st.WaitCount)
	return storage.PoolStats{
		Active:         st.InUse,
		Idle:           st.Idle,
		Total:          st.OpenConnections,
		MaxConnections: st.MaxOpenConnections,
		Pending:        int(st.WaitCount - prev),
	}
}

func (s *Store) ConnectionPoolHealth(ctx context.Context) storage.PoolHealth {
	h := storage.PoolHealth{Healthy: true, CheckedAt: time.Now()}
	if err := s.db.PingContext(ctx); err != nil {
		h.Healthy = false
		h.Message = err.Error()
	}
	return h
}

func (s *Store) Cleanup() error {
	return s.db.Close()
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*storage.Customer, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM customers WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get customer: %w", err)
	}
	var c storage.Customer
	if err := json.Unmarshal([]byte(data), &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal customer: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c *storage.Customer) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal customer: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO customers (id, data, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		c.ID, string(data), ts(c.CreatedAt), ts(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create customer: %w", err)
	}
	return nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c *storage.Customer) error {
	c.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal customer: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE customers SET data = ?, updated_at = ? WHERE id = ?`,
		string(data), ts(c.UpdatedAt), c.ID)
	if err != nil {
		return fmt.Errorf("failed to update customer: %w", err)
	}
	return requireAffected(res)
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]storage.Customer, error) {
	query := `SELECT data FROM customers ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list customers: %w", err)
	}
	defer rows.Close()

	var out []storage.Customer
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan customer: %w", err)
		}
		var c storage.Customer
		if err := json.Unmarshal([]byte(data), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal customer: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GetStatistics(ctx context.Context) (*storage.StatisticsSnapshot, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM statistics WHERE id = ?`, storage.StatisticsID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}
	var snap storage.StatisticsSnapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal statistics: %w", err)
	}
	return &snap, nil
}

func (s *Store) SaveStatistics(ctx context.Context, snap *storage.StatisticsSnapshot) error {
	snap.ID = storage.StatisticsID
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO statistics (id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		snap.ID, string(data), ts(time.Now()))
	if err != nil {
		return fmt.Errorf("failed to save statistics: %w", err)
	}
	return nil
}

func (s *Store) GetAllIntentTemplates(ctx context.Context) ([]storage.IntentTemplate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM intent_templates ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list intent templates: %w", err)
	}
	defer rows.Close()

	out := []storage.IntentTemplate{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan intent template: %w", err)
		}
		var t storage.IntentTemplate
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal intent template: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetIntentTemplate(ctx context.Context, id string) (*storage.IntentTemplate, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM intent_templates WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get intent template: %w", err)
	}
	var t storage.IntentTemplate
	if err := json.Unmarshal([]byte(data), &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal intent template: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateIntentTemplate(ctx context.Context, t *storage.IntentTemplate) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal intent template: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intent_templates (id, intent, category, data, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.ID, t.Intent, t.Category, string(data), ts(t.CreatedAt), ts(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to create intent template: %w", err)
	}
	return nil
}

func (s *Store) UpdateIntentTemplate(ctx context.Context, t *storage.IntentTemplate) error {
	t.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal intent template: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE intent_templates SET intent = ?, category = ?, data = ?, updated_at = ? WHERE id = ?`,
		t.Intent, t.Category, string(data), ts(t.UpdatedAt), t.ID)
	if err != nil {
		return fmt.Errorf("failed to update intent template: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
