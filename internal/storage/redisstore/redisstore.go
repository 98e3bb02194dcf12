// Package redisstore is the networked document backend on Redis.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"shopdesk/internal/storage"
)

const defaultPrefix = "shopdesk:"

type Config struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	Prefix   string
}

type Store struct {
	client *redis.Client
	prefix string
	// timeouts at the previous pool sample; the delta is reported as pending
	lastTimeouts atomic.Uint32
}

// New connects and pings. The returned store owns the client.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis: %w: empty address", storage.ErrInvalidConfig)
	}
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 10
	}
	if cfg.Prefix == "" {
		cfg.Prefix = defaultPrefix
	}
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: 3 * time.Second,
	})
	s := &Store{client: client, prefix: cfg.Prefix}
	if err := s.TestConnection(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Type() storage.Type { return storage.TypeRedis }

func (s *Store) TestConnection(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: %w: %v", storage.ErrUnavailable, err)
	}
	return nil
}

func (s *Store) ConnectionPoolStats() storage.PoolStats {
	st := s.client.PoolStats()
	prev := s.lastTimeouts.Swap(st.Timeouts)
	return storage.PoolStats{
		Active:         int(st.TotalConns) - int(st.IdleConns),
		Idle:           int(st.IdleConns),
		Total:          int(st.TotalConns),
		MaxConnections: s.client.Options().PoolSize,
		Pending:        int(st.Timeouts - prev),
	}
}

func (s *Store) ConnectionPoolHealth(ctx context.Context) storage.PoolHealth {
	h := storage.PoolHealth{Healthy: true, CheckedAt: time.Now()}
	if err := s.client.Ping(ctx).Err(); err != nil {
		h.Healthy = false
		h.Message = err.Error()
	}
	return h
}

func (s *Store) Cleanup() error {
	return s.client.Close()
}

func (s *Store) customerKey(id string) string { return s.prefix + "customer:" + id }
func (s *Store) statisticsKey() string        { return s.prefix + "statistics:" + storage.StatisticsID }
func (s *Store) templatesKey() string         { return s.prefix + "intent_templates" }

func (s *Store) GetCustomer(ctx context.Context, id string) (*storage.Customer, error) {
	val, err := s.client.Get(ctx, s.customerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	var c storage.Customer
	if err := json.Unmarshal([]byte(val), &c); err != nil {
		return nil, fmt.Errorf("decode customer: %w", err)
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c *storage.Customer) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.customerKey(c.ID), val, 0).Result()
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	if !ok {
		return fmt.Errorf("customer %s already exists", c.ID)
	}
	return nil
}

func (s *Store) UpdateCustomer(ctx context.Context, c *storage.Customer) error {
	c.UpdatedAt = time.Now()
	val, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode customer: %w", err)
	}
	ok, err := s.client.SetXX(ctx, s.customerKey(c.ID), val, 0).Result()
	if err != nil {
		return fmt.Errorf("update customer: %w", err)
	}
	if !ok {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) ListCustomers(ctx context.Context, limit int) ([]storage.Customer, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, s.customerKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan customers: %w", err)
	}
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load customers: %w", err)
	}
	out := make([]storage.Customer, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		var c storage.Customer
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			return nil, fmt.Errorf("decode customer: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (s *Store) GetStatistics(ctx context.Context) (*storage.StatisticsSnapshot, error) {
	val, err := s.client.Get(ctx, s.statisticsKey()).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get statistics: %w", err)
	}
	var snap storage.StatisticsSnapshot
	if err := json.Unmarshal([]byte(val), &snap); err != nil {
		return nil, fmt.Errorf("decode statistics: %w", err)
	}
	return &snap, nil
}

func (s *Store) SaveStatistics(ctx context.Context, snap *storage.StatisticsSnapshot) error {
	snap.ID = storage.StatisticsID
	val, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode statistics: %w", err)
	}
	if err := s.client.Set(ctx, s.statisticsKey(), val, 0).Err(); err != nil {
		return fmt.Errorf("save statistics: %w", err)
	}
	return nil
}

func (s *Store) GetAllIntentTemplates(ctx context.Context) ([]storage.IntentTemplate, error) {
	all, err := s.client.HGetAll(ctx, s.templatesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("get intent templates: %w", err)
	}
	out := make([]storage.IntentTemplate, 0, len(all))
	for id, raw := range all {
		var t storage.IntentTemplate
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode template %s: %w", id, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetIntentTemplate(ctx context.Context, id string) (*storage.IntentTemplate, error) {
	raw, err := s.client.HGet(ctx, s.templatesKey(), id).Result()
	if errors.Is(err, redis.Nil) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get intent template: %w", err)
	}
	var t storage.IntentTemplate
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("decode template: %w", err)
	}
	return &t, nil
}

func (s *Store) CreateIntentTemplate(ctx context.Context, t *storage.IntentTemplate) error {
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	ok, err := s.client.HSetNX(ctx, s.templatesKey(), t.ID, val).Result()
	if err != nil {
		return fmt.Errorf("create intent template: %w", err)
	}
	if !ok {
		return fmt.Errorf("template %s already exists", t.ID)
	}
	return nil
}

func (s *Store) UpdateIntentTemplate(ctx context.Context, t *storage.IntentTemplate) error {
	t.UpdatedAt = time.Now()
	val, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode template: %w", err)
	}
	key := s.templatesKey()
	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, key, t.ID).Result()
		if err != nil {
			return fmt.Errorf("update intent template: %w", err)
		}
		if !exists {
			return storage.ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, t.ID, val)
			return nil
		})
		return err
	}, key)
}
