package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyPrefix = "shopdesk:session:"
	maxTxRetries     = 5
)

// RedisStore shares sessions between processes. Keys expire after the idle
// timeout, so Redis does most of the sweeping itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(r *RedisStore) { r.prefix = prefix }
}

func WithTTL(ttl time.Duration) RedisOption {
	return func(r *RedisStore) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	r := &RedisStore{
		client: client,
		prefix: defaultKeyPrefix,
		ttl:    DefaultTimeout,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RedisStore) key(id string) string { return r.prefix + id }

func (r *RedisStore) GetOrCreate(ctx context.Context, id string) (*Session, bool, error) {
	s := New(id, r.now())
	val, err := json.Marshal(s)
	if err != nil {
		return nil, false, fmt.Errorf("encode session: %w", err)
	}
	created, err := r.client.SetNX(ctx, r.key(id), val, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("create session: %w", err)
	}
	if created {
		return s, true, nil
	}
	existing, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		// expired between SETNX and GET
		return r.GetOrCreate(ctx, id)
	}
	return existing, false, err
}

func (r *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	val, err := r.client.Get(ctx, r.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal([]byte(val), &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &s, nil
}

// Update runs fn inside WATCH/MULTI/EXEC and retries when another writer wins.
func (r *RedisStore) Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error) {
	key := r.key(id)
	var out *Session
	txf := func(tx *redis.Tx) error {
		val, err := tx.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var cur Session
		if err := json.Unmarshal([]byte(val), &cur); err != nil {
			return fmt.Errorf("decode session: %w", err)
		}
		prevActivity := cur.LastActivity
		next := cur.Clone()
		if err := fn(next); err != nil {
			return err
		}
		if next.LastActivity.Before(prevActivity) {
			next.LastActivity = prevActivity
		}
		next.Version = cur.Version + 1
		newVal, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, newVal, r.ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("update session %s: too much contention", id)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

func (r *RedisStore) List(ctx context.Context) ([]*Session, error) {
	var keys []string
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan sessions: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load sessions: %w", err)
	}
	out := make([]*Session, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s Session
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, &s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *RedisStore) Cleanup(ctx context.Context, maxIdle time.Duration) (int, error) {
	sessions, err := r.List(ctx)
	if err != nil {
		return 0, err
	}
	now := r.now()
	removed := 0
	for _, s := range sessions {
		if !s.Idle(now, maxIdle) {
			continue
		}
		if err := r.client.Del(ctx, r.key(s.ID)).Err(); err != nil {
			return removed, fmt.Errorf("delete session %s: %w", s.ID, err)
		}
		removed++
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
