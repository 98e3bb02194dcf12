package datasvc

import (
	"context"

	"shopdesk/internal/storage"
	"shopdesk/internal/storage/jsonstore"
	"shopdesk/internal/storage/mockstore"
	"shopdesk/internal/storage/redisstore"
	"shopdesk/internal/storage/sqlitestore"
	"shopdesk/internal/storage/supabasestore"
)

// BackendConfig carries the connection settings of every backend kind.
type BackendConfig struct {
	SQLitePath     string
	SQLiteMaxConns int
	JSONDir        string
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisPoolSize  int
	SupabaseURL    string
	SupabaseKey    string
}

// DefaultBuilders wires every storage backend package to its type.
func DefaultBuilders(cfg BackendConfig) map[storage.Type]Builder {
	return map[storage.Type]Builder{
		storage.TypeRedis: func(ctx context.Context) (storage.DataService, error) {
			return redisstore.New(ctx, redisstore.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
				PoolSize: cfg.RedisPoolSize,
			})
		},
		storage.TypeSupabase: func(ctx context.Context) (storage.DataService, error) {
			return supabasestore.New(ctx, supabasestore.Config{URL: cfg.SupabaseURL, APIKey: cfg.SupabaseKey})
		},
		storage.TypeSQLite: func(ctx context.Context) (storage.DataService, error) {
			return sqlitestore.New(ctx, sqlitestore.Config{Path: cfg.SQLitePath, MaxConns: cfg.SQLiteMaxConns})
		},
		storage.TypeJSON: func(context.Context) (storage.DataService, error) {
			return jsonstore.New(cfg.JSONDir)
		},
		storage.TypeMock: func(context.Context) (storage.DataService, error) {
			return mockstore.New(), nil
		},
	}
}
