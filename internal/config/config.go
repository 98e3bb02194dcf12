package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v6"
)

type SessionStoreKind string

const (
	SessionStoreMemory SessionStoreKind = "memory"
	SessionStoreRedis  SessionStoreKind = "redis"
)

type Config struct {
	// Telegram
	TelegramBotToken string  `env:"TELEGRAM_BOT_TOKEN"`
	AdminUserID      int64   `env:"ADMIN_USER"`
	AgentUsers       []int64 `env:"AGENT_USERS" envSeparator:":"`

	// Storage backends
	StorageType         string `env:"STORAGE_TYPE" envDefault:"sqlite"`
	StorageTypeFilePath string `env:"STORAGE_TYPE_FILE_PATH" envDefault:"data/storage_type.txt"`
	SQLitePath          string `env:"SQLITE_PATH" envDefault:"data/shopdesk.db"`
	SQLiteMaxConns      int    `env:"SQLITE_MAX_CONNS" envDefault:"4"`
	JSONDataDir         string `env:"JSON_DATA_DIR" envDefault:"data/json"`
	RedisAddr           string `env:"REDIS_ADDR"`
	RedisPassword       string `env:"REDIS_PASSWORD"`
	RedisDB             int    `env:"REDIS_DB" envDefault:"0"`
	RedisPoolSize       int    `env:"REDIS_POOL_SIZE" envDefault:"10"`
	SupabaseURL         string `env:"SUPABASE_URL"`
	SupabaseKey         string `env:"SUPABASE_KEY"`

	// Factory loops
	HealthCheckInterval      time.Duration `env:"HEALTH_CHECK_INTERVAL" envDefault:"30s"`
	PoolMonitorInterval      time.Duration `env:"POOL_MONITOR_INTERVAL" envDefault:"10s"`
	PoolUtilizationThreshold float64       `env:"POOL_UTILIZATION_THRESHOLD" envDefault:"0.8"`
	PoolPendingThreshold     int           `env:"POOL_PENDING_THRESHOLD" envDefault:"5"`

	// Sessions
	SessionStore         SessionStoreKind `env:"SESSION_STORE" envDefault:"memory"`
	SessionTimeout       time.Duration    `env:"SESSION_TIMEOUT" envDefault:"2h"`
	SessionSweepInterval time.Duration    `env:"SESSION_SWEEP_INTERVAL" envDefault:"10m"`

	// Reply rules
	ReplyMode           string  `env:"REPLY_MODE" envDefault:"suggest"`
	ConfidenceThreshold float64 `env:"CONFIDENCE_THRESHOLD" envDefault:"0.6"`
	MaxRepliesPerIntent int     `env:"MAX_REPLIES_PER_INTENT" envDefault:"3"`
	AutoReplyEnabled    bool    `env:"AUTO_REPLY_ENABLED" envDefault:"true"`
	StatisticsEnabled   bool    `env:"STATISTICS_ENABLED" envDefault:"true"`
	BehaviorEnabled     bool    `env:"BEHAVIOR_ENABLED" envDefault:"true"`
	IntentsFilePath     string  `env:"INTENTS_FILE_PATH" envDefault:"data/intents.yaml"`

	// Persistence cadence
	StatsPersistInterval   time.Duration `env:"STATS_PERSIST_INTERVAL" envDefault:"1h"`
	ProfilePersistInterval time.Duration `env:"PROFILE_PERSIST_INTERVAL" envDefault:"30m"`
	MaxCustomerProfiles    int           `env:"MAX_CUSTOMER_PROFILES" envDefault:"10000"`

	// Files
	AgentsFilePath     string `env:"AGENTS_FILE_PATH" envDefault:"data/agents.json"`
	TranscriptFilePath string `env:"TRANSCRIPT_FILE_PATH" envDefault:"logs/transcript.jsonl"`

	// Observability
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("config: SESSION_STORE=redis requires REDIS_ADDR")
		}
	default:
		return fmt.Errorf("config: unknown SESSION_STORE %q", c.SessionStore)
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("config: CONFIDENCE_THRESHOLD must be within [0,1], got %v", c.ConfidenceThreshold)
	}
	if c.SessionTimeout <= 0 || c.SessionSweepInterval <= 0 {
		return fmt.Errorf("config: session timeout and sweep interval must be positive")
	}
	return nil
}
