// Command shopdesk runs the customer-service rule engine behind a Telegram bot
// and offers a few maintenance commands over the same storage.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"shopdesk/internal/config"
	"shopdesk/internal/datasvc"
	"shopdesk/internal/logging"
	"shopdesk/internal/metrics"
	"shopdesk/internal/storage"
)

var envFile string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "shopdesk",
		Short:         "Customer-service auto-reply and analytics engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to .env file")

	root.AddCommand(newServeCmd())
	root.AddCommand(newRulesCmd())
	root.AddCommand(newStatsCmd())
	return root
}

// loadConfig reads the .env file (when present) and the environment.
func loadConfig() (*config.Config, *slog.Logger, error) {
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: %s not loaded: %v\n", envFile, err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newFactory builds the storage factory. The override file, when present,
// takes precedence over STORAGE_TYPE.
func newFactory(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, opts ...datasvc.Option) (*datasvc.Factory, error) {
	raw := cfg.StorageType
	if s := readTrim(cfg.StorageTypeFilePath); s != "" {
		raw = s
	}
	t, err := storage.ParseType(raw)
	if err != nil {
		return nil, err
	}
	builders := datasvc.DefaultBuilders(datasvc.BackendConfig{
		SQLitePath:     cfg.SQLitePath,
		SQLiteMaxConns: cfg.SQLiteMaxConns,
		JSONDir:        cfg.JSONDataDir,
		RedisAddr:      cfg.RedisAddr,
		RedisPassword:  cfg.RedisPassword,
		RedisDB:        cfg.RedisDB,
		RedisPoolSize:  cfg.RedisPoolSize,
		SupabaseURL:    cfg.SupabaseURL,
		SupabaseKey:    cfg.SupabaseKey,
	})
	opts = append([]datasvc.Option{datasvc.WithLogger(logger), datasvc.WithMetrics(m)}, opts...)
	return datasvc.New(datasvc.Config{
		Type:                 t,
		HealthCheckInterval:  cfg.HealthCheckInterval,
		PoolMonitorInterval:  cfg.PoolMonitorInterval,
		UtilizationThreshold: cfg.PoolUtilizationThreshold,
		PendingThreshold:     cfg.PoolPendingThreshold,
	}, builders, opts...), nil
}

func readTrim(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
