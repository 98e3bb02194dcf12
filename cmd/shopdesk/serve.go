package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"shopdesk/internal/auth"
	"shopdesk/internal/config"
	"shopdesk/internal/datasvc"
	"shopdesk/internal/dispatch"
	"shopdesk/internal/intent"
	"shopdesk/internal/metrics"
	"shopdesk/internal/rules"
	"shopdesk/internal/scheduler"
	"shopdesk/internal/session"
	"shopdesk/internal/telegram"
	"shopdesk/internal/transcript"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the Telegram bot with the rule engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.TelegramBotToken == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}
	m := metrics.New()

	// Everything acquired below is released in reverse order, on a failed start
	// as well as on shutdown.
	var td teardown
	defer func() {
		if len(td) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := td.run(ctx); err != nil {
			logger.Warn("cleanup after failed start", "error", err)
		}
	}()

	var botRef atomic.Pointer[telegram.Bot]
	factory, err := newFactory(cfg, logger, m, datasvc.WithAlertHandler(func(a datasvc.Alert) {
		if a.Level != datasvc.LevelCritical {
			return
		}
		if b := botRef.Load(); b != nil {
			b.NotifyAdmin(fmt.Sprintf("🚨 %s: %s", a.Backend, a.Message))
		}
	}))
	if err != nil {
		return err
	}
	td.add(factory.Destroy)
	if err := factory.Start(); err != nil {
		return fmt.Errorf("start storage factory: %w", err)
	}
	if err := factory.WatchConfig(cfg.StorageTypeFilePath); err != nil {
		logger.Warn("storage override file not watched", "path", cfg.StorageTypeFilePath, "error", err)
	}

	store, err := newSessionStore(ctx, cfg)
	if err != nil {
		return err
	}
	td.add(func(context.Context) error { return store.Close() })

	vocab, err := intent.LoadVocabulary(cfg.IntentsFilePath)
	if err != nil {
		return fmt.Errorf("load intents: %w", err)
	}

	mode, err := rules.ParseMode(cfg.ReplyMode)
	if err != nil {
		return err
	}
	stats := rules.NewStatistics(rules.StatisticsConfig{PersistInterval: cfg.StatsPersistInterval}, factory,
		rules.WithStatisticsLogger(logger))
	behavior := rules.NewBehavior(rules.BehaviorConfig{
		MaxProfiles:     cfg.MaxCustomerProfiles,
		PersistInterval: cfg.ProfilePersistInterval,
	}, factory, rules.WithBehaviorLogger(logger))
	replies := rules.NewAutoReply(rules.AutoReplyConfig{
		Mode:                mode,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxRepliesPerIntent: cfg.MaxRepliesPerIntent,
	}, factory, rules.WithAutoReplyLogger(logger), rules.WithAutoReplyMetrics(m))

	disp := dispatch.New(store, []rules.Strategy{stats, behavior, replies},
		dispatch.WithLogger(logger),
		dispatch.WithMetrics(m),
		dispatch.WithListener(func(ev dispatch.Event) {
			logger.Debug("message dispatched", "session_id", ev.SessionID, "intent", ev.Message.TopIntentName())
		}),
	)
	for name, on := range map[string]bool{
		rules.NameStatistics: cfg.StatisticsEnabled,
		rules.NameBehavior:   cfg.BehaviorEnabled,
		rules.NameAutoReply:  cfg.AutoReplyEnabled,
	} {
		if err := disp.SetStrategyEnabled(name, on); err != nil {
			return err
		}
	}
	if err := disp.Start(ctx); err != nil {
		return err
	}
	td.add(disp.Shutdown)
	if n, err := replies.Seed(ctx, vocab.SeedRuleSets()); err != nil {
		logger.Warn("seed auto-reply rules failed", "error", err)
	} else if n > 0 {
		logger.Info("seeded auto-reply rules", "intents", n)
	}

	var recorder transcript.Recorder
	if cfg.TranscriptFilePath != "" {
		fr, err := transcript.NewFileRecorder(cfg.TranscriptFilePath)
		if err != nil {
			logger.Warn("transcript disabled", "error", err)
		} else {
			recorder = fr
		}
	}

	var agentRepo auth.Repository
	if cfg.AgentsFilePath != "" {
		repo, err := auth.NewFileRepository(cfg.AgentsFilePath)
		if err != nil {
			logger.Warn("agents file unavailable", "error", err)
		} else {
			agentRepo = repo
		}
	}
	roster, err := auth.NewRoster(agentRepo, cfg.AgentUsers)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}

	bot, err := telegram.New(cfg.TelegramBotToken, telegram.Deps{
		Roster:         roster,
		AdminUserID:    cfg.AdminUserID,
		Classifier:     intent.NewClassifier(vocab),
		Dispatcher:     disp,
		Replies:        replies,
		Stats:          stats,
		Recorder:       recorder,
		SessionTimeout: cfg.SessionTimeout,
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}
	botRef.Store(bot)

	sched := scheduler.New(logger)
	if err := sched.Every("session-sweep", cfg.SessionSweepInterval, func(ctx context.Context) error {
		_, err := disp.CleanupSessions(ctx, cfg.SessionTimeout)
		stats.PruneSessions(cfg.SessionTimeout)
		return err
	}); err != nil {
		return err
	}
	if err := sched.AddCron("daily-report", scheduler.DailyReportSpec, bot.SendDailyReport); err != nil {
		return err
	}
	sched.Start()
	td.add(sched.Stop)

	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: metricsMux(m), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	td.add(srv.Shutdown)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		bot.Start(ctx)
	}()
	logger.Info("🚀 shopdesk started", "storage", factory.Current(), "session_store", cfg.SessionStore, "mode", mode)

	<-ctx.Done()
	logger.Info("shutting down")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return td.run(shutdownCtx)
}

// teardown is a stack of release funcs.
type teardown []func(context.Context) error

func (t *teardown) add(fn func(context.Context) error) { *t = append(*t, fn) }

// run calls the funcs newest first, empties the stack and joins their errors.
func (t *teardown) run(ctx context.Context) error {
	fns := *t
	*t = nil
	var errs []error
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newSessionStore(ctx context.Context, cfg *config.Config) (session.Store, error) {
	if cfg.SessionStore != config.SessionStoreRedis {
		return session.NewMemoryStore(), nil
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisAddr},
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		PoolSize: cfg.RedisPoolSize,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session store redis: %w", err)
	}
	return session.NewRedisStore(client, session.WithTTL(cfg.SessionTimeout)), nil
}

func metricsMux(m *metrics.Metrics) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
