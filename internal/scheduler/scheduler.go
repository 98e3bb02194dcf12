package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DailyReportSpec: ежедневно в 21:00 UTC
const DailyReportSpec = "0 21 * * *"

// Job is one scheduled unit of work. Returned errors are logged, never propagated.
type Job func(ctx context.Context) error

// Scheduler управляет периодическими задачами: health-check, мониторинг пулов,
// сохранение статистики и профилей, очистка сессий, ежедневный отчёт.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	mu      sync.Mutex
	running bool
}

// New создает новый планировщик
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With("component", "scheduler"),
	}
}

// Every runs job at a fixed interval. A tick still running when the next one
// fires is skipped.
func (s *Scheduler) Every(name string, interval time.Duration, job Job) error {
	if interval <= 0 {
		return fmt.Errorf("job %s: interval must be positive, got %s", name, interval)
	}
	return s.add(name, "@every "+interval.String(), job)
}

// AddCron runs job on a standard five-field cron spec.
func (s *Scheduler) AddCron(name, spec string, job Job) error {
	return s.add(name, spec, job)
}

func (s *Scheduler) add(name, spec string, job Job) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).
		Then(cron.FuncJob(func() { s.run(name, job) }))
	if _, err := s.cron.AddJob(spec, wrapped); err != nil {
		return fmt.Errorf("schedule %s (%s): %w", name, spec, err)
	}
	s.logger.Debug("job scheduled", "job", name, "spec", spec)
	return nil
}

// run executes one tick; a failing or panicking tick never stops the schedule.
func (s *Scheduler) run(name string, job Job) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("❌ scheduled job panicked", "job", name, "panic", r)
		}
	}()
	start := time.Now()
	if err := job(s.ctx); err != nil {
		s.logger.Warn("scheduled job failed", "job", name, "error", err, "duration", time.Since(start))
		return
	}
	s.logger.Debug("scheduled job done", "job", name, "duration", time.Since(start))
}

// Start запускает планировщик
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("📅 scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop останавливает планировщик и ждёт завершения текущих задач не дольше, чем позволяет ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	defer s.cancel()
	if !wasRunning {
		return nil
	}
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("📅 scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, abandoning running jobs")
		return ctx.Err()
	}
}

// IsRunning проверяет, запущен ли планировщик
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}
