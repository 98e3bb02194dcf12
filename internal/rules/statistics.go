package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"shopdesk/internal/message"
	"shopdesk/internal/scheduler"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

const (
	DefaultStatsPersistInterval = time.Hour
	DefaultMaxKeywords          = 100

	dateLayout = "2006-01-02"
)

type StatisticsConfig struct {
	PersistInterval time.Duration
	MaxKeywords     int
}

// SessionCounter is the in-memory per-session bucket. It is never persisted.
type SessionCounter struct {
	SessionID    string         `json:"session_id"`
	StartTime    time.Time      `json:"start_time"`
	LastActivity time.Time      `json:"last_activity"`
	MessageCount int            `json:"message_count"`
	Intents      map[string]int `json:"intents"`
	Keywords     map[string]int `json:"keywords"`
	Duration     time.Duration  `json:"duration"`
}

func (c *SessionCounter) clone() SessionCounter {
	out := *c
	out.Intents = copyCounts(c.Intents)
	out.Keywords = copyCounts(c.Keywords)
	return out
}

// StatsResult is what the statistics strategy contributes to one dispatch.
type StatsResult struct {
	Session               SessionCounter `json:"session"`
	TopIntent             string         `json:"top_intent"`
	TotalMessages         int            `json:"total_messages"`
	TotalSessions         int            `json:"total_sessions"`
	AvgMessagesPerSession float64        `json:"avg_messages_per_session"`
}

func (r *StatsResult) StrategyName() string { return NameStatistics }

// SessionFields is the view merged into Session.Statistics.
func (r *StatsResult) SessionFields() map[string]any {
	return map[string]any{
		"message_count":  r.Session.MessageCount,
		"intents":        copyCounts(r.Session.Intents),
		"keywords":       copyCounts(r.Session.Keywords),
		"start_time":     r.Session.StartTime,
		"last_activity":  r.Session.LastActivity,
		"duration_sec":   r.Session.Duration.Seconds(),
		"last_intent":    r.TopIntent,
		"total_messages": r.TotalMessages,
	}
}

// Statistics keeps global counters plus one bucket per session.
type Statistics struct {
	cfg      StatisticsConfig
	provider Provider
	logger   *slog.Logger
	sched    *scheduler.Scheduler
	now      func() time.Time

	mu       sync.Mutex
	global   storage.StatisticsSnapshot
	keywords map[string]int
	sessions map[string]*SessionCounter
}

type StatisticsOption func(*Statistics)

func WithStatisticsLogger(l *slog.Logger) StatisticsOption {
	return func(s *Statistics) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithStatisticsClock(now func() time.Time) StatisticsOption {
	return func(s *Statistics) { s.now = now }
}

func NewStatistics(cfg StatisticsConfig, provider Provider, opts ...StatisticsOption) *Statistics {
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultStatsPersistInterval
	}
	if cfg.MaxKeywords <= 0 {
		cfg.MaxKeywords = DefaultMaxKeywords
	}
	s := &Statistics{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		keywords: map[string]int{},
		sessions: map[string]*SessionCounter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("strategy", NameStatistics)
	s.sched = scheduler.New(s.logger)
	s.global = emptySnapshot()
	return s
}

func emptySnapshot() storage.StatisticsSnapshot {
	return storage.StatisticsSnapshot{
		ID:                 storage.StatisticsID,
		IntentDistribution: map[string]int{},
		HourlyDistribution: make([]int, 24),
		DailyDistribution:  map[string]int{},
	}
}

func (s *Statistics) Name() string { return NameStatistics }

func (s *Statistics) Process(_ context.Context, msg *message.Classified, sess *session.Session) (Result, error) {
	if msg == nil {
		return nil, errors.New("statistics: nil message")
	}
	sid := msg.ResolveClientID()
	if sess != nil && sess.ID != "" {
		sid = sess.ID
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	intent := msg.TopIntentName()
	keywords := normalizeKeywords(msg.Parsed.Keywords)

	s.mu.Lock()
	defer s.mu.Unlock()

	g := &s.global
	g.MessageCount++
	g.IntentDistribution[intent]++
	g.HourlyDistribution[ts.Hour()]++
	g.DailyDistribution[ts.Format(dateLayout)]++
	for _, kw := range keywords {
		s.keywords[kw]++
	}
	s.trimKeywords()

	bucket, ok := s.sessions[sid]
	if !ok {
		bucket = &SessionCounter{
			SessionID: sid,
			StartTime: ts,
			Intents:   map[string]int{},
			Keywords:  map[string]int{},
		}
		s.sessions[sid] = bucket
		g.SessionCount++
	}
	bucket.MessageCount++
	bucket.Intents[intent]++
	for _, kw := range keywords {
		bucket.Keywords[kw]++
	}
	if ts.After(bucket.LastActivity) {
		bucket.LastActivity = ts
	}
	if d := bucket.LastActivity.Sub(bucket.StartTime); d > 0 {
		bucket.Duration = d
	}
	s.recomputeAverage()
	g.UpdatedAt = s.now()

	return &StatsResult{
		Session:               bucket.clone(),
		TopIntent:             intent,
		TotalMessages:         g.MessageCount,
		TotalSessions:         g.SessionCount,
		AvgMessagesPerSession: g.AvgMessagesPerSession,
	}, nil
}

// trimKeywords re-sorts the keyword table and keeps the top MaxKeywords entries.
func (s *Statistics) trimKeywords() {
	top := rankCounts(s.keywords, s.cfg.MaxKeywords)
	if len(top) < len(s.keywords) {
		kept := make(map[string]int, len(top))
		for _, kc := range top {
			kept[kc.Keyword] = kc.Count
		}
		s.keywords = kept
	}
	s.global.TopKeywords = top
}

func (s *Statistics) recomputeAverage() {
	if s.global.SessionCount > 0 {
		s.global.AvgMessagesPerSession = float64(s.global.MessageCount) / float64(s.global.SessionCount)
		return
	}
	s.global.AvgMessagesPerSession = 0
}

// Snapshot returns a deep copy of the global counters.
func (s *Statistics) Snapshot() *storage.StatisticsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(&s.global)
}

// SessionStats returns the bucket of one session.
func (s *Statistics) SessionStats(id string) (SessionCounter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.sessions[id]
	if !ok {
		return SessionCounter{}, false
	}
	return b.clone(), true
}

// Reset zeroes the global counters. With keepSessions the per-session buckets stay
// and SessionCount is set to their number.
func (s *Statistics) Reset(keepSessions bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = emptySnapshot()
	s.keywords = map[string]int{}
	if keepSessions {
		s.global.SessionCount = len(s.sessions)
	} else {
		s.sessions = map[string]*SessionCounter{}
	}
	s.global.UpdatedAt = s.now()
}

// ForgetSession drops one bucket; the global SessionCount is left untouched.
func (s *Statistics) ForgetSession(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

// PruneSessions drops buckets idle for longer than maxIdle and returns how many
// went. Global counters are left untouched.
func (s *Statistics) PruneSessions(maxIdle time.Duration) int {
	cutoff := s.now().Add(-maxIdle)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, b := range s.sessions {
		if b.LastActivity.Before(cutoff) {
			delete(s.sessions, id)
			n++
		}
	}
	if n > 0 {
		s.logger.Debug("idle session buckets pruned", "pruned", n, "remaining", len(s.sessions))
	}
	return n
}

// Persist saves the global snapshot to the active backend.
func (s *Statistics) Persist(ctx context.Context) error {
	snap := s.Snapshot()
	snap.UpdatedAt = s.now()
	ds, err := s.provider.DataService(ctx)
	if err != nil {
		return fmt.Errorf("statistics persist: %w", err)
	}
	if err := ds.SaveStatistics(ctx, snap); err != nil {
		return fmt.Errorf("statistics persist to %s: %w", ds.Type(), err)
	}
	s.logger.Debug("statistics persisted", "backend", ds.Type(), "messages", snap.MessageCount)
	return nil
}

// Start restores the last persisted snapshot and schedules hourly persistence.
// A missing or unreadable snapshot only gets logged.
func (s *Statistics) Start(ctx context.Context) error {
	if err := s.restore(ctx); err != nil {
		s.logger.Warn("statistics restore failed, starting empty", "error", err)
	}
	if err := s.sched.Every("statistics-persist", s.cfg.PersistInterval, s.Persist); err != nil {
		return err
	}
	s.sched.Start()
	return nil
}

func (s *Statistics) restore(ctx context.Context) error {
	ds, err := s.provider.DataService(ctx)
	if err != nil {
		return err
	}
	snap, err := ds.GetStatistics(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	restored := cloneSnapshot(snap)
	if restored.IntentDistribution == nil {
		restored.IntentDistribution = map[string]int{}
	}
	if restored.DailyDistribution == nil {
		restored.DailyDistribution = map[string]int{}
	}
	if len(restored.HourlyDistribution) != 24 {
		hours := make([]int, 24)
		copy(hours, restored.HourlyDistribution)
		restored.HourlyDistribution = hours
	}
	restored.ID = storage.StatisticsID

	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = *restored
	s.keywords = make(map[string]int, len(restored.TopKeywords))
	for _, kc := range restored.TopKeywords {
		s.keywords[kc.Keyword] = kc.Count
	}
	s.trimKeywords()
	s.recomputeAverage()
	s.logger.Info("statistics restored", "backend", ds.Type(), "messages", s.global.MessageCount)
	return nil
}

// Dispose stops the persistence timer and flushes once more.
func (s *Statistics) Dispose(ctx context.Context) error {
	stopErr := s.sched.Stop(ctx)
	return errors.Join(stopErr, s.Persist(ctx))
}

func cloneSnapshot(in *storage.StatisticsSnapshot) *storage.StatisticsSnapshot {
	out := *in
	out.IntentDistribution = copyCounts(in.IntentDistribution)
	out.DailyDistribution = copyCounts(in.DailyDistribution)
	out.HourlyDistribution = append([]int(nil), in.HourlyDistribution...)
	out.TopKeywords = append([]storage.KeywordCount(nil), in.TopKeywords...)
	return &out
}

func copyCounts(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// rankCounts orders counts descending, ties by key, and keeps at most limit entries.
func rankCounts(counts map[string]int, limit int) []storage.KeywordCount {
	out := make([]storage.KeywordCount, 0, len(counts))
	for k, v := range counts {
		out = append(out, storage.KeywordCount{Keyword: k, Count: v})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Keyword < out[j].Keyword
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func topNames(counts map[string]int, limit int) []string {
	ranked := rankCounts(counts, limit)
	out := make([]string, len(ranked))
	for i, kc := range ranked {
		out[i] = kc.Keyword
	}
	return out
}

func normalizeKeywords(in []string) []string {
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			out = append(out, kw)
		}
	}
	return out
}
