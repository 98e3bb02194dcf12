package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"shopdesk/internal/message"
	"shopdesk/internal/metrics"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

const (
	DefaultConfidenceThreshold = 0.6
	DefaultMaxRepliesPerIntent = 3

	// DefaultIntent labels replies taken from the fallback pool.
	DefaultIntent     = "default"
	defaultConfidence = 0.3

	// DefaultAddressTerm replaces {customerName} when the name is unknown.
	DefaultAddressTerm = "покупатель"
)

// Reply sources.
const (
	SourceRule          = "rule"
	SourceIntentDefault = "intent_default"
	SourceFallback      = "fallback"
)

// Mode controls whether a chosen reply is sent without a human.
type Mode string

const (
	ModeAuto    Mode = "auto"
	ModeSuggest Mode = "suggest"
	ModeHybrid  Mode = "hybrid"
)

func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case ModeAuto, ModeSuggest, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("unknown reply mode %q", s)
}

var defaultReplies = []string{
	"{timeGreeting}, {customerName}! Спасибо за сообщение, менеджер скоро ответит.",
	"Здравствуйте, {customerName}! Мы получили ваш вопрос и уже разбираемся.",
	"{timeGreeting}! Уточните, пожалуйста, детали заказа, чтобы мы помогли быстрее.",
}

type Rule struct {
	Pattern string `json:"pattern"`
	Reply   string `json:"reply"`
	re      *regexp.Regexp
}

// RuleSet holds one intent's ordered rules and optional default reply.
type RuleSet struct {
	Intent       string `json:"intent"`
	Rules        []Rule `json:"rules"`
	DefaultReply string `json:"default_reply,omitempty"`
}

func (rs *RuleSet) clone() RuleSet {
	out := *rs
	out.Rules = append([]Rule(nil), rs.Rules...)
	return out
}

func (rs *RuleSet) template(now time.Time) *storage.IntentTemplate {
	t := &storage.IntentTemplate{
		ID:           storage.AutoReplyTemplateID(rs.Intent),
		Intent:       rs.Intent,
		Category:     storage.CategoryAutoReply,
		DefaultReply: rs.DefaultReply,
		Rules:        make([]storage.ReplyRule, len(rs.Rules)),
		UpdatedAt:    now,
	}
	for i, r := range rs.Rules {
		t.Rules[i] = storage.ReplyRule{Pattern: r.Pattern, Reply: r.Reply}
	}
	return t
}

// match returns the reply of the first matching rule, then the set default.
func (rs *RuleSet) match(content string) (string, string, bool) {
	for _, r := range rs.Rules {
		if r.re != nil && r.re.MatchString(content) {
			return r.Reply, SourceRule, true
		}
	}
	if rs.DefaultReply != "" {
		return rs.DefaultReply, SourceIntentDefault, true
	}
	return "", "", false
}

func compileRule(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrInvalidPattern, pattern, err)
	}
	return re, nil
}

type ReplyCandidate struct {
	Message    string  `json:"message"`
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

type ReplyResult struct {
	Message        string           `json:"message"`
	Intent         string           `json:"intent"`
	Confidence     float64          `json:"confidence"`
	Source         string           `json:"source"`
	Mode           Mode             `json:"mode"`
	ShouldAutoSend bool             `json:"should_auto_send"`
	Alternatives   []ReplyCandidate `json:"alternatives,omitempty"`
}

func (r *ReplyResult) StrategyName() string { return NameAutoReply }

type AutoReplyConfig struct {
	Mode                Mode
	ConfidenceThreshold float64
	MaxRepliesPerIntent int
	AddressTerm         string
}

// AutoReply picks a reply from per-intent rule sets kept in storage.
type AutoReply struct {
	cfg      AutoReplyConfig
	provider Provider
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	pick     func(n int) int

	mu   sync.RWMutex
	mode Mode
	sets map[string]*RuleSet
}

type AutoReplyOption func(*AutoReply)

func WithAutoReplyLogger(l *slog.Logger) AutoReplyOption {
	return func(a *AutoReply) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithAutoReplyMetrics(m *metrics.Metrics) AutoReplyOption {
	return func(a *AutoReply) { a.metrics = m }
}

func WithAutoReplyClock(now func() time.Time) AutoReplyOption {
	return func(a *AutoReply) { a.now = now }
}

// WithPicker replaces the random choice of fallback replies.
func WithPicker(pick func(n int) int) AutoReplyOption {
	return func(a *AutoReply) { a.pick = pick }
}

func NewAutoReply(cfg AutoReplyConfig, provider Provider, opts ...AutoReplyOption) *AutoReply {
	if cfg.Mode == "" {
		cfg.Mode = ModeSuggest
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if cfg.MaxRepliesPerIntent <= 0 {
		cfg.MaxRepliesPerIntent = DefaultMaxRepliesPerIntent
	}
	if cfg.AddressTerm == "" {
		cfg.AddressTerm = DefaultAddressTerm
	}
	a := &AutoReply{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		pick:     rand.Intn,
		mode:     cfg.Mode,
		sets:     map[string]*RuleSet{},
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("strategy", NameAutoReply)
	return a
}

func (a *AutoReply) Name() string { return NameAutoReply }

// Load replaces the in-memory rule sets with the stored auto-reply templates.
// Stored patterns that do not compile are kept but never match.
func (a *AutoReply) Load(ctx context.Context) error {
	ds, err := a.provider.DataService(ctx)
	if err != nil {
		return fmt.Errorf("auto-reply load: %w", err)
	}
	templates, err := ds.GetAllIntentTemplates(ctx)
	if err != nil {
		return fmt.Errorf("auto-reply load from %s: %w", ds.Type(), err)
	}
	sets := make(map[string]*RuleSet, len(templates))
	rules := 0
	for _, t := range templates {
		if t.Category != storage.CategoryAutoReply || t.Intent == "" {
			continue
		}
		rs := &RuleSet{Intent: t.Intent, DefaultReply: t.DefaultReply}
		for _, r := range t.Rules {
			re, err := compileRule(r.Pattern)
			if err != nil {
				a.logger.Warn("skipping malformed reply rule", "intent", t.Intent, "error", err)
			}
			rs.Rules = append(rs.Rules, Rule{Pattern: r.Pattern, Reply: r.Reply, re: re})
		}
		sets[t.Intent] = rs
		rules += len(rs.Rules)
	}

	a.mu.Lock()
	a.sets = sets
	a.mu.Unlock()
	a.logger.Info("auto-reply rules loaded", "backend", ds.Type(), "intents", len(sets), "rules", rules)
	return nil
}

// Start loads the rule sets; a failed load leaves the fallback pool as the only source.
func (a *AutoReply) Start(ctx context.Context) error {
	if err := a.Load(ctx); err != nil {
		a.logger.Warn("auto-reply starts without stored rules", "error", err)
	}
	return nil
}

func (a *AutoReply) Dispose(context.Context) error { return nil }

func (a *AutoReply) Process(_ context.Context, msg *message.Classified, sess *session.Session) (Result, error) {
	if msg == nil {
		return nil, errors.New("auto-reply: nil message")
	}
	now := a.now()
	a.mu.RLock()
	mode := a.mode
	ranked := msg.RankedIntents()
	var candidates []ReplyCandidate
	if len(ranked) > 0 && ranked[0].Confidence >= a.cfg.ConfidenceThreshold {
		content := msg.Content()
		limit := min(len(ranked), a.cfg.MaxRepliesPerIntent)
		for _, is := range ranked[:limit] {
			rs, ok := a.sets[is.Intent]
			if !ok {
				continue
			}
			if reply, source, ok := rs.match(content); ok {
				candidates = append(candidates, ReplyCandidate{
					Message:    reply,
					Intent:     is.Intent,
					Confidence: is.Confidence,
					Source:     source,
				})
			}
		}
	}
	a.mu.RUnlock()

	fill := a.filler(msg, sess, now)
	var res *ReplyResult
	if len(candidates) == 0 {
		res = &ReplyResult{
			Message:    fill.Replace(defaultReplies[a.pick(len(defaultReplies))]),
			Intent:     DefaultIntent,
			Confidence: defaultConfidence,
			Source:     SourceFallback,
			Mode:       mode,
		}
	} else {
		sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Confidence > candidates[j].Confidence })
		for i := range candidates {
			candidates[i].Message = fill.Replace(candidates[i].Message)
		}
		primary := candidates[0]
		res = &ReplyResult{
			Message:        primary.Message,
			Intent:         primary.Intent,
			Confidence:     primary.Confidence,
			Source:         primary.Source,
			Mode:           mode,
			ShouldAutoSend: mode == ModeAuto,
			Alternatives:   candidates[1:],
		}
	}
	a.metrics.ReplyDecision(res.Intent, res.ShouldAutoSend)
	return res, nil
}

func (a *AutoReply) filler(msg *message.Classified, sess *session.Session, now time.Time) *strings.Replacer {
	name := strings.TrimSpace(msg.CustomerName)
	count := 0
	if sess != nil {
		if name == "" {
			name = sess.CustomerName()
		}
		count = sess.MessageCount
	}
	if name == "" {
		name = a.cfg.AddressTerm
	}
	return strings.NewReplacer(
		"{customerName}", name,
		"{timeGreeting}", TimeGreeting(now),
		"{messageCount}", strconv.Itoa(count),
	)
}

// TimeGreeting returns the greeting for the hour of now.
func TimeGreeting(now time.Time) string {
	switch h := now.Hour(); {
	case h < 12:
		return "Доброе утро"
	case h < 18:
		return "Добрый день"
	default:
		return "Добрый вечер"
	}
}

// AddRule appends a rule to an intent and persists the whole rule set.
func (a *AutoReply) AddRule(ctx context.Context, intent, pattern, reply string) error {
	intent = strings.TrimSpace(intent)
	if intent == "" || strings.TrimSpace(reply) == "" {
		return errors.New("auto-reply: intent and reply are required")
	}
	re, err := compileRule(pattern)
	if err != nil {
		return err
	}

	a.mu.Lock()
	rs, ok := a.sets[intent]
	if !ok {
		rs = &RuleSet{Intent: intent}
		a.sets[intent] = rs
	}
	rs.Rules = append(rs.Rules, Rule{Pattern: pattern, Reply: reply, re: re})
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	return a.persist(ctx, snapshot)
}

// SetDefaultReply sets the reply used when none of an intent's rules match.
func (a *AutoReply) SetDefaultReply(ctx context.Context, intent, reply string) error {
	intent = strings.TrimSpace(intent)
	if intent == "" {
		return errors.New("auto-reply: intent is required")
	}
	a.mu.Lock()
	rs, ok := a.sets[intent]
	if !ok {
		rs = &RuleSet{Intent: intent}
		a.sets[intent] = rs
	}
	rs.DefaultReply = reply
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	return a.persist(ctx, snapshot)
}

// Seed adds the given rule sets when nothing is stored yet and reports how many
// rules were added.
func (a *AutoReply) Seed(ctx context.Context, sets []RuleSet) (int, error) {
	a.mu.Lock()
	if len(a.sets) > 0 {
		a.mu.Unlock()
		return 0, nil
	}
	added := 0
	for _, in := range sets {
		if in.Intent == "" {
			continue
		}
		rs := &RuleSet{Intent: in.Intent, DefaultReply: in.DefaultReply}
		for _, r := range in.Rules {
			re, err := compileRule(r.Pattern)
			if err != nil {
				a.logger.Warn("skipping malformed seed rule", "intent", in.Intent, "error", err)
				continue
			}
			rs.Rules = append(rs.Rules, Rule{Pattern: r.Pattern, Reply: r.Reply, re: re})
			added++
		}
		a.sets[in.Intent] = rs
	}
	snapshot := a.snapshotLocked()
	a.mu.Unlock()

	if len(snapshot) == 0 {
		return 0, nil
	}
	return added, a.persist(ctx, snapshot)
}

func (a *AutoReply) snapshotLocked() []RuleSet {
	out := make([]RuleSet, 0, len(a.sets))
	for _, rs := range a.sets {
		out = append(out, rs.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Intent < out[j].Intent })
	return out
}

// persist writes every rule set, updating existing templates and creating missing ones.
func (a *AutoReply) persist(ctx context.Context, sets []RuleSet) error {
	ds, err := a.provider.DataService(ctx)
	if err != nil {
		return fmt.Errorf("auto-reply persist: %w", err)
	}
	now := a.now()
	var errs []error
	for i := range sets {
		t := sets[i].template(now)
		existing, err := ds.GetIntentTemplate(ctx, t.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			t.CreatedAt = now
			err = ds.CreateIntentTemplate(ctx, t)
		case err == nil:
			t.CreatedAt = existing.CreatedAt
			err = ds.UpdateIntentTemplate(ctx, t)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("intent %s: %w", t.Intent, err))
		}
	}
	return errors.Join(errs...)
}

func (a *AutoReply) SetMode(m Mode) {
	a.mu.Lock()
	a.mode = m
	a.mu.Unlock()
	a.logger.Info("reply mode changed", "mode", m)
}

func (a *AutoReply) Mode() Mode {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// Rules returns a copy of every rule set ordered by intent.
func (a *AutoReply) Rules() []RuleSet {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snapshotLocked()
}
