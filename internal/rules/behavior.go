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
	"unicode/utf8"

	"github.com/google/uuid"

	"shopdesk/internal/message"
	"shopdesk/internal/scheduler"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

const (
	DefaultMaxProfiles            = 10000
	DefaultProfilePersistInterval = 30 * time.Minute
	MaxInteractions               = 20

	topListSize         = 5
	frequentAfter       = 10
	interactionMaxRunes = 200
	evictionPercent     = 10
)

// Behavior pattern names.
const (
	PatternPriceSensitive    = "price_sensitive"
	PatternQualityFocused    = "quality_focused"
	PatternServiceOriented   = "service_oriented"
	PatternShippingConcerned = "shipping_concerned"
	PatternDetailOriented    = "detail_oriented"
)

type behaviorPattern struct {
	name     string
	keywords []string
}

// behaviorPatterns is kept sorted by name; dominant-trait ties resolve to the earlier entry.
var behaviorPatterns = []behaviorPattern{
	{PatternDetailOriented, []string{"характеристик", "размер", "материал", "состав", "подробн", "инструкц", "specs", "size", "material"}},
	{PatternPriceSensitive, []string{"цен", "скидк", "дешев", "акци", "промокод", "стоимост", "price", "discount", "cheap"}},
	{PatternQualityFocused, []string{"качеств", "оригинал", "гаранти", "прочн", "брак", "quality", "original", "warranty"}},
	{PatternServiceOriented, []string{"возврат", "обмен", "поддержк", "менеджер", "консультац", "refund", "support", "return"}},
	{PatternShippingConcerned, []string{"доставк", "курьер", "трек", "отправк", "самовывоз", "shipping", "delivery", "tracking"}},
}

// Recommendation tells the agent how to address a customer.
type Recommendation struct {
	Focus      string   `json:"focus"`
	Tone       string   `json:"tone"`
	Prioritize []string `json:"prioritize"`
}

var recommendations = map[string]Recommendation{
	PatternPriceSensitive: {
		Focus:      "price and active discounts",
		Tone:       "value-oriented",
		Prioritize: []string{"promotions", "bundle offers", "price comparison"},
	},
	PatternQualityFocused: {
		Focus:      "product quality and authenticity",
		Tone:       "professional",
		Prioritize: []string{"materials", "certificates", "warranty"},
	},
	PatternServiceOriented: {
		Focus:      "after-sales service",
		Tone:       "warm",
		Prioritize: []string{"return policy", "support contacts", "response time"},
	},
	PatternShippingConcerned: {
		Focus:      "delivery terms",
		Tone:       "reassuring",
		Prioritize: []string{"delivery time", "tracking", "shipping cost"},
	},
	PatternDetailOriented: {
		Focus:      "detailed specifications",
		Tone:       "precise",
		Prioritize: []string{"size charts", "specifications", "usage instructions"},
	},
}

var balancedRecommendation = Recommendation{
	Focus:      "balanced product overview",
	Tone:       "friendly",
	Prioritize: []string{"general assistance"},
}

// RecommendationFor returns the advice for a trait, or the balanced fallback.
func RecommendationFor(trait string) Recommendation {
	r, ok := recommendations[trait]
	if !ok {
		r = balancedRecommendation
	}
	r.Prioritize = append([]string(nil), r.Prioritize...)
	return r
}

// Profile is the in-memory behavioral record of one customer.
type Profile struct {
	ClientID     string                `json:"client_id"`
	Name         string                `json:"name,omitempty"`
	FirstSeen    time.Time             `json:"first_seen"`
	LastActivity time.Time             `json:"last_activity"`
	MessageCount int                   `json:"message_count"`
	Intents      map[string]int        `json:"intents"`
	Keywords     map[string]int        `json:"keywords"`
	Patterns     map[string]int        `json:"patterns"`
	Interactions []storage.Interaction `json:"interactions"`
}

func newProfile(id string, now time.Time) *Profile {
	return &Profile{
		ClientID:     id,
		FirstSeen:    now,
		LastActivity: now,
		Intents:      map[string]int{},
		Keywords:     map[string]int{},
		Patterns:     map[string]int{},
	}
}

func (p *Profile) clone() *Profile {
	out := *p
	out.Intents = copyCounts(p.Intents)
	out.Keywords = copyCounts(p.Keywords)
	out.Patterns = copyCounts(p.Patterns)
	out.Interactions = append([]storage.Interaction(nil), p.Interactions...)
	return &out
}

// DominantTrait is the pattern with the highest score per message; "" when no
// pattern has matched yet.
func (p *Profile) DominantTrait() string {
	if p.MessageCount == 0 {
		return ""
	}
	best, bestRatio := "", 0.0
	for _, bp := range behaviorPatterns {
		score := p.Patterns[bp.name]
		if score <= 0 {
			continue
		}
		if ratio := float64(score) / float64(p.MessageCount); ratio > bestRatio {
			best, bestRatio = bp.name, ratio
		}
	}
	return best
}

func (p *Profile) toCustomer() *storage.Customer {
	return &storage.Customer{
		ID:           p.ClientID,
		Name:         p.Name,
		FirstSeen:    p.FirstSeen,
		LastActivity: p.LastActivity,
		MessageCount: p.MessageCount,
		Behavior: &storage.BehaviorProfile{
			Intents:       copyCounts(p.Intents),
			Keywords:      copyCounts(p.Keywords),
			Patterns:      copyCounts(p.Patterns),
			DominantTrait: p.DominantTrait(),
			Interactions:  append([]storage.Interaction(nil), p.Interactions...),
		},
	}
}

func profileFromCustomer(c *storage.Customer) *Profile {
	p := newProfile(c.ID, c.FirstSeen)
	p.Name = c.Name
	p.LastActivity = c.LastActivity
	p.MessageCount = c.MessageCount
	if b := c.Behavior; b != nil {
		p.Intents = copyCounts(b.Intents)
		p.Keywords = copyCounts(b.Keywords)
		p.Patterns = copyCounts(b.Patterns)
		p.Interactions = append([]storage.Interaction(nil), b.Interactions...)
		if n := len(p.Interactions) - MaxInteractions; n > 0 {
			p.Interactions = p.Interactions[n:]
		}
	}
	return p
}

// BehaviorResult is what the behavior strategy contributes to one dispatch.
type BehaviorResult struct {
	ClientID           string         `json:"client_id"`
	MessageCount       int            `json:"message_count"`
	DominantTrait      string         `json:"dominant_trait,omitempty"`
	Recommendation     Recommendation `json:"recommendation"`
	TopKeywords        []string       `json:"top_keywords"`
	TopIntents         []string       `json:"top_intents"`
	Patterns           map[string]int `json:"patterns"`
	IsNewCustomer      bool           `json:"is_new_customer"`
	IsFrequentCustomer bool           `json:"is_frequent_customer"`
}

func (r *BehaviorResult) StrategyName() string { return NameBehavior }

// CustomerInfo is the view merged into Session.CustomerInfo.
func (r *BehaviorResult) CustomerInfo() map[string]any {
	return map[string]any{
		"message_count":        r.MessageCount,
		"dominant_trait":       r.DominantTrait,
		"recommendation":       r.Recommendation,
		"top_keywords":         append([]string(nil), r.TopKeywords...),
		"top_intents":          append([]string(nil), r.TopIntents...),
		"is_new_customer":      r.IsNewCustomer,
		"is_frequent_customer": r.IsFrequentCustomer,
	}
}

type BehaviorConfig struct {
	MaxProfiles     int
	PersistInterval time.Duration
}

// Behavior profiles customers and classifies their dominant shopping trait.
type Behavior struct {
	cfg      BehaviorConfig
	provider Provider
	logger   *slog.Logger
	sched    *scheduler.Scheduler
	now      func() time.Time

	mu       sync.Mutex
	profiles map[string]*Profile
	dirty    map[string]bool
	// evicted holds unsaved profiles pushed out of the table until the next persist.
	evicted map[string]*Profile
	// flushing holds the copies a running Persist is writing.
	flushing map[string]*Profile
}

type BehaviorOption func(*Behavior)

func WithBehaviorLogger(l *slog.Logger) BehaviorOption {
	return func(b *Behavior) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithBehaviorClock(now func() time.Time) BehaviorOption {
	return func(b *Behavior) { b.now = now }
}

func NewBehavior(cfg BehaviorConfig, provider Provider, opts ...BehaviorOption) *Behavior {
	if cfg.MaxProfiles <= 0 {
		cfg.MaxProfiles = DefaultMaxProfiles
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = DefaultProfilePersistInterval
	}
	b := &Behavior{
		cfg:      cfg,
		provider: provider,
		logger:   slog.Default(),
		now:      time.Now,
		profiles: map[string]*Profile{},
		dirty:    map[string]bool{},
		evicted:  map[string]*Profile{},
		flushing: map[string]*Profile{},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("strategy", NameBehavior)
	b.sched = scheduler.New(b.logger)
	return b
}

func (b *Behavior) Name() string { return NameBehavior }

func (b *Behavior) Process(ctx context.Context, msg *message.Classified, sess *session.Session) (Result, error) {
	if msg == nil {
		return nil, errors.New("behavior: nil message")
	}
	id := msg.ResolveClientID()
	if id == "" && sess != nil {
		id = sess.ID
	}
	if id == "" {
		return nil, errors.New("behavior: empty client id")
	}
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = b.now()
	}
	intent := msg.TopIntentName()
	content := msg.Content()
	keywords := normalizeKeywords(msg.Parsed.Keywords)
	scores := scorePatterns(content, keywords)

	b.mu.Lock()
	_, ok := b.lookupLocked(id)
	b.mu.Unlock()
	var stored *Profile
	if !ok {
		var err error
		if stored, err = b.loadProfile(ctx, id); err != nil {
			return nil, fmt.Errorf("behavior: load customer %s: %w", id, err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.lookupLocked(id)
	if !ok {
		p = stored
		if p == nil {
			p = newProfile(id, ts)
		}
		b.profiles[id] = p
		b.evictLocked(id)
	}
	if name := msg.CustomerName; name != "" {
		p.Name = name
	} else if sess != nil && p.Name == "" {
		p.Name = sess.CustomerName()
	}
	p.MessageCount++
	if ts.After(p.LastActivity) {
		p.LastActivity = ts
	}
	p.Intents[intent]++
	for _, kw := range keywords {
		p.Keywords[kw]++
	}
	for name, score := range scores {
		p.Patterns[name] += score
	}
	p.Interactions = append(p.Interactions, storage.Interaction{
		ID:        uuid.NewString(),
		Timestamp: ts,
		Intent:    intent,
		Content:   truncateRunes(content, interactionMaxRunes),
	})
	if n := len(p.Interactions) - MaxInteractions; n > 0 {
		p.Interactions = append([]storage.Interaction(nil), p.Interactions[n:]...)
	}
	b.dirty[id] = true

	trait := p.DominantTrait()
	return &BehaviorResult{
		ClientID:           id,
		MessageCount:       p.MessageCount,
		DominantTrait:      trait,
		Recommendation:     RecommendationFor(trait),
		TopKeywords:        topNames(p.Keywords, topListSize),
		TopIntents:         topNames(p.Intents, topListSize),
		Patterns:           copyCounts(p.Patterns),
		IsNewCustomer:      p.MessageCount == 1,
		IsFrequentCustomer: p.MessageCount > frequentAfter,
	}, nil
}

// lookupLocked returns the live profile for id. A profile that was evicted, or
// is being written by Persist, is put back into the table first.
func (b *Behavior) lookupLocked(id string) (*Profile, bool) {
	if p, ok := b.profiles[id]; ok {
		return p, true
	}
	p, ok := b.evicted[id]
	if ok {
		delete(b.evicted, id)
	} else if f, inFlight := b.flushing[id]; inFlight {
		p, ok = f.clone(), true
	}
	if !ok {
		return nil, false
	}
	b.profiles[id] = p
	b.dirty[id] = true
	b.evictLocked(id)
	return p, true
}

// loadProfile reads a stored customer back into a profile. It returns nil when
// the backend has never seen the client.
func (b *Behavior) loadProfile(ctx context.Context, id string) (*Profile, error) {
	ds, err := b.provider.DataService(ctx)
	if err != nil {
		return nil, err
	}
	c, err := ds.GetCustomer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	b.logger.Debug("customer profile reloaded", "client_id", id, "backend", ds.Type(), "messages", c.MessageCount)
	return profileFromCustomer(c), nil
}

// scorePatterns counts, per pattern, the keywords present in the content or the
// extracted keyword list. Each pattern keyword counts at most once per message.
func scorePatterns(content string, keywords []string) map[string]int {
	lower := strings.ToLower(content)
	scores := map[string]int{}
	for _, bp := range behaviorPatterns {
		for _, kw := range bp.keywords {
			if strings.Contains(lower, kw) || containsStem(keywords, kw) {
				scores[bp.name]++
			}
		}
	}
	return scores
}

func containsStem(keywords []string, stem string) bool {
	for _, kw := range keywords {
		if strings.Contains(kw, stem) {
			return true
		}
	}
	return false
}

// evictLocked drops ceil(10%) of the table, oldest LastActivity first, once it
// exceeds MaxProfiles. keep is never evicted.
func (b *Behavior) evictLocked(keep string) {
	size := len(b.profiles)
	if size <= b.cfg.MaxProfiles {
		return
	}
	n := (size*evictionPercent + 99) / 100
	victims := make([]*Profile, 0, size-1)
	for id, p := range b.profiles {
		if id != keep {
			victims = append(victims, p)
		}
	}
	sort.Slice(victims, func(i, j int) bool {
		if !victims[i].LastActivity.Equal(victims[j].LastActivity) {
			return victims[i].LastActivity.Before(victims[j].LastActivity)
		}
		return victims[i].ClientID < victims[j].ClientID
	})
	if n > len(victims) {
		n = len(victims)
	}
	for _, p := range victims[:n] {
		delete(b.profiles, p.ClientID)
		if b.dirty[p.ClientID] {
			b.evicted[p.ClientID] = p
			delete(b.dirty, p.ClientID)
		}
	}
	b.logger.Info("customer profiles evicted", "evicted", n, "remaining", len(b.profiles))
}

// Profile returns a copy of one customer's profile.
func (b *Behavior) Profile(id string) (*Profile, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.profiles[id]
	if !ok {
		return nil, false
	}
	return p.clone(), true
}

func (b *Behavior) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.profiles)
}

// Persist saves every changed profile. Profiles that fail to save stay dirty.
func (b *Behavior) Persist(ctx context.Context) error {
	b.mu.Lock()
	pending := make([]*Profile, 0, len(b.dirty)+len(b.evicted))
	for id := range b.dirty {
		if p, ok := b.profiles[id]; ok {
			pending = append(pending, p.clone())
		}
	}
	for _, p := range b.evicted {
		pending = append(pending, p.clone())
	}
	for _, p := range pending {
		b.flushing[p.ClientID] = p
	}
	b.dirty = map[string]bool{}
	b.evicted = map[string]*Profile{}
	b.mu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	ds, err := b.provider.DataService(ctx)
	if err != nil {
		b.requeue(pending)
		return fmt.Errorf("behavior persist: %w", err)
	}

	var errs []error
	var failed, saved []*Profile
	for _, p := range pending {
		if err := saveProfile(ctx, ds, p, b.now()); err != nil {
			errs = append(errs, fmt.Errorf("customer %s: %w", p.ClientID, err))
			failed = append(failed, p)
			continue
		}
		saved = append(saved, p)
	}
	b.mu.Lock()
	b.doneFlushingLocked(saved)
	b.mu.Unlock()
	b.requeue(failed)
	b.logger.Debug("customer profiles persisted", "backend", ds.Type(), "saved", len(pending)-len(failed), "failed", len(failed))
	return errors.Join(errs...)
}

func (b *Behavior) requeue(failed []*Profile) {
	if len(failed) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.doneFlushingLocked(failed)
	for _, p := range failed {
		_, live := b.profiles[p.ClientID]
		_, newer := b.evicted[p.ClientID]
		switch {
		case live:
			b.dirty[p.ClientID] = true
		case !newer:
			b.evicted[p.ClientID] = p
		}
	}
}

func (b *Behavior) doneFlushingLocked(done []*Profile) {
	for _, p := range done {
		if b.flushing[p.ClientID] == p {
			delete(b.flushing, p.ClientID)
		}
	}
}

// saveProfile merges the profile into the stored customer, creating it when absent.
func saveProfile(ctx context.Context, ds storage.DataService, p *Profile, now time.Time) error {
	fresh := p.toCustomer()
	existing, err := ds.GetCustomer(ctx, p.ClientID)
	if errors.Is(err, storage.ErrNotFound) {
		fresh.CreatedAt = now
		fresh.UpdatedAt = now
		return ds.CreateCustomer(ctx, fresh)
	}
	if err != nil {
		return err
	}
	merged := *existing
	if fresh.Name != "" {
		merged.Name = fresh.Name
	}
	if merged.FirstSeen.IsZero() || fresh.FirstSeen.Before(merged.FirstSeen) {
		merged.FirstSeen = fresh.FirstSeen
	}
	if fresh.LastActivity.After(merged.LastActivity) {
		merged.LastActivity = fresh.LastActivity
	}
	if fresh.MessageCount > merged.MessageCount {
		merged.MessageCount = fresh.MessageCount
	}
	merged.Behavior = fresh.Behavior
	merged.UpdatedAt = now
	return ds.UpdateCustomer(ctx, &merged)
}

// Start loads stored profiles when the backend can list them and schedules
// periodic persistence.
func (b *Behavior) Start(ctx context.Context) error {
	if err := b.load(ctx); err != nil {
		b.logger.Warn("customer profiles not loaded", "error", err)
	}
	if err := b.sched.Every("behavior-persist", b.cfg.PersistInterval, b.Persist); err != nil {
		return err
	}
	b.sched.Start()
	return nil
}

func (b *Behavior) load(ctx context.Context) error {
	ds, err := b.provider.DataService(ctx)
	if err != nil {
		return err
	}
	lister, ok := ds.(storage.CustomerLister)
	if !ok {
		b.logger.Debug("backend cannot list customers, profiles start empty", "backend", ds.Type())
		return nil
	}
	customers, err := lister.ListCustomers(ctx, b.cfg.MaxProfiles)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range customers {
		c := &customers[i]
		if _, ok := b.profiles[c.ID]; ok || c.ID == "" {
			continue
		}
		b.profiles[c.ID] = profileFromCustomer(c)
	}
	b.logger.Info("customer profiles loaded", "backend", ds.Type(), "profiles", len(b.profiles))
	return nil
}

// Dispose stops the persistence timer and flushes pending profiles.
func (b *Behavior) Dispose(ctx context.Context) error {
	stopErr := b.sched.Stop(ctx)
	return errors.Join(stopErr, b.Persist(ctx))
}

func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max])
}
