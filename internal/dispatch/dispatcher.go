// Package dispatch runs every classified customer message through the rule
// strategies, one message at a time per client.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"shopdesk/internal/message"
	"shopdesk/internal/metrics"
	"shopdesk/internal/rules"
	"shopdesk/internal/session"
)

var (
	ErrMissingClientID = errors.New("dispatch: missing client id")
	ErrInvalidMessage  = errors.New("dispatch: invalid message")
	ErrShuttingDown    = errors.New("dispatch: shutting down")
	ErrUnknownStrategy = errors.New("dispatch: unknown strategy")
)

// Result is the outcome of one dispatch. Strategy fields are nil when the
// strategy is disabled or failed.
type Result struct {
	Success          bool                  `json:"success"`
	Error            error                 `json:"-"`
	Timestamp        time.Time             `json:"timestamp"`
	SessionID        string                `json:"session_id,omitempty"`
	NewSession       bool                  `json:"new_session,omitempty"`
	Statistics       *rules.StatsResult    `json:"statistics,omitempty"`
	Behavior         *rules.BehaviorResult `json:"behavior,omitempty"`
	AutoReply        *rules.ReplyResult    `json:"auto_reply,omitempty"`
	FailedStrategies []string              `json:"failed_strategies,omitempty"`
	Duration         time.Duration         `json:"duration"`
}

// Event is emitted after every successful dispatch.
type Event struct {
	SessionID  string                `json:"session_id"`
	Timestamp  time.Time             `json:"timestamp"`
	Message    *message.Classified   `json:"message"`
	Statistics *rules.StatsResult    `json:"statistics,omitempty"`
	Behavior   *rules.BehaviorResult `json:"behavior,omitempty"`
	AutoReply  *rules.ReplyResult    `json:"auto_reply,omitempty"`
}

type Listener func(Event)

// sessionForgetter is implemented by strategies that keep per-session state
// which must restart when the session does.
type sessionForgetter interface {
	ForgetSession(id string)
}

type Dispatcher struct {
	store      session.Store
	strategies []rules.Strategy
	logger     *slog.Logger
	metrics    *metrics.Metrics
	listener   Listener
	now        func() time.Time
	locks      *session.KeyedMutex

	mu       sync.RWMutex
	enabled  map[string]bool
	closing  bool
	inflight sync.WaitGroup
}

type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithListener(fn Listener) Option {
	return func(d *Dispatcher) { d.listener = fn }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher. Strategies run in the order given, all enabled.
func New(store session.Store, strategies []rules.Strategy, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		strategies: strategies,
		logger:     slog.Default(),
		now:        time.Now,
		locks:      session.NewKeyedMutex(),
		enabled:    make(map[string]bool, len(strategies)),
	}
	for _, s := range strategies {
		d.enabled[s.Name()] = true
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "dispatcher")
	return d
}

// Start starts every strategy that owns timers or persistent state.
func (d *Dispatcher) Start(ctx context.Context) error {
	for _, s := range d.strategies {
		lc, ok := s.(rules.Lifecycle)
		if !ok {
			continue
		}
		if err := lc.Start(ctx); err != nil {
			return fmt.Errorf("start %s: %w", s.Name(), err)
		}
	}
	d.logger.Info("dispatcher started", "strategies", d.Strategies())
	return nil
}

func (d *Dispatcher) Process(ctx context.Context, msg *message.Classified) Result {
	start := d.now()
	if msg == nil {
		return d.reject(start, ErrInvalidMessage)
	}
	clientID := msg.ResolveClientID()
	if clientID == "" {
		return d.reject(start, ErrMissingClientID)
	}
	if !d.begin() {
		return d.reject(start, ErrShuttingDown)
	}
	defer d.inflight.Done()

	unlock := d.locks.Lock(clientID)
	defer unlock()

	res := d.dispatch(ctx, clientID, msg, start)
	res.Duration = d.now().Sub(start)
	status := "ok"
	if !res.Success {
		status = "failed"
	}
	d.metrics.ObserveDispatch(status, res.Duration)
	if res.Success {
		d.emit(Event{
			SessionID:  res.SessionID,
			Timestamp:  res.Timestamp,
			Message:    msg,
			Statistics: res.Statistics,
			Behavior:   res.Behavior,
			AutoReply:  res.AutoReply,
		})
	}
	return res
}

func (d *Dispatcher) begin() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closing {
		return false
	}
	d.inflight.Add(1)
	return true
}

func (d *Dispatcher) reject(start time.Time, err error) Result {
	d.logger.Warn("message rejected", "error", err)
	d.metrics.ObserveDispatch("rejected", d.now().Sub(start))
	return Result{Success: false, Error: err, Timestamp: start}
}

// dispatch runs with the client's lock held.
func (d *Dispatcher) dispatch(ctx context.Context, clientID string, msg *message.Classified, start time.Time) Result {
	res := Result{Timestamp: start, SessionID: clientID}

	work, created, err := d.store.GetOrCreate(ctx, clientID)
	if err != nil {
		res.Error = fmt.Errorf("load session %s: %w", clientID, err)
		d.logger.Error("session store failed", "client_id", clientID, "error", err)
		return res
	}
	res.NewSession = created
	if created {
		d.forgetSession(clientID)
	}

	ts := msg.Timestamp
	if ts.IsZero() {
		ts = start
	}
	work.MessageCount++
	work.Touch(ts)
	if msg.CustomerName != "" {
		work.MergeCustomerInfo(map[string]any{"name": msg.CustomerName})
	}

	for _, s := range d.strategies {
		if !d.StrategyEnabled(s.Name()) {
			continue
		}
		out, err := d.runStrategy(ctx, s, msg, work)
		if err != nil {
			res.FailedStrategies = append(res.FailedStrategies, s.Name())
			d.metrics.StrategyFailed(s.Name())
			d.logger.Warn("strategy failed", "strategy", s.Name(), "client_id", clientID, "error", err)
			continue
		}
		switch r := out.(type) {
		case *rules.StatsResult:
			res.Statistics = r
			work.MergeStatistics(r.SessionFields())
		case *rules.BehaviorResult:
			res.Behavior = r
			work.MergeCustomerInfo(r.CustomerInfo())
		case *rules.ReplyResult:
			res.AutoReply = r
		}
	}

	entry := session.HistoryEntry{
		Timestamp: ts,
		Content:   msg.Content(),
		Intent:    msg.TopIntentName(),
	}
	if top, ok := msg.TopIntent(); ok {
		entry.Confidence = top.Confidence
	}
	if res.AutoReply != nil {
		entry.Reply = res.AutoReply.Message
	}
	work.AppendHistory(entry)

	if err := d.save(ctx, work); err != nil {
		res.Error = fmt.Errorf("save session %s: %w", clientID, err)
		d.logger.Error("session store failed", "client_id", clientID, "error", err)
		return res
	}
	res.Success = true
	return res
}

// runStrategy is the fault boundary around one strategy.
func (d *Dispatcher) runStrategy(ctx context.Context, s rules.Strategy, msg *message.Classified, work *session.Session) (out rules.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = s.Process(ctx, msg, work)
	if err == nil && out == nil {
		err = errors.New("no result")
	}
	return out, err
}

// save writes the working copy back. A session swept mid-dispatch is recreated.
func (d *Dispatcher) save(ctx context.Context, work *session.Session) error {
	apply := func(s *session.Session) error {
		s.MessageCount = work.MessageCount
		s.Touch(work.LastActivity)
		s.History = work.History
		s.CustomerInfo = work.CustomerInfo
		s.Statistics = work.Statistics
		return nil
	}
	_, err := d.store.Update(ctx, work.ID, apply)
	if errors.Is(err, session.ErrNotFound) {
		if _, _, err = d.store.GetOrCreate(ctx, work.ID); err != nil {
			return err
		}
		_, err = d.store.Update(ctx, work.ID, apply)
	}
	return err
}

func (d *Dispatcher) forgetSession(id string) {
	for _, s := range d.strategies {
		if f, ok := s.(sessionForgetter); ok {
			f.ForgetSession(id)
		}
	}
}

func (d *Dispatcher) emit(ev Event) {
	if d.listener == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("❌ event listener panicked", "session_id", ev.SessionID, "panic", r)
		}
	}()
	d.listener(ev)
}

// SetStrategyEnabled toggles one strategy by name.
func (d *Dispatcher) SetStrategyEnabled(name string, on bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.enabled[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	d.enabled[name] = on
	d.logger.Info("strategy toggled", "strategy", name, "enabled", on)
	return nil
}

func (d *Dispatcher) StrategyEnabled(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.enabled[name]
}

// Strategies lists strategy names in run order.
func (d *Dispatcher) Strategies() []string {
	out := make([]string, len(d.strategies))
	for i, s := range d.strategies {
		out[i] = s.Name()
	}
	return out
}

// Session returns a copy of one client's session.
func (d *Dispatcher) Session(ctx context.Context, id string) (*session.Session, error) {
	return d.store.Get(ctx, id)
}

// CleanupSessions removes sessions idle for longer than maxAge.
func (d *Dispatcher) CleanupSessions(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = session.DefaultTimeout
	}
	n, err := d.store.Cleanup(ctx, maxAge)
	if err != nil {
		return n, fmt.Errorf("cleanup sessions: %w", err)
	}
	if n > 0 {
		d.logger.Info("idle sessions removed", "removed", n, "max_age", maxAge)
	}
	return n, nil
}

// Shutdown stops accepting messages, waits for in-flight dispatches within ctx
// and disposes the strategies.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.closing {
		d.mu.Unlock()
		return nil
	}
	d.closing = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("wait for in-flight dispatches: %w", ctx.Err()))
	}

	for _, s := range d.strategies {
		if lc, ok := s.(rules.Lifecycle); ok {
			if err := lc.Dispose(ctx); err != nil {
				errs = append(errs, fmt.Errorf("dispose %s: %w", s.Name(), err))
			}
		}
	}
	d.logger.Info("dispatcher stopped")
	return errors.Join(errs...)
}
