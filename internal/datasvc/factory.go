// Package datasvc owns the storage handles: it builds and caches one handle per
// backend type, fails over along storage.FailoverChain, keeps handles alive with a
// health loop, watches connection pools and swaps backends on configuration change.
package datasvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/singleflight"

	"shopdesk/internal/metrics"
	"shopdesk/internal/scheduler"
	"shopdesk/internal/storage"
)

// ErrDestroyed is returned by every operation after Destroy.
var ErrDestroyed = errors.New("datasvc: factory destroyed")

// Builder constructs a fresh handle for one backend type.
type Builder func(ctx context.Context) (storage.DataService, error)

type Config struct {
	Type                 storage.Type
	HealthCheckInterval  time.Duration
	PoolMonitorInterval  time.Duration
	UtilizationThreshold float64
	PendingThreshold     int
	ProbeTimeout         time.Duration
}

func (c *Config) setDefaults() {
	if c.Type == "" {
		c.Type = storage.TypeSQLite
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.PoolMonitorInterval <= 0 {
		c.PoolMonitorInterval = 10 * time.Second
	}
	if c.UtilizationThreshold <= 0 {
		c.UtilizationThreshold = 0.8
	}
	if c.PendingThreshold <= 0 {
		c.PendingThreshold = 5
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 5 * time.Second
	}
}

type entry struct {
	ds    storage.DataService
	alive bool
}

type Factory struct {
	cfg      Config
	builders map[storage.Type]Builder
	logger   *slog.Logger
	metrics  *metrics.Metrics
	onAlert  func(Alert)
	sched    *scheduler.Scheduler

	mu        sync.RWMutex
	current   storage.Type
	handles   map[storage.Type]*entry
	served    map[storage.Type]storage.Type // requested type -> fallback type serving it
	destroyed bool

	sf singleflight.Group

	watchMu   sync.Mutex
	watcher   *fsnotify.Watcher
	watchDone chan struct{}
}

type Option func(*Factory)

func WithLogger(l *slog.Logger) Option {
	return func(f *Factory) { f.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

// WithAlertHandler registers the receiver of WARNING/CRITICAL alerts.
func WithAlertHandler(fn func(Alert)) Option {
	return func(f *Factory) { f.onAlert = fn }
}

func New(cfg Config, builders map[storage.Type]Builder, opts ...Option) *Factory {
	cfg.setDefaults()
	f := &Factory{
		cfg:      cfg,
		builders: builders,
		logger:   slog.Default(),
		current:  cfg.Type,
		handles:  make(map[storage.Type]*entry),
		served:   make(map[storage.Type]storage.Type),
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "datasvc")
	f.sched = scheduler.New(f.logger)
	f.metrics.SetActiveBackend(string(cfg.Type))
	return f
}

// Start schedules the health-check and pool-monitor loops.
func (f *Factory) Start() error {
	if err := f.sched.Every("storage-health-check", f.cfg.HealthCheckInterval, func(ctx context.Context) error {
		f.CheckHealth(ctx)
		return nil
	}); err != nil {
		return err
	}
	if err := f.sched.Every("storage-pool-monitor", f.cfg.PoolMonitorInterval, func(ctx context.Context) error {
		f.MonitorPools(ctx)
		return nil
	}); err != nil {
		return err
	}
	f.sched.Start()
	return nil
}

// Current returns the configured backend type.
func (f *Factory) Current() storage.Type {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.current
}

// DataService returns a handle for the current backend type.
func (f *Factory) DataService(ctx context.Context) (storage.DataService, error) {
	return f.CreateDataService(ctx, "")
}

// CreateDataService returns a live handle for t (the current type when t is empty),
// building and caching it if needed. When t cannot be built the fallback chain is
// tried in order; if every fallback fails the original error is returned.
func (f *Factory) CreateDataService(ctx context.Context, t storage.Type) (storage.DataService, error) {
	if t == "" {
		t = f.Current()
	}
	if ds, err := f.lookup(t); err != nil || ds != nil {
		return ds, err
	}

	ds, err := f.build(ctx, t)
	if err == nil {
		return ds, nil
	}
	if errors.Is(err, ErrDestroyed) {
		return nil, err
	}
	origErr := err
	f.logger.Warn("backend unavailable, trying fallbacks", "backend", t, "error", err)

	attempted := map[storage.Type]bool{t: true}
	for _, fb := range storage.FailoverChain {
		if attempted[fb] {
			continue
		}
		attempted[fb] = true
		fbDS, err := f.build(ctx, fb)
		if err != nil {
			f.logger.Warn("fallback backend unavailable", "backend", fb, "error", err)
			continue
		}
		f.mu.Lock()
		f.served[t] = fb
		f.mu.Unlock()
		f.metrics.Failover(string(t), string(fb))
		f.logger.Warn("serving requests from fallback backend", "requested", t, "served", fb)
		return fbDS, nil
	}
	return nil, fmt.Errorf("create %s data service: %w", t, origErr)
}

// lookup returns a cached live handle for t, or the live fallback serving t.
func (f *Factory) lookup(t storage.Type) (storage.DataService, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return nil, ErrDestroyed
	}
	if e, ok := f.handles[t]; ok && e.alive {
		return e.ds, nil
	}
	if fb, ok := f.served[t]; ok {
		if e, ok := f.handles[fb]; ok && e.alive {
			return e.ds, nil
		}
	}
	return nil, nil
}

// build constructs, validates and caches a handle of exactly type t.
// Concurrent builds of the same type share one construction.
func (f *Factory) build(ctx context.Context, t storage.Type) (storage.DataService, error) {
	v, err, _ := f.sf.Do(string(t), func() (any, error) {
		f.mu.RLock()
		if f.destroyed {
			f.mu.RUnlock()
			return nil, ErrDestroyed
		}
		if e, ok := f.handles[t]; ok && e.alive {
			f.mu.RUnlock()
			return e.ds, nil
		}
		f.mu.RUnlock()

		ds, err := f.construct(ctx, t)
		if err != nil {
			return nil, err
		}

		f.mu.Lock()
		if f.destroyed {
			f.mu.Unlock()
			_ = storage.Dispose(ds)
			return nil, ErrDestroyed
		}
		old := f.handles[t]
		f.handles[t] = &entry{ds: ds, alive: true}
		delete(f.served, t)
		f.mu.Unlock()

		if old != nil {
			f.dispose(t, old.ds)
		}
		f.logger.Info("storage handle ready", "backend", t)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(storage.DataService), nil
}

// construct runs the builder and validates connectivity. A handle that fails
// validation is disposed, never returned.
func (f *Factory) construct(ctx context.Context, t storage.Type) (storage.DataService, error) {
	b, ok := f.builders[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrUnknownType, t)
	}
	ds, err := b(ctx)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", t, err)
	}
	probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
	defer cancel()
	if err := storage.Ping(probeCtx, ds); err != nil {
		_ = storage.Dispose(ds)
		return nil, fmt.Errorf("validate %s: %w", t, err)
	}
	return ds, nil
}

func (f *Factory) dispose(t storage.Type, ds storage.DataService) {
	if err := storage.Dispose(ds); err != nil {
		f.logger.Warn("storage cleanup failed", "backend", t, "error", err)
	}
}

// SwitchTo builds a handle for t, makes t current and disposes every other cached
// handle. On failure the previous backend stays current.
func (f *Factory) SwitchTo(ctx context.Context, t storage.Type) error {
	if _, err := f.build(ctx, t); err != nil {
		return fmt.Errorf("switch to %s: %w", t, err)
	}

	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return ErrDestroyed
	}
	prev := f.current
	f.current = t
	var stale []storage.Type
	var staleDS []storage.DataService
	for typ, e := range f.handles {
		if typ == t {
			continue
		}
		stale = append(stale, typ)
		staleDS = append(staleDS, e.ds)
		delete(f.handles, typ)
	}
	f.served = make(map[storage.Type]storage.Type)
	f.mu.Unlock()

	for i, ds := range staleDS {
		f.dispose(stale[i], ds)
	}
	f.metrics.SetActiveBackend(string(t))
	f.logger.Info("storage backend switched", "from", prev, "to", t, "disposed", len(staleDS))
	return nil
}

// HandleStatus describes one cached handle.
type HandleStatus struct {
	Type      storage.Type   `json:"type"`
	Alive     bool           `json:"alive"`
	Current   bool           `json:"current"`
	ServesFor []storage.Type `json:"serves_for,omitempty"`
}

// Status lists cached handles ordered by type.
func (f *Factory) Status() []HandleStatus {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]HandleStatus, 0, len(f.handles))
	for t, e := range f.handles {
		hs := HandleStatus{Type: t, Alive: e.alive, Current: t == f.current}
		for req, fb := range f.served {
			if fb == t {
				hs.ServesFor = append(hs.ServesFor, req)
			}
		}
		out = append(out, hs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Destroy stops both loops and the config watcher, then disposes every handle.
func (f *Factory) Destroy(ctx context.Context) error {
	f.mu.Lock()
	if f.destroyed {
		f.mu.Unlock()
		return nil
	}
	f.destroyed = true
	f.mu.Unlock()

	stopErr := f.sched.Stop(ctx)
	f.stopWatch()

	f.mu.Lock()
	handles := f.handles
	f.handles = make(map[storage.Type]*entry)
	f.served = make(map[storage.Type]storage.Type)
	f.mu.Unlock()

	for t, e := range handles {
		f.dispose(t, e.ds)
	}
	f.logger.Info("storage factory destroyed", "disposed", len(handles))
	return stopErr
}
