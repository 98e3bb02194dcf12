package datasvc

import (
	"context"
	"fmt"
	"time"

	"shopdesk/internal/storage"
)

type Level string

const (
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

type AlertKind string

const (
	KindHighUtilization AlertKind = "high_utilization"
	KindPendingRequests AlertKind = "pending_requests"
	KindUnhealthyPool   AlertKind = "unhealthy_pool"
	KindRebuildFailed   AlertKind = "rebuild_failed"
)

// Alert is raised by the background loops. Alerts are never returned as errors.
type Alert struct {
	Level       Level        `json:"level"`
	Kind        AlertKind    `json:"kind"`
	Backend     storage.Type `json:"backend"`
	Message     string       `json:"message"`
	Utilization float64      `json:"utilization,omitempty"`
	Pending     int          `json:"pending,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

func (f *Factory) raise(a Alert) {
	a.Timestamp = time.Now()
	f.metrics.Alert(string(a.Backend), string(a.Level), string(a.Kind))
	log := f.logger.With("backend", a.Backend, "kind", a.Kind, "level", a.Level)
	if a.Level == LevelCritical {
		log.Error("🚨 "+a.Message, "utilization", a.Utilization, "pending", a.Pending)
	} else {
		log.Warn("⚠️ "+a.Message, "utilization", a.Utilization, "pending", a.Pending)
	}
	if f.onAlert != nil {
		f.onAlert(a)
	}
}

type snapshotEntry struct {
	t storage.Type
	e *entry
}

func (f *Factory) snapshot() []snapshotEntry {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.destroyed {
		return nil
	}
	out := make([]snapshotEntry, 0, len(f.handles))
	for t, e := range f.handles {
		out = append(out, snapshotEntry{t: t, e: e})
	}
	return out
}

// CheckHealth is one tick of the health loop: every cached handle is probed and a
// failing one is rebuilt in place with the same type. Requests parked on a
// fallback retry their preferred backend.
func (f *Factory) CheckHealth(ctx context.Context) {
	for _, se := range f.snapshot() {
		probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
		err := storage.Ping(probeCtx, se.e.ds)
		cancel()
		if err == nil {
			continue
		}
		f.logger.Warn("storage health probe failed, rebuilding", "backend", se.t, "error", err)
		f.rebuild(ctx, se.t, se.e, err)
	}
	f.recoverPreferred(ctx)
}

func (f *Factory) rebuild(ctx context.Context, t storage.Type, old *entry, probeErr error) {
	ds, err := f.construct(ctx, t)
	if err != nil {
		f.mu.Lock()
		if cur, ok := f.handles[t]; ok && cur == old {
			cur.alive = false
		}
		f.mu.Unlock()
		f.metrics.Rebuild(string(t), false)
		f.raise(Alert{
			Level:   LevelCritical,
			Kind:    KindRebuildFailed,
			Backend: t,
			Message: fmt.Sprintf("storage handle rebuild failed: %v (probe: %v)", err, probeErr),
		})
		return
	}

	f.mu.Lock()
	cur, ok := f.handles[t]
	replaced := ok && cur == old && !f.destroyed
	if replaced {
		f.handles[t] = &entry{ds: ds, alive: true}
	}
	f.mu.Unlock()

	if !replaced {
		// someone else replaced or removed the handle meanwhile
		f.dispose(t, ds)
		return
	}
	f.dispose(t, old.ds)
	f.metrics.Rebuild(string(t), true)
	f.logger.Info("storage handle rebuilt", "backend", t)
}

// recoverPreferred retries requested types currently served by a fallback and
// drops fallbacks nobody needs any more.
func (f *Factory) recoverPreferred(ctx context.Context) {
	f.mu.RLock()
	pending := make(map[storage.Type]storage.Type, len(f.served))
	for req, fb := range f.served {
		pending[req] = fb
	}
	f.mu.RUnlock()

	for req, fb := range pending {
		if _, err := f.build(ctx, req); err != nil {
			continue
		}
		f.logger.Info("preferred backend recovered", "backend", req, "fallback", fb)

		f.mu.Lock()
		stillUsed := fb == f.current
		for _, other := range f.served {
			if other == fb {
				stillUsed = true
			}
		}
		var drop *entry
		if !stillUsed {
			drop = f.handles[fb]
			delete(f.handles, fb)
		}
		f.mu.Unlock()
		if drop != nil {
			f.dispose(fb, drop.ds)
		}
	}
}

// MonitorPools is one tick of the pool loop.
func (f *Factory) MonitorPools(ctx context.Context) {
	for _, se := range f.snapshot() {
		rep, ok := se.e.ds.(storage.PoolStatsReporter)
		if !ok {
			continue
		}
		stats := rep.ConnectionPoolStats()
		util := stats.Utilization()
		f.metrics.PoolSample(string(se.t), util, stats.Pending)

		if util > f.cfg.UtilizationThreshold {
			f.raise(Alert{
				Level:       LevelWarning,
				Kind:        KindHighUtilization,
				Backend:     se.t,
				Message:     fmt.Sprintf("connection pool utilization %.0f%% above %.0f%%", util*100, f.cfg.UtilizationThreshold*100),
				Utilization: util,
				Pending:     stats.Pending,
			})
		}
		if stats.Pending > f.cfg.PendingThreshold {
			f.raise(Alert{
				Level:       LevelWarning,
				Kind:        KindPendingRequests,
				Backend:     se.t,
				Message:     fmt.Sprintf("%d requests waiting for a connection (threshold %d)", stats.Pending, f.cfg.PendingThreshold),
				Utilization: util,
				Pending:     stats.Pending,
			})
		}

		hr, ok := se.e.ds.(storage.PoolHealthReporter)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, f.cfg.ProbeTimeout)
		health := hr.ConnectionPoolHealth(probeCtx)
		cancel()
		if !health.Healthy {
			f.raise(Alert{
				Level:       LevelCritical,
				Kind:        KindUnhealthyPool,
				Backend:     se.t,
				Message:     "connection pool unhealthy: " + health.Message,
				Utilization: util,
				Pending:     stats.Pending,
			})
		}
	}
}
