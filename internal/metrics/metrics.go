// Package metrics holds the Prometheus collectors of the dispatch pipeline and the
// storage factory. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shopdesk"

type Metrics struct {
	registry *prometheus.Registry

	dispatchTotal    *prometheus.CounterVec
	dispatchDuration prometheus.Histogram
	strategyFailures *prometheus.CounterVec
	replyDecisions   *prometheus.CounterVec

	poolUtilization *prometheus.GaugeVec
	poolPending     *prometheus.GaugeVec
	alertsTotal     *prometheus.CounterVec
	rebuildsTotal   *prometheus.CounterVec
	failoversTotal  *prometheus.CounterVec
	activeBackend   *prometheus.GaugeVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "messages_total",
			Help:      "Classified messages dispatched, by outcome",
		}, []string{"status"}),

		dispatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "End-to-end dispatch latency",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),

		strategyFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "strategy_failures_total",
			Help:      "Strategy invocations that returned an error or panicked",
		}, []string{"strategy"}),

		replyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "autoreply",
			Name:      "decisions_total",
			Help:      "Auto-reply results by intent and whether they were auto-sent",
		}, []string{"intent", "auto_send"}),

		poolUtilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pool_utilization_ratio",
			Help:      "Connection pool utilization per backend",
		}, []string{"backend"}),

		poolPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pool_pending_requests",
			Help:      "Requests that waited for a pooled connection since the previous sample",
		}, []string{"backend"}),

		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "alerts_total",
			Help:      "Storage alerts raised by level and kind",
		}, []string{"backend", "level", "kind"}),

		rebuildsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "handle_rebuilds_total",
			Help:      "Handles rebuilt after a failed health probe",
		}, []string{"backend", "result"}),

		failoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "failovers_total",
			Help:      "Requests served by a fallback backend",
		}, []string{"requested", "served"}),

		activeBackend: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "active_backend",
			Help:      "1 for the backend type currently configured",
		}, []string{"backend"}),
	}

	m.registry.MustRegister(
		m.dispatchTotal, m.dispatchDuration, m.strategyFailures, m.replyDecisions,
		m.poolUtilization, m.poolPending, m.alertsTotal, m.rebuildsTotal, m.failoversTotal, m.activeBackend,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveDispatch(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(status).Inc()
	m.dispatchDuration.Observe(d.Seconds())
}

func (m *Metrics) StrategyFailed(strategy string) {
	if m == nil {
		return
	}
	m.strategyFailures.WithLabelValues(strategy).Inc()
}

func (m *Metrics) ReplyDecision(intent string, autoSend bool) {
	if m == nil {
		return
	}
	v := "false"
	if autoSend {
		v = "true"
	}
	m.replyDecisions.WithLabelValues(intent, v).Inc()
}

func (m *Metrics) PoolSample(backend string, utilization float64, pending int) {
	if m == nil {
		return
	}
	m.poolUtilization.WithLabelValues(backend).Set(utilization)
	m.poolPending.WithLabelValues(backend).Set(float64(pending))
}

func (m *Metrics) Alert(backend, level, kind string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(backend, level, kind).Inc()
}

func (m *Metrics) Rebuild(backend string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.rebuildsTotal.WithLabelValues(backend, result).Inc()
}

func (m *Metrics) Failover(requested, served string) {
	if m == nil {
		return
	}
	m.failoversTotal.WithLabelValues(requested, served).Inc()
}

// SetActiveBackend marks backend as the configured one and clears the previous mark.
func (m *Metrics) SetActiveBackend(backend string) {
	if m == nil {
		return
	}
	m.activeBackend.Reset()
	m.activeBackend.WithLabelValues(backend).Set(1)
}
