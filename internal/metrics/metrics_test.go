package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveDispatch("ok", time.Millisecond)
	m.StrategyFailed("statistics")
	m.PoolSample("sqlite", 0.5, 1)
	m.Alert("sqlite", "WARNING", "high_utilization")
	m.SetActiveBackend("json")
	assert.Nil(t, m.Registry())
}

func TestCountersAndGauges(t *testing.T) {
	m := New()
	m.ObserveDispatch("ok", 5*time.Millisecond)
	m.ObserveDispatch("ok", 5*time.Millisecond)
	m.StrategyFailed("behavior")
	m.PoolSample("redis", 0.9, 7)
	m.Failover("sqlite", "json")
	m.SetActiveBackend("sqlite")
	m.SetActiveBackend("json")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.dispatchTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.strategyFailures.WithLabelValues("behavior")))
	assert.InDelta(t, 0.9, testutil.ToFloat64(m.poolUtilization.WithLabelValues("redis")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failoversTotal.WithLabelValues("sqlite", "json")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.activeBackend))
}

func TestHandlerServesExposition(t *testing.T) {
	m := New()
	m.Alert("sqlite", "CRITICAL", "unhealthy_pool")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `shopdesk_storage_alerts_total{backend="sqlite",kind="unhealthy_pool",level="CRITICAL"} 1`)
}
