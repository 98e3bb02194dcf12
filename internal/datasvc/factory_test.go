package datasvc

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/metrics"
	"shopdesk/internal/storage"
	"shopdesk/internal/storage/mockstore"
)

// typedStore is a mock handle that reports an arbitrary backend type.
type typedStore struct {
	*mockstore.Store
	t storage.Type
}

func (s *typedStore) Type() storage.Type { return s.t }

// fakeBackend is a controllable builder for one backend type.
type fakeBackend struct {
	t      storage.Type
	fail   atomic.Bool
	calls  atomic.Int32
	delay  time.Duration
	mu     sync.Mutex
	builts []*typedStore
}

var errDown = errors.New("backend down")

func (b *fakeBackend) build(context.Context) (storage.DataService, error) {
	b.calls.Add(1)
	if b.delay > 0 {
		time.Sleep(b.delay)
	}
	if b.fail.Load() {
		return nil, errDown
	}
	s := &typedStore{Store: mockstore.New(), t: b.t}
	b.mu.Lock()
	b.builts = append(b.builts, s)
	b.mu.Unlock()
	return s, nil
}

func (b *fakeBackend) last() *typedStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.builts) == 0 {
		return nil
	}
	return b.builts[len(b.builts)-1]
}

type fixture struct {
	factory  *Factory
	backends map[storage.Type]*fakeBackend
	alerts   *alertLog
}

type alertLog struct {
	mu     sync.Mutex
	alerts []Alert
}

func (l *alertLog) add(a Alert) {
	l.mu.Lock()
	l.alerts = append(l.alerts, a)
	l.mu.Unlock()
}

func (l *alertLog) all() []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Alert(nil), l.alerts...)
}

func newFixture(t *testing.T, current storage.Type, failing ...storage.Type) *fixture {
	t.Helper()
	fx := &fixture{backends: map[storage.Type]*fakeBackend{}, alerts: &alertLog{}}
	builders := map[storage.Type]Builder{}
	for _, typ := range []storage.Type{storage.TypeRedis, storage.TypeSQLite, storage.TypeJSON, storage.TypeMock} {
		b := &fakeBackend{t: typ}
		fx.backends[typ] = b
		builders[typ] = b.build
	}
	for _, typ := range failing {
		fx.backends[typ].fail.Store(true)
	}
	fx.factory = New(Config{Type: current}, builders,
		WithAlertHandler(fx.alerts.add),
		WithMetrics(metrics.New()),
	)
	t.Cleanup(func() { _ = fx.factory.Destroy(context.Background()) })
	return fx
}

func TestCreateDataServiceCachesHandle(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()

	a, err := fx.factory.CreateDataService(ctx, "")
	require.NoError(t, err)
	b, err := fx.factory.DataService(ctx)
	require.NoError(t, err)

	assert.Same(t, a, b)
	assert.Equal(t, storage.TypeSQLite, a.Type())
	assert.Equal(t, int32(1), fx.backends[storage.TypeSQLite].calls.Load())
}

func TestConcurrentCreateBuildsOnce(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	fx.backends[storage.TypeSQLite].delay = 20 * time.Millisecond

	var wg sync.WaitGroup
	results := make([]storage.DataService, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ds, err := fx.factory.CreateDataService(context.Background(), storage.TypeSQLite)
			assert.NoError(t, err)
			results[i] = ds
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fx.backends[storage.TypeSQLite].calls.Load())
	for _, ds := range results {
		assert.Same(t, results[0], ds)
	}
}

func TestFailoverToJSON(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeSQLite)
	ctx := context.Background()

	ds, err := fx.factory.CreateDataService(ctx, storage.TypeSQLite)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeJSON, ds.Type())

	// later requests are served by the fallback without rebuilding sqlite
	again, err := fx.factory.CreateDataService(ctx, storage.TypeSQLite)
	require.NoError(t, err)
	assert.Same(t, ds, again)
	assert.Equal(t, int32(1), fx.backends[storage.TypeSQLite].calls.Load())

	status := fx.factory.Status()
	require.Len(t, status, 1)
	assert.Equal(t, []storage.Type{storage.TypeSQLite}, status[0].ServesFor)
}

func TestFailoverToMockWhenJSONAlsoFails(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeSQLite, storage.TypeJSON)
	ds, err := fx.factory.CreateDataService(context.Background(), storage.TypeSQLite)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeMock, ds.Type())
}

func TestFailoverFromNetworkedBackendWalksWholeChain(t *testing.T) {
	fx := newFixture(t, storage.TypeRedis, storage.TypeRedis)
	ds, err := fx.factory.CreateDataService(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, storage.TypeSQLite, ds.Type())
}

func TestAllBackendsFailingReturnsOriginalError(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeSQLite, storage.TypeJSON, storage.TypeMock)
	ds, err := fx.factory.CreateDataService(context.Background(), storage.TypeSQLite)
	assert.Nil(t, ds)
	require.Error(t, err)
	assert.ErrorIs(t, err, errDown)
	assert.Contains(t, err.Error(), "sqlite")
}

func TestUnknownTypeFailsOver(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ds, err := fx.factory.CreateDataService(context.Background(), storage.TypeSupabase)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeSQLite, ds.Type())
}

func TestHealthCheckRebuildsFailedHandleInPlace(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()

	first, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	firstStore := fx.backends[storage.TypeSQLite].last()
	firstStore.SetHealthy(false)

	fx.factory.CheckHealth(ctx)

	second, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, storage.TypeSQLite, second.Type())
	assert.Equal(t, 1, firstStore.Cleanups())
	assert.Empty(t, fx.alerts.all())
}

func TestHealthCheckRebuildFailureRaisesCriticalAndFailsOver(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()

	_, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	fx.backends[storage.TypeSQLite].last().SetHealthy(false)
	fx.backends[storage.TypeSQLite].fail.Store(true)

	fx.factory.CheckHealth(ctx)

	alerts := fx.alerts.all()
	require.Len(t, alerts, 1)
	assert.Equal(t, LevelCritical, alerts[0].Level)
	assert.Equal(t, KindRebuildFailed, alerts[0].Kind)

	ds, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeJSON, ds.Type())
}

func TestHealthCheckRecoversPreferredBackend(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeSQLite)
	ctx := context.Background()

	ds, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	require.Equal(t, storage.TypeJSON, ds.Type())
	jsonStore := fx.backends[storage.TypeJSON].last()

	fx.backends[storage.TypeSQLite].fail.Store(false)
	fx.factory.CheckHealth(ctx)

	ds, err = fx.factory.DataService(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeSQLite, ds.Type())
	assert.Equal(t, 1, jsonStore.Cleanups())
	require.Len(t, fx.factory.Status(), 1)
}

func TestMonitorPoolsAlerts(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()
	_, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	s := fx.backends[storage.TypeSQLite].last()

	s.SetPoolStats(storage.PoolStats{Active: 2, Total: 4, MaxConnections: 10}, true)
	fx.factory.MonitorPools(ctx)
	assert.Empty(t, fx.alerts.all())

	s.SetPoolStats(storage.PoolStats{Active: 9, Total: 10, MaxConnections: 10, Pending: 6}, true)
	fx.factory.MonitorPools(ctx)
	alerts := fx.alerts.all()
	require.Len(t, alerts, 2)
	assert.Equal(t, KindHighUtilization, alerts[0].Kind)
	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.InDelta(t, 0.9, alerts[0].Utilization, 1e-9)
	assert.Equal(t, KindPendingRequests, alerts[1].Kind)

	s.SetPoolStats(storage.PoolStats{Active: 1, Total: 2, MaxConnections: 10}, false)
	fx.factory.MonitorPools(ctx)
	alerts = fx.alerts.all()
	require.Len(t, alerts, 3)
	assert.Equal(t, LevelCritical, alerts[2].Level)
	assert.Equal(t, KindUnhealthyPool, alerts[2].Kind)
}

func TestUtilizationUsesLargerOfMaxAndTotal(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()
	_, err := fx.factory.DataService(ctx)
	require.NoError(t, err)

	// 9 active of 12 open exceeds max 10: 0.75, below threshold
	fx.backends[storage.TypeSQLite].last().SetPoolStats(storage.PoolStats{Active: 9, Total: 12, MaxConnections: 10}, true)
	fx.factory.MonitorPools(ctx)
	assert.Empty(t, fx.alerts.all())
}

func TestSwitchToDisposesOtherHandles(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()
	_, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	sqlite := fx.backends[storage.TypeSQLite].last()

	require.NoError(t, fx.factory.SwitchTo(ctx, storage.TypeRedis))
	assert.Equal(t, storage.TypeRedis, fx.factory.Current())

	ds, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	assert.Equal(t, storage.TypeRedis, ds.Type())
	assert.Equal(t, 1, sqlite.Cleanups())
	require.Len(t, fx.factory.Status(), 1)
}

func TestSwitchToFailureKeepsCurrent(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeRedis)
	ctx := context.Background()
	before, err := fx.factory.DataService(ctx)
	require.NoError(t, err)

	assert.Error(t, fx.factory.SwitchTo(ctx, storage.TypeRedis))
	assert.Equal(t, storage.TypeSQLite, fx.factory.Current())

	after, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	assert.Same(t, before, after)
}

func TestApplyConfig(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	ctx := context.Background()

	require.NoError(t, fx.factory.ApplyConfig(ctx, "  \n"))
	require.NoError(t, fx.factory.ApplyConfig(ctx, "sqlite\n"))
	assert.Equal(t, int32(0), fx.backends[storage.TypeSQLite].calls.Load())

	require.NoError(t, fx.factory.ApplyConfig(ctx, "json"))
	assert.Equal(t, storage.TypeJSON, fx.factory.Current())

	assert.ErrorIs(t, fx.factory.ApplyConfig(ctx, "mongo"), storage.ErrUnknownType)
}

func TestWatchConfigSwitchesOnFileChange(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite)
	path := filepath.Join(t.TempDir(), "storage_type.txt")
	require.NoError(t, fx.factory.WatchConfig(path))
	assert.Error(t, fx.factory.WatchConfig(path))

	require.NoError(t, os.WriteFile(path, []byte("mock\n"), 0o644))
	assert.Eventually(t, func() bool {
		return fx.factory.Current() == storage.TypeMock
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDestroyDisposesEverything(t *testing.T) {
	fx := newFixture(t, storage.TypeSQLite, storage.TypeSQLite)
	ctx := context.Background()
	require.NoError(t, fx.factory.Start())
	_, err := fx.factory.DataService(ctx)
	require.NoError(t, err)
	jsonStore := fx.backends[storage.TypeJSON].last()

	require.NoError(t, fx.factory.Destroy(ctx))
	assert.Equal(t, 1, jsonStore.Cleanups())
	assert.Empty(t, fx.factory.Status())

	_, err = fx.factory.DataService(ctx)
	assert.ErrorIs(t, err, ErrDestroyed)
	assert.NoError(t, fx.factory.Destroy(ctx))
}
