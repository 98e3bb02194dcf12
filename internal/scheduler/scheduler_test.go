package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryRejectsNonPositiveInterval(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Every("bad", 0, func(context.Context) error { return nil }))
}

func TestAddCronRejectsBadSpec(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.AddCron("bad", "not a spec", func(context.Context) error { return nil }))
	require.NoError(t, s.AddCron("report", DailyReportSpec, func(context.Context) error { return nil }))
	assert.Equal(t, 1, s.Entries())
}

func TestRunSurvivesFailuresAndPanics(t *testing.T) {
	s := New(nil)
	var calls atomic.Int32
	s.run("err", func(context.Context) error {
		calls.Add(1)
		return errors.New("boom")
	})
	s.run("panic", func(context.Context) error {
		calls.Add(1)
		panic("kaboom")
	})
	assert.Equal(t, int32(2), calls.Load())
}

func TestStartStopRunsTicks(t *testing.T) {
	s := New(nil)
	var ticks atomic.Int32
	require.NoError(t, s.Every("tick", time.Second, func(context.Context) error {
		ticks.Add(1)
		return errors.New("failing ticks keep the schedule alive")
	}))
	s.Start()
	assert.True(t, s.IsRunning())

	assert.Eventually(t, func() bool { return ticks.Load() >= 2 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.False(t, s.IsRunning())
}

func TestStopWithoutStart(t *testing.T) {
	s := New(nil)
	assert.NoError(t, s.Stop(context.Background()))
}
