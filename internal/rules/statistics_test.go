package rules

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/message"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

func processStats(t *testing.T, s *Statistics, msg *message.Classified) *StatsResult {
	t.Helper()
	sess := session.New(msg.ResolveClientID(), msg.Timestamp)
	res, err := s.Process(context.Background(), msg, sess)
	require.NoError(t, err)
	out, ok := res.(*StatsResult)
	require.True(t, ok)
	return out
}

func TestStatisticsCountsSessionsAndAverage(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p, WithStatisticsClock(fixedClock(baseTime)))

	processStats(t, s, classified("a", "привет", baseTime, score("greeting", 0.9)))
	processStats(t, s, classified("a", "где заказ", baseTime.Add(10*time.Minute), score("order_status", 0.8)))
	res := processStats(t, s, classified("b", "цена?", baseTime.Add(time.Hour)))

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.MessageCount)
	assert.Equal(t, 2, snap.SessionCount)
	assert.InDelta(t, 1.5, snap.AvgMessagesPerSession, 1e-9)
	assert.Equal(t, map[string]int{"greeting": 1, "order_status": 1, message.UnknownIntent: 1}, snap.IntentDistribution)
	assert.Equal(t, 2, snap.HourlyDistribution[9])
	assert.Equal(t, 1, snap.HourlyDistribution[10])
	assert.Equal(t, 3, snap.DailyDistribution["2025-03-14"])
	assert.Equal(t, message.UnknownIntent, res.TopIntent)

	bucket, ok := s.SessionStats("a")
	require.True(t, ok)
	assert.Equal(t, 2, bucket.MessageCount)
	assert.Equal(t, 10*time.Minute, bucket.Duration)
	assert.Equal(t, map[string]int{"greeting": 1, "order_status": 1}, bucket.Intents)
}

func TestStatisticsAverageMatchesTotals(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p)
	for i := 0; i < 37; i++ {
		processStats(t, s, classified(fmt.Sprintf("c%d", i%5), "text", baseTime.Add(time.Duration(i)*time.Minute)))
		snap := s.Snapshot()
		require.InDelta(t, float64(snap.MessageCount)/float64(snap.SessionCount), snap.AvgMessagesPerSession, 1e-9)
	}
}

func TestStatisticsKeywordTableIsBounded(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{MaxKeywords: 3}, p)

	msg := classified("a", "x", baseTime)
	msg.Parsed.Keywords = []string{"Доставка", "цена", "цвет"}
	processStats(t, s, msg)
	msg = classified("a", "x", baseTime)
	msg.Parsed.Keywords = []string{"цена", "цвет", "размер"}
	processStats(t, s, msg)

	snap := s.Snapshot()
	assert.Equal(t, []storage.KeywordCount{
		{Keyword: "цвет", Count: 2},
		{Keyword: "цена", Count: 2},
		{Keyword: "доставка", Count: 1},
	}, snap.TopKeywords)
}

func TestStatisticsResetKeepingSessionsReplaysIdentically(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p, WithStatisticsClock(fixedClock(baseTime)))
	msgs := []*message.Classified{
		classified("a", "привет", baseTime, score("greeting", 0.9)),
		classified("b", "где заказ", baseTime.Add(time.Minute), score("order_status", 0.7)),
		classified("a", "спасибо", baseTime.Add(2*time.Minute), score("thanks", 0.95)),
	}
	for _, m := range msgs {
		processStats(t, s, m)
	}
	before := s.Snapshot()

	s.Reset(true)
	s.Reset(true)
	afterReset := s.Snapshot()
	assert.Zero(t, afterReset.MessageCount)
	assert.Equal(t, 2, afterReset.SessionCount)

	for _, m := range msgs {
		processStats(t, s, m)
	}
	after := s.Snapshot()
	assert.Equal(t, before.MessageCount, after.MessageCount)
	assert.Equal(t, before.SessionCount, after.SessionCount)
	assert.Equal(t, before.IntentDistribution, after.IntentDistribution)
	assert.Equal(t, before.HourlyDistribution, after.HourlyDistribution)
	assert.Equal(t, before.DailyDistribution, after.DailyDistribution)
	assert.InDelta(t, before.AvgMessagesPerSession, after.AvgMessagesPerSession, 1e-9)
}

func TestStatisticsResetDroppingSessions(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p)
	processStats(t, s, classified("a", "x", baseTime))

	s.Reset(false)
	snap := s.Snapshot()
	assert.Zero(t, snap.SessionCount)
	assert.Zero(t, snap.AvgMessagesPerSession)
	_, ok := s.SessionStats("a")
	assert.False(t, ok)

	processStats(t, s, classified("a", "x", baseTime))
	assert.Equal(t, 1, s.Snapshot().SessionCount)
}

func TestStatisticsPersistAndRestore(t *testing.T) {
	p, store := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p)
	processStats(t, s, classified("a", "x", baseTime, score("greeting", 0.9)))
	require.NoError(t, s.Persist(context.Background()))

	saved, err := store.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, saved.MessageCount)

	restored := NewStatistics(StatisticsConfig{}, p)
	require.NoError(t, restored.Start(context.Background()))
	t.Cleanup(func() { _ = restored.Dispose(context.Background()) })
	snap := restored.Snapshot()
	assert.Equal(t, 1, snap.MessageCount)
	assert.Equal(t, 1, snap.IntentDistribution["greeting"])
	assert.Len(t, snap.HourlyDistribution, 24)
}

func TestStatisticsStartWithoutBackend(t *testing.T) {
	p, _ := newStubProvider()
	p.fail(errors.New("down"))
	s := NewStatistics(StatisticsConfig{}, p)
	require.NoError(t, s.Start(context.Background()))

	processStats(t, s, classified("a", "x", baseTime))
	err := s.Dispose(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, s.Snapshot().MessageCount)
}

func TestStatisticsPruneSessionsDropsIdleBuckets(t *testing.T) {
	p, _ := newStubProvider()
	s := NewStatistics(StatisticsConfig{}, p, WithStatisticsClock(fixedClock(baseTime.Add(2*time.Hour))))

	processStats(t, s, classified("idle", "x", baseTime))
	processStats(t, s, classified("active", "x", baseTime.Add(110*time.Minute)))

	assert.Equal(t, 1, s.PruneSessions(30*time.Minute))
	_, ok := s.SessionStats("idle")
	assert.False(t, ok)
	_, ok = s.SessionStats("active")
	assert.True(t, ok)

	snap := s.Snapshot()
	assert.Equal(t, 2, snap.MessageCount)
	assert.Equal(t, 2, snap.SessionCount)
	assert.Zero(t, s.PruneSessions(30*time.Minute))
}
