// Package storagetest holds a behavioural suite every storage backend must pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/storage"
)

// Run exercises the DataService contract against a fresh store from newStore.
func Run(t *testing.T, newStore func(t *testing.T) storage.DataService) {
	t.Helper()

	t.Run("customers", func(t *testing.T) {
		ds := newStore(t)
		ctx := context.Background()

		_, err := ds.GetCustomer(ctx, "c-1")
		require.ErrorIs(t, err, storage.ErrNotFound)

		now := time.Now().UTC().Truncate(time.Second)
		c := &storage.Customer{
			ID:           "c-1",
			Name:         "Anna",
			FirstSeen:    now,
			LastActivity: now,
			MessageCount: 2,
			Behavior: &storage.BehaviorProfile{
				Intents:  map[string]int{"price_inquiry": 2},
				Patterns: map[string]int{"price_sensitive": 3},
			},
		}
		require.NoError(t, ds.CreateCustomer(ctx, c))

		got, err := ds.GetCustomer(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, "Anna", got.Name)
		assert.Equal(t, 2, got.MessageCount)
		require.NotNil(t, got.Behavior)
		assert.Equal(t, 3, got.Behavior.Patterns["price_sensitive"])

		got.MessageCount = 5
		require.NoError(t, ds.UpdateCustomer(ctx, got))
		got, err = ds.GetCustomer(ctx, "c-1")
		require.NoError(t, err)
		assert.Equal(t, 5, got.MessageCount)

		err = ds.UpdateCustomer(ctx, &storage.Customer{ID: "missing"})
		assert.ErrorIs(t, err, storage.ErrNotFound)

		if l, ok := ds.(storage.CustomerLister); ok {
			require.NoError(t, ds.CreateCustomer(ctx, &storage.Customer{ID: "c-2"}))
			all, err := l.ListCustomers(ctx, 0)
			require.NoError(t, err)
			assert.Len(t, all, 2)
		}
	})

	t.Run("statistics", func(t *testing.T) {
		ds := newStore(t)
		ctx := context.Background()

		_, err := ds.GetStatistics(ctx)
		require.ErrorIs(t, err, storage.ErrNotFound)

		snap := &storage.StatisticsSnapshot{
			MessageCount:          10,
			SessionCount:          4,
			IntentDistribution:    map[string]int{"greeting": 6},
			HourlyDistribution:    make([]int, 24),
			DailyDistribution:     map[string]int{"2024-01-15": 10},
			TopKeywords:           []storage.KeywordCount{{Keyword: "доставка", Count: 3}},
			AvgMessagesPerSession: 2.5,
		}
		require.NoError(t, ds.SaveStatistics(ctx, snap))
		snap.MessageCount = 12
		require.NoError(t, ds.SaveStatistics(ctx, snap))

		got, err := ds.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 12, got.MessageCount)
		assert.Equal(t, 6, got.IntentDistribution["greeting"])
		assert.Len(t, got.HourlyDistribution, 24)
		require.Len(t, got.TopKeywords, 1)
		assert.Equal(t, "доставка", got.TopKeywords[0].Keyword)
	})

	t.Run("intent templates", func(t *testing.T) {
		ds := newStore(t)
		ctx := context.Background()

		all, err := ds.GetAllIntentTemplates(ctx)
		require.NoError(t, err)
		assert.Empty(t, all)

		tpl := &storage.IntentTemplate{
			ID:       storage.AutoReplyTemplateID("shipping"),
			Intent:   "shipping",
			Category: storage.CategoryAutoReply,
			Rules:    []storage.ReplyRule{{Pattern: "доставк", Reply: "Доставка 2-3 дня"}},
		}
		require.NoError(t, ds.CreateIntentTemplate(ctx, tpl))

		got, err := ds.GetIntentTemplate(ctx, tpl.ID)
		require.NoError(t, err)
		assert.Equal(t, "shipping", got.Intent)
		require.Len(t, got.Rules, 1)

		got.Rules = append(got.Rules, storage.ReplyRule{Pattern: "трек", Reply: "Трек-номер придёт в SMS"})
		got.DefaultReply = "Уточним сроки доставки"
		require.NoError(t, ds.UpdateIntentTemplate(ctx, got))

		all, err = ds.GetAllIntentTemplates(ctx)
		require.NoError(t, err)
		require.Len(t, all, 1)
		assert.Len(t, all[0].Rules, 2)
		assert.Equal(t, "Уточним сроки доставки", all[0].DefaultReply)

		_, err = ds.GetIntentTemplate(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		err = ds.UpdateIntentTemplate(ctx, &storage.IntentTemplate{ID: "nope"})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("probe", func(t *testing.T) {
		ds := newStore(t)
		assert.NoError(t, storage.Ping(context.Background(), ds))
	})
}
