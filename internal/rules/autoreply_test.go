package rules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shopdesk/internal/message"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

func newTestAutoReply(t *testing.T, mode Mode) (*AutoReply, *stubProvider) {
	t.Helper()
	p, _ := newStubProvider()
	a := NewAutoReply(AutoReplyConfig{Mode: mode}, p,
		WithAutoReplyClock(fixedClock(baseTime)),
		WithPicker(func(int) int { return 0 }),
	)
	return a, p
}

func reply(t *testing.T, a *AutoReply, msg *message.Classified, sess *session.Session) *ReplyResult {
	t.Helper()
	res, err := a.Process(context.Background(), msg, sess)
	require.NoError(t, err)
	out, ok := res.(*ReplyResult)
	require.True(t, ok)
	return out
}

func TestAutoReplyEmptyIntentsFallsBack(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	res := reply(t, a, classified("c1", "ммм", baseTime), nil)

	assert.Equal(t, DefaultIntent, res.Intent)
	assert.InDelta(t, 0.3, res.Confidence, 1e-9)
	assert.False(t, res.ShouldAutoSend)
	assert.Equal(t, SourceFallback, res.Source)
	assert.Equal(t, "Доброе утро, покупатель! Спасибо за сообщение, менеджер скоро ответит.", res.Message)
}

func TestAutoReplyLowConfidenceFallsBack(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	require.NoError(t, a.AddRule(context.Background(), "order_status", "заказ", "Проверяем заказ"))

	res := reply(t, a, classified("c1", "где мой заказ", baseTime, score("order_status", 0.59)), nil)
	assert.Equal(t, DefaultIntent, res.Intent)
	assert.False(t, res.ShouldAutoSend)
}

func TestAutoReplyModes(t *testing.T) {
	cases := []struct {
		mode Mode
		auto bool
	}{
		{ModeAuto, true},
		{ModeSuggest, false},
		{ModeHybrid, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			a, _ := newTestAutoReply(t, ModeSuggest)
			require.NoError(t, a.AddRule(context.Background(), "order_status", "где.*заказ", "{customerName}, заказ в пути"))
			a.SetMode(tc.mode)

			sess := session.New("c1", baseTime)
			sess.MergeCustomerInfo(map[string]any{"name": "Олег"})
			res := reply(t, a, classified("c1", "ГДЕ мой ЗАКАЗ?", baseTime, score("order_status", 0.9)), sess)

			assert.Equal(t, "order_status", res.Intent)
			assert.Equal(t, SourceRule, res.Source)
			assert.Equal(t, "Олег, заказ в пути", res.Message)
			assert.Equal(t, tc.auto, res.ShouldAutoSend)
			assert.Equal(t, tc.mode, res.Mode)
		})
	}
}

func TestAutoReplyPriceRuleByMode(t *testing.T) {
	for mode, want := range map[Mode]bool{ModeSuggest: false, ModeAuto: true} {
		a, _ := newTestAutoReply(t, mode)
		require.NoError(t, a.AddRule(context.Background(), "price_inquiry", ".*多少钱.*", "价格请看商品页"))

		res := reply(t, a, classified("c1", "这个多少钱", baseTime, score("price_inquiry", 0.9)), nil)
		assert.Equal(t, "价格请看商品页", res.Message, mode)
		assert.Equal(t, want, res.ShouldAutoSend, mode)
	}
}

func TestAutoReplyCandidatesAcrossIntents(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	ctx := context.Background()
	require.NoError(t, a.AddRule(ctx, "price_inquiry", "сколько", "Цена на сайте"))
	require.NoError(t, a.SetDefaultReply(ctx, "shipping", "Доставка 2-3 дня"))
	require.NoError(t, a.AddRule(ctx, "returns", "вернуть", "Возврат 14 дней"))
	require.NoError(t, a.AddRule(ctx, "complaint", "брак", "Извините"))

	msg := classified("c1", "сколько стоит доставка", baseTime,
		score("shipping", 0.7),
		score("price_inquiry", 0.9),
		score("returns", 0.5),
		score("complaint", 0.1),
	)
	res := reply(t, a, msg, nil)

	assert.Equal(t, "price_inquiry", res.Intent)
	assert.Equal(t, "Цена на сайте", res.Message)
	require.Len(t, res.Alternatives, 1)
	assert.Equal(t, "shipping", res.Alternatives[0].Intent)
	assert.Equal(t, SourceIntentDefault, res.Alternatives[0].Source)
}

func TestAutoReplyPlaceholders(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	a.now = fixedClock(time.Date(2025, 3, 14, 19, 0, 0, 0, time.UTC))
	require.NoError(t, a.AddRule(context.Background(), "greeting", "привет", "{timeGreeting}, {customerName}! Сообщений: {messageCount}"))

	sess := session.New("c1", baseTime)
	sess.MessageCount = 4
	msg := classified("c1", "привет", baseTime, score("greeting", 0.99))
	msg.CustomerName = "Мария"

	res := reply(t, a, msg, sess)
	assert.Equal(t, "Добрый вечер, Мария! Сообщений: 4", res.Message)
}

func TestTimeGreeting(t *testing.T) {
	at := func(h int) time.Time { return time.Date(2025, 1, 1, h, 0, 0, 0, time.UTC) }
	assert.Equal(t, "Доброе утро", TimeGreeting(at(0)))
	assert.Equal(t, "Доброе утро", TimeGreeting(at(11)))
	assert.Equal(t, "Добрый день", TimeGreeting(at(12)))
	assert.Equal(t, "Добрый день", TimeGreeting(at(17)))
	assert.Equal(t, "Добрый вечер", TimeGreeting(at(18)))
}

func TestAddRuleRejectsInvalidPattern(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	err := a.AddRule(context.Background(), "greeting", "([", "hi")
	require.ErrorIs(t, err, ErrInvalidPattern)
	assert.Empty(t, a.Rules())
}

func TestAddRulePersistsAndReloads(t *testing.T) {
	a, p := newTestAutoReply(t, ModeAuto)
	ctx := context.Background()
	require.NoError(t, a.AddRule(ctx, "greeting", "привет", "Здравствуйте!"))
	require.NoError(t, a.AddRule(ctx, "greeting", "добрый", "И вам!"))

	ds, err := p.DataService(ctx)
	require.NoError(t, err)
	tmpl, err := ds.GetIntentTemplate(ctx, storage.AutoReplyTemplateID("greeting"))
	require.NoError(t, err)
	assert.Equal(t, storage.CategoryAutoReply, tmpl.Category)
	assert.Len(t, tmpl.Rules, 2)

	fresh := NewAutoReply(AutoReplyConfig{}, p)
	require.NoError(t, fresh.Load(ctx))
	sets := fresh.Rules()
	require.Len(t, sets, 1)
	assert.Equal(t, "greeting", sets[0].Intent)
	assert.Len(t, sets[0].Rules, 2)
	assert.Equal(t, ModeSuggest, fresh.Mode())
}

func TestLoadSkipsMalformedStoredPatterns(t *testing.T) {
	a, p := newTestAutoReply(t, ModeAuto)
	ctx := context.Background()
	ds, err := p.DataService(ctx)
	require.NoError(t, err)
	require.NoError(t, ds.CreateIntentTemplate(ctx, &storage.IntentTemplate{
		ID:       storage.AutoReplyTemplateID("greeting"),
		Intent:   "greeting",
		Category: storage.CategoryAutoReply,
		Rules: []storage.ReplyRule{
			{Pattern: "([", Reply: "broken"},
			{Pattern: "привет", Reply: "working"},
		},
	}))
	require.NoError(t, ds.CreateIntentTemplate(ctx, &storage.IntentTemplate{
		ID:       "faq:greeting",
		Intent:   "greeting",
		Category: "faq",
		Rules:    []storage.ReplyRule{{Pattern: ".*", Reply: "other category"}},
	}))

	require.NoError(t, a.Load(ctx))
	res := reply(t, a, classified("c1", "Привет", baseTime, score("greeting", 0.95)), nil)
	assert.Equal(t, "working", res.Message)
}

func TestSeedOnlyWhenEmpty(t *testing.T) {
	a, _ := newTestAutoReply(t, ModeAuto)
	ctx := context.Background()
	seed := []RuleSet{{Intent: "thanks", Rules: []Rule{{Pattern: "спасибо", Reply: "Рады помочь!"}, {Pattern: "([", Reply: "x"}}}}

	n, err := a.Seed(ctx, seed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = a.Seed(ctx, seed)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, a.Rules()[0].Rules, 1)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Hybrid ")
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, m)
	_, err = ParseMode("sometimes")
	assert.Error(t, err)
}
