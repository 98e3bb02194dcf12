package intent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultVocabularyIsValid(t *testing.T) {
	v := DefaultVocabulary()
	require.NoError(t, v.Validate())
	assert.NotEmpty(t, v.Intents)

	seeds := v.SeedRuleSets()
	require.NotEmpty(t, seeds)
	for _, s := range seeds {
		assert.NotEmpty(t, s.Intent)
	}
}

func TestParseCleansText(t *testing.T) {
	c := NewClassifier(DefaultVocabulary())
	p := c.Parse("42", "  Где мой ЗАКАЗ?!  Трек-номер не пришёл ")

	assert.Equal(t, "42", p.ClientID)
	assert.Equal(t, "где мой заказ трек номер не пришёл", p.CleanContent)
	assert.Equal(t, []string{"где", "мой", "заказ", "трек", "номер", "не", "пришёл"}, p.Tokens)
	assert.Equal(t, []string{"где", "заказ", "трек", "номер", "пришёл"}, p.Keywords)
}

func TestClassifyRanksIntents(t *testing.T) {
	c := NewClassifier(DefaultVocabulary())
	ts := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := c.Classify("42", "Пётр", "telegram", "Где мой заказ? Скиньте трек, пожалуйста", ts)

	require.NotNil(t, m.BestIntent)
	assert.Equal(t, "order_status", m.BestIntent.Intent)
	assert.InDelta(t, 0.95, m.BestIntent.Confidence, 1e-9)
	assert.Equal(t, "Пётр", m.CustomerName)
	assert.Equal(t, ts, m.Timestamp)
	assert.Equal(t, "42", m.ResolveClientID())
}

func TestClassifySingleHit(t *testing.T) {
	c := NewClassifier(DefaultVocabulary())
	m := c.Classify("1", "", "", "спасибо", time.Now())
	require.Len(t, m.Intents, 1)
	assert.Equal(t, "thanks", m.Intents[0].Intent)
	assert.InDelta(t, 0.75, m.Intents[0].Confidence, 1e-9)
}

func TestClassifyNoHits(t *testing.T) {
	c := NewClassifier(DefaultVocabulary())
	m := c.Classify("1", "", "", "ммм...", time.Now())
	assert.Empty(t, m.Intents)
	assert.Nil(t, m.BestIntent)
}

func TestWeightScalesConfidence(t *testing.T) {
	v, err := ParseVocabulary([]byte(`
intents:
  - intent: a
    keywords: [foo]
    weight: 0.5
`))
	require.NoError(t, err)
	scores := NewClassifier(v).Score(NewClassifier(v).Parse("", "foobar"))
	require.Len(t, scores, 1)
	assert.InDelta(t, 0.375, scores[0].Confidence, 1e-9)
}

func TestParseVocabularyValidates(t *testing.T) {
	cases := map[string]string{
		"empty":     `intents: []`,
		"duplicate": "intents:\n  - {intent: a, keywords: [x]}\n  - {intent: a, keywords: [y]}",
		"no words":  "intents:\n  - {intent: a}",
		"malformed": "intents: [",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseVocabulary([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadVocabulary(t *testing.T) {
	v, err := LoadVocabulary(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultVocabulary().Intents, v.Intents)

	path := filepath.Join(t.TempDir(), "intents.yaml")
	require.NoError(t, os.WriteFile(path, []byte("intents:\n  - {intent: custom, keywords: [zz]}\n"), 0o644))
	v, err = LoadVocabulary(path)
	require.NoError(t, err)
	require.Len(t, v.Intents, 1)
	assert.Equal(t, "custom", v.Intents[0].Intent)
}
