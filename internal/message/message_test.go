package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveClientID(t *testing.T) {
	m := &Classified{ClientID: "envelope", Parsed: Parsed{ClientID: "parsed"}}
	assert.Equal(t, "parsed", m.ResolveClientID())

	m.Parsed.ClientID = "  "
	assert.Equal(t, "envelope", m.ResolveClientID())

	var nilMsg *Classified
	assert.Empty(t, nilMsg.ResolveClientID())
}

func TestRankedIntentsDoesNotMutate(t *testing.T) {
	m := &Classified{Intents: []IntentScore{{"a", 0.2}, {"b", 0.9}, {"c", 0.5}}}
	ranked := m.RankedIntents()
	assert.Equal(t, []string{"b", "c", "a"}, []string{ranked[0].Intent, ranked[1].Intent, ranked[2].Intent})
	assert.Equal(t, "a", m.Intents[0].Intent)
}

func TestTopIntent(t *testing.T) {
	m := &Classified{Intents: []IntentScore{{"a", 0.2}, {"b", 0.9}}}
	assert.Equal(t, "b", m.TopIntentName())

	m.BestIntent = &IntentScore{Intent: "a", Confidence: 0.2}
	assert.Equal(t, "a", m.TopIntentName())

	assert.Equal(t, UnknownIntent, (&Classified{}).TopIntentName())
}

func TestContentFallsBackToRaw(t *testing.T) {
	assert.Equal(t, "Привет", (&Classified{Parsed: Parsed{Raw: "Привет"}}).Content())
}
