// Package message defines the classified-message contract consumed by the dispatcher.
package message

import (
	"sort"
	"strings"
	"time"
)

// UnknownIntent labels messages without any classified intent.
const UnknownIntent = "unknown"

type IntentScore struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// Parsed is the tokenizer's view of the raw text.
type Parsed struct {
	ClientID     string   `json:"client_id,omitempty"`
	Raw          string   `json:"raw"`
	CleanContent string   `json:"clean_content"`
	Tokens       []string `json:"tokens,omitempty"`
	Keywords     []string `json:"keywords,omitempty"`
}

// Classified is one inbound customer message after intent classification.
type Classified struct {
	// ClientID is the transport envelope id, used when Parsed.ClientID is empty.
	ClientID     string        `json:"client_id,omitempty"`
	CustomerName string        `json:"customer_name,omitempty"`
	Channel      string        `json:"channel,omitempty"`
	Parsed       Parsed        `json:"parsed"`
	Intents      []IntentScore `json:"intents"`
	BestIntent   *IntentScore  `json:"best_intent,omitempty"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ResolveClientID prefers the parsed id over the envelope id.
func (m *Classified) ResolveClientID() string {
	if m == nil {
		return ""
	}
	if id := strings.TrimSpace(m.Parsed.ClientID); id != "" {
		return id
	}
	return strings.TrimSpace(m.ClientID)
}

// RankedIntents returns a copy of Intents ordered by confidence, highest first.
// Equal confidences keep their classifier order.
func (m *Classified) RankedIntents() []IntentScore {
	out := append([]IntentScore(nil), m.Intents...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// TopIntent returns BestIntent, or the highest ranked intent when it is unset.
func (m *Classified) TopIntent() (IntentScore, bool) {
	if m.BestIntent != nil {
		return *m.BestIntent, true
	}
	ranked := m.RankedIntents()
	if len(ranked) == 0 {
		return IntentScore{}, false
	}
	return ranked[0], true
}

// TopIntentName is TopIntent's label, or UnknownIntent.
func (m *Classified) TopIntentName() string {
	if top, ok := m.TopIntent(); ok && top.Intent != "" {
		return top.Intent
	}
	return UnknownIntent
}

// Content returns the cleaned text, falling back to the raw text.
func (m *Classified) Content() string {
	if m.Parsed.CleanContent != "" {
		return m.Parsed.CleanContent
	}
	return m.Parsed.Raw
}
