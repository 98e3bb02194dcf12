// Package intent is a keyword classifier that turns raw chat text into the
// classified-message contract consumed by the dispatcher.
package intent

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"shopdesk/internal/message"
	"shopdesk/internal/rules"
)

//go:embed default.yaml
var defaultVocabulary []byte

const (
	minKeywordRunes = 3
	baseConfidence  = 0.55
	perHitBonus     = 0.2
	maxConfidence   = 0.95
)

type Rule struct {
	Intent   string   `yaml:"intent"`
	Keywords []string `yaml:"keywords"`
	// Weight scales the confidence of this intent; 0 means 1.
	Weight float64 `yaml:"weight,omitempty"`
}

type SeedRule struct {
	Pattern string `yaml:"pattern"`
	Reply   string `yaml:"reply"`
}

// ReplySeed is a starter auto-reply rule set for one intent.
type ReplySeed struct {
	Intent       string     `yaml:"intent"`
	Rules        []SeedRule `yaml:"rules,omitempty"`
	DefaultReply string     `yaml:"default_reply,omitempty"`
}

type Vocabulary struct {
	Intents   []Rule      `yaml:"intents"`
	StopWords []string    `yaml:"stop_words,omitempty"`
	Replies   []ReplySeed `yaml:"replies,omitempty"`
}

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() *Vocabulary {
	v, err := ParseVocabulary(defaultVocabulary)
	if err != nil {
		panic(fmt.Sprintf("intent: built-in vocabulary: %v", err))
	}
	return v
}

// LoadVocabulary reads a vocabulary file; a missing file yields the built-in one.
func LoadVocabulary(path string) (*Vocabulary, error) {
	if path == "" {
		return DefaultVocabulary(), nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultVocabulary(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading vocabulary: %w", err)
	}
	return ParseVocabulary(data)
}

func ParseVocabulary(data []byte) (*Vocabulary, error) {
	var v Vocabulary
	if err := yaml.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parsing vocabulary: %w", err)
	}
	if err := v.Validate(); err != nil {
		return nil, err
	}
	return &v, nil
}

func (v *Vocabulary) Validate() error {
	if len(v.Intents) == 0 {
		return errors.New("vocabulary: at least one intent is required")
	}
	seen := map[string]bool{}
	for _, r := range v.Intents {
		if r.Intent == "" {
			return errors.New("vocabulary: empty intent name")
		}
		if seen[r.Intent] {
			return fmt.Errorf("vocabulary: duplicate intent %q", r.Intent)
		}
		seen[r.Intent] = true
		if len(r.Keywords) == 0 {
			return fmt.Errorf("vocabulary: intent %q has no keywords", r.Intent)
		}
		if r.Weight < 0 {
			return fmt.Errorf("vocabulary: intent %q has negative weight", r.Intent)
		}
	}
	return nil
}

// SeedRuleSets converts the reply seeds into auto-reply rule sets.
func (v *Vocabulary) SeedRuleSets() []rules.RuleSet {
	out := make([]rules.RuleSet, 0, len(v.Replies))
	for _, seed := range v.Replies {
		rs := rules.RuleSet{Intent: seed.Intent, DefaultReply: seed.DefaultReply}
		for _, r := range seed.Rules {
			rs.Rules = append(rs.Rules, rules.Rule{Pattern: r.Pattern, Reply: r.Reply})
		}
		out = append(out, rs)
	}
	return out
}

type Classifier struct {
	intents []Rule
	stop    map[string]bool
}

func NewClassifier(v *Vocabulary) *Classifier {
	c := &Classifier{stop: make(map[string]bool, len(v.StopWords))}
	for _, w := range v.StopWords {
		c.stop[strings.ToLower(w)] = true
	}
	for _, r := range v.Intents {
		kws := make([]string, 0, len(r.Keywords))
		for _, kw := range r.Keywords {
			if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" {
				kws = append(kws, kw)
			}
		}
		c.intents = append(c.intents, Rule{Intent: r.Intent, Keywords: kws, Weight: r.Weight})
	}
	return c
}

// Parse cleans the text and extracts tokens and keywords.
func (c *Classifier) Parse(clientID, text string) message.Parsed {
	clean := normalize(text)
	tokens := strings.Fields(clean)
	seen := map[string]bool{}
	var keywords []string
	for _, tok := range tokens {
		if c.stop[tok] || seen[tok] || utf8.RuneCountInString(tok) < minKeywordRunes {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
	}
	return message.Parsed{
		ClientID:     clientID,
		Raw:          text,
		CleanContent: clean,
		Tokens:       tokens,
		Keywords:     keywords,
	}
}

// Score ranks every intent with at least one keyword hit.
func (c *Classifier) Score(p message.Parsed) []message.IntentScore {
	var out []message.IntentScore
	for _, r := range c.intents {
		hits := 0
		for _, kw := range r.Keywords {
			if anyHasPrefix(p.Tokens, kw) {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		conf := baseConfidence + perHitBonus*float64(hits)
		if conf > maxConfidence {
			conf = maxConfidence
		}
		if r.Weight > 0 {
			conf *= r.Weight
		}
		out = append(out, message.IntentScore{Intent: r.Intent, Confidence: conf})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	return out
}

// Classify builds the full inbound message.
func (c *Classifier) Classify(clientID, customerName, channel, text string, ts time.Time) *message.Classified {
	parsed := c.Parse(clientID, text)
	scores := c.Score(parsed)
	m := &message.Classified{
		ClientID:     clientID,
		CustomerName: customerName,
		Channel:      channel,
		Parsed:       parsed,
		Intents:      scores,
		Timestamp:    ts,
	}
	if len(scores) > 0 {
		best := scores[0]
		m.BestIntent = &best
	}
	return m
}

func anyHasPrefix(tokens []string, stem string) bool {
	for _, t := range tokens {
		if strings.HasPrefix(t, stem) {
			return true
		}
	}
	return false
}

// normalize lowercases, drops punctuation and collapses whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		case !space:
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimSpace(b.String())
}
