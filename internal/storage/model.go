package storage

import "time"

// CategoryAutoReply tags intent templates that carry auto-reply rules.
const CategoryAutoReply = "auto_reply"

// StatisticsID is the key of the single global statistics record.
const StatisticsID = "global"

type Customer struct {
	ID           string            `json:"id"`
	Name         string            `json:"name,omitempty"`
	FirstSeen    time.Time         `json:"first_seen"`
	LastActivity time.Time         `json:"last_activity"`
	MessageCount int               `json:"message_count"`
	Behavior     *BehaviorProfile  `json:"behavior,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// BehaviorProfile is the persisted form of a customer's behavioral histogram.
type BehaviorProfile struct {
	Intents       map[string]int `json:"intents,omitempty"`
	Keywords      map[string]int `json:"keywords,omitempty"`
	Patterns      map[string]int `json:"patterns,omitempty"`
	DominantTrait string         `json:"dominant_trait,omitempty"`
	Interactions  []Interaction  `json:"interactions,omitempty"`
}

type Interaction struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Intent    string    `json:"intent"`
	Content   string    `json:"content"`
}

type KeywordCount struct {
	Keyword string `json:"keyword"`
	Count   int    `json:"count"`
}

type StatisticsSnapshot struct {
	ID                    string         `json:"id"`
	MessageCount          int            `json:"message_count"`
	SessionCount          int            `json:"session_count"`
	IntentDistribution    map[string]int `json:"intent_distribution"`
	HourlyDistribution    []int          `json:"hourly_distribution"`
	DailyDistribution     map[string]int `json:"daily_distribution"`
	TopKeywords           []KeywordCount `json:"top_keywords"`
	AvgMessagesPerSession float64        `json:"avg_messages_per_session"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// ReplyRule pairs a case-insensitive pattern with a reply template.
type ReplyRule struct {
	Pattern string `json:"pattern"`
	Reply   string `json:"reply"`
}

type IntentTemplate struct {
	ID           string      `json:"id"`
	Intent       string      `json:"intent"`
	Category     string      `json:"category"`
	Rules        []ReplyRule `json:"rules"`
	DefaultReply string      `json:"default_reply,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// AutoReplyTemplateID is the template id under which an intent's auto-reply rules are stored.
func AutoReplyTemplateID(intent string) string {
	return CategoryAutoReply + ":" + intent
}
