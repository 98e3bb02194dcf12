// Package session keeps per-client conversation state between dispatches.
package session

import (
	"context"
	"errors"
	"time"
)

const (
	// MaxHistory bounds Session.History; the oldest entries are dropped first.
	MaxHistory = 100
	// DefaultTimeout is the idle time after which a session is swept.
	DefaultTimeout = 2 * time.Hour
)

var ErrNotFound = errors.New("session: not found")

type HistoryEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	Content    string    `json:"content"`
	Intent     string    `json:"intent,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	Reply      string    `json:"reply,omitempty"`
}

type Session struct {
	ID           string         `json:"id"`
	CreatedAt    time.Time      `json:"created_at"`
	LastActivity time.Time      `json:"last_activity"`
	MessageCount int            `json:"message_count"`
	History      []HistoryEntry `json:"history"`
	CustomerInfo map[string]any `json:"customer_info"`
	Statistics   map[string]any `json:"statistics"`
	Version      int64          `json:"version"`
}

func New(id string, now time.Time) *Session {
	return &Session{
		ID:           id,
		CreatedAt:    now,
		LastActivity: now,
		CustomerInfo: map[string]any{},
		Statistics:   map[string]any{},
	}
}

// Touch moves LastActivity forward; it never moves it back.
func (s *Session) Touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

// AppendHistory adds e and drops the oldest entries beyond MaxHistory.
func (s *Session) AppendHistory(e HistoryEntry) {
	s.History = append(s.History, e)
	if over := len(s.History) - MaxHistory; over > 0 {
		s.History = append([]HistoryEntry(nil), s.History[over:]...)
	}
}

// MergeCustomerInfo shallow-merges kv into CustomerInfo.
func (s *Session) MergeCustomerInfo(kv map[string]any) {
	if s.CustomerInfo == nil {
		s.CustomerInfo = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		s.CustomerInfo[k] = v
	}
}

// MergeStatistics shallow-merges kv into Statistics.
func (s *Session) MergeStatistics(kv map[string]any) {
	if s.Statistics == nil {
		s.Statistics = make(map[string]any, len(kv))
	}
	for k, v := range kv {
		s.Statistics[k] = v
	}
}

// CustomerName returns the name recorded in CustomerInfo, if any.
func (s *Session) CustomerName() string {
	if s == nil {
		return ""
	}
	name, _ := s.CustomerInfo["name"].(string)
	return name
}

// Idle reports whether the session has been inactive longer than maxIdle at now.
func (s *Session) Idle(now time.Time, maxIdle time.Duration) bool {
	return now.Sub(s.LastActivity) > maxIdle
}

// Clone returns a deep copy of the mutable parts of s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.History = append([]HistoryEntry(nil), s.History...)
	c.CustomerInfo = make(map[string]any, len(s.CustomerInfo))
	for k, v := range s.CustomerInfo {
		c.CustomerInfo[k] = v
	}
	c.Statistics = make(map[string]any, len(s.Statistics))
	for k, v := range s.Statistics {
		c.Statistics[k] = v
	}
	return &c
}

// Store holds at most one live session per client id.
// Update is an atomic read-modify-write for a single id.
type Store interface {
	GetOrCreate(ctx context.Context, id string) (*Session, bool, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, fn func(*Session) error) (*Session, error)
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*Session, error)
	// Cleanup removes sessions idle longer than maxIdle and reports how many went.
	Cleanup(ctx context.Context, maxIdle time.Duration) (int, error)
	Close() error
}
