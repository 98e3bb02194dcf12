// Package transcript keeps an append-only JSONL log of handled customer messages
// and the reply decision made for each of them.
package transcript

import "time"

// Event is one handled customer message.
type Event struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	ClientID     string    `json:"client_id"`
	CustomerName string    `json:"customer_name,omitempty"`
	Message      string    `json:"message"`
	Intent       string    `json:"intent,omitempty"`
	Confidence   float64   `json:"confidence,omitempty"`
	Reply        string    `json:"reply,omitempty"`
	ReplySource  string    `json:"reply_source,omitempty"`
	AutoSent     bool      `json:"auto_sent"`
	// Agent is the agent who sent the reply by hand, if any.
	Agent string `json:"agent,omitempty"`
}

// Recorder persists transcript events in chronological order.
// Implementations must be safe for concurrent use.
type Recorder interface {
	Append(event Event) error
	Load() ([]Event, error)
}
