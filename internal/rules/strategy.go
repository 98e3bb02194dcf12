// Package rules holds the per-message business-rule strategies run by the dispatcher:
// global and per-session statistics, customer behavior profiling and auto-reply.
package rules

import (
	"context"
	"errors"

	"shopdesk/internal/message"
	"shopdesk/internal/session"
	"shopdesk/internal/storage"
)

const (
	NameStatistics = "statistics"
	NameBehavior   = "behavior"
	NameAutoReply  = "auto_reply"
)

// ErrInvalidPattern is returned by AddRule for patterns that do not compile.
var ErrInvalidPattern = errors.New("rules: invalid pattern")

// Provider hands out the storage handle that is active right now. Strategies ask
// for it on every access so backend swaps are picked up transparently.
type Provider interface {
	DataService(ctx context.Context) (storage.DataService, error)
}

// Result is the partial outcome of one strategy.
type Result interface {
	StrategyName() string
}

// Strategy processes one classified message in the context of its session.
// The session is the dispatcher's working copy and must not be retained.
type Strategy interface {
	Name() string
	Process(ctx context.Context, msg *message.Classified, sess *session.Session) (Result, error)
}

// Lifecycle is implemented by strategies that own timers or persistent state.
type Lifecycle interface {
	Start(ctx context.Context) error
	Dispose(ctx context.Context) error
}
