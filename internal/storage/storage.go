package storage

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Type identifies a storage backend kind.
type Type string

const (
	TypeRedis    Type = "redis"
	TypeSupabase Type = "supabase"
	TypeSQLite   Type = "sqlite"
	TypeJSON     Type = "json"
	TypeMock     Type = "mock"
)

// FailoverChain is the fixed order of backend kinds tried when the requested one cannot be built.
var FailoverChain = []Type{TypeSQLite, TypeJSON, TypeMock}

// ParseType normalizes a configured backend name.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	switch t {
	case TypeRedis, TypeSupabase, TypeSQLite, TypeJSON, TypeMock:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// DataService is the uniform CRUD contract every backend exposes.
// Implementations must be safe for concurrent use.
type DataService interface {
	Type() Type

	GetCustomer(ctx context.Context, id string) (*Customer, error)
	CreateCustomer(ctx context.Context, c *Customer) error
	UpdateCustomer(ctx context.Context, c *Customer) error

	GetStatistics(ctx context.Context) (*StatisticsSnapshot, error)
	SaveStatistics(ctx context.Context, s *StatisticsSnapshot) error

	GetAllIntentTemplates(ctx context.Context) ([]IntentTemplate, error)
	GetIntentTemplate(ctx context.Context, id string) (*IntentTemplate, error)
	CreateIntentTemplate(ctx context.Context, t *IntentTemplate) error
	UpdateIntentTemplate(ctx context.Context, t *IntentTemplate) error
}

// Pinger is implemented by backends that can probe their own liveness.
type Pinger interface {
	TestConnection(ctx context.Context) error
}

// PoolStats is a point-in-time view of a backend's connection pool.
type PoolStats struct {
	Active         int `json:"active"`
	Idle           int `json:"idle"`
	Total          int `json:"total"`
	MaxConnections int `json:"max_connections"`
	Pending        int `json:"pending"`
}

// Utilization returns active / max(maxConnections, total).
func (p PoolStats) Utilization() float64 {
	denom := p.MaxConnections
	if p.Total > denom {
		denom = p.Total
	}
	if denom <= 0 {
		return 0
	}
	return float64(p.Active) / float64(denom)
}

// PoolHealth is the backend's own verdict on its pool.
type PoolHealth struct {
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

type PoolStatsReporter interface {
	ConnectionPoolStats() PoolStats
}

type PoolHealthReporter interface {
	ConnectionPoolHealth(ctx context.Context) PoolHealth
}

// Cleaner releases backend resources. A handle is unusable after Cleanup.
type Cleaner interface {
	Cleanup() error
}

// CustomerLister is implemented by backends that can enumerate stored customers.
type CustomerLister interface {
	ListCustomers(ctx context.Context, limit int) ([]Customer, error)
}

// Dispose runs the handle's cleanup hook if it has one.
func Dispose(ds DataService) error {
	if c, ok := ds.(Cleaner); ok {
		return c.Cleanup()
	}
	return nil
}

// Ping probes ds; handles without a probe are assumed live.
func Ping(ctx context.Context, ds DataService) error {
	if p, ok := ds.(Pinger); ok {
		return p.TestConnection(ctx)
	}
	return nil
}
