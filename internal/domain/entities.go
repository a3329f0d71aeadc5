package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrNoAccountsAvailable = errors.New("no accounts available")
	ErrQueueAtCapacity     = errors.New("queue at capacity")
	ErrQueueClosed         = errors.New("queue closed")
	ErrPoolExhausted       = errors.New("connection pool exhausted")
	ErrPoolClosed          = errors.New("connection pool closed")
	ErrBreakerOpen         = errors.New("circuit breaker open")
	ErrTicketNotFound      = errors.New("ticket not found")
	ErrVaultSealed         = errors.New("vault sealed")
	ErrReservedField       = errors.New("reserved event field")
	ErrInternal            = errors.New("internal error")
)

// Account is the immutable configuration of one warehouse service identity.
// Runtime state (activity, cooldown, health) lives in the vault, not here.
// Invariants: Priority is unique across the vault; lower priority is preferred.
type Account struct {
	Username string            `json:"username" validate:"required"`
	Password string            `json:"password" validate:"required"`
	Host     string            `json:"host" validate:"required,hostname|ip"`
	Port     int               `json:"port" validate:"required,min=1,max=65535"`
	Database string            `json:"database" validate:"required"`
	Priority int               `json:"priority" validate:"min=0"`
	Params   map[string]string `json:"params,omitempty"`
}

// AccountStatus is a point-in-time snapshot of one account's runtime state.
type AccountStatus struct {
	Username            string
	Priority            int
	IsActive            bool
	InCooldown          bool
	ConsecutiveFailures int
	HealthScore         float64
}

type TicketStatus string

const (
	TicketPending   TicketStatus = "pending"
	TicketRunning   TicketStatus = "running"
	TicketCompleted TicketStatus = "completed"
	TicketFailed    TicketStatus = "failed"
	TicketCancelled TicketStatus = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s TicketStatus) Terminal() bool {
	switch s {
	case TicketCompleted, TicketFailed, TicketCancelled:
		return true
	}
	return false
}

// QueryTicket is the handle issued synchronously for asynchronous query
// execution. Transitions: pending -> running -> {completed, failed} and
// pending -> cancelled; no state except pending is reachable twice.
type QueryTicket struct {
	ID          string
	Status      TicketStatus
	Template    string
	Params      []any
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	Progress    int
	Result      *QueryResult
	Error       string
	ByteCap     int64
}

// InsightAtom is one subject/metric/value observation tied back to the
// query that produced it via ProvenanceHash (16 hex chars).
type InsightAtom struct {
	AtomID         string       `json:"atom_id"`
	CustomerID     string       `json:"customer_id"`
	Subject        string       `json:"subject"`
	Metric         string       `json:"metric"`
	Value          InsightValue `json:"value"`
	ProvenanceHash string       `json:"provenance_hash,omitempty"`
	TS             time.Time    `json:"ts"`
	TTLSeconds     int64        `json:"ttl_seconds,omitempty"`
}

// Expired reports whether the atom's TTL has elapsed relative to now.
// Atoms without a TTL never expire.
func (a InsightAtom) Expired(now time.Time) bool {
	if a.TTLSeconds <= 0 {
		return false
	}
	return now.After(a.TS.Add(time.Duration(a.TTLSeconds) * time.Second))
}

// ContextCache (port) is the short-lived read-model cache consulted before
// the warehouse on insight queries. Get returns ErrNotFound on miss.
type ContextCache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
}
