// Package breaker implements the per-account circuit breaker guarding
// warehouse service identities against lockout. Each account gets a
// three-state machine (closed, open, half-open) with a sliding failure
// window and exponential backoff between recovery probes.
package breaker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
)

// State represents the state of one account's breaker.
type State int

const (
	// StateClosed indicates the account accepts traffic.
	StateClosed State = iota
	// StateOpen indicates the account is shedding traffic until nextRetryAt.
	StateOpen
	// StateHalfOpen indicates recovery probes are admitted.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config holds the breaker tunables shared by every account.
type Config struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	SuccessThreshold  int
	TimeWindow        time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		RecoveryTimeout:   30 * time.Second,
		SuccessThreshold:  2,
		TimeWindow:        10 * time.Minute,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = def.RecoveryTimeout
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.TimeWindow <= 0 {
		c.TimeWindow = def.TimeWindow
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.BackoffMultiplier < 1 {
		c.BackoffMultiplier = def.BackoffMultiplier
	}
	return c
}

// Metrics is a consistent snapshot of one breaker.
type Metrics struct {
	Account             string
	State               State
	FailureCount        int
	ConsecutiveFailures int
	HalfOpenSuccesses   int
	TotalFailures       int64
	TotalSuccesses      int64
	StateChanges        int64
	LastFailureAt       time.Time
	LastSuccessAt       time.Time
	NextRetryAt         time.Time
}

// Breaker is the state machine for a single account. All methods are safe
// under concurrent invocation; transitions happen under one mutex so
// bursts land in a consistent terminal state.
type Breaker struct {
	mu      sync.Mutex
	cfg     Config
	account string

	state               State
	failureTimes        []time.Time
	consecutiveFailures int
	halfOpenSuccesses   int

	totalFailures  int64
	totalSuccesses int64
	stateChanges   int64
	lastFailureAt  time.Time
	lastSuccessAt  time.Time
	nextRetryAt    time.Time
}

// New creates a breaker for account in the closed state.
func New(account string, cfg Config) *Breaker {
	return &Breaker{
		cfg:     cfg.withDefaults(),
		account: account,
		state:   StateClosed,
	}
}

// CanExecute reports whether a call may proceed. Its only side effect is
// the open-to-half-open transition once the retry deadline has passed.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if !time.Now().Before(b.nextRetryAt) {
			b.halfOpenSuccesses = 0
			b.setState(StateHalfOpen)
			slog.Info("circuit breaker admitting recovery probes",
				slog.String("account", b.account),
				slog.Time("retry_deadline", b.nextRetryAt))
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful operation against the account.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalSuccesses++
	b.lastSuccessAt = now

	switch b.state {
	case StateClosed:
		// A success interrupts any consecutive-failure run.
		b.consecutiveFailures = 0
		b.failureTimes = b.failureTimes[:0]
	case StateHalfOpen:
		b.halfOpenSuccesses++
		b.consecutiveFailures = 0
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.failureTimes = b.failureTimes[:0]
			b.halfOpenSuccesses = 0
			b.nextRetryAt = time.Time{}
			b.setState(StateClosed)
			slog.Info("circuit breaker closed after recovery",
				slog.String("account", b.account),
				slog.Int("success_threshold", b.cfg.SuccessThreshold))
		}
	case StateOpen:
		// Late success from a call admitted before the trip; totals only.
	}
}

// RecordFailure records a failed operation against the account, tripping
// the breaker when the windowed count crosses the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.totalFailures++
	b.consecutiveFailures++
	b.lastFailureAt = now
	b.failureTimes = append(b.failureTimes, now)
	b.prune(now)

	switch b.state {
	case StateClosed:
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	case StateHalfOpen:
		b.halfOpenSuccesses = 0
		b.trip(now)
	case StateOpen:
		// Late failure while already open; retry deadline stands.
	}
}

// trip transitions to open with an exponential retry deadline.
// Caller holds the mutex.
func (b *Breaker) trip(now time.Time) {
	wait := b.backoffFor(b.consecutiveFailures)
	b.nextRetryAt = now.Add(wait)
	b.setState(StateOpen)
	slog.Warn("circuit breaker opened",
		slog.String("account", b.account),
		slog.Int("windowed_failures", len(b.failureTimes)),
		slog.Int("consecutive_failures", b.consecutiveFailures),
		slog.Duration("retry_in", wait))
}

// backoffFor computes min(recoveryTimeout * multiplier^(n-threshold), maxBackoff)
// for the n-th consecutive failure.
func (b *Breaker) backoffFor(n int) time.Duration {
	exp := n - b.cfg.FailureThreshold
	if exp < 0 {
		exp = 0
	}
	wait := float64(b.cfg.RecoveryTimeout) * math.Pow(b.cfg.BackoffMultiplier, float64(exp))
	if capped := float64(b.cfg.MaxBackoff); wait > capped {
		wait = capped
	}
	return time.Duration(wait)
}

// prune drops window entries older than TimeWindow. Caller holds the mutex.
func (b *Breaker) prune(now time.Time) {
	cutoff := now.Add(-b.cfg.TimeWindow)
	kept := b.failureTimes[:0]
	for _, ts := range b.failureTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failureTimes = kept
}

// setState applies the transition and publishes it. Caller holds the mutex.
func (b *Breaker) setState(to State) {
	if b.state == to {
		return
	}
	b.state = to
	b.stateChanges++
	observability.SetBreakerState(b.account, to.String())
}

// State returns the current state without admitting a transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Metrics returns a consistent snapshot.
func (b *Breaker) Metrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	windowed := 0
	cutoff := time.Now().Add(-b.cfg.TimeWindow)
	for _, ts := range b.failureTimes {
		if ts.After(cutoff) {
			windowed++
		}
	}
	return Metrics{
		Account:             b.account,
		State:               b.state,
		FailureCount:        windowed,
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
		StateChanges:        b.stateChanges,
		LastFailureAt:       b.lastFailureAt,
		LastSuccessAt:       b.lastSuccessAt,
		NextRetryAt:         b.nextRetryAt,
	}
}

// Reset returns the breaker to closed with zeroed counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.failureTimes = nil
	b.consecutiveFailures = 0
	b.halfOpenSuccesses = 0
	b.totalFailures = 0
	b.totalSuccesses = 0
	b.stateChanges = 0
	b.lastFailureAt = time.Time{}
	b.lastSuccessAt = time.Time{}
	b.nextRetryAt = time.Time{}
	observability.SetBreakerState(b.account, StateClosed.String())

	slog.Info("circuit breaker reset", slog.String("account", b.account))
}
