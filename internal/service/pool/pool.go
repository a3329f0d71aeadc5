// Package pool maintains warm warehouse sessions per account. Sessions are
// issued to exactly one borrower at a time, validated in the background, and
// retired when a query invalidates them or they sit idle too long.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// Config tunes a single account's pool.
type Config struct {
	MinSize             int
	MaxSize             int
	BorrowTimeout       time.Duration
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxIdleTime         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:             2,
		MaxSize:             15,
		BorrowTimeout:       10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		MaxIdleTime:         10 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = def.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = def.MaxSize
	}
	if c.MaxSize < c.MinSize {
		c.MaxSize = c.MinSize
	}
	if c.BorrowTimeout <= 0 {
		c.BorrowTimeout = def.BorrowTimeout
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = def.HealthCheckInterval
	}
	if c.HealthCheckTimeout <= 0 {
		c.HealthCheckTimeout = def.HealthCheckTimeout
	}
	if c.MaxIdleTime <= 0 {
		c.MaxIdleTime = def.MaxIdleTime
	}
	return c
}

// Conn is a pooled warehouse session. Callers execute through Session and
// hand the conn back with Return.
type Conn struct {
	Session domain.Session

	id        uint64
	createdAt time.Time
	lastUsed  time.Time
}

// Stats is a point-in-time snapshot of one pool.
type Stats struct {
	Account        string `json:"account"`
	Total          int    `json:"total"`
	Idle           int    `json:"idle"`
	Borrowed       int    `json:"borrowed"`
	Created        uint64 `json:"created"`
	Destroyed      uint64 `json:"destroyed"`
	BorrowTimeouts uint64 `json:"borrow_timeouts"`
}

// Pool owns the sessions for one account.
type Pool struct {
	cfg    Config
	acct   domain.Account
	driver domain.Driver

	mu             sync.Mutex
	total          int
	borrowed       map[uint64]*Conn
	nextID         uint64
	created        uint64
	destroyed      uint64
	borrowTimeouts uint64
	closed         bool

	idle chan *Conn

	done         chan struct{}
	sweepStopped chan struct{}
}

// New builds the pool and pre-warms it toward MinSize. Warm-up failures are
// logged, not fatal: a flapping warehouse should not block startup, the
// background sweep keeps trying.
func New(ctx context.Context, acct domain.Account, driver domain.Driver, cfg Config) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		cfg:          cfg,
		acct:         acct,
		driver:       driver,
		borrowed:     make(map[uint64]*Conn),
		idle:         make(chan *Conn, cfg.MaxSize),
		done:         make(chan struct{}),
		sweepStopped: make(chan struct{}),
	}
	p.replenish(ctx)
	go p.sweepLoop()
	return p
}

// Borrow hands out an idle session, dials a new one while under MaxSize, and
// otherwise waits up to BorrowTimeout for a return. Each session is issued to
// at most one caller at a time.
func (p *Pool) Borrow(ctx context.Context) (*Conn, error) {
	timeout := time.NewTimer(p.cfg.BorrowTimeout)
	defer timeout.Stop()

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("op=pool.Borrow: account %q: %w", p.acct.Username, domain.ErrPoolClosed)
		}
		p.mu.Unlock()

		select {
		case c := <-p.idle:
			if !c.Session.IsUp() {
				p.destroy(c)
				continue
			}
			p.checkout(c)
			return c, nil
		default:
		}

		p.mu.Lock()
		if p.total < p.cfg.MaxSize {
			p.total++ // reserve the slot before dialing
			p.mu.Unlock()
			c, err := p.dial(ctx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.publishGauges()
				return nil, fmt.Errorf("op=pool.Borrow: account %q: %w", p.acct.Username, err)
			}
			p.checkout(c)
			return c, nil
		}
		p.mu.Unlock()

		select {
		case c := <-p.idle:
			if !c.Session.IsUp() {
				p.destroy(c)
				continue
			}
			p.checkout(c)
			return c, nil
		case <-timeout.C:
			p.mu.Lock()
			p.borrowTimeouts++
			p.mu.Unlock()
			return nil, fmt.Errorf("op=pool.Borrow: account %q: %w", p.acct.Username, domain.ErrPoolExhausted)
		case <-ctx.Done():
			return nil, fmt.Errorf("op=pool.Borrow: account %q: %w", p.acct.Username, ctx.Err())
		case <-p.done:
			return nil, fmt.Errorf("op=pool.Borrow: account %q: %w", p.acct.Username, domain.ErrPoolClosed)
		}
	}
}

// Return hands a session back. Invalidated or downed sessions are destroyed,
// healthy ones go back to the idle set. Returning a conn the pool did not
// issue is a no-op.
func (p *Pool) Return(c *Conn, invalid bool) {
	if c == nil {
		return
	}
	p.mu.Lock()
	if _, ok := p.borrowed[c.id]; !ok {
		p.mu.Unlock()
		return
	}
	delete(p.borrowed, c.id)
	closed := p.closed
	p.mu.Unlock()

	if closed || invalid || !c.Session.IsUp() {
		p.destroy(c)
		return
	}
	c.lastUsed = time.Now()
	select {
	case p.idle <- c:
	default:
		// Cannot happen while accounting is consistent, but never block.
		p.destroy(c)
		return
	}
	p.publishGauges()
}

// Stats reports the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Account:        p.acct.Username,
		Total:          p.total,
		Idle:           len(p.idle),
		Borrowed:       len(p.borrowed),
		Created:        p.created,
		Destroyed:      p.destroyed,
		BorrowTimeouts: p.borrowTimeouts,
	}
}

// Close stops the sweeper and destroys idle sessions. Borrowed sessions are
// destroyed as they come back.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.done)
	<-p.sweepStopped

	for _, c := range p.drainIdle() {
		p.destroy(c)
	}
	slog.Info("connection pool closed", slog.String("account", p.acct.Username))
}

// dial creates a session for an already reserved slot.
func (p *Pool) dial(ctx context.Context) (*Conn, error) {
	sess, err := p.driver.Connect(ctx, p.acct)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	p.mu.Lock()
	p.nextID++
	c := &Conn{Session: sess, id: p.nextID, createdAt: now, lastUsed: now}
	p.created++
	p.mu.Unlock()
	p.publishGauges()
	return c, nil
}

func (p *Pool) checkout(c *Conn) {
	c.lastUsed = time.Now()
	p.mu.Lock()
	p.borrowed[c.id] = c
	p.mu.Unlock()
	p.publishGauges()
}

func (p *Pool) destroy(c *Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()
	if err := c.Session.Close(ctx); err != nil {
		slog.Debug("session close failed",
			slog.String("account", p.acct.Username),
			slog.Any("error", err))
	}
	p.mu.Lock()
	p.total--
	p.destroyed++
	p.mu.Unlock()
	p.publishGauges()
}

func (p *Pool) drainIdle() []*Conn {
	var out []*Conn
	for {
		select {
		case c := <-p.idle:
			out = append(out, c)
		default:
			return out
		}
	}
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepStopped)
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep pings every idle session, retires the ones that fail or have idled
// past MaxIdleTime, and tops the pool back up to MinSize. Idle pruning never
// shrinks the pool below MinSize.
func (p *Pool) sweep() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	now := time.Now()
	var keep []*Conn
	for _, c := range p.drainIdle() {
		if now.Sub(c.lastUsed) > p.cfg.MaxIdleTime && p.aboveMin() {
			p.destroy(c)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
		err := c.Session.Ping(ctx)
		cancel()
		if err != nil {
			slog.Warn("pooled session failed ping",
				slog.String("account", p.acct.Username),
				slog.Any("error", err))
			p.destroy(c)
			continue
		}
		keep = append(keep, c)
	}
	for _, c := range keep {
		select {
		case p.idle <- c:
		default:
			p.destroy(c)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.HealthCheckTimeout)
	defer cancel()
	p.replenish(ctx)
}

func (p *Pool) aboveMin() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total > p.cfg.MinSize
}

// replenish dials until the pool holds MinSize sessions. Stops at the first
// failure; the next sweep retries.
func (p *Pool) replenish(ctx context.Context) {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.MinSize {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := p.dial(ctx)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			p.publishGauges()
			slog.Warn("pool warm-up dial failed",
				slog.String("account", p.acct.Username),
				slog.Any("error", err))
			return
		}
		select {
		case p.idle <- c:
		default:
			p.destroy(c)
			return
		}
	}
}

func (p *Pool) publishGauges() {
	p.mu.Lock()
	total := p.total
	borrowed := len(p.borrowed)
	p.mu.Unlock()
	observability.PoolSize.WithLabelValues(p.acct.Username).Set(float64(total))
	observability.PoolBorrowed.WithLabelValues(p.acct.Username).Set(float64(borrowed))
}
