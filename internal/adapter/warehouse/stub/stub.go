// Package stub is a fast, deterministic warehouse driver for local runs and
// tests. Behavior is scripted per account at runtime.
package stub

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// Behavior scripts one account's responses. The zero value always succeeds
// with a single {"ok": 1} row.
type Behavior struct {
	// ConnectErr fails every dial for the account.
	ConnectErr error
	// ExecuteErr fails executes. With FailFirstN > 0 only the first N
	// executes fail; otherwise every execute fails.
	ExecuteErr error
	FailFirstN int
	// PingErr fails background health pings.
	PingErr error
	// ExecDelay sleeps before answering, honoring the caller's context.
	ExecDelay time.Duration
	// Rows overrides the default result set.
	Rows []domain.Row
}

// Driver implements domain.Driver.
type Driver struct {
	mu        sync.Mutex
	behaviors map[string]Behavior
	dials     map[string]int
	executes  map[string]int
	pings     map[string]int
}

// New returns an empty driver; every account succeeds until scripted.
func New() *Driver {
	return &Driver{
		behaviors: make(map[string]Behavior),
		dials:     make(map[string]int),
		executes:  make(map[string]int),
		pings:     make(map[string]int),
	}
}

// Script replaces the behavior for username. Takes effect for in-flight
// sessions on their next call.
func (d *Driver) Script(username string, b Behavior) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.behaviors[username] = b
}

// Connect implements domain.Driver.
func (d *Driver) Connect(ctx context.Context, account domain.Account) (domain.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.dials[account.Username]++
	b := d.behaviors[account.Username]
	d.mu.Unlock()
	if b.ConnectErr != nil {
		return nil, b.ConnectErr
	}
	s := &session{driver: d, username: account.Username}
	s.up.Store(true)
	return s, nil
}

// Dials reports how many times username was dialed.
func (d *Driver) Dials(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[username]
}

// Executes reports how many executes username served.
func (d *Driver) Executes(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.executes[username]
}

// Pings reports how many pings username served.
func (d *Driver) Pings(username string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pings[username]
}

type session struct {
	driver   *Driver
	username string
	up       atomic.Bool
}

func (s *session) Execute(ctx context.Context, _ string, _ []any, _ domain.ExecOptions) (domain.QueryResult, error) {
	d := s.driver
	d.mu.Lock()
	d.executes[s.username]++
	n := d.executes[s.username]
	b := d.behaviors[s.username]
	d.mu.Unlock()

	if b.ExecDelay > 0 {
		select {
		case <-time.After(b.ExecDelay):
		case <-ctx.Done():
			return domain.QueryResult{}, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return domain.QueryResult{}, err
	}
	if b.ExecuteErr != nil && (b.FailFirstN == 0 || n <= b.FailFirstN) {
		return domain.QueryResult{}, b.ExecuteErr
	}

	rows := b.Rows
	if rows == nil {
		rows = []domain.Row{{"ok": 1}}
	}
	return domain.QueryResult{Rows: rows, RowCount: len(rows)}, nil
}

func (s *session) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d := s.driver
	d.mu.Lock()
	d.pings[s.username]++
	b := d.behaviors[s.username]
	d.mu.Unlock()
	return b.PingErr
}

func (s *session) IsUp() bool { return s.up.Load() }

func (s *session) Close(_ context.Context) error {
	s.up.Store(false)
	return nil
}

var _ domain.Driver = (*Driver)(nil)
var _ domain.Session = (*session)(nil)
