// Package manager routes template executions across warehouse accounts. It
// owns the per-account pools, consults the vault for candidate ordering and
// the breaker registry for gating, and fails over on account-level errors
// while surfacing statement-level errors untouched.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/config"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
	"github.com/cdesk/warehouse-gateway/internal/service/pool"
	"github.com/cdesk/warehouse-gateway/pkg/querytag"
)

const (
	// Health nudges applied on execute outcomes. The health monitor's EWMA
	// is the authoritative signal; these keep the score moving between
	// probe ticks.
	successHealthBonus   = 2
	failureHealthPenalty = 10
)

// Config tunes the manager.
type Config struct {
	// DefaultTimeout bounds executions whose options carry no timeout.
	DefaultTimeout time.Duration
	// ProbeTimeout bounds health probes issued through Probe.
	ProbeTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		ProbeTimeout:   time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = def.DefaultTimeout
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = def.ProbeTimeout
	}
	return c
}

// ExecOptions carries per-call routing and execution knobs.
type ExecOptions struct {
	// Timeout bounds the statement; zero falls back to DefaultTimeout.
	Timeout time.Duration
	// PreferredAccount moves the named account to the head of the
	// candidate list when it is available.
	PreferredAccount string
	// MaxResultBytes caps the materialized result size; zero is unlimited.
	MaxResultBytes int64
	// Tag is the cdesk correlation tag; generated when empty.
	Tag string
}

// Vault is the slice of the credential vault the manager needs.
type Vault interface {
	Get(username string) (domain.Account, error)
	Statuses() []domain.AccountStatus
	Status(username string) (domain.AccountStatus, error)
	RecordHealth(username string, score float64) error
	RecordOutcome(username string, success bool)
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg       Config
	vault     Vault
	breakers  *breaker.Registry
	driver    domain.Driver
	templates config.Templates
	poolCfg   pool.Config

	mu        sync.Mutex
	pools     map[string]*pool.Pool
	closed    bool
	poolGroup singleflight.Group
}

// New wires the manager. Pools are created lazily on first use per account.
func New(v Vault, breakers *breaker.Registry, driver domain.Driver, templates config.Templates, poolCfg pool.Config, cfg Config) *Manager {
	return &Manager{
		cfg:       cfg.withDefaults(),
		vault:     v,
		breakers:  breakers,
		driver:    driver,
		templates: templates,
		poolCfg:   poolCfg,
		pools:     make(map[string]*pool.Pool),
	}
}

// ExecuteTemplate resolves the named template and runs it on the best
// available account, failing over on account-level errors. Statement-level
// errors return immediately without consuming further candidates.
func (m *Manager) ExecuteTemplate(ctx context.Context, template string, params []any, opts ExecOptions) (domain.QueryResult, error) {
	tracer := otel.Tracer("manager")
	ctx, span := tracer.Start(ctx, "Manager.ExecuteTemplate")
	defer span.End()
	span.SetAttributes(attribute.String("query.template", template))

	sqlText, err := m.templates.Get(template)
	if err != nil {
		return domain.QueryResult{}, fmt.Errorf("op=manager.ExecuteTemplate: %w", err)
	}
	if opts.Tag == "" {
		opts.Tag = querytag.Generate()
	}
	span.SetAttributes(attribute.String("query.tag", opts.Tag))

	cands := m.candidates(opts.PreferredAccount)
	if len(cands) == 0 {
		return domain.QueryResult{}, fmt.Errorf("op=manager.ExecuteTemplate: template %q: %w", template, domain.ErrNoAccountsAvailable)
	}

	var lastErr error
	for _, username := range cands {
		br := m.breakers.For(username)
		if !br.CanExecute() {
			continue
		}

		res, err := m.runOn(ctx, username, sqlText, params, opts)
		if err == nil {
			span.SetAttributes(attribute.String("query.account", username))
			return res, nil
		}
		if domain.Classify(err) == domain.KindQuery {
			span.RecordError(err)
			return domain.QueryResult{}, fmt.Errorf("op=manager.ExecuteTemplate: template %q account %q: %w", template, username, err)
		}

		slog.Warn("account failed, trying next candidate",
			slog.String("template", template),
			slog.String("account", username),
			slog.String("kind", string(domain.Classify(err))),
			slog.Any("error", err))
		lastErr = err
	}

	if lastErr != nil {
		span.RecordError(lastErr)
		return domain.QueryResult{}, fmt.Errorf("op=manager.ExecuteTemplate: template %q: %w: last attempt: %v", template, domain.ErrNoAccountsAvailable, lastErr)
	}
	return domain.QueryResult{}, fmt.Errorf("op=manager.ExecuteTemplate: template %q: %w", template, domain.ErrNoAccountsAvailable)
}

// Probe runs the health-check template on one specific account with the
// probe timeout. It goes to that account's pool directly but still honors
// the account's breaker.
func (m *Manager) Probe(ctx context.Context, username string) (time.Duration, error) {
	br := m.breakers.For(username)
	if !br.CanExecute() {
		return 0, fmt.Errorf("op=manager.Probe: account %q: %w", username, domain.ErrBreakerOpen)
	}
	sqlText, err := m.templates.Get(config.TemplateCheckHealth)
	if err != nil {
		return 0, fmt.Errorf("op=manager.Probe: %w", err)
	}
	start := time.Now()
	_, err = m.runOn(ctx, username, sqlText, nil, ExecOptions{Timeout: m.cfg.ProbeTimeout, Tag: querytag.Generate()})
	return time.Since(start), err
}

// candidates orders usernames by (priority asc, health desc) over accounts
// that are active and out of cooldown, with the preferred account moved to
// the head when it qualifies.
func (m *Manager) candidates(preferred string) []string {
	statuses := m.vault.Statuses()
	avail := statuses[:0]
	for _, st := range statuses {
		if st.IsActive && !st.InCooldown {
			avail = append(avail, st)
		}
	}
	sort.SliceStable(avail, func(i, j int) bool {
		if avail[i].Priority != avail[j].Priority {
			return avail[i].Priority < avail[j].Priority
		}
		return avail[i].HealthScore > avail[j].HealthScore
	})

	out := make([]string, 0, len(avail))
	for _, st := range avail {
		out = append(out, st.Username)
	}
	if preferred != "" {
		for i, username := range out {
			if username == preferred && i > 0 {
				copy(out[1:i+1], out[:i])
				out[0] = preferred
				break
			}
		}
	}
	return out
}

// runOn borrows from the account's pool, executes, returns the session, and
// records all outcome bookkeeping (breaker, vault, metrics).
func (m *Manager) runOn(ctx context.Context, username, sqlText string, params []any, opts ExecOptions) (domain.QueryResult, error) {
	br := m.breakers.For(username)

	p, err := m.poolFor(ctx, username)
	if err != nil {
		return domain.QueryResult{}, err
	}

	start := time.Now()
	conn, err := p.Borrow(ctx)
	if err != nil {
		br.RecordFailure()
		m.vault.RecordOutcome(username, false)
		m.nudgeHealth(username, -failureHealthPenalty)
		observability.RecordQuery(username, "borrow_error", time.Since(start).Seconds())
		return domain.QueryResult{}, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = m.cfg.DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := conn.Session.Execute(execCtx, sqlText, params, domain.ExecOptions{
		Timeout:        timeout,
		MaxResultBytes: opts.MaxResultBytes,
		Tag:            opts.Tag,
	})
	elapsed := time.Since(start)

	if err == nil {
		p.Return(conn, false)
		br.RecordSuccess()
		m.vault.RecordOutcome(username, true)
		m.nudgeHealth(username, successHealthBonus)
		observability.RecordQuery(username, "success", elapsed.Seconds())
		return res, nil
	}

	kind := domain.Classify(err)
	if !kind.TripsBreaker() {
		// Statement trouble, not account trouble: the session stays valid.
		p.Return(conn, false)
		observability.RecordQuery(username, string(kind), elapsed.Seconds())
		return domain.QueryResult{}, err
	}

	p.Return(conn, true)
	br.RecordFailure()
	m.vault.RecordOutcome(username, false)
	m.nudgeHealth(username, -failureHealthPenalty)
	observability.RecordQuery(username, string(kind), elapsed.Seconds())
	return domain.QueryResult{}, err
}

func (m *Manager) nudgeHealth(username string, delta float64) {
	st, err := m.vault.Status(username)
	if err != nil {
		return
	}
	_ = m.vault.RecordHealth(username, st.HealthScore+delta)
}

// poolFor returns the account's pool, creating it on first use. Creation is
// deduplicated so concurrent callers share one warm-up.
func (m *Manager) poolFor(ctx context.Context, username string) (*pool.Pool, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("op=manager.poolFor: %w", domain.ErrPoolClosed)
	}
	if p, ok := m.pools[username]; ok {
		m.mu.Unlock()
		return p, nil
	}
	m.mu.Unlock()

	v, err, _ := m.poolGroup.Do(username, func() (any, error) {
		m.mu.Lock()
		if p, ok := m.pools[username]; ok {
			m.mu.Unlock()
			return p, nil
		}
		m.mu.Unlock()

		acct, err := m.vault.Get(username)
		if err != nil {
			return nil, err
		}
		p := pool.New(ctx, acct, m.driver, m.poolCfg)

		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed {
			p.Close()
			return nil, domain.ErrPoolClosed
		}
		m.pools[username] = p
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("op=manager.poolFor: account %q: %w", username, err)
	}
	return v.(*pool.Pool), nil
}

// PoolStats snapshots every live pool, ordered by account.
func (m *Manager) PoolStats() []pool.Stats {
	m.mu.Lock()
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	out := make([]pool.Stats, 0, len(pools))
	for _, p := range pools {
		out = append(out, p.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// BreakerStats snapshots every breaker.
func (m *Manager) BreakerStats() map[string]breaker.Metrics {
	return m.breakers.Snapshot()
}

// Prune closes pools for accounts the vault no longer carries. Called
// periodically by the health monitor after vault reloads.
func (m *Manager) Prune() {
	m.mu.Lock()
	var stale []*pool.Pool
	for username, p := range m.pools {
		if _, err := m.vault.Get(username); err != nil {
			stale = append(stale, p)
			delete(m.pools, username)
			slog.Info("pruned pool for removed account", slog.String("account", username))
		}
	}
	m.mu.Unlock()

	for _, p := range stale {
		p.Close()
	}
}

// Close shuts down every pool. In-flight borrows drain through Return.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := make([]*pool.Pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.pools = make(map[string]*pool.Pool)
	m.mu.Unlock()

	for _, p := range pools {
		p.Close()
	}
}
