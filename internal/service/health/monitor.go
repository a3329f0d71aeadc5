// Package health probes every account on a period, maintains EWMA health
// scores in the vault, and raises alerts on an in-process bus when scores,
// failure rates, or account availability cross thresholds.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
)

// windowMinSamples is the minimum probe count before the failure-rate alert
// can fire. Keeps a single early failure from reading as 100%.
const windowMinSamples = 5

// Config tunes the monitor.
type Config struct {
	Interval             time.Duration
	DegradedScore        float64
	CriticalScore        float64
	MaxFailureRate       float64
	MinAvailableAccounts int
	// EWMAAlpha weights the newest probe when folding it into the score.
	EWMAAlpha float64
	// LatencyThreshold is where slow successes start discounting the score.
	LatencyThreshold time.Duration
	// WindowSize bounds the per-account probe outcome window.
	WindowSize int
	// ProbeConcurrency bounds parallel probes per tick.
	ProbeConcurrency int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Interval:             30 * time.Second,
		DegradedScore:        70,
		CriticalScore:        30,
		MaxFailureRate:       0.2,
		MinAvailableAccounts: 1,
		EWMAAlpha:            0.3,
		LatencyThreshold:     250 * time.Millisecond,
		WindowSize:           20,
		ProbeConcurrency:     4,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.DegradedScore <= 0 {
		c.DegradedScore = def.DegradedScore
	}
	if c.CriticalScore <= 0 {
		c.CriticalScore = def.CriticalScore
	}
	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = def.MaxFailureRate
	}
	if c.MinAvailableAccounts <= 0 {
		c.MinAvailableAccounts = def.MinAvailableAccounts
	}
	if c.EWMAAlpha <= 0 || c.EWMAAlpha > 1 {
		c.EWMAAlpha = def.EWMAAlpha
	}
	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = def.LatencyThreshold
	}
	if c.WindowSize <= 0 {
		c.WindowSize = def.WindowSize
	}
	if c.ProbeConcurrency <= 0 {
		c.ProbeConcurrency = def.ProbeConcurrency
	}
	return c
}

// Prober is the slice of the connection manager the monitor needs.
type Prober interface {
	Probe(ctx context.Context, username string) (time.Duration, error)
	BreakerStats() map[string]breaker.Metrics
	Prune()
}

// Vault is the slice of the credential vault the monitor needs.
type Vault interface {
	Statuses() []domain.AccountStatus
	Status(username string) (domain.AccountStatus, error)
	RecordHealth(username string, score float64) error
}

// AccountHealth is a per-account snapshot for operators.
type AccountHealth struct {
	Username    string        `json:"username"`
	Score       float64       `json:"score"`
	FailureRate float64       `json:"failure_rate"`
	Samples     int           `json:"samples"`
	LastLatency time.Duration `json:"last_latency_ns"`
	LastProbeAt time.Time     `json:"last_probe_at"`
	LastError   string        `json:"last_error,omitempty"`
}

type accountTrack struct {
	outcomes []bool // ring of recent probe successes
	next     int
	filled   int

	lastLatency time.Duration
	lastProbeAt time.Time
	lastError   string

	degradedActive bool
	criticalActive bool
	failRateActive bool
}

func (t *accountTrack) record(ok bool) {
	if t.next >= len(t.outcomes) {
		t.next = 0
	}
	t.outcomes[t.next] = ok
	t.next++
	if t.filled < len(t.outcomes) {
		t.filled++
	}
}

func (t *accountTrack) failureRate() (float64, int) {
	if t.filled == 0 {
		return 0, 0
	}
	failures := 0
	for i := 0; i < t.filled; i++ {
		if !t.outcomes[i] {
			failures++
		}
	}
	return float64(failures) / float64(t.filled), t.filled
}

// Monitor owns the probe loop. Safe for concurrent use.
type Monitor struct {
	cfg    Config
	vault  Vault
	prober Prober
	bus    *Bus

	mu       sync.Mutex
	tracks   map[string]*accountTrack
	availLow bool
}

// New wires the monitor. The bus is shared with subscribers; the monitor
// does not own its lifecycle.
func New(v Vault, prober Prober, bus *Bus, cfg Config) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		vault:  v,
		prober: prober,
		bus:    bus,
		tracks: make(map[string]*accountTrack),
	}
}

// Run probes once immediately, then on every tick until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("health monitor started", slog.Duration("interval", m.cfg.Interval))
	m.ProbeAll(ctx)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one probe round over all active accounts.
func (m *Monitor) ProbeAll(ctx context.Context) {
	statuses := m.vault.Statuses()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ProbeConcurrency)
	for _, st := range statuses {
		if !st.IsActive {
			continue
		}
		username := st.Username
		g.Go(func() error {
			m.probeOne(gctx, username)
			return nil
		})
	}
	_ = g.Wait()

	m.evaluateAvailability(statuses)
	m.prober.Prune()
}

func (m *Monitor) probeOne(ctx context.Context, username string) {
	latency, err := m.prober.Probe(ctx, username)
	if errors.Is(err, domain.ErrBreakerOpen) {
		// No probe was issued; the breaker owns recovery timing.
		return
	}

	st, serr := m.vault.Status(username)
	if serr != nil {
		return
	}
	score := m.nextScore(st.HealthScore, latency, err)
	if rerr := m.vault.RecordHealth(username, score); rerr != nil {
		return
	}
	observability.HealthScore.WithLabelValues(username).Set(score)

	m.mu.Lock()
	defer m.mu.Unlock()
	track := m.trackLocked(username)
	track.record(err == nil)
	track.lastLatency = latency
	track.lastProbeAt = time.Now()
	if err != nil {
		track.lastError = err.Error()
		slog.Warn("health probe failed",
			slog.String("account", username),
			slog.Any("error", err))
	} else {
		track.lastError = ""
	}
	m.evaluateAccountLocked(username, score, track)
}

// nextScore folds one probe outcome into the EWMA. Successes pull toward
// 100, discounted when latency runs past the threshold; failures pull
// toward 0.
func (m *Monitor) nextScore(current float64, latency time.Duration, err error) float64 {
	target := 0.0
	if err == nil {
		target = 100
		if latency > m.cfg.LatencyThreshold {
			target = 100 * float64(m.cfg.LatencyThreshold) / float64(latency)
		}
	}
	score := current + m.cfg.EWMAAlpha*(target-current)
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return score
}

func (m *Monitor) trackLocked(username string) *accountTrack {
	track, ok := m.tracks[username]
	if !ok {
		track = &accountTrack{outcomes: make([]bool, m.cfg.WindowSize)}
		m.tracks[username] = track
	}
	return track
}

// evaluateAccountLocked raises edge-triggered alerts for one account.
func (m *Monitor) evaluateAccountLocked(username string, score float64, track *accountTrack) {
	now := time.Now()

	if score < m.cfg.DegradedScore {
		if !track.degradedActive {
			track.degradedActive = true
			m.bus.Publish(domain.Alert{
				Kind:      domain.AlertHealthDegraded,
				Account:   username,
				Message:   fmt.Sprintf("health score %.1f below %.0f", score, m.cfg.DegradedScore),
				Value:     score,
				Threshold: m.cfg.DegradedScore,
				At:        now,
			})
		}
	} else {
		track.degradedActive = false
	}

	if score < m.cfg.CriticalScore {
		if !track.criticalActive {
			track.criticalActive = true
			m.bus.Publish(domain.Alert{
				Kind:      domain.AlertHealthCritical,
				Account:   username,
				Message:   fmt.Sprintf("health score %.1f below %.0f", score, m.cfg.CriticalScore),
				Value:     score,
				Threshold: m.cfg.CriticalScore,
				At:        now,
			})
		}
	} else {
		track.criticalActive = false
	}

	rate, samples := track.failureRate()
	if samples >= windowMinSamples && rate > m.cfg.MaxFailureRate {
		if !track.failRateActive {
			track.failRateActive = true
			m.bus.Publish(domain.Alert{
				Kind:      domain.AlertFailureRate,
				Account:   username,
				Message:   fmt.Sprintf("failure rate %.0f%% over last %d probes", rate*100, samples),
				Value:     rate,
				Threshold: m.cfg.MaxFailureRate,
				At:        now,
			})
		}
	} else {
		track.failRateActive = false
	}
}

// evaluateAvailability counts selectable accounts and alerts when the count
// drops below the configured floor.
func (m *Monitor) evaluateAvailability(statuses []domain.AccountStatus) {
	breakers := m.prober.BreakerStats()
	now := time.Now()

	available := 0
	for _, st := range statuses {
		if !st.IsActive || st.InCooldown {
			continue
		}
		if bm, ok := breakers[st.Username]; ok {
			if bm.State == breaker.StateOpen && now.Before(bm.NextRetryAt) {
				continue
			}
		}
		available++
	}
	observability.AccountsAvailable.Set(float64(available))

	m.mu.Lock()
	defer m.mu.Unlock()
	if available < m.cfg.MinAvailableAccounts {
		if !m.availLow {
			m.availLow = true
			m.bus.Publish(domain.Alert{
				Kind:      domain.AlertAccountsDepleted,
				Message:   fmt.Sprintf("%d of %d accounts available", available, len(statuses)),
				Value:     float64(available),
				Threshold: float64(m.cfg.MinAvailableAccounts),
				At:        now,
			})
		}
	} else {
		m.availLow = false
	}
}

// Stats snapshots per-account probe history, ordered by username.
func (m *Monitor) Stats() []AccountHealth {
	scores := make(map[string]float64)
	for _, st := range m.vault.Statuses() {
		scores[st.Username] = st.HealthScore
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AccountHealth, 0, len(m.tracks))
	for username, track := range m.tracks {
		rate, samples := track.failureRate()
		out = append(out, AccountHealth{
			Username:    username,
			Score:       scores[username],
			FailureRate: rate,
			Samples:     samples,
			LastLatency: track.lastLatency,
			LastProbeAt: track.lastProbeAt,
			LastError:   track.lastError,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}
