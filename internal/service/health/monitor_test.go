package health

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
)

type probeResult struct {
	latency time.Duration
	err     error
}

type fakeProber struct {
	mu         sync.Mutex
	results    map[string]probeResult
	probed     map[string]int
	breakers   map[string]breaker.Metrics
	pruneCalls int
}

func newFakeProber() *fakeProber {
	return &fakeProber{
		results:  make(map[string]probeResult),
		probed:   make(map[string]int),
		breakers: make(map[string]breaker.Metrics),
	}
}

func (p *fakeProber) Probe(_ context.Context, username string) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probed[username]++
	r := p.results[username]
	return r.latency, r.err
}

func (p *fakeProber) BreakerStats() map[string]breaker.Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]breaker.Metrics, len(p.breakers))
	for k, v := range p.breakers {
		out[k] = v
	}
	return out
}

func (p *fakeProber) Prune() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneCalls++
}

func (p *fakeProber) script(username string, latency time.Duration, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results[username] = probeResult{latency: latency, err: err}
}

func (p *fakeProber) probeCount(username string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probed[username]
}

type healthVault struct {
	mu     sync.Mutex
	status map[string]*domain.AccountStatus
	order  []string
}

func newHealthVault(usernames ...string) *healthVault {
	v := &healthVault{status: make(map[string]*domain.AccountStatus)}
	for i, u := range usernames {
		v.status[u] = &domain.AccountStatus{Username: u, Priority: i, IsActive: true, HealthScore: 100}
		v.order = append(v.order, u)
	}
	return v
}

func (v *healthVault) Statuses() []domain.AccountStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.AccountStatus, 0, len(v.order))
	for _, u := range v.order {
		out = append(out, *v.status[u])
	}
	return out
}

func (v *healthVault) Status(username string) (domain.AccountStatus, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.status[username]
	if !ok {
		return domain.AccountStatus{}, domain.ErrNotFound
	}
	return *st, nil
}

func (v *healthVault) RecordHealth(username string, score float64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	st, ok := v.status[username]
	if !ok {
		return domain.ErrNotFound
	}
	st.HealthScore = score
	return nil
}

func (v *healthVault) setHealth(username string, score float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status[username].HealthScore = score
}

func (v *healthVault) setActive(username string, active bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.status[username].IsActive = active
}

func (v *healthVault) health(username string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status[username].HealthScore
}

func testConfig() Config {
	return Config{
		Interval:             time.Hour,
		DegradedScore:        70,
		CriticalScore:        30,
		MaxFailureRate:       0.2,
		MinAvailableAccounts: 1,
		EWMAAlpha:            0.3,
		LatencyThreshold:     250 * time.Millisecond,
		WindowSize:           10,
		ProbeConcurrency:     2,
	}
}

func drainAlerts(ch <-chan domain.Alert) []domain.Alert {
	var out []domain.Alert
	for {
		select {
		case a := <-ch:
			out = append(out, a)
		default:
			return out
		}
	}
}

func countKind(alerts []domain.Alert, kind domain.AlertKind) int {
	n := 0
	for _, a := range alerts {
		if a.Kind == kind {
			n++
		}
	}
	return n
}

func approx(got, want float64) bool { return math.Abs(got-want) < 0.01 }

func TestScoreRisesOnSuccess(t *testing.T) {
	v := newHealthVault("svc_a")
	v.setHealth("svc_a", 50)
	p := newFakeProber()
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	if got := v.health("svc_a"); !approx(got, 65) {
		t.Fatalf("score = %v, want 65", got)
	}
}

func TestScoreFallsOnFailure(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	if got := v.health("svc_a"); !approx(got, 70) {
		t.Fatalf("score = %v, want 70", got)
	}
}

func TestSlowSuccessDiscountsScore(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	p.script("svc_a", 500*time.Millisecond, nil)
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	// target = 100 * 250ms/500ms = 50; score = 100 + 0.3*(50-100)
	if got := v.health("svc_a"); !approx(got, 85) {
		t.Fatalf("score = %v, want 85", got)
	}
}

func TestDegradedAndCriticalAlertsEdgeTriggered(t *testing.T) {
	v := newHealthVault("svc_a")
	v.setHealth("svc_a", 50)
	p := newFakeProber()
	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()
	m := New(v, p, bus, testConfig())

	m.ProbeAll(context.Background()) // 50 -> 35: degraded
	m.ProbeAll(context.Background()) // 35 -> 24.5: critical
	m.ProbeAll(context.Background()) // 24.5 -> 17.15: both already active

	alerts := drainAlerts(ch)
	if got := countKind(alerts, domain.AlertHealthDegraded); got != 1 {
		t.Fatalf("degraded alerts = %d, want 1", got)
	}
	if got := countKind(alerts, domain.AlertHealthCritical); got != 1 {
		t.Fatalf("critical alerts = %d, want 1", got)
	}
}

func TestDegradedAlertRefiresAfterRecovery(t *testing.T) {
	v := newHealthVault("svc_a")
	v.setHealth("svc_a", 50)
	p := newFakeProber()
	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()
	m := New(v, p, bus, testConfig())

	m.ProbeAll(context.Background()) // degraded fires

	p.script("svc_a", 0, nil)
	for i := 0; i < 10; i++ { // recover well above the threshold
		m.ProbeAll(context.Background())
	}
	if v.health("svc_a") < 70 {
		t.Fatalf("setup: score did not recover, got %v", v.health("svc_a"))
	}

	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	for i := 0; i < 6; i++ { // degrade again
		m.ProbeAll(context.Background())
	}

	alerts := drainAlerts(ch)
	if got := countKind(alerts, domain.AlertHealthDegraded); got != 2 {
		t.Fatalf("degraded alerts = %d, want 2 (one per episode)", got)
	}
}

func TestFailureRateAlert(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()
	m := New(v, p, bus, testConfig())

	// 3 successes, then 2 failures: 5 samples at 40% failure rate.
	for i := 0; i < 3; i++ {
		m.ProbeAll(context.Background())
	}
	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	m.ProbeAll(context.Background())
	m.ProbeAll(context.Background())

	alerts := drainAlerts(ch)
	if got := countKind(alerts, domain.AlertFailureRate); got != 1 {
		t.Fatalf("failure-rate alerts = %d, want 1", got)
	}
}

func TestFailureRateNeedsMinimumSamples(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	p.script("svc_a", 0, domain.NewQueryError(domain.KindNetwork, context.DeadlineExceeded))
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()
	m := New(v, p, bus, testConfig())

	m.ProbeAll(context.Background()) // 1 of 1 failed, but only one sample

	if got := countKind(drainAlerts(ch), domain.AlertFailureRate); got != 0 {
		t.Fatalf("failure-rate fired on %d samples", 1)
	}
}

func TestAvailabilityAlert(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	p.breakers["svc_a"] = breaker.Metrics{
		State:       breaker.StateOpen,
		NextRetryAt: time.Now().Add(time.Minute),
	}
	bus := NewBus()
	defer bus.Close()
	ch, cancel := bus.Subscribe(32)
	defer cancel()
	m := New(v, p, bus, testConfig())

	m.ProbeAll(context.Background())
	m.ProbeAll(context.Background()) // still low, no refire

	alerts := drainAlerts(ch)
	if got := countKind(alerts, domain.AlertAccountsDepleted); got != 1 {
		t.Fatalf("depleted alerts = %d, want 1", got)
	}

	// Breaker recovered: condition clears, next depletion fires again.
	p.mu.Lock()
	delete(p.breakers, "svc_a")
	p.mu.Unlock()
	m.ProbeAll(context.Background())

	v.setActive("svc_a", false)
	m.ProbeAll(context.Background())

	alerts = drainAlerts(ch)
	if got := countKind(alerts, domain.AlertAccountsDepleted); got != 1 {
		t.Fatalf("depleted alerts after recovery = %d, want 1", got)
	}
}

func TestBreakerOpenSkipsScoring(t *testing.T) {
	v := newHealthVault("svc_a")
	p := newFakeProber()
	p.script("svc_a", 0, domain.ErrBreakerOpen)
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	if got := v.health("svc_a"); got != 100 {
		t.Fatalf("score changed without a probe: %v", got)
	}
	if len(m.Stats()) != 0 {
		t.Fatalf("skipped probe produced history: %+v", m.Stats())
	}
}

func TestInactiveAccountsNotProbed(t *testing.T) {
	v := newHealthVault("svc_a", "svc_b")
	v.setActive("svc_b", false)
	p := newFakeProber()
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	if p.probeCount("svc_a") != 1 {
		t.Fatalf("svc_a probes = %d, want 1", p.probeCount("svc_a"))
	}
	if p.probeCount("svc_b") != 0 {
		t.Fatalf("inactive svc_b was probed")
	}
	if p.pruneCalls != 1 {
		t.Fatalf("prune calls = %d, want 1", p.pruneCalls)
	}
}

func TestStatsSnapshot(t *testing.T) {
	v := newHealthVault("svc_b", "svc_a")
	p := newFakeProber()
	p.script("svc_a", 10*time.Millisecond, nil)
	p.script("svc_b", 0, domain.NewQueryError(domain.KindTimeout, context.DeadlineExceeded))
	m := New(v, p, NewBus(), testConfig())

	m.ProbeAll(context.Background())

	stats := m.Stats()
	if len(stats) != 2 {
		t.Fatalf("stats entries = %d, want 2", len(stats))
	}
	if stats[0].Username != "svc_a" || stats[1].Username != "svc_b" {
		t.Fatalf("stats not sorted: %+v", stats)
	}
	if stats[0].LastError != "" || stats[0].Samples != 1 {
		t.Fatalf("svc_a snapshot wrong: %+v", stats[0])
	}
	if stats[1].LastError == "" || stats[1].FailureRate != 1 {
		t.Fatalf("svc_b snapshot wrong: %+v", stats[1])
	}
}
