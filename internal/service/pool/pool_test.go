package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cdesk/warehouse-gateway/internal/domain"
)

type fakeSession struct {
	up      atomic.Bool
	closed  atomic.Bool
	pingErr error
}

func (s *fakeSession) Execute(_ context.Context, _ string, _ []any, _ domain.ExecOptions) (domain.QueryResult, error) {
	return domain.QueryResult{}, nil
}

func (s *fakeSession) Ping(_ context.Context) error {
	if s.pingErr != nil {
		return s.pingErr
	}
	if !s.up.Load() {
		return errors.New("session down")
	}
	return nil
}

func (s *fakeSession) IsUp() bool { return s.up.Load() }

func (s *fakeSession) Close(_ context.Context) error {
	s.closed.Store(true)
	s.up.Store(false)
	return nil
}

type fakeDriver struct {
	mu       sync.Mutex
	dials    int
	fail     error
	pingErr  error
	sessions []*fakeSession
}

func (d *fakeDriver) Connect(_ context.Context, _ domain.Account) (domain.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	d.dials++
	s := &fakeSession{pingErr: d.pingErr}
	s.up.Store(true)
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDriver) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDriver) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sessions[i]
}

func poolAccount() domain.Account {
	return domain.Account{
		Username: "svc_pool",
		Password: "pw",
		Host:     "10.0.0.9",
		Port:     5439,
		Database: "analytics",
	}
}

func quietConfig(minSize, maxSize int, borrowTimeout time.Duration) Config {
	// Interval is long enough that only explicit sweep() calls run during a
	// test.
	return Config{
		MinSize:             minSize,
		MaxSize:             maxSize,
		BorrowTimeout:       borrowTimeout,
		HealthCheckInterval: time.Hour,
		HealthCheckTimeout:  time.Second,
		MaxIdleTime:         30 * time.Minute,
	}
}

func TestNewPrewarmsToMin(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(2, 5, time.Second))
	defer p.Close()

	st := p.Stats()
	if st.Total != 2 || st.Idle != 2 {
		t.Fatalf("expected 2 warm sessions, got %+v", st)
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}
}

func TestBorrowReusesIdleSession(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 3, time.Second))
	defer p.Close()

	c1, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	p.Return(c1, false)

	c2, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	defer p.Return(c2, false)

	if c1.id != c2.id {
		t.Fatalf("expected the returned session to be reissued")
	}
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}
}

func TestBorrowCreatesUpToMaxThenTimesOut(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 2, 60*time.Millisecond))
	defer p.Close()

	c1, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow 1: %v", err)
	}
	c2, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow 2: %v", err)
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}

	if _, err := p.Borrow(context.Background()); !errors.Is(err, domain.ErrPoolExhausted) {
		t.Fatalf("expected ErrPoolExhausted, got %v", err)
	}
	if p.Stats().BorrowTimeouts != 1 {
		t.Fatalf("borrow timeouts = %d, want 1", p.Stats().BorrowTimeouts)
	}

	p.Return(c1, false)
	p.Return(c2, false)
}

func TestBorrowWaitsForReturn(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 1, 2*time.Second))
	defer p.Close()

	c1, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		p.Return(c1, false)
	}()

	start := time.Now()
	c2, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("waiting borrow: %v", err)
	}
	defer p.Return(c2, false)
	if time.Since(start) < 40*time.Millisecond {
		t.Fatalf("borrow returned before the session was given back")
	}
	if c2.id != c1.id {
		t.Fatalf("expected the released session")
	}
}

func TestReturnInvalidDestroysSession(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 3, time.Second))
	defer p.Close()

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	p.Return(c, true)

	if !d.session(0).closed.Load() {
		t.Fatalf("invalidated session was not closed")
	}
	st := p.Stats()
	if st.Total != 0 || st.Destroyed != 1 {
		t.Fatalf("unexpected stats after invalidating return: %+v", st)
	}
}

func TestReturnDownedSessionDestroys(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 3, time.Second))
	defer p.Close()

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	d.session(0).up.Store(false)
	p.Return(c, false)

	if !d.session(0).closed.Load() {
		t.Fatalf("downed session was not closed")
	}
	if p.Stats().Total != 0 {
		t.Fatalf("downed session still counted: %+v", p.Stats())
	}
}

func TestDoubleReturnIgnored(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 3, time.Second))
	defer p.Close()

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	p.Return(c, false)
	p.Return(c, true) // second return must not destroy the pooled session

	st := p.Stats()
	if st.Total != 1 || st.Idle != 1 || st.Destroyed != 0 {
		t.Fatalf("double return corrupted accounting: %+v", st)
	}
}

func TestBorrowSkipsDownedIdleSession(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 2, time.Second))
	defer p.Close()

	d.session(0).up.Store(false)

	c, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}
	defer p.Return(c, false)

	if !d.session(0).closed.Load() {
		t.Fatalf("downed idle session was not destroyed")
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}
}

func TestBorrowSurfacesDialError(t *testing.T) {
	dialErr := errors.New("dial refused")
	d := &fakeDriver{fail: dialErr}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 2, time.Second))
	defer p.Close()

	_, err := p.Borrow(context.Background())
	if !errors.Is(err, dialErr) {
		t.Fatalf("expected dial error, got %v", err)
	}
	if p.Stats().Total != 0 {
		t.Fatalf("failed dial left a reserved slot: %+v", p.Stats())
	}
}

func TestSweepRetiresIdleSessionsButKeepsMin(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 3, time.Second))
	defer p.Close()

	var conns []*Conn
	for i := 0; i < 3; i++ {
		c, err := p.Borrow(context.Background())
		if err != nil {
			t.Fatalf("borrow %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Return(c, false)
	}

	for _, c := range p.drainIdle() {
		c.lastUsed = time.Now().Add(-time.Hour)
		p.idle <- c
	}

	p.sweep()

	st := p.Stats()
	if st.Total != 1 || st.Idle != 1 {
		t.Fatalf("idle pruning should stop at MinSize, got %+v", st)
	}
	if st.Destroyed != 2 {
		t.Fatalf("destroyed = %d, want 2", st.Destroyed)
	}
}

func TestSweepDestroysFailedPingAndReplenishes(t *testing.T) {
	d := &fakeDriver{pingErr: errors.New("ping timeout")}
	p := New(context.Background(), poolAccount(), d, quietConfig(2, 3, time.Second))
	defer p.Close()

	p.sweep()

	st := p.Stats()
	if st.Destroyed != 2 {
		t.Fatalf("destroyed = %d, want 2", st.Destroyed)
	}
	if st.Total != 2 || st.Idle != 2 {
		t.Fatalf("sweep did not replenish to MinSize: %+v", st)
	}
	if !d.session(0).closed.Load() || !d.session(1).closed.Load() {
		t.Fatalf("failed sessions were not closed")
	}
}

func TestSweepReplenishesAfterInvalidation(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(2, 3, time.Second))
	defer p.Close()

	for i := 0; i < 2; i++ {
		c, err := p.Borrow(context.Background())
		if err != nil {
			t.Fatalf("borrow: %v", err)
		}
		p.Return(c, true)
	}
	if p.Stats().Total != 0 {
		t.Fatalf("expected empty pool, got %+v", p.Stats())
	}

	p.sweep()

	if st := p.Stats(); st.Total != 2 || st.Idle != 2 {
		t.Fatalf("sweep did not rebuild MinSize sessions: %+v", st)
	}
}

func TestCloseStopsPool(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 2, time.Second))

	borrowed, err := p.Borrow(context.Background())
	if err != nil {
		t.Fatalf("borrow: %v", err)
	}

	p.Close()

	if _, err := p.Borrow(context.Background()); !errors.Is(err, domain.ErrPoolClosed) {
		t.Fatalf("expected ErrPoolClosed, got %v", err)
	}

	p.Return(borrowed, false)
	if !d.session(0).closed.Load() {
		t.Fatalf("borrowed session not destroyed on return after close")
	}
	if p.Stats().Total != 0 {
		t.Fatalf("sessions survived close: %+v", p.Stats())
	}
}

func TestNoConcurrentDoubleIssue(t *testing.T) {
	d := &fakeDriver{}
	p := New(context.Background(), poolAccount(), d, quietConfig(1, 4, 2*time.Second))
	defer p.Close()

	var held sync.Map
	var wg sync.WaitGroup
	errCh := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Borrow(context.Background())
			if err != nil {
				errCh <- err
				return
			}
			if _, loaded := held.LoadOrStore(c.id, struct{}{}); loaded {
				errCh <- fmt.Errorf("session %d issued twice", c.id)
			}
			time.Sleep(time.Millisecond)
			held.Delete(c.id)
			p.Return(c, false)
		}()
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		t.Errorf("borrow: %v", err)
	}

	st := p.Stats()
	if st.Borrowed != 0 {
		t.Fatalf("sessions still marked borrowed: %+v", st)
	}
	if st.Total > 4 {
		t.Fatalf("pool exceeded MaxSize: %+v", st)
	}
}
