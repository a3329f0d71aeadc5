// Package usecase contains the application services built on the gateway's
// infrastructure: the ticket scheduler, the insight store, and provenance
// hashing.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/domain"
)

// Executor runs one scheduled query ticket. report publishes coarse progress;
// the scheduler clamps reported values to [0,100] and ignores reports once
// the ticket is terminal.
type Executor interface {
	ExecuteTicket(ctx context.Context, t domain.QueryTicket, report func(pct int)) (domain.QueryResult, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, t domain.QueryTicket, report func(pct int)) (domain.QueryResult, error)

// ExecuteTicket calls f.
func (f ExecutorFunc) ExecuteTicket(ctx context.Context, t domain.QueryTicket, report func(pct int)) (domain.QueryResult, error) {
	return f(ctx, t, report)
}

// SchedulerConfig bounds the ticket queue and its dispatch concurrency.
type SchedulerConfig struct {
	MaxConcurrent int
	QueueCapacity int
	// Retention keeps terminal tickets visible to polls before the sweep
	// removes them, measured from creation.
	Retention     time.Duration
	SweepInterval time.Duration
}

// DefaultSchedulerConfig returns the production defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrent: 5,
		QueueCapacity: 1000,
		Retention:     time.Hour,
		SweepInterval: 60 * time.Second,
	}
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = def.MaxConcurrent
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.Retention <= 0 {
		c.Retention = def.Retention
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	return c
}

// TicketOptions carries per-ticket execution knobs.
type TicketOptions struct {
	// ByteCap limits the materialized result size; zero is unlimited.
	ByteCap int64
}

// SchedulerStats is a point-in-time snapshot for admin and readiness views.
type SchedulerStats struct {
	Pending       int   `json:"pending"`
	Running       int   `json:"running"`
	MaxConcurrent int   `json:"max_concurrent"`
	QueueCapacity int   `json:"queue_capacity"`
	Created       int64 `json:"created"`
	Completed     int64 `json:"completed"`
	Failed        int64 `json:"failed"`
	Cancelled     int64 `json:"cancelled"`
	Swept         int64 `json:"swept"`
}

// Scheduler is a bounded FIFO of query tickets dispatched through an Executor
// with a global concurrency cap. It is the single writer of ticket state;
// callers only ever see snapshot copies. Create never blocks on execution.
type Scheduler struct {
	cfg  SchedulerConfig
	exec Executor

	mu      sync.Mutex
	tickets map[string]*domain.QueryTicket
	queue   []string // pending ticket ids, FIFO
	active  int
	closed  bool

	created   int64
	completed int64
	failed    int64
	cancelled int64
	swept     int64

	wake       chan struct{}
	done       chan struct{}
	wg         sync.WaitGroup
	execCtx    context.Context
	execCancel context.CancelFunc
}

// NewScheduler starts the dispatcher and the terminal-ticket sweeper.
func NewScheduler(exec Executor, cfg SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:        cfg.withDefaults(),
		exec:       exec,
		tickets:    make(map[string]*domain.QueryTicket),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
		execCtx:    ctx,
		execCancel: cancel,
	}
	s.wg.Add(2)
	go s.dispatchLoop()
	go s.sweepLoop()
	return s
}

// Create enqueues a ticket and returns its pending snapshot immediately.
func (s *Scheduler) Create(ctx context.Context, template string, params []any, opts TicketOptions) (domain.QueryTicket, error) {
	if err := ctx.Err(); err != nil {
		return domain.QueryTicket{}, fmt.Errorf("op=tickets.Create: %w", err)
	}
	if template == "" {
		return domain.QueryTicket{}, fmt.Errorf("op=tickets.Create: template required: %w", domain.ErrInvalidArgument)
	}

	t := &domain.QueryTicket{
		ID:        uuid.NewString(),
		Status:    domain.TicketPending,
		Template:  template,
		Params:    append([]any(nil), params...),
		CreatedAt: time.Now().UTC(),
		ByteCap:   opts.ByteCap,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.QueryTicket{}, fmt.Errorf("op=tickets.Create: %w", domain.ErrQueueClosed)
	}
	if len(s.queue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		return domain.QueryTicket{}, fmt.Errorf("op=tickets.Create: %d tickets pending: %w", s.cfg.QueueCapacity, domain.ErrQueueAtCapacity)
	}
	s.tickets[t.ID] = t
	s.queue = append(s.queue, t.ID)
	s.created++
	snapshot := *t
	s.mu.Unlock()

	observability.CreateTicket()
	s.signal()
	return snapshot, nil
}

// Cancel removes a pending ticket from the queue. Any other state, including
// running, reports false and is left untouched.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	t, ok := s.tickets[id]
	if !ok || t.Status != domain.TicketPending {
		s.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	t.Status = domain.TicketCancelled
	t.CompletedAt = &now
	for i, qid := range s.queue {
		if qid == id {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			break
		}
	}
	s.cancelled++
	s.mu.Unlock()

	observability.CancelTicket()
	slog.Info("ticket cancelled", slog.String("ticket_id", id))
	return true
}

// Get returns a snapshot of the ticket.
func (s *Scheduler) Get(id string) (domain.QueryTicket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return domain.QueryTicket{}, fmt.Errorf("op=tickets.Get: %s: %w", id, domain.ErrTicketNotFound)
	}
	return *t, nil
}

// Stats returns a snapshot of queue and lifetime counters.
func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SchedulerStats{
		Pending:       len(s.queue),
		Running:       s.active,
		MaxConcurrent: s.cfg.MaxConcurrent,
		QueueCapacity: s.cfg.QueueCapacity,
		Created:       s.created,
		Completed:     s.completed,
		Failed:        s.failed,
		Cancelled:     s.cancelled,
		Swept:         s.swept,
	}
}

// Close stops dispatching, drains running executions, and joins both loops.
// Pending tickets stay pending; ticket state is in-process only.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()
	s.execCancel()

	st := s.Stats()
	slog.Info("ticket scheduler stopped",
		slog.Int64("created", st.Created),
		slog.Int64("completed", st.Completed),
		slog.Int64("failed", st.Failed),
		slog.Int64("cancelled", st.Cancelled),
		slog.Int("pending", st.Pending))
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
			s.dispatch()
		}
	}
}

// dispatch pops pending tickets in FIFO order while execution slots are free.
// Status is re-checked after the pop so a ticket cancelled between signal and
// dispatch is skipped, never run.
func (s *Scheduler) dispatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.closed && s.active < s.cfg.MaxConcurrent && len(s.queue) > 0 {
		id := s.queue[0]
		s.queue = s.queue[1:]
		t, ok := s.tickets[id]
		if !ok || t.Status != domain.TicketPending {
			continue
		}
		now := time.Now().UTC()
		t.Status = domain.TicketRunning
		t.StartedAt = &now
		s.active++
		observability.StartTicket()

		s.wg.Add(1)
		go s.run(*t)
	}
}

func (s *Scheduler) run(t domain.QueryTicket) {
	defer s.wg.Done()
	ctx, span := otel.Tracer("tickets").Start(s.execCtx, "Scheduler.Dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("ticket.id", t.ID),
		attribute.String("query.template", t.Template),
	)

	res, err := s.exec.ExecuteTicket(ctx, t, func(pct int) { s.reportProgress(t.ID, pct) })
	if err != nil {
		span.RecordError(err)
	}
	s.finish(t.ID, res, err)
}

func (s *Scheduler) finish(id string, res domain.QueryResult, err error) {
	s.mu.Lock()
	t, ok := s.tickets[id]
	if !ok || t.Status != domain.TicketRunning {
		s.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	t.CompletedAt = &now
	s.active--
	status := domain.TicketCompleted
	if err != nil {
		status = domain.TicketFailed
		t.Status = status
		t.Error = err.Error()
		s.failed++
	} else {
		t.Status = status
		t.Result = &res
		t.Progress = 100
		s.completed++
	}
	s.mu.Unlock()

	observability.FinishTicket(string(status))
	if err != nil {
		slog.Warn("ticket failed",
			slog.String("ticket_id", id),
			slog.Any("error", err))
	}
	s.signal()
}

func (s *Scheduler) reportProgress(id string, pct int) {
	if pct < 0 {
		pct = 0
	} else if pct > 100 {
		pct = 100
	}
	s.mu.Lock()
	if t, ok := s.tickets[id]; ok && t.Status == domain.TicketRunning {
		t.Progress = pct
	}
	s.mu.Unlock()
}

func (s *Scheduler) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweep(time.Now())
		}
	}
}

// sweep drops terminal tickets older than the retention window.
func (s *Scheduler) sweep(now time.Time) {
	s.mu.Lock()
	removed := 0
	for id, t := range s.tickets {
		if t.Status.Terminal() && now.Sub(t.CreatedAt) > s.cfg.Retention {
			delete(s.tickets, id)
			removed++
		}
	}
	s.swept += int64(removed)
	s.mu.Unlock()

	if removed > 0 {
		slog.Info("ticket sweep", slog.Int("removed", removed))
	}
}
