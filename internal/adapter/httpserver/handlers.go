package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cdesk/warehouse-gateway/internal/config"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
	"github.com/cdesk/warehouse-gateway/internal/service/eventqueue"
	"github.com/cdesk/warehouse-gateway/internal/service/health"
	"github.com/cdesk/warehouse-gateway/internal/service/pool"
	"github.com/cdesk/warehouse-gateway/internal/usecase"
)

// AccountSource provides vault account snapshots.
type AccountSource interface {
	Statuses() []domain.AccountStatus
}

// DispatchSource provides breaker and pool snapshots from the manager.
type DispatchSource interface {
	BreakerStats() map[string]breaker.Metrics
	PoolStats() []pool.Stats
}

// HealthSource provides the monitor's per-account EWMA view.
type HealthSource interface {
	Stats() []health.AccountHealth
}

// TicketSource provides read access to the scheduler.
type TicketSource interface {
	Get(id string) (domain.QueryTicket, error)
	Stats() usecase.SchedulerStats
}

// QueueSource provides event queue health.
type QueueSource interface {
	Health() eventqueue.Health
}

// InsightSource provides insight store counters.
type InsightSource interface {
	Stats() usecase.InsightStats
}

// ProvenanceSource provides provenance ledger counters.
type ProvenanceSource interface {
	Stats() usecase.ProvenanceStats
}

// Server aggregates handler dependencies. Any nil source renders as absent
// in the corresponding snapshot rather than failing the request.
type Server struct {
	Cfg        config.Config
	Accounts   AccountSource
	Dispatch   DispatchSource
	Health     HealthSource
	Tickets    TicketSource
	Queue      QueueSource
	Insights   InsightSource
	Provenance ProvenanceSource

	VaultCheck    func(ctx context.Context) error
	AccountsCheck func(ctx context.Context) error
	QueueCheck    func(ctx context.Context) error
}

// accountView is the admin wire shape for one account: vault state merged
// with breaker and pool runtime.
type accountView struct {
	Username            string  `json:"username"`
	Priority            int     `json:"priority"`
	IsActive            bool    `json:"is_active"`
	InCooldown          bool    `json:"in_cooldown"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
	HealthScore         float64 `json:"health_score"`

	BreakerState   string     `json:"breaker_state,omitempty"`
	TotalFailures  int64      `json:"total_failures,omitempty"`
	TotalSuccesses int64      `json:"total_successes,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`

	PoolTotal    int `json:"pool_total"`
	PoolIdle     int `json:"pool_idle"`
	PoolBorrowed int `json:"pool_borrowed"`
}

// AccountsHandler returns the merged per-account snapshot.
func (s *Server) AccountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var statuses []domain.AccountStatus
		if s.Accounts != nil {
			statuses = s.Accounts.Statuses()
		}
		var breakers map[string]breaker.Metrics
		pools := map[string]pool.Stats{}
		if s.Dispatch != nil {
			breakers = s.Dispatch.BreakerStats()
			for _, ps := range s.Dispatch.PoolStats() {
				pools[ps.Account] = ps
			}
		}

		out := make([]accountView, 0, len(statuses))
		for _, st := range statuses {
			v := accountView{
				Username:            st.Username,
				Priority:            st.Priority,
				IsActive:            st.IsActive,
				InCooldown:          st.InCooldown,
				ConsecutiveFailures: st.ConsecutiveFailures,
				HealthScore:         st.HealthScore,
			}
			if bm, ok := breakers[st.Username]; ok {
				v.BreakerState = bm.State.String()
				v.TotalFailures = bm.TotalFailures
				v.TotalSuccesses = bm.TotalSuccesses
				if !bm.NextRetryAt.IsZero() {
					t := bm.NextRetryAt
					v.NextRetryAt = &t
				}
			}
			if ps, ok := pools[st.Username]; ok {
				v.PoolTotal = ps.Total
				v.PoolIdle = ps.Idle
				v.PoolBorrowed = ps.Borrowed
			}
			out = append(out, v)
		}
		writeJSON(w, http.StatusOK, map[string]any{"accounts": out})
	}
}

// HealthStatsHandler returns the monitor's probe view per account.
func (s *Server) HealthStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var stats []health.AccountHealth
		if s.Health != nil {
			stats = s.Health.Stats()
		}
		writeJSON(w, http.StatusOK, map[string]any{"health": stats})
	}
}

// ticketView is the admin wire shape for one ticket.
type ticketView struct {
	ID          string     `json:"ticket_id"`
	Status      string     `json:"status"`
	Template    string     `json:"template"`
	Progress    int        `json:"progress"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RowCount    *int       `json:"row_count,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// TicketHandler returns one ticket's status by id.
func (s *Server) TicketHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.Tickets == nil {
			writeError(w, domain.ErrTicketNotFound)
			return
		}
		id := chi.URLParam(r, "id")
		t, err := s.Tickets.Get(id)
		if err != nil {
			writeError(w, err)
			return
		}
		v := ticketView{
			ID:          t.ID,
			Status:      string(t.Status),
			Template:    t.Template,
			Progress:    t.Progress,
			CreatedAt:   t.CreatedAt,
			StartedAt:   t.StartedAt,
			CompletedAt: t.CompletedAt,
			Error:       t.Error,
		}
		if t.Result != nil {
			rc := t.Result.RowCount
			v.RowCount = &rc
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// SchedulerHandler returns scheduler counters.
func (s *Server) SchedulerHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.Tickets == nil {
			writeJSON(w, http.StatusOK, usecase.SchedulerStats{})
			return
		}
		writeJSON(w, http.StatusOK, s.Tickets.Stats())
	}
}

// QueueHandler returns event queue health and counters.
func (s *Server) QueueHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		if s.Queue == nil {
			writeJSON(w, http.StatusOK, eventqueue.Health{})
			return
		}
		writeJSON(w, http.StatusOK, s.Queue.Health())
	}
}

// InsightsHandler returns insight store and provenance ledger counters.
func (s *Server) InsightsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		var store usecase.InsightStats
		if s.Insights != nil {
			store = s.Insights.Stats()
		}
		var prov usecase.ProvenanceStats
		if s.Provenance != nil {
			prov = s.Provenance.Stats()
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"store":      store,
			"provenance": prov,
		})
	}
}

// ReadyzHandler probes the vault, account availability, and the event
// queue. Any failing check flips the response to 503.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 3)
		run := func(name string, fn func(ctx context.Context) error) {
			if fn == nil {
				return
			}
			if err := fn(ctx); err != nil {
				checks = append(checks, check{Name: name, OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: name, OK: true})
			}
		}
		run("vault", s.VaultCheck)
		run("accounts", s.AccountsCheck)
		run("event_queue", s.QueueCheck)

		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
