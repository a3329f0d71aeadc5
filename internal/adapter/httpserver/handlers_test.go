package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
	"github.com/cdesk/warehouse-gateway/internal/service/eventqueue"
	"github.com/cdesk/warehouse-gateway/internal/service/health"
	"github.com/cdesk/warehouse-gateway/internal/service/pool"
	"github.com/cdesk/warehouse-gateway/internal/usecase"
)

type fakeAccounts struct{ statuses []domain.AccountStatus }

func (f fakeAccounts) Statuses() []domain.AccountStatus { return f.statuses }

type fakeDispatch struct {
	breakers map[string]breaker.Metrics
	pools    []pool.Stats
}

func (f fakeDispatch) BreakerStats() map[string]breaker.Metrics { return f.breakers }
func (f fakeDispatch) PoolStats() []pool.Stats { return f.pools }

type fakeHealth struct{ stats []health.AccountHealth }

func (f fakeHealth) Stats() []health.AccountHealth { return f.stats }

type fakeTickets struct {
	ticket domain.QueryTicket
	err    error
	stats  usecase.SchedulerStats
}

func (f fakeTickets) Get(string) (domain.QueryTicket, error) { return f.ticket, f.err }
func (f fakeTickets) Stats() usecase.SchedulerStats { return f.stats }

type fakeQueue struct{ health eventqueue.Health }

func (f fakeQueue) Health() eventqueue.Health { return f.health }

type fakeInsights struct{ stats usecase.InsightStats }

func (f fakeInsights) Stats() usecase.InsightStats { return f.stats }

type fakeProvenance struct{ stats usecase.ProvenanceStats }

func (f fakeProvenance) Stats() usecase.ProvenanceStats { return f.stats }

func TestAccountsHandler_MergesVaultBreakerPool(t *testing.T) {
	retry := time.Now().Add(time.Minute).UTC()
	s := &Server{
		Accounts: fakeAccounts{statuses: []domain.AccountStatus{
			{Username: "svc_a", Priority: 1, IsActive: true, InCooldown: true, ConsecutiveFailures: 3, HealthScore: 42.5},
		}},
		Dispatch: fakeDispatch{
			breakers: map[string]breaker.Metrics{
				"svc_a": {Account: "svc_a", State: breaker.StateOpen, TotalFailures: 7, NextRetryAt: retry},
			},
			pools: []pool.Stats{{Account: "svc_a", Total: 4, Idle: 2, Borrowed: 2}},
		},
	}

	rec := httptest.NewRecorder()
	s.AccountsHandler()(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Accounts []map[string]any `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Accounts) != 1 {
		t.Fatalf("accounts = %d", len(body.Accounts))
	}
	a := body.Accounts[0]
	if a["username"] != "svc_a" || a["breaker_state"] != "open" {
		t.Errorf("merged view = %v", a)
	}
	if a["in_cooldown"] != true || a["health_score"] != 42.5 {
		t.Errorf("vault fields = %v", a)
	}
	if a["pool_borrowed"] != float64(2) {
		t.Errorf("pool_borrowed = %v", a["pool_borrowed"])
	}
	if _, ok := a["next_retry_at"]; !ok {
		t.Error("next_retry_at missing for open breaker")
	}
}

func TestAccountsHandler_NilSourcesRenderEmpty(t *testing.T) {
	s := &Server{}
	rec := httptest.NewRecorder()
	s.AccountsHandler()(rec, httptest.NewRequest(http.MethodGet, "/admin/accounts", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Accounts []any `json:"accounts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Accounts) != 0 {
		t.Errorf("accounts = %v", body.Accounts)
	}
}

func TestTicketHandler_ReturnsView(t *testing.T) {
	started := time.Now().Add(-time.Minute).UTC()
	done := time.Now().UTC()
	s := &Server{Tickets: fakeTickets{ticket: domain.QueryTicket{
		ID:          "tick-1",
		Status:      domain.TicketCompleted,
		Template:    "INSIGHTS_BY_CUSTOMER",
		Progress:    100,
		CreatedAt:   started,
		StartedAt:   &started,
		CompletedAt: &done,
		Result:      &domain.QueryResult{RowCount: 3},
	}}}

	r := chi.NewRouter()
	r.Get("/admin/tickets/{id}", s.TicketHandler())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tickets/tick-1", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var v map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if v["ticket_id"] != "tick-1" || v["status"] != "completed" {
		t.Errorf("view = %v", v)
	}
	if v["row_count"] != float64(3) {
		t.Errorf("row_count = %v", v["row_count"])
	}
	if _, ok := v["error"]; ok {
		t.Error("error field should be omitted when empty")
	}
}

func TestTicketHandler_UnknownIs404(t *testing.T) {
	s := &Server{Tickets: fakeTickets{err: fmt.Errorf("op=tickets.Get: %w", domain.ErrTicketNotFound)}}

	r := chi.NewRouter()
	r.Get("/admin/tickets/{id}", s.TicketHandler())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/tickets/ghost", nil))

	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	var env errorEnvelope
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if env.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %s", env.Error.Code)
	}
}

func TestSchedulerHandler_ReturnsStats(t *testing.T) {
	s := &Server{Tickets: fakeTickets{stats: usecase.SchedulerStats{Pending: 2, Running: 1, MaxConcurrent: 5}}}
	rec := httptest.NewRecorder()
	s.SchedulerHandler()(rec, httptest.NewRequest(http.MethodGet, "/admin/scheduler", nil))

	var st usecase.SchedulerStats
	if err := json.Unmarshal(rec.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Pending != 2 || st.Running != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestQueueHandler_ReturnsHealth(t *testing.T) {
	s := &Server{Queue: fakeQueue{health: eventqueue.Health{Writable: true, TotalEvents: 9}}}
	rec := httptest.NewRecorder()
	s.QueueHandler()(rec, httptest.NewRequest(http.MethodGet, "/admin/queue", nil))

	var h eventqueue.Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !h.Writable || h.TotalEvents != 9 {
		t.Errorf("health = %+v", h)
	}
}

func TestInsightsHandler_ReturnsBothCounterSets(t *testing.T) {
	s := &Server{
		Insights:   fakeInsights{stats: usecase.InsightStats{Customers: 2, Atoms: 17, RingHits: 5}},
		Provenance: fakeProvenance{stats: usecase.ProvenanceStats{Cached: 4, Writes: 4, CacheHits: 9}},
	}
	rec := httptest.NewRecorder()
	s.InsightsHandler()(rec, httptest.NewRequest(http.MethodGet, "/admin/insights", nil))

	var body struct {
		Store      usecase.InsightStats    `json:"store"`
		Provenance usecase.ProvenanceStats `json:"provenance"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Store.Atoms != 17 || body.Store.RingHits != 5 {
		t.Errorf("store = %+v", body.Store)
	}
	if body.Provenance.CacheHits != 9 {
		t.Errorf("provenance = %+v", body.Provenance)
	}
}

func TestReadyzHandler_AllChecksPass(t *testing.T) {
	ok := func(context.Context) error { return nil }
	s := &Server{VaultCheck: ok, AccountsCheck: ok, QueueCheck: ok}

	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
}

func TestReadyzHandler_FailingCheckFlips503(t *testing.T) {
	ok := func(context.Context) error { return nil }
	s := &Server{
		VaultCheck:    ok,
		AccountsCheck: func(context.Context) error { return errors.New("no accounts available") },
		QueueCheck:    ok,
	}

	rec := httptest.NewRecorder()
	s.ReadyzHandler()(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Checks []struct {
			Name    string `json:"name"`
			OK      bool   `json:"ok"`
			Details string `json:"details"`
		} `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Checks) != 3 {
		t.Fatalf("checks = %d", len(body.Checks))
	}
	if body.Checks[1].Name != "accounts" || body.Checks[1].OK {
		t.Errorf("accounts check = %+v", body.Checks[1])
	}
}

func TestWriteError_MapsSentinels(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrInvalidArgument, http.StatusBadRequest, "INVALID_ARGUMENT"},
		{domain.ErrTicketNotFound, http.StatusNotFound, "NOT_FOUND"},
		{domain.ErrQueueAtCapacity, http.StatusTooManyRequests, "QUEUE_AT_CAPACITY"},
		{domain.ErrNoAccountsAvailable, http.StatusServiceUnavailable, "NO_ACCOUNTS_AVAILABLE"},
		{domain.ErrVaultSealed, http.StatusServiceUnavailable, "VAULT_SEALED"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}
	for _, c := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, fmt.Errorf("op=test: %w", c.err))
		if rec.Code != c.status {
			t.Errorf("%v: status = %d, want %d", c.err, rec.Code, c.status)
		}
		var env errorEnvelope
		if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if env.Error.Code != c.code {
			t.Errorf("%v: code = %s, want %s", c.err, env.Error.Code, c.code)
		}
	}
}
