package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/cdesk/warehouse-gateway/internal/adapter/httpserver"
	"github.com/cdesk/warehouse-gateway/internal/config"
)

func TestParseOrigins(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"*"}},
		{"*", []string{"*"}},
		{"https://a.example", []string{"https://a.example"}},
		{" https://a.example , https://b.example ", []string{"https://a.example", "https://b.example"}},
		{" , ", []string{"*"}},
	}
	for _, c := range cases {
		if got := ParseOrigins(c.in); !reflect.DeepEqual(got, c.want) {
			t.Errorf("ParseOrigins(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func testRouter() http.Handler {
	ok := func(context.Context) error { return nil }
	srv := &httpserver.Server{VaultCheck: ok, AccountsCheck: ok, QueueCheck: ok}
	cfg := config.Config{CORSAllowOrigins: "*", RateLimitPerMin: 100}
	return BuildRouter(cfg, srv)
}

func TestBuildRouter_CoreRoutes(t *testing.T) {
	h := testRouter()
	for _, path := range []string{"/healthz", "/readyz", "/metrics", "/admin/scheduler", "/admin/queue", "/admin/accounts", "/admin/health", "/admin/insights"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK {
			t.Errorf("GET %s = %d", path, rec.Code)
		}
	}
}

func TestBuildRouter_UnknownRoute404(t *testing.T) {
	h := testRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestBuildRouter_SecurityHeadersApplied(t *testing.T) {
	h := testRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff header")
	}
}

func TestBuildRouter_RequestIDIssued(t *testing.T) {
	h := testRouter()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Header().Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
}
