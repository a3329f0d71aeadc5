package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_queries_total",
			Help: "Total warehouse queries by account and outcome",
		},
		[]string{"account", "outcome"},
	)
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_query_duration_seconds",
			Help:    "Warehouse query duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"account"},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_breaker_state",
			Help: "Circuit breaker state per account (0=closed, 1=half_open, 2=open)",
		},
		[]string{"account"},
	)
	BreakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_breaker_transitions_total",
			Help: "Circuit breaker transitions by account and target state",
		},
		[]string{"account", "to"},
	)

	PoolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_connections",
			Help: "Connections owned by each account pool",
		},
		[]string{"account"},
	)
	PoolBorrowed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_pool_borrowed",
			Help: "Connections currently borrowed from each account pool",
		},
		[]string{"account"},
	)

	TicketsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_tickets_created_total",
			Help: "Total query tickets created",
		},
	)
	TicketsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tickets_finished_total",
			Help: "Total query tickets finished by terminal status",
		},
		[]string{"status"},
	)
	TicketsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_tickets_active",
			Help: "Query tickets currently executing",
		},
	)
	TicketQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_ticket_queue_depth",
			Help: "Query tickets waiting for dispatch",
		},
	)

	EventsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_events_queued_total",
			Help: "Total events accepted by the ingest queue",
		},
	)
	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_events_dropped_total",
			Help: "Events rejected or dropped by the ingest queue, by reason",
		},
		[]string{"reason"},
	)
	QueueRotationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_queue_rotations_total",
			Help: "Total event file rotations",
		},
	)
	QueueWriteDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gateway_queue_write_duration_seconds",
			Help:    "Event append latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		},
	)
	FileReadyPublishedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_file_ready_published_total",
			Help: "File-ready notifications delivered to the upload topic",
		},
	)

	InsightWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_insight_writes_total",
			Help: "Total insight atoms recorded",
		},
	)
	ProvenanceWritesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gateway_provenance_writes_total",
			Help: "Total provenance records stored",
		},
	)

	HealthScore = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gateway_account_health_score",
			Help: "EWMA health score per account [0,100]",
		},
		[]string{"account"},
	)
	AccountsAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_accounts_available",
			Help: "Accounts currently selectable for dispatch",
		},
	)
	AlertsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_alerts_total",
			Help: "Health alerts published by kind",
		},
		[]string{"kind"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(QueriesTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(BreakerState)
	prometheus.MustRegister(BreakerTransitionsTotal)
	prometheus.MustRegister(PoolSize)
	prometheus.MustRegister(PoolBorrowed)
	prometheus.MustRegister(TicketsCreatedTotal)
	prometheus.MustRegister(TicketsFinishedTotal)
	prometheus.MustRegister(TicketsActive)
	prometheus.MustRegister(TicketQueueDepth)
	prometheus.MustRegister(EventsQueuedTotal)
	prometheus.MustRegister(EventsDroppedTotal)
	prometheus.MustRegister(QueueRotationsTotal)
	prometheus.MustRegister(QueueWriteDuration)
	prometheus.MustRegister(FileReadyPublishedTotal)
	prometheus.MustRegister(InsightWritesTotal)
	prometheus.MustRegister(ProvenanceWritesTotal)
	prometheus.MustRegister(HealthScore)
	prometheus.MustRegister(AccountsAvailable)
	prometheus.MustRegister(AlertsTotal)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}

// RecordQuery tracks one warehouse execute outcome.
func RecordQuery(account, outcome string, seconds float64) {
	QueriesTotal.WithLabelValues(account, outcome).Inc()
	QueryDuration.WithLabelValues(account).Observe(seconds)
}

// SetBreakerState publishes the numeric gauge for an account's breaker.
func SetBreakerState(account, state string) {
	var v float64
	switch state {
	case "half_open":
		v = 1
	case "open":
		v = 2
	}
	BreakerState.WithLabelValues(account).Set(v)
	BreakerTransitionsTotal.WithLabelValues(account, state).Inc()
}

func CreateTicket() {
	TicketsCreatedTotal.Inc()
	TicketQueueDepth.Inc()
}

func StartTicket() {
	TicketQueueDepth.Dec()
	TicketsActive.Inc()
}

func FinishTicket(status string) {
	TicketsActive.Dec()
	TicketsFinishedTotal.WithLabelValues(status).Inc()
}

// CancelTicket accounts for a ticket removed from the queue before dispatch.
func CancelTicket() {
	TicketQueueDepth.Dec()
	TicketsFinishedTotal.WithLabelValues("cancelled").Inc()
}

func RecordInsightWrite() {
	InsightWritesTotal.Inc()
}

func RecordProvenanceWrite() {
	ProvenanceWritesTotal.Inc()
}

func RecordEventQueued(seconds float64) {
	EventsQueuedTotal.Inc()
	QueueWriteDuration.Observe(seconds)
}

func RecordEventDropped(reason string) {
	EventsDroppedTotal.WithLabelValues(reason).Inc()
}

func RecordRotation() {
	QueueRotationsTotal.Inc()
}

func RecordFileReadyPublished() {
	FileReadyPublishedTotal.Inc()
}

func RecordAlert(kind string) {
	AlertsTotal.WithLabelValues(kind).Inc()
}
