// Command gateway starts the warehouse gateway core: the credential vault,
// per-account circuit breakers and connection pools behind the connection
// manager, the health monitor, the ticket scheduler, the insight store, and
// the NDJSON event queue, fronted by a read-only ops HTTP surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	rediscache "github.com/cdesk/warehouse-gateway/internal/adapter/cache/redis"
	"github.com/cdesk/warehouse-gateway/internal/adapter/httpserver"
	"github.com/cdesk/warehouse-gateway/internal/adapter/notify/redpanda"
	"github.com/cdesk/warehouse-gateway/internal/adapter/observability"
	"github.com/cdesk/warehouse-gateway/internal/adapter/warehouse/pgwire"
	"github.com/cdesk/warehouse-gateway/internal/adapter/warehouse/stub"
	"github.com/cdesk/warehouse-gateway/internal/app"
	"github.com/cdesk/warehouse-gateway/internal/config"
	"github.com/cdesk/warehouse-gateway/internal/domain"
	"github.com/cdesk/warehouse-gateway/internal/service/breaker"
	"github.com/cdesk/warehouse-gateway/internal/service/eventqueue"
	"github.com/cdesk/warehouse-gateway/internal/service/health"
	"github.com/cdesk/warehouse-gateway/internal/service/manager"
	"github.com/cdesk/warehouse-gateway/internal/service/pool"
	"github.com/cdesk/warehouse-gateway/internal/service/vault"
	"github.com/cdesk/warehouse-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	templates, err := config.LoadTemplates(cfg.TemplatesPath)
	if err != nil {
		slog.Error("template catalog load failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("template catalog loaded", slog.Int("templates", len(templates)))

	// Credential vault
	vlt, err := vault.Open(vault.Config{
		Path:          cfg.VaultPath,
		Secret:        cfg.VaultSecret,
		KDFIterations: cfg.VaultKDFIterations,
		Watch:         cfg.VaultWatch,
	})
	if err != nil {
		slog.Error("vault open failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("vault opened",
		slog.String("path", cfg.VaultPath),
		slog.Int("accounts", len(vlt.Statuses())))

	// Dispatch core: breakers, driver, pools, manager
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:  cfg.BreakerFailureThreshold,
		RecoveryTimeout:   cfg.BreakerRecoveryTimeout,
		SuccessThreshold:  cfg.BreakerSuccessThreshold,
		TimeWindow:        cfg.BreakerTimeWindow,
		MaxBackoff:        cfg.BreakerMaxBackoff,
		BackoffMultiplier: cfg.BreakerBackoffMultiplier,
	})

	var driver domain.Driver
	switch cfg.WarehouseDriver {
	case "pgwire":
		driver = pgwire.New(cfg.OTELServiceName, cfg.PoolConnectionTimeout)
	case "stub":
		driver = stub.New()
		slog.Warn("using the stub warehouse driver; no warehouse is reached")
	default:
		slog.Error("unknown warehouse driver", slog.String("driver", cfg.WarehouseDriver))
		os.Exit(1)
	}

	mgr := manager.New(vlt, breakers, driver, templates, pool.Config{
		MinSize:             cfg.PoolMinSize,
		MaxSize:             cfg.PoolMaxSize,
		BorrowTimeout:       cfg.PoolConnectionTimeout,
		HealthCheckInterval: cfg.PoolHealthCheckInterval,
		HealthCheckTimeout:  cfg.PoolHealthCheckTimeout,
		MaxIdleTime:         cfg.PoolMaxIdleTime,
	}, manager.Config{
		ProbeTimeout: cfg.HealthProbeTimeout,
	})

	bus := health.NewBus()
	mon := health.New(vlt, mgr, bus, health.Config{
		Interval:             cfg.HealthCheckInterval,
		DegradedScore:        cfg.HealthDegradedScore,
		CriticalScore:        cfg.HealthCriticalScore,
		MaxFailureRate:       cfg.HealthMaxFailureRate,
		MinAvailableAccounts: cfg.HealthMinAvailableAccounts,
	})

	// Ticket scheduler executes through the manager; the cap on materialized
	// result bytes rides along from the ticket.
	sched := usecase.NewScheduler(usecase.ExecutorFunc(
		func(ctx context.Context, t domain.QueryTicket, _ func(int)) (domain.QueryResult, error) {
			return mgr.ExecuteTemplate(ctx, t.Template, t.Params, manager.ExecOptions{
				MaxResultBytes: t.ByteCap,
			})
		},
	), usecase.SchedulerConfig{
		MaxConcurrent: cfg.SchedulerMaxConcurrent,
		QueueCapacity: cfg.SchedulerQueueCapacity,
		Retention:     cfg.SchedulerTicketRetention,
		SweepInterval: cfg.SchedulerSweepInterval,
	})

	// File-ready notifications are optional; without brokers the queue
	// rotates silently.
	var notifier domain.UploadNotifier
	var publisher *redpanda.Publisher
	if cfg.NotifyEnabled() {
		publisher, err = redpanda.NewPublisher(cfg.KafkaBrokers, cfg.KafkaFileReadyTopic)
		if err != nil {
			slog.Error("redpanda publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		notifier = publisher
	}

	q, err := eventqueue.Open(eventqueue.Config{
		Path:       cfg.EventQueuePath,
		MaxSize:    cfg.EventQueueMaxSize,
		MaxAge:     cfg.EventQueueMaxAge,
		MaxEvents:  cfg.EventQueueMaxEvents,
		Dedup:      cfg.EventQueueDedup,
		SyncWrites: cfg.EventQueueSyncWrites,
	}, notifier)
	if err != nil {
		slog.Error("event queue open failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Context cache is best-effort: a dead Redis means cache misses, not a
	// dead gateway.
	var cache domain.ContextCache
	var redisCache *rediscache.Cache
	if cfg.CacheEnabled() {
		redisCache, err = rediscache.Dial(context.Background(), cfg.RedisURL, "cdesk")
		if err != nil {
			slog.Warn("context cache unavailable, continuing without it", slog.Any("error", err))
		} else {
			cache = redisCache
		}
	}

	insights := usecase.NewStore(mgr, cache, usecase.InsightConfig{
		SweepInterval: cfg.InsightSweepInterval,
		CacheTTL:      cfg.ContextCacheTTL,
	})
	provenance := usecase.NewProvenance(mgr, templates, 0)

	// Health alerts go to the log and onto the event queue for ingestion.
	alerts, unsubscribe := bus.Subscribe(64)
	alertsDone := make(chan struct{})
	go func() {
		defer close(alertsDone)
		for alert := range alerts {
			slog.Warn("health alert",
				slog.String("kind", string(alert.Kind)),
				slog.String("account", alert.Account),
				slog.String("message", alert.Message))
			if _, err := q.Push(context.Background(), domain.Event{
				"event_type": "health_alert",
				"kind":       string(alert.Kind),
				"account":    alert.Account,
				"message":    alert.Message,
				"value":      alert.Value,
				"threshold":  alert.Threshold,
			}); err != nil {
				slog.Warn("health alert not queued", slog.Any("error", err))
			}
		}
	}()

	monCtx, stopMonitor := context.WithCancel(context.Background())
	monDone := make(chan struct{})
	go func() {
		defer close(monDone)
		mon.Run(monCtx)
	}()

	// Ops HTTP surface
	vaultCheck, accountsCheck, queueCheck := app.BuildReadinessChecks(vlt, q)
	srv := &httpserver.Server{
		Cfg:           cfg,
		Accounts:      vlt,
		Dispatch:      mgr,
		Health:        mon,
		Tickets:       sched,
		Queue:         q,
		Insights:      insights,
		Provenance:    provenance,
		VaultCheck:    vaultCheck,
		AccountsCheck: accountsCheck,
		QueueCheck:    queueCheck,
	}
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port), slog.String("env", cfg.AppEnv))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	// Teardown runs top-down: stop producers before their sinks, with the
	// event queue closed last so the final rotation can still publish.
	stopMonitor()
	<-monDone
	unsubscribe()
	<-alertsDone
	bus.Close()
	sched.Close()
	insights.Close()
	mgr.Close()
	if err := vlt.Close(); err != nil {
		slog.Error("vault close failed", slog.Any("error", err))
	}
	if err := q.Close(); err != nil {
		slog.Error("event queue close failed", slog.Any("error", err))
	}
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			slog.Error("publisher close failed", slog.Any("error", err))
		}
	}
	if redisCache != nil {
		_ = redisCache.Close()
	}
	slog.Info("gateway stopped")
}
