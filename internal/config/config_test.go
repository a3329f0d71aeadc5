package config

import (
	"testing"
	"time"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if cfg.BreakerFailureThreshold != 3 {
		t.Fatalf("failure threshold default = %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerMaxBackoff != 5*time.Minute {
		t.Fatalf("max backoff default = %v", cfg.BreakerMaxBackoff)
	}
	if cfg.PoolMinSize != 2 || cfg.PoolMaxSize != 15 {
		t.Fatalf("pool bounds default = %d..%d", cfg.PoolMinSize, cfg.PoolMaxSize)
	}
	if cfg.SchedulerMaxConcurrent != 5 {
		t.Fatalf("scheduler cap default = %d", cfg.SchedulerMaxConcurrent)
	}
	if cfg.SchedulerTicketRetention != time.Hour {
		t.Fatalf("ticket retention default = %v", cfg.SchedulerTicketRetention)
	}
	if cfg.VaultKDFIterations != 100000 {
		t.Fatalf("kdf iterations default = %d", cfg.VaultKDFIterations)
	}
	if cfg.NotifyEnabled() {
		t.Fatalf("notify should be disabled without brokers")
	}
	if cfg.CacheEnabled() {
		t.Fatalf("cache should be disabled without REDIS_URL")
	}
}

func Test_Load_Overrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("BREAKER_FAILURE_THRESHOLD", "5")
	t.Setenv("BREAKER_RECOVERY_TIMEOUT", "5s")
	t.Setenv("KAFKA_BROKERS", "broker-1:9092,broker-2:9092")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load err: %v", err)
	}
	if !cfg.IsProd() || cfg.IsDev() || cfg.IsTest() {
		t.Fatalf("env helpers wrong for %q", cfg.AppEnv)
	}
	if cfg.BreakerFailureThreshold != 5 {
		t.Fatalf("threshold override = %d", cfg.BreakerFailureThreshold)
	}
	if cfg.BreakerRecoveryTimeout != 5*time.Second {
		t.Fatalf("recovery override = %v", cfg.BreakerRecoveryTimeout)
	}
	if len(cfg.KafkaBrokers) != 2 || !cfg.NotifyEnabled() {
		t.Fatalf("brokers not parsed: %+v", cfg.KafkaBrokers)
	}
	if !cfg.CacheEnabled() {
		t.Fatalf("cache should be enabled")
	}
}

func Test_Load_BadValue(t *testing.T) {
	t.Setenv("POOL_MAX_SIZE", "not-a-number")
	if _, err := Load(); err == nil {
		t.Fatalf("expected parse error")
	}
}
