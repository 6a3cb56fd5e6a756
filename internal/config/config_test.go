package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

var allVars = []string{
	"DATABASE_URL", "REDIS_ADDR", "AMQP_URL", "HTTP_ADDR", "PORT",
	"HTTP_SHUTDOWN_TIMEOUT", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
	"DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME",
	"METRICS_ENABLED", "METRICS_PATH",
	"POLL_INTERVAL", "DISPATCHER_WORKERS", "SEND_RATE_PER_SECOND",
	"CIRCUIT_BREAKER_THRESHOLD", "CIRCUIT_BREAKER_COOLDOWN",
	"RECONCILE_ENABLED", "RECONCILE_INTERVAL", "RECONCILE_THRESHOLD", "RECONCILE_BATCH_SIZE",
	"RESET_SCHEDULE", "RESET_TIMEZONE",
	"ANALYTICS_WINDOW", "ANALYTICS_RETENTION",
	"LEADER_LOCK_KEY", "LEADER_RETRY_INTERVAL", "LEADER_HEARTBEAT_INTERVAL",
	"NOTIFY_QUEUE", "NOTIFY_SMTP_HOST", "NOTIFY_SMTP_PORT",
	"NOTIFY_SMTP_USERNAME", "NOTIFY_SMTP_PASSWORD", "NOTIFY_FROM", "NOTIFY_TO",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range allVars {
		os.Unsetenv(v)
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg := Load()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr: expected :8080, got %q", cfg.HTTPAddr)
	}
	if cfg.PollInterval != 500*time.Millisecond {
		t.Errorf("PollInterval: expected 500ms, got %v", cfg.PollInterval)
	}
	if cfg.DispatcherWorkers != 4 {
		t.Errorf("DispatcherWorkers: expected 4, got %d", cfg.DispatcherWorkers)
	}
	if cfg.DBMaxOpenConns != 25 {
		t.Errorf("DBMaxOpenConns: expected 25, got %d", cfg.DBMaxOpenConns)
	}
	if cfg.CircuitBreakerThreshold != 5 {
		t.Errorf("CircuitBreakerThreshold: expected 5, got %d", cfg.CircuitBreakerThreshold)
	}
	if cfg.CircuitBreakerCooldown != 2*time.Minute {
		t.Errorf("CircuitBreakerCooldown: expected 2m, got %v", cfg.CircuitBreakerCooldown)
	}
	if !cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled: expected true by default")
	}
	if cfg.ReconcileThreshold != 10*time.Minute {
		t.Errorf("ReconcileThreshold: expected 10m, got %v", cfg.ReconcileThreshold)
	}
	if cfg.ResetSchedule != "0 0 * * *" {
		t.Errorf("ResetSchedule: expected midnight cron, got %q", cfg.ResetSchedule)
	}
	if cfg.ResetTimezone != "UTC" {
		t.Errorf("ResetTimezone: expected UTC, got %q", cfg.ResetTimezone)
	}
	if cfg.AnalyticsRetention != 168*time.Hour {
		t.Errorf("AnalyticsRetention: expected 168h, got %v", cfg.AnalyticsRetention)
	}
	if cfg.LeaderLockKey == 0 {
		t.Error("LeaderLockKey: expected non-zero default")
	}
	if cfg.NotifyQueue != "delivery_failures" {
		t.Errorf("NotifyQueue: expected delivery_failures, got %q", cfg.NotifyQueue)
	}
	if cfg.SendRatePerSecond != 0 {
		t.Errorf("SendRatePerSecond: expected 0, got %v", cfg.SendRatePerSecond)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	os.Setenv("DISPATCHER_WORKERS", "8")
	os.Setenv("POLL_INTERVAL", "250ms")
	os.Setenv("SEND_RATE_PER_SECOND", "2.5")
	os.Setenv("RECONCILE_ENABLED", "false")
	os.Setenv("RESET_TIMEZONE", "Europe/Paris")
	defer clearEnv(t)

	cfg := Load()

	if cfg.DispatcherWorkers != 8 {
		t.Errorf("DispatcherWorkers: expected 8, got %d", cfg.DispatcherWorkers)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Errorf("PollInterval: expected 250ms, got %v", cfg.PollInterval)
	}
	if cfg.SendRatePerSecond != 2.5 {
		t.Errorf("SendRatePerSecond: expected 2.5, got %v", cfg.SendRatePerSecond)
	}
	if cfg.ReconcileEnabled {
		t.Error("ReconcileEnabled: expected false")
	}
	if cfg.ResetTimezone != "Europe/Paris" {
		t.Errorf("ResetTimezone: expected Europe/Paris, got %q", cfg.ResetTimezone)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	clearEnv(t)
	os.Setenv("DISPATCHER_WORKERS", "lots")
	defer clearEnv(t)

	cfg := Load()
	if cfg.DispatcherWorkers != 4 {
		t.Errorf("DispatcherWorkers: expected default 4, got %d", cfg.DispatcherWorkers)
	}
}

func TestLoad_PortFallback(t *testing.T) {
	clearEnv(t)
	os.Setenv("PORT", "9090")
	defer clearEnv(t)

	cfg := Load()
	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr: expected :9090, got %q", cfg.HTTPAddr)
	}
}

func TestValidate_RequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	cfg := Load()

	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error should mention DATABASE_URL: %v", err)
	}
}

func TestValidate_OK(t *testing.T) {
	clearEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/mailer")
	defer clearEnv(t)

	if err := Validate(Load()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}
}

func TestValidate_BadResetSchedule(t *testing.T) {
	clearEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/mailer")
	os.Setenv("RESET_SCHEDULE", "every day at noon")
	defer clearEnv(t)

	err := Validate(Load())
	if err == nil || !strings.Contains(err.Error(), "RESET_SCHEDULE") {
		t.Fatalf("expected RESET_SCHEDULE error, got %v", err)
	}
}

func TestValidate_IncompleteNotifyBlock(t *testing.T) {
	clearEnv(t)
	os.Setenv("DATABASE_URL", "postgres://localhost/mailer")
	os.Setenv("NOTIFY_SMTP_HOST", "smtp.internal")
	defer clearEnv(t)

	err := Validate(Load())
	if err == nil || !strings.Contains(err.Error(), "NOTIFY_FROM") {
		t.Fatalf("expected notify block error, got %v", err)
	}
}

func TestValidate_CollectsMultipleErrors(t *testing.T) {
	clearEnv(t)
	os.Setenv("POLL_INTERVAL", "fast")
	os.Setenv("RECONCILE_INTERVAL", "-1m")
	defer clearEnv(t)

	err := Validate(Load())
	if err == nil {
		t.Fatal("expected validation errors")
	}
	verrs, ok := err.(ValidationErrors)
	if !ok {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if len(verrs) < 3 {
		t.Errorf("expected at least 3 errors (database, poll, reconcile), got %d: %v", len(verrs), verrs)
	}
}
