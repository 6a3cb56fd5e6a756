package config

import (
	"log"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the mailer. Values are loaded from
// environment variables with sensible defaults; only DATABASE_URL is
// required.
type Config struct {
	DatabaseURL string
	RedisAddr   string
	AMQPURL     string
	HTTPAddr    string

	HTTPShutdownTimeout    time.Duration
	HTTPShutdownTimeoutStr string

	DBMaxOpenConns       int
	DBMaxIdleConns       int
	DBConnMaxLifetime    time.Duration
	DBConnMaxLifetimeStr string
	DBConnMaxIdleTime    time.Duration
	DBConnMaxIdleTimeStr string

	MetricsEnabled bool
	MetricsPath    string

	// PollInterval is how long an idle dispatch worker sleeps between
	// queue polls.
	PollInterval      time.Duration
	PollIntervalStr   string
	DispatcherWorkers int

	// SendRatePerSecond caps aggregate send throughput per process.
	// 0 disables throttling.
	SendRatePerSecond float64

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold   int
	CircuitBreakerCooldown    time.Duration
	CircuitBreakerCooldownStr string

	ReconcileEnabled      bool
	ReconcileInterval     time.Duration
	ReconcileIntervalStr  string
	ReconcileThreshold    time.Duration
	ReconcileThresholdStr string
	ReconcileBatchSize    int

	// ResetSchedule is a 5-field cron expression for the daily counter
	// reset, evaluated in ResetTimezone.
	ResetSchedule string
	ResetTimezone string

	AnalyticsWindow       time.Duration
	AnalyticsWindowStr    string
	AnalyticsRetention    time.Duration
	AnalyticsRetentionStr string

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey              int64
	LeaderRetryInterval        time.Duration
	LeaderRetryIntervalStr     string
	LeaderHeartbeatInterval    time.Duration
	LeaderHeartbeatIntervalStr string

	// Failure notification settings. NotifyQueue names the AMQP queue;
	// the NotifySMTP* block configures the operator email channel and is
	// active only when NotifySMTPHost and NotifyTo are both set.
	NotifyQueue        string
	NotifySMTPHost     string
	NotifySMTPPort     int
	NotifySMTPUsername string
	NotifySMTPPassword string
	NotifyFrom         string
	NotifyTo           string
}

// Load reads configuration from environment variables with defaults.
func Load() Config {
	cfg := Config{
		DatabaseURL:                os.Getenv("DATABASE_URL"),
		RedisAddr:                  os.Getenv("REDIS_ADDR"),
		AMQPURL:                    os.Getenv("AMQP_URL"),
		HTTPAddr:                   os.Getenv("HTTP_ADDR"),
		HTTPShutdownTimeoutStr:     os.Getenv("HTTP_SHUTDOWN_TIMEOUT"),
		DBConnMaxLifetimeStr:       os.Getenv("DB_CONN_MAX_LIFETIME"),
		DBConnMaxIdleTimeStr:       os.Getenv("DB_CONN_MAX_IDLE_TIME"),
		MetricsEnabled:             os.Getenv("METRICS_ENABLED") == "true",
		MetricsPath:                os.Getenv("METRICS_PATH"),
		PollIntervalStr:            os.Getenv("POLL_INTERVAL"),
		CircuitBreakerCooldownStr:  os.Getenv("CIRCUIT_BREAKER_COOLDOWN"),
		ReconcileEnabled:           os.Getenv("RECONCILE_ENABLED") != "false",
		ReconcileIntervalStr:       os.Getenv("RECONCILE_INTERVAL"),
		ReconcileThresholdStr:      os.Getenv("RECONCILE_THRESHOLD"),
		ResetSchedule:              os.Getenv("RESET_SCHEDULE"),
		ResetTimezone:              os.Getenv("RESET_TIMEZONE"),
		AnalyticsWindowStr:         os.Getenv("ANALYTICS_WINDOW"),
		AnalyticsRetentionStr:      os.Getenv("ANALYTICS_RETENTION"),
		LeaderRetryIntervalStr:     os.Getenv("LEADER_RETRY_INTERVAL"),
		LeaderHeartbeatIntervalStr: os.Getenv("LEADER_HEARTBEAT_INTERVAL"),
		NotifyQueue:                os.Getenv("NOTIFY_QUEUE"),
		NotifySMTPHost:             os.Getenv("NOTIFY_SMTP_HOST"),
		NotifySMTPUsername:         os.Getenv("NOTIFY_SMTP_USERNAME"),
		NotifySMTPPassword:         os.Getenv("NOTIFY_SMTP_PASSWORD"),
		NotifyFrom:                 os.Getenv("NOTIFY_FROM"),
		NotifyTo:                   os.Getenv("NOTIFY_TO"),
	}

	cfg.DispatcherWorkers = loadPositiveInt("DISPATCHER_WORKERS", 4)
	cfg.ReconcileBatchSize = loadPositiveInt("RECONCILE_BATCH_SIZE", 100)
	cfg.DBMaxOpenConns = loadPositiveInt("DB_MAX_OPEN_CONNS", 25)
	cfg.DBMaxIdleConns = loadPositiveInt("DB_MAX_IDLE_CONNS", 5)
	cfg.NotifySMTPPort = loadPositiveInt("NOTIFY_SMTP_PORT", 587)

	if rateStr := os.Getenv("SEND_RATE_PER_SECOND"); rateStr != "" {
		if f, err := strconv.ParseFloat(rateStr, 64); err == nil && f >= 0 {
			cfg.SendRatePerSecond = f
		} else {
			log.Printf("config: invalid SEND_RATE_PER_SECOND %q, throttling disabled", rateStr)
		}
	}

	if cbThreshStr := os.Getenv("CIRCUIT_BREAKER_THRESHOLD"); cbThreshStr != "" {
		if n, err := strconv.Atoi(cbThreshStr); err == nil && n >= 0 {
			cfg.CircuitBreakerThreshold = n
		} else {
			log.Printf("config: invalid CIRCUIT_BREAKER_THRESHOLD %q, using default 5", cbThreshStr)
			cfg.CircuitBreakerThreshold = 5
		}
	} else {
		cfg.CircuitBreakerThreshold = 5
	}

	if lockKeyStr := os.Getenv("LEADER_LOCK_KEY"); lockKeyStr != "" {
		if n, err := strconv.ParseInt(lockKeyStr, 10, 64); err == nil && n > 0 {
			cfg.LeaderLockKey = n
		} else {
			log.Printf("config: invalid LEADER_LOCK_KEY %q (must be a positive integer), using default 561204", lockKeyStr)
		}
	}
	if cfg.LeaderLockKey == 0 {
		cfg.LeaderLockKey = 561204
	}

	// Support PORT as fallback for HTTP_ADDR on managed platforms.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	if cfg.HTTPShutdownTimeoutStr == "" {
		cfg.HTTPShutdownTimeoutStr = "10s"
	}
	if cfg.DBConnMaxLifetimeStr == "" {
		cfg.DBConnMaxLifetimeStr = "30m"
	}
	if cfg.DBConnMaxIdleTimeStr == "" {
		cfg.DBConnMaxIdleTimeStr = "5m"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.PollIntervalStr == "" {
		cfg.PollIntervalStr = "500ms"
	}
	if cfg.CircuitBreakerCooldownStr == "" {
		cfg.CircuitBreakerCooldownStr = "2m"
	}
	if cfg.ReconcileIntervalStr == "" {
		cfg.ReconcileIntervalStr = "1m"
	}
	if cfg.ReconcileThresholdStr == "" {
		cfg.ReconcileThresholdStr = "10m"
	}
	if cfg.ResetSchedule == "" {
		cfg.ResetSchedule = "0 0 * * *"
	}
	if cfg.ResetTimezone == "" {
		cfg.ResetTimezone = "UTC"
	}
	if cfg.AnalyticsWindowStr == "" {
		cfg.AnalyticsWindowStr = "1h"
	}
	if cfg.AnalyticsRetentionStr == "" {
		cfg.AnalyticsRetentionStr = "168h"
	}
	if cfg.LeaderRetryIntervalStr == "" {
		cfg.LeaderRetryIntervalStr = "5s"
	}
	if cfg.LeaderHeartbeatIntervalStr == "" {
		cfg.LeaderHeartbeatIntervalStr = "10s"
	}
	if cfg.NotifyQueue == "" {
		cfg.NotifyQueue = "delivery_failures"
	}

	// Parse durations; validation is handled separately by Validate().
	if d, err := time.ParseDuration(cfg.HTTPShutdownTimeoutStr); err == nil {
		cfg.HTTPShutdownTimeout = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxLifetimeStr); err == nil {
		cfg.DBConnMaxLifetime = d
	}
	if d, err := time.ParseDuration(cfg.DBConnMaxIdleTimeStr); err == nil {
		cfg.DBConnMaxIdleTime = d
	}
	if d, err := time.ParseDuration(cfg.PollIntervalStr); err == nil {
		cfg.PollInterval = d
	}
	if d, err := time.ParseDuration(cfg.CircuitBreakerCooldownStr); err == nil {
		cfg.CircuitBreakerCooldown = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileIntervalStr); err == nil {
		cfg.ReconcileInterval = d
	}
	if d, err := time.ParseDuration(cfg.ReconcileThresholdStr); err == nil {
		cfg.ReconcileThreshold = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsWindowStr); err == nil {
		cfg.AnalyticsWindow = d
	}
	if d, err := time.ParseDuration(cfg.AnalyticsRetentionStr); err == nil {
		cfg.AnalyticsRetention = d
	}
	if d, err := time.ParseDuration(cfg.LeaderRetryIntervalStr); err == nil {
		cfg.LeaderRetryInterval = d
	}
	if d, err := time.ParseDuration(cfg.LeaderHeartbeatIntervalStr); err == nil {
		cfg.LeaderHeartbeatInterval = d
	}

	return cfg
}

func loadPositiveInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
		log.Printf("config: invalid %s %q (must be a positive integer), using default %d", key, s, def)
	}
	return def
}
