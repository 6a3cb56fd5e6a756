package config

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors

	// DATABASE_URL is required
	if cfg.DatabaseURL == "" {
		errs = append(errs, ValidationError{
			Field:   "DATABASE_URL",
			Message: "required",
		})
	}

	errs = appendDurationError(errs, "POLL_INTERVAL", cfg.PollIntervalStr)
	errs = appendDurationError(errs, "RECONCILE_INTERVAL", cfg.ReconcileIntervalStr)
	errs = appendDurationError(errs, "RECONCILE_THRESHOLD", cfg.ReconcileThresholdStr)
	errs = appendDurationError(errs, "ANALYTICS_WINDOW", cfg.AnalyticsWindowStr)
	errs = appendDurationError(errs, "ANALYTICS_RETENTION", cfg.AnalyticsRetentionStr)
	errs = appendDurationError(errs, "LEADER_RETRY_INTERVAL", cfg.LeaderRetryIntervalStr)
	errs = appendDurationError(errs, "LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatIntervalStr)

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	if _, err := parser.Parse(cfg.ResetSchedule); err != nil {
		errs = append(errs, ValidationError{
			Field:   "RESET_SCHEDULE",
			Message: fmt.Sprintf("invalid cron expression: %v", err),
		})
	}
	if _, err := time.LoadLocation(cfg.ResetTimezone); err != nil {
		errs = append(errs, ValidationError{
			Field:   "RESET_TIMEZONE",
			Message: fmt.Sprintf("unknown timezone: %v", err),
		})
	}

	// Operator email notifications need a complete SMTP block.
	if cfg.NotifySMTPHost != "" && (cfg.NotifyFrom == "" || cfg.NotifyTo == "") {
		errs = append(errs, ValidationError{
			Field:   "NOTIFY_SMTP_HOST",
			Message: "NOTIFY_FROM and NOTIFY_TO are required when set",
		})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func appendDurationError(errs ValidationErrors, field, value string) ValidationErrors {
	if value == "" {
		return errs
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, ValidationError{
			Field:   field,
			Message: fmt.Sprintf("invalid duration: %v", err),
		})
	}
	if d <= 0 {
		return append(errs, ValidationError{
			Field:   field,
			Message: "must be positive",
		})
	}
	return errs
}
