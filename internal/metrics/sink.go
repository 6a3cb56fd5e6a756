package metrics

import "time"

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
// If the metrics backend is unavailable, implementations log warnings and continue.
type Sink interface {
	// Scheduler metrics
	CampaignScheduled(jobs int)
	CampaignPaused(cancelled int)

	// Dispatcher metrics
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled(reason string)
	JobsInFlightIncr()
	JobsInFlightDecr()

	// Maintenance metrics
	StaleJobsRequeued(count int)
	DailyCountersReset(accounts int)
}
