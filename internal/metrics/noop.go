package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

// NewNoopSink returns a no-op metrics sink.
func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) CampaignScheduled(jobs int)                                                {}
func (n *NoopSink) CampaignPaused(cancelled int)                                              {}
func (n *NoopSink) DeliveryAttemptCompleted(attempt int, statusClass string, d time.Duration) {}
func (n *NoopSink) DeliveryOutcome(outcome string)                                            {}
func (n *NoopSink) RetryScheduled(reason string)                                              {}
func (n *NoopSink) JobsInFlightIncr()                                                         {}
func (n *NoopSink) JobsInFlightDecr()                                                         {}
func (n *NoopSink) StaleJobsRequeued(count int)                                               {}
func (n *NoopSink) DailyCountersReset(accounts int)                                           {}

var _ Sink = (*NoopSink)(nil)
