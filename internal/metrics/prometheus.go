package metrics

import (
	"log"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	// Scheduler metrics
	campaignsScheduledTotal prometheus.Counter
	campaignsPausedTotal    prometheus.Counter
	jobsEnqueuedTotal       prometheus.Counter
	jobsCancelledTotal      prometheus.Counter

	// Dispatcher metrics
	deliveryAttemptsTotal *prometheus.CounterVec
	deliveryOutcomesTotal *prometheus.CounterVec
	sendDuration          prometheus.Histogram
	retriesTotal          *prometheus.CounterVec
	jobsInFlight          prometheus.Gauge

	// Maintenance metrics
	staleRequeuedTotal prometheus.Counter
	dailyResetAccounts prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{}
	s.initSchedulerMetrics(reg)
	s.initDispatcherMetrics(reg)
	s.initMaintenanceMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.campaignsScheduledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_scheduler_campaigns_scheduled_total",
		Help: "Total number of campaigns scheduled.",
	})
	s.campaignsPausedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_scheduler_campaigns_paused_total",
		Help: "Total number of campaigns paused.",
	})
	s.jobsEnqueuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_scheduler_jobs_enqueued_total",
		Help: "Total number of delivery jobs enqueued by the scheduler.",
	})
	s.jobsCancelledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_scheduler_jobs_cancelled_total",
		Help: "Total number of pending delivery jobs cancelled by pauses.",
	})

	s.register(reg, s.campaignsScheduledTotal, "mailer_scheduler_campaigns_scheduled_total")
	s.register(reg, s.campaignsPausedTotal, "mailer_scheduler_campaigns_paused_total")
	s.register(reg, s.jobsEnqueuedTotal, "mailer_scheduler_jobs_enqueued_total")
	s.register(reg, s.jobsCancelledTotal, "mailer_scheduler_jobs_cancelled_total")
}

func (s *PrometheusSink) initDispatcherMetrics(reg prometheus.Registerer) {
	s.deliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_dispatcher_delivery_attempts_total",
		Help: "Total number of SMTP delivery attempts.",
	}, []string{"attempt", "status_class"})

	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_dispatcher_delivery_outcomes_total",
		Help: "Total number of final delivery outcomes per job.",
	}, []string{"outcome"})

	s.sendDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "mailer_dispatcher_send_duration_seconds",
		Help:    "SMTP send latency in seconds (excludes backoff wait).",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})

	s.retriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mailer_dispatcher_retries_total",
		Help: "Total number of retries scheduled, by cause.",
	}, []string{"reason"})

	s.jobsInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailer_dispatcher_jobs_in_flight",
		Help: "Number of delivery jobs currently being processed.",
	})

	s.register(reg, s.deliveryAttemptsTotal, "mailer_dispatcher_delivery_attempts_total")
	s.register(reg, s.deliveryOutcomesTotal, "mailer_dispatcher_delivery_outcomes_total")
	s.register(reg, s.sendDuration, "mailer_dispatcher_send_duration_seconds")
	s.register(reg, s.retriesTotal, "mailer_dispatcher_retries_total")
	s.register(reg, s.jobsInFlight, "mailer_dispatcher_jobs_in_flight")
}

func (s *PrometheusSink) initMaintenanceMetrics(reg prometheus.Registerer) {
	s.staleRequeuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mailer_reconciler_stale_jobs_requeued_total",
		Help: "Total number of stale running jobs returned to pending.",
	})
	s.dailyResetAccounts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mailer_reset_accounts_last_run",
		Help: "Number of email accounts whose counters were reset on the last daily run.",
	})

	s.register(reg, s.staleRequeuedTotal, "mailer_reconciler_stale_jobs_requeued_total")
	s.register(reg, s.dailyResetAccounts, "mailer_reset_accounts_last_run")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		log.Printf("metrics: failed to register %s: %v", name, err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) CampaignScheduled(jobs int) {
	s.campaignsScheduledTotal.Inc()
	s.jobsEnqueuedTotal.Add(float64(jobs))
}

func (s *PrometheusSink) CampaignPaused(cancelled int) {
	s.campaignsPausedTotal.Inc()
	s.jobsCancelledTotal.Add(float64(cancelled))
}

// Dispatcher metrics implementation

func (s *PrometheusSink) DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration) {
	s.deliveryAttemptsTotal.WithLabelValues(strconv.Itoa(attempt), statusClass).Inc()
	s.sendDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) DeliveryOutcome(outcome string) {
	s.deliveryOutcomesTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) RetryScheduled(reason string) {
	s.retriesTotal.WithLabelValues(reason).Inc()
}

func (s *PrometheusSink) JobsInFlightIncr() {
	s.jobsInFlight.Inc()
}

func (s *PrometheusSink) JobsInFlightDecr() {
	s.jobsInFlight.Dec()
}

// Maintenance metrics implementation

func (s *PrometheusSink) StaleJobsRequeued(count int) {
	s.staleRequeuedTotal.Add(float64(count))
}

func (s *PrometheusSink) DailyCountersReset(accounts int) {
	s.dailyResetAccounts.Set(float64(accounts))
}

var _ Sink = (*PrometheusSink)(nil)
