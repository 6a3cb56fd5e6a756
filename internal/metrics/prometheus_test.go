package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/scheduler"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	// Should not panic or error with a fresh registry.
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg)
	if sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_CampaignScheduled(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CampaignScheduled(10)
	sink.CampaignScheduled(5)

	campaigns := getCounterValue(t, reg, "mailer_scheduler_campaigns_scheduled_total")
	if campaigns != 2 {
		t.Errorf("campaigns_scheduled_total = %v, want 2", campaigns)
	}
	jobs := getCounterValue(t, reg, "mailer_scheduler_jobs_enqueued_total")
	if jobs != 15 {
		t.Errorf("jobs_enqueued_total = %v, want 15", jobs)
	}
}

func TestPrometheusSink_CampaignPaused(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.CampaignPaused(7)

	paused := getCounterValue(t, reg, "mailer_scheduler_campaigns_paused_total")
	if paused != 1 {
		t.Errorf("campaigns_paused_total = %v, want 1", paused)
	}
	cancelled := getCounterValue(t, reg, "mailer_scheduler_jobs_cancelled_total")
	if cancelled != 7 {
		t.Errorf("jobs_cancelled_total = %v, want 7", cancelled)
	}
}

func TestPrometheusSink_DeliveryAttemptLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryAttemptCompleted(1, "ok", 100*time.Millisecond)
	sink.DeliveryAttemptCompleted(2, "smtp_transient", 200*time.Millisecond)

	val1 := getCounterVecValue(t, reg, "mailer_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "1", "status_class": "ok"})
	if val1 != 1 {
		t.Errorf("attempt=1,status=ok = %v, want 1", val1)
	}

	val2 := getCounterVecValue(t, reg, "mailer_dispatcher_delivery_attempts_total",
		map[string]string{"attempt": "2", "status_class": "smtp_transient"})
	if val2 != 1 {
		t.Errorf("attempt=2,status=smtp_transient = %v, want 1", val2)
	}
}

func TestPrometheusSink_DeliveryOutcome(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome("success")
	sink.DeliveryOutcome("failed")
	sink.DeliveryOutcome("success")

	successVal := getCounterVecValue(t, reg, "mailer_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "success"})
	if successVal != 2 {
		t.Errorf("outcome=success = %v, want 2", successVal)
	}

	failedVal := getCounterVecValue(t, reg, "mailer_dispatcher_delivery_outcomes_total",
		map[string]string{"outcome": "failed"})
	if failedVal != 1 {
		t.Errorf("outcome=failed = %v, want 1", failedVal)
	}
}

func TestPrometheusSink_RetryReasons(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.RetryScheduled("transport")
	sink.RetryScheduled("capacity")
	sink.RetryScheduled("transport")

	transport := getCounterVecValue(t, reg, "mailer_dispatcher_retries_total",
		map[string]string{"reason": "transport"})
	if transport != 2 {
		t.Errorf("reason=transport = %v, want 2", transport)
	}
	capacity := getCounterVecValue(t, reg, "mailer_dispatcher_retries_total",
		map[string]string{"reason": "capacity"})
	if capacity != 1 {
		t.Errorf("reason=capacity = %v, want 1", capacity)
	}
}

func TestPrometheusSink_JobsInFlight(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.JobsInFlightIncr()
	sink.JobsInFlightIncr()
	sink.JobsInFlightDecr()

	val := getGaugeValue(t, reg, "mailer_dispatcher_jobs_in_flight")
	if val != 1 {
		t.Errorf("jobs_in_flight = %v, want 1", val)
	}
}

func TestPrometheusSink_MaintenanceMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.StaleJobsRequeued(3)
	sink.StaleJobsRequeued(2)
	sink.DailyCountersReset(12)

	requeued := getCounterValue(t, reg, "mailer_reconciler_stale_jobs_requeued_total")
	if requeued != 5 {
		t.Errorf("stale_jobs_requeued_total = %v, want 5", requeued)
	}
	reset := getGaugeValue(t, reg, "mailer_reset_accounts_last_run")
	if reset != 12 {
		t.Errorf("reset_accounts_last_run = %v, want 12", reset)
	}
}

func TestPrometheusSink_DuplicateRegistration_NoPanic(t *testing.T) {
	// Registering metrics twice with the same registry should not panic.
	// The second registration will fail, but should be handled gracefully.
	reg := prometheus.NewRegistry()

	sink1 := NewPrometheusSink(reg)
	if sink1 == nil {
		t.Fatal("first NewPrometheusSink returned nil")
	}

	sink2 := NewPrometheusSink(reg)
	if sink2 == nil {
		t.Fatal("second NewPrometheusSink returned nil")
	}
}

// A single sink serves both the scheduler and the dispatcher.
var (
	_ scheduler.MetricsSink  = (*PrometheusSink)(nil)
	_ dispatcher.MetricsSink = (*PrometheusSink)(nil)
	_ scheduler.MetricsSink  = (*NoopSink)(nil)
	_ dispatcher.MetricsSink = (*NoopSink)(nil)
)
