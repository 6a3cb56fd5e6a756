// Package dispatcher executes delivery jobs: claim the next due job, render
// the message, reserve one unit of the account's daily capacity, send, and
// record the outcome. Retries go back through the durable queue as future
// pending jobs rather than sleeping in-process, so a crash between attempts
// loses nothing.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/store"
	"github.com/studiocloud/Mailerv4/internal/template"
)

const (
	maxAttempts = 3
	baseDelay   = time.Second
)

// ErrCapacityExceeded is returned when an account's daily limit is reached.
// It is transient: the reset job frees capacity at the daily boundary.
var ErrCapacityExceeded = errors.New("email account daily capacity exceeded")

// JobStore is the durable delivery queue. PopDue must claim atomically:
// two workers never receive the same job.
type JobStore interface {
	PopDue(ctx context.Context, now time.Time) (domain.DeliveryJob, bool, error)
	Complete(ctx context.Context, jobID uuid.UUID, state domain.JobState, attempt int, lastError string) error
	Retry(ctx context.Context, jobID uuid.UUID, attempt int, dueAt time.Time, lastError string) error
}

// Store resolves reference data and owns the two shared counters.
// ReserveSend must be a single atomic check-and-increment of the account's
// sent_today against daily_limit; ReleaseSend credits one unit back when a
// reserved send fails.
type Store interface {
	GetEmailAccount(ctx context.Context, id uuid.UUID) (domain.EmailAccount, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (domain.Template, error)
	GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error)
	IncrementMetrics(ctx context.Context, campaignID uuid.UUID, successful bool) error
	ReserveSend(ctx context.Context, accountID uuid.UUID) (bool, error)
	ReleaseSend(ctx context.Context, accountID uuid.UUID) error
}

// Message is a fully-rendered outbound mail.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Sender is the outbound mail transport.
type Sender interface {
	Send(ctx context.Context, account domain.EmailAccount, msg Message) error
}

// Breaker guards the transport per SMTP host.
type Breaker interface {
	Allow(host string) error
	RecordSuccess(host string)
	RecordFailure(host string)
}

// FailureNotifier is told about terminal job failures.
type FailureNotifier interface {
	JobFailed(ctx context.Context, job domain.DeliveryJob, reason string)
}

// AnalyticsSink records per-campaign send outcomes. Best effort only.
type AnalyticsSink interface {
	Record(ctx context.Context, job domain.DeliveryJob, successful bool)
}

// MetricsSink records dispatcher metrics. All methods must be non-blocking
// and fire-and-forget.
type MetricsSink interface {
	DeliveryAttemptCompleted(attempt int, statusClass string, duration time.Duration)
	DeliveryOutcome(outcome string)
	RetryScheduled(reason string)
	JobsInFlightIncr()
	JobsInFlightDecr()
}

// Retry reason labels.
const (
	RetryReasonTransport = "transport"
	RetryReasonCapacity  = "capacity"
	RetryReasonCircuit   = "circuit_open"
)

type Dispatcher struct {
	jobs   JobStore
	store  Store
	sender Sender
	engine *template.Engine

	breaker   Breaker         // optional, nil = disabled
	limiter   *rate.Limiter   // optional, nil = unthrottled
	notifier  FailureNotifier // optional, nil = log only
	analytics AnalyticsSink   // optional, nil = disabled
	metrics   MetricsSink     // optional, nil = disabled

	pollInterval time.Duration
	clock        func() time.Time
}

func New(jobs JobStore, st Store, sender Sender, engine *template.Engine, pollInterval time.Duration) *Dispatcher {
	return &Dispatcher{
		jobs:         jobs,
		store:        st,
		sender:       sender,
		engine:       engine,
		pollInterval: pollInterval,
		clock:        time.Now,
	}
}

func (d *Dispatcher) WithBreaker(b Breaker) *Dispatcher {
	d.breaker = b
	return d
}

// WithThrottle caps the aggregate send rate across this dispatcher's workers.
func (d *Dispatcher) WithThrottle(l *rate.Limiter) *Dispatcher {
	d.limiter = l
	return d
}

func (d *Dispatcher) WithNotifier(n FailureNotifier) *Dispatcher {
	d.notifier = n
	return d
}

func (d *Dispatcher) WithAnalytics(sink AnalyticsSink) *Dispatcher {
	d.analytics = sink
	return d
}

func (d *Dispatcher) WithMetrics(sink MetricsSink) *Dispatcher {
	d.metrics = sink
	return d
}

// Run polls for due jobs until ctx is cancelled. Callers start one goroutine
// per worker; the job store's atomic claim keeps them from colliding.
func (d *Dispatcher) Run(ctx context.Context) {
	for {
		processed, err := d.ProcessNext(ctx)
		if err != nil && ctx.Err() == nil {
			log.Printf("dispatcher: error: %v", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.pollInterval):
		}
	}
}

// ProcessNext claims and executes at most one due job. It reports whether a
// job was claimed.
func (d *Dispatcher) ProcessNext(ctx context.Context) (bool, error) {
	job, ok, err := d.jobs.PopDue(ctx, d.clock())
	if err != nil {
		return false, fmt.Errorf("pop due: %w", err)
	}
	if !ok {
		return false, nil
	}
	return true, d.process(ctx, job)
}

func (d *Dispatcher) process(ctx context.Context, job domain.DeliveryJob) error {
	if d.metrics != nil {
		d.metrics.JobsInFlightIncr()
		defer d.metrics.JobsInFlightDecr()
	}

	account, err := d.store.GetEmailAccount(ctx, job.EmailAccountID)
	if err != nil {
		return d.resolveFailed(ctx, job, "email account", err)
	}
	tmpl, err := d.store.GetTemplate(ctx, job.TemplateID)
	if err != nil {
		return d.resolveFailed(ctx, job, "template", err)
	}
	lead, err := d.store.GetLead(ctx, job.LeadID)
	if err != nil {
		return d.resolveFailed(ctx, job, "lead", err)
	}

	vars := lead.Variables()
	msg := Message{
		From:    account.Email,
		To:      lead.Email,
		Subject: d.engine.Render(tmpl.Subject, vars),
		HTML:    d.engine.Render(tmpl.Body, vars),
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			// Shutdown mid-claim: the reconciler will requeue this job.
			return err
		}
	}

	if d.breaker != nil {
		if err := d.breaker.Allow(account.SMTPHost); err != nil {
			log.Printf("dispatcher: job=%s host=%s circuit open", job.ID, account.SMTPHost)
			return d.retryOrFail(ctx, job, err.Error(), RetryReasonCircuit)
		}
	}

	reserved, err := d.store.ReserveSend(ctx, account.ID)
	if err != nil {
		return fmt.Errorf("reserve capacity: %w", err)
	}
	if !reserved {
		log.Printf("dispatcher: job=%s account=%s capacity exhausted", job.ID, account.ID)
		return d.retryOrFail(ctx, job, ErrCapacityExceeded.Error(), RetryReasonCapacity)
	}

	startedAt := d.clock()
	sendErr := d.sender.Send(ctx, account, msg)
	duration := d.clock().Sub(startedAt)

	if d.metrics != nil {
		d.metrics.DeliveryAttemptCompleted(job.Attempt+1, classifySendError(sendErr), duration)
	}

	if sendErr == nil {
		if d.breaker != nil {
			d.breaker.RecordSuccess(account.SMTPHost)
		}
		d.recordAttempt(ctx, job, true)
		if err := d.jobs.Complete(ctx, job.ID, domain.JobStateSucceeded, job.Attempt, ""); err != nil {
			return fmt.Errorf("complete job: %w", err)
		}
		if d.metrics != nil {
			d.metrics.DeliveryOutcome(OutcomeSuccess)
		}
		log.Printf("dispatcher: job=%s sent to=%s attempt=%d", job.ID, lead.Email, job.Attempt+1)
		return nil
	}

	// Failed sends credit the reservation back so the account's quota
	// reflects mail actually handed to the transport.
	if d.breaker != nil {
		d.breaker.RecordFailure(account.SMTPHost)
	}
	if err := d.store.ReleaseSend(ctx, account.ID); err != nil {
		log.Printf("dispatcher: job=%s failed to release capacity: %v", job.ID, err)
	}
	d.recordAttempt(ctx, job, false)

	log.Printf("dispatcher: job=%s attempt=%d send failed: %v", job.ID, job.Attempt+1, sendErr)
	return d.retryOrFail(ctx, job, sendErr.Error(), RetryReasonTransport)
}

// resolveFailed terminally fails a job whose reference data is gone.
// No send was attempted, so campaign metrics are untouched.
func (d *Dispatcher) resolveFailed(ctx context.Context, job domain.DeliveryJob, what string, err error) error {
	if !errors.Is(err, store.ErrNotFound) {
		// Infra error: leave the job running; the reconciler requeues it.
		return fmt.Errorf("get %s: %w", what, err)
	}

	reason := fmt.Sprintf("%s %s", what, store.ErrNotFound)
	if cerr := d.jobs.Complete(ctx, job.ID, domain.JobStateFailed, job.Attempt, reason); cerr != nil {
		return fmt.Errorf("fail job: %w", cerr)
	}
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(OutcomeMissingReference)
	}
	d.notifyFailure(ctx, job, reason)
	log.Printf("dispatcher: job=%s failed permanently: %s", job.ID, reason)
	return nil
}

// retryOrFail returns the job to pending with exponential backoff, or fails
// it terminally once attempts are exhausted.
func (d *Dispatcher) retryOrFail(ctx context.Context, job domain.DeliveryJob, reason, cause string) error {
	next := job.Attempt + 1
	if next < maxAttempts {
		dueAt := d.clock().Add(baseDelay << next)
		if err := d.jobs.Retry(ctx, job.ID, next, dueAt, reason); err != nil {
			return fmt.Errorf("retry job: %w", err)
		}
		if d.metrics != nil {
			d.metrics.RetryScheduled(cause)
		}
		log.Printf("dispatcher: job=%s retry attempt=%d due=%s cause=%s", job.ID, next, dueAt.Format(time.RFC3339), cause)
		return nil
	}

	// The final failed try counts: the stored row reports attempt == maxAttempts.
	job.Attempt = next
	if err := d.jobs.Complete(ctx, job.ID, domain.JobStateFailed, job.Attempt, reason); err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if d.metrics != nil {
		d.metrics.DeliveryOutcome(OutcomeFailed)
	}
	d.notifyFailure(ctx, job, reason)
	log.Printf("dispatcher: job=%s failed after %d attempts: %s", job.ID, next, reason)
	return nil
}

// recordAttempt bumps campaign metrics and analytics for one send attempt,
// success or failure, independent of any retry decision.
func (d *Dispatcher) recordAttempt(ctx context.Context, job domain.DeliveryJob, successful bool) {
	if err := d.store.IncrementMetrics(ctx, job.CampaignID, successful); err != nil {
		log.Printf("dispatcher: job=%s failed to update campaign metrics: %v", job.ID, err)
	}
	if d.analytics != nil {
		d.analytics.Record(ctx, job, successful)
	}
}

func (d *Dispatcher) notifyFailure(ctx context.Context, job domain.DeliveryJob, reason string) {
	if d.notifier == nil {
		return
	}
	d.notifier.JobFailed(ctx, job, reason)
}
