// Package scheduler turns an active campaign into delivery jobs.
//
// Each lead in the campaign gets exactly one job, spaced evenly across the
// campaign's daily window: with window length W and N leads, the lead at
// ordinal i is due at windowStart + i*(W/N). Jobs are keyed (campaign, lead)
// so re-scheduling replaces pending work instead of duplicating it, which
// also makes Schedule the resume path after a pause.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/store"
)

// ErrInvalidSchedule is returned for an empty lead set or a window whose
// start does not precede its end.
var ErrInvalidSchedule = errors.New("invalid schedule")

// Store provides the campaign directory. GetLeads and GetEmailAccounts must
// return rows in the order of the requested ids.
type Store interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error)
	GetTemplate(ctx context.Context, id uuid.UUID) (domain.Template, error)
	GetLeads(ctx context.Context, ids []uuid.UUID) ([]domain.Lead, error)
	GetEmailAccounts(ctx context.Context, ids []uuid.UUID) ([]domain.EmailAccount, error)
	UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error
}

// JobStore is the durable delivery queue. Enqueue must uphold the
// (campaign, lead) uniqueness invariant: replace a pending job, never touch
// a running one.
type JobStore interface {
	Enqueue(ctx context.Context, job domain.DeliveryJob) error
	CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error)
}

// MetricsSink records scheduling outcomes. Implementations must not block.
type MetricsSink interface {
	CampaignScheduled(jobs int)
	CampaignPaused(cancelled int)
}

type Scheduler struct {
	store   Store
	jobs    JobStore
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

func New(store Store, jobs JobStore) *Scheduler {
	return &Scheduler{
		store: store,
		jobs:  jobs,
		clock: time.Now,
	}
}

// WithMetrics attaches a metrics sink to the scheduler.
func (s *Scheduler) WithMetrics(sink MetricsSink) *Scheduler {
	s.metrics = sink
	return s
}

// Schedule enqueues one delivery job per lead and activates the campaign.
// Calling it for an already-active or paused campaign re-plans pending jobs
// and leaves running ones alone.
func (s *Scheduler) Schedule(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}

	if _, err := s.store.GetTemplate(ctx, campaign.TemplateID); err != nil {
		return fmt.Errorf("get template: %w", err)
	}

	if len(campaign.LeadIDs) == 0 {
		return fmt.Errorf("%w: campaign %s has no leads", ErrInvalidSchedule, campaignID)
	}
	leads, err := s.store.GetLeads(ctx, campaign.LeadIDs)
	if err != nil {
		return fmt.Errorf("get leads: %w", err)
	}
	if len(leads) == 0 {
		return fmt.Errorf("get leads: %w", store.ErrNotFound)
	}

	accounts, err := s.store.GetEmailAccounts(ctx, campaign.EmailAccountIDs)
	if err != nil {
		return fmt.Errorf("get email accounts: %w", err)
	}
	if len(accounts) == 0 {
		return fmt.Errorf("%w: campaign %s has no email accounts", ErrInvalidSchedule, campaignID)
	}

	now := s.clock()
	start, end, err := campaign.Window.Bounds(now)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if !start.Before(end) {
		return fmt.Errorf("%w: window start %s is not before end %s",
			ErrInvalidSchedule, campaign.Window.StartTime, campaign.Window.EndTime)
	}

	step := end.Sub(start) / time.Duration(len(leads))
	picker := newAccountPicker(accounts)

	for i, lead := range leads {
		job := domain.DeliveryJob{
			ID:             uuid.New(),
			CampaignID:     campaign.ID,
			LeadID:         lead.ID,
			TemplateID:     campaign.TemplateID,
			EmailAccountID: picker.pick(),
			DueAt:          start.Add(time.Duration(i) * step),
			State:          domain.JobStatePending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := s.jobs.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue lead %s: %w", lead.ID, err)
		}
	}

	if err := s.store.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignStatusActive); err != nil {
		return fmt.Errorf("activate campaign: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CampaignScheduled(len(leads))
	}
	log.Printf("scheduler: campaign=%s scheduled jobs=%d window=%s-%s",
		campaign.ID, len(leads), campaign.Window.StartTime, campaign.Window.EndTime)
	return nil
}

// Pause cancels the campaign's pending jobs and marks it paused. Jobs
// already claimed by a worker finish their current attempt.
func (s *Scheduler) Pause(ctx context.Context, campaignID uuid.UUID) error {
	campaign, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return fmt.Errorf("get campaign: %w", err)
	}

	cancelled, err := s.jobs.CancelByCampaign(ctx, campaign.ID)
	if err != nil {
		return fmt.Errorf("cancel jobs: %w", err)
	}

	if err := s.store.UpdateCampaignStatus(ctx, campaign.ID, domain.CampaignStatusPaused); err != nil {
		return fmt.Errorf("pause campaign: %w", err)
	}

	if s.metrics != nil {
		s.metrics.CampaignPaused(cancelled)
	}
	log.Printf("scheduler: campaign=%s paused cancelled=%d", campaign.ID, cancelled)
	return nil
}

// accountPicker hands out accounts in rotation, skipping any whose remaining
// daily capacity is already spoken for. When every account is exhausted it
// degrades to plain round-robin; capacity is re-checked at dispatch time
// anyway, so over-assignment here only means more capacity retries later.
type accountPicker struct {
	accounts  []domain.EmailAccount
	remaining []int
	next      int
}

func newAccountPicker(accounts []domain.EmailAccount) *accountPicker {
	remaining := make([]int, len(accounts))
	for i, a := range accounts {
		remaining[i] = a.Remaining()
	}
	return &accountPicker{accounts: accounts, remaining: remaining}
}

func (p *accountPicker) pick() uuid.UUID {
	for off := 0; off < len(p.accounts); off++ {
		i := (p.next + off) % len(p.accounts)
		if p.remaining[i] > 0 {
			p.remaining[i]--
			p.next = (i + 1) % len(p.accounts)
			return p.accounts[i].ID
		}
	}
	i := p.next % len(p.accounts)
	p.next = (i + 1) % len(p.accounts)
	return p.accounts[i].ID
}
