// Package queue provides the in-memory delivery-job store. It implements the
// same contracts as the Postgres store and backs tests and single-node dev
// setups where durability across restarts is not required.
package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/store"
)

type entry struct {
	job domain.DeliveryJob
	seq int64
}

// Memory is a mutex-guarded job store ordered by (due_at, insertion).
type Memory struct {
	mu      sync.Mutex
	entries map[uuid.UUID]*entry
	nextSeq int64
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[uuid.UUID]*entry)}
}

// Enqueue inserts the job as pending. If a pending job already exists for
// the same (campaign, lead) it is replaced in place; if a running job exists
// the enqueue is a no-op, preserving the one-non-terminal-job invariant.
func (m *Memory) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, e := range m.entries {
		if e.job.CampaignID != job.CampaignID || e.job.LeadID != job.LeadID {
			continue
		}
		switch e.job.State {
		case domain.JobStateRunning:
			return nil
		case domain.JobStatePending:
			delete(m.entries, id)
		}
	}

	job.State = domain.JobStatePending
	m.nextSeq++
	m.entries[job.ID] = &entry{job: job, seq: m.nextSeq}
	return nil
}

// CancelByCampaign transitions the campaign's pending jobs to cancelled and
// returns how many were affected. Running jobs finish undisturbed.
func (m *Memory) CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cancelled := 0
	for _, e := range m.entries {
		if e.job.CampaignID == campaignID && e.job.State == domain.JobStatePending {
			e.job.State = domain.JobStateCancelled
			cancelled++
		}
	}
	return cancelled, nil
}

// PopDue claims the earliest-due pending job with due_at <= now, ties broken
// by insertion order. The claim transitions the job to running atomically
// under the store lock, so concurrent workers never take the same job.
func (m *Memory) PopDue(ctx context.Context, now time.Time) (domain.DeliveryJob, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *entry
	for _, e := range m.entries {
		if e.job.State != domain.JobStatePending || e.job.DueAt.After(now) {
			continue
		}
		if best == nil || earlier(e, best) {
			best = e
		}
	}
	if best == nil {
		return domain.DeliveryJob{}, false, nil
	}

	best.job.State = domain.JobStateRunning
	best.job.UpdatedAt = now
	return best.job, true, nil
}

func earlier(a, b *entry) bool {
	if !a.job.DueAt.Equal(b.job.DueAt) {
		return a.job.DueAt.Before(b.job.DueAt)
	}
	return a.seq < b.seq
}

// Complete transitions a running job to the given terminal state, recording
// the attempt the job finished on.
func (m *Memory) Complete(ctx context.Context, jobID uuid.UUID, state domain.JobState, attempt int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok || e.job.State != domain.JobStateRunning {
		return store.ErrNotFound
	}
	e.job.State = state
	e.job.Attempt = attempt
	e.job.LastError = lastError
	return nil
}

// Retry returns a running job to pending with the next attempt count and
// due time.
func (m *Memory) Retry(ctx context.Context, jobID uuid.UUID, attempt int, dueAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[jobID]
	if !ok || e.job.State != domain.JobStateRunning {
		return store.ErrNotFound
	}
	e.job.State = domain.JobStatePending
	e.job.Attempt = attempt
	e.job.DueAt = dueAt
	e.job.LastError = lastError
	return nil
}

// RequeueStale returns jobs claimed before olderThan to pending, up to limit.
// It recovers jobs whose worker died mid-send.
func (m *Memory) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	requeued := 0
	for _, e := range m.entries {
		if requeued >= limit {
			break
		}
		if e.job.State == domain.JobStateRunning && e.job.UpdatedAt.Before(olderThan) {
			e.job.State = domain.JobStatePending
			requeued++
		}
	}
	return requeued, nil
}

// Job returns a copy of the stored job, for inspection in tests.
func (m *Memory) Job(id uuid.UUID) (domain.DeliveryJob, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return domain.DeliveryJob{}, false
	}
	return e.job, true
}

// JobsByCampaign returns copies of all jobs for a campaign, in insertion order.
func (m *Memory) JobsByCampaign(campaignID uuid.UUID) []domain.DeliveryJob {
	m.mu.Lock()
	defer m.mu.Unlock()

	var entries []*entry
	for _, e := range m.entries {
		if e.job.CampaignID == campaignID {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	jobs := make([]domain.DeliveryJob, len(entries))
	for i, e := range entries {
		jobs[i] = e.job
	}
	return jobs
}
