// Package postgres implements the directory store and the durable delivery
// queue on PostgreSQL. Queue claims use FOR UPDATE SKIP LOCKED so any number
// of worker processes can share one table, and state transitions are guarded
// in the UPDATE's WHERE clause to stay atomic under concurrency.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/scheduler"
	"github.com/studiocloud/Mailerv4/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetCampaign returns a campaign with its ordered lead and account ID lists.
func (s *Store) GetCampaign(ctx context.Context, id uuid.UUID) (domain.Campaign, error) {
	var c domain.Campaign
	var status string
	var days pq.Int64Array

	err := s.db.QueryRowContext(ctx, queryGetCampaign, id).Scan(
		&c.ID,
		&c.Name,
		&status,
		&c.TemplateID,
		&c.Window.StartTime,
		&c.Window.EndTime,
		&days,
		&c.Metrics.Sent,
		&c.Metrics.Successful,
		&c.Metrics.Failed,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return domain.Campaign{}, mapNoRows(err)
	}
	c.Status = domain.CampaignStatus(status)
	for _, d := range days {
		c.Window.Days = append(c.Window.Days, time.Weekday(d))
	}

	if c.LeadIDs, err = s.campaignIDList(ctx, queryGetCampaignLeadIDs, id); err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign leads: %w", err)
	}
	if c.EmailAccountIDs, err = s.campaignIDList(ctx, queryGetCampaignAccountIDs, id); err != nil {
		return domain.Campaign{}, fmt.Errorf("campaign accounts: %w", err)
	}
	return c, nil
}

func (s *Store) campaignIDList(ctx context.Context, query string, campaignID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) GetTemplate(ctx context.Context, id uuid.UUID) (domain.Template, error) {
	var t domain.Template
	err := s.db.QueryRowContext(ctx, queryGetTemplate, id).Scan(
		&t.ID,
		&t.Name,
		&t.Subject,
		&t.Body,
	)
	if err != nil {
		return domain.Template{}, mapNoRows(err)
	}
	return t, nil
}

func (s *Store) GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	lead, err := scanLead(s.db.QueryRowContext(ctx, queryGetLead, id))
	if err != nil {
		return domain.Lead{}, mapNoRows(err)
	}
	return lead, nil
}

// GetLeads returns the requested leads in the order of ids. Leads that no
// longer exist are silently omitted.
func (s *Store) GetLeads(ctx context.Context, ids []uuid.UUID) ([]domain.Lead, error) {
	rows, err := s.db.QueryContext(ctx, queryGetLeadsByIDs, uuidArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]domain.Lead, len(ids))
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, err
		}
		byID[lead.ID] = lead
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// ANY($1) gives no ordering guarantee; restore the caller's order.
	result := make([]domain.Lead, 0, len(ids))
	for _, id := range ids {
		if lead, ok := byID[id]; ok {
			result = append(result, lead)
		}
	}
	return result, nil
}

func (s *Store) GetEmailAccount(ctx context.Context, id uuid.UUID) (domain.EmailAccount, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, queryGetEmailAccount, id))
	if err != nil {
		return domain.EmailAccount{}, mapNoRows(err)
	}
	return account, nil
}

// GetEmailAccounts returns the requested accounts in the order of ids.
func (s *Store) GetEmailAccounts(ctx context.Context, ids []uuid.UUID) ([]domain.EmailAccount, error) {
	rows, err := s.db.QueryContext(ctx, queryGetEmailAccountsByIDs, uuidArray(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]domain.EmailAccount, len(ids))
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		byID[account.ID] = account
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]domain.EmailAccount, 0, len(ids))
	for _, id := range ids {
		if account, ok := byID[id]; ok {
			result = append(result, account)
		}
	}
	return result, nil
}

func (s *Store) UpdateCampaignStatus(ctx context.Context, id uuid.UUID, status domain.CampaignStatus) error {
	result, err := s.db.ExecContext(ctx, queryUpdateCampaignStatus, string(status), id)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) IncrementMetrics(ctx context.Context, campaignID uuid.UUID, successful bool) error {
	result, err := s.db.ExecContext(ctx, queryIncrementMetrics, campaignID, successful)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// ReserveSend atomically consumes one unit of the account's daily quota.
// It reports false when the quota is already spent.
func (s *Store) ReserveSend(ctx context.Context, accountID uuid.UUID) (bool, error) {
	result, err := s.db.ExecContext(ctx, queryReserveSend, accountID)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) ReleaseSend(ctx context.Context, accountID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, queryReleaseSend, accountID)
	return err
}

// ResetDailyCounters zeroes sent_today on every account. Returns the number
// of accounts touched.
func (s *Store) ResetDailyCounters(ctx context.Context) (int, error) {
	result, err := s.db.ExecContext(ctx, queryResetDailyCounters)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// Enqueue inserts a pending delivery job, replacing any pending job for the
// same (campaign, lead) pair. A running job for the pair is left untouched.
func (s *Store) Enqueue(ctx context.Context, job domain.DeliveryJob) error {
	_, err := s.db.ExecContext(ctx, queryEnqueueJob,
		job.ID,
		job.CampaignID,
		job.LeadID,
		job.TemplateID,
		job.EmailAccountID,
		job.DueAt,
	)
	return err
}

func (s *Store) CancelByCampaign(ctx context.Context, campaignID uuid.UUID) (int, error) {
	result, err := s.db.ExecContext(ctx, queryCancelJobsByCampaign, campaignID)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// PopDue claims the earliest due pending job, transitioning it to running.
// ok is false when nothing is due.
func (s *Store) PopDue(ctx context.Context, now time.Time) (domain.DeliveryJob, bool, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, queryPopDueJob, now))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DeliveryJob{}, false, nil
	}
	if err != nil {
		return domain.DeliveryJob{}, false, err
	}
	return job, true, nil
}

// Complete transitions a running job to a terminal state, recording the
// attempt the job finished on.
func (s *Store) Complete(ctx context.Context, jobID uuid.UUID, state domain.JobState, attempt int, lastError string) error {
	result, err := s.db.ExecContext(ctx, queryCompleteJob, jobID, string(state), attempt, lastError)
	if err != nil {
		return err
	}
	return requireRow(result)
}

func (s *Store) Retry(ctx context.Context, jobID uuid.UUID, attempt int, dueAt time.Time, lastError string) error {
	result, err := s.db.ExecContext(ctx, queryRetryJob, jobID, attempt, dueAt, lastError)
	if err != nil {
		return err
	}
	return requireRow(result)
}

// RequeueStale flips running jobs whose claim is older than olderThan back
// to pending. Used by the reconciler to recover jobs from crashed workers.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int, error) {
	result, err := s.db.ExecContext(ctx, queryRequeueStaleJobs, olderThan, limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

// ListJobsByCampaign returns a campaign's jobs in schedule order.
func (s *Store) ListJobsByCampaign(ctx context.Context, campaignID uuid.UUID, limit, offset int) ([]domain.DeliveryJob, error) {
	rows, err := s.db.QueryContext(ctx, queryListJobsByCampaign, campaignID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.DeliveryJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLead(row scanner) (domain.Lead, error) {
	var lead domain.Lead
	var attrs []byte
	err := row.Scan(&lead.ID, &lead.Name, &lead.Email, &lead.Company, &attrs)
	if err != nil {
		return domain.Lead{}, err
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &lead.Attributes); err != nil {
			return domain.Lead{}, fmt.Errorf("lead %s attributes: %w", lead.ID, err)
		}
	}
	return lead, nil
}

func scanAccount(row scanner) (domain.EmailAccount, error) {
	var a domain.EmailAccount
	err := row.Scan(
		&a.ID,
		&a.Name,
		&a.Email,
		&a.Password,
		&a.SMTPHost,
		&a.SMTPPort,
		&a.UseTLS,
		&a.DailyLimit,
		&a.SentToday,
	)
	return a, err
}

func scanJob(row scanner) (domain.DeliveryJob, error) {
	var job domain.DeliveryJob
	var state string
	err := row.Scan(
		&job.ID,
		&job.CampaignID,
		&job.LeadID,
		&job.TemplateID,
		&job.EmailAccountID,
		&job.DueAt,
		&job.Attempt,
		&state,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.DeliveryJob{}, err
	}
	job.State = domain.JobState(state)
	return job, nil
}

func uuidArray(ids []uuid.UUID) pq.StringArray {
	arr := make(pq.StringArray, len(ids))
	for i, id := range ids {
		arr[i] = id.String()
	}
	return arr
}

func mapNoRows(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return err
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Compile-time interface assertions
var (
	_ scheduler.Store     = (*Store)(nil)
	_ scheduler.JobStore  = (*Store)(nil)
	_ dispatcher.Store    = (*Store)(nil)
	_ dispatcher.JobStore = (*Store)(nil)
)
