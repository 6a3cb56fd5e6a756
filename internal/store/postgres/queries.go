package postgres

const queryGetCampaign = `
SELECT id, name, status, template_id,
       window_start, window_end, window_days,
       sent_count, successful_count, failed_count,
       created_at, updated_at
FROM campaigns
WHERE id = $1
`

const queryGetCampaignLeadIDs = `
SELECT lead_id
FROM campaign_leads
WHERE campaign_id = $1
ORDER BY position ASC
`

const queryGetCampaignAccountIDs = `
SELECT email_account_id
FROM campaign_email_accounts
WHERE campaign_id = $1
ORDER BY position ASC
`

const queryGetTemplate = `
SELECT id, name, subject, body
FROM templates
WHERE id = $1
`

const queryGetLead = `
SELECT id, name, email, company, attributes
FROM leads
WHERE id = $1
`

const queryGetLeadsByIDs = `
SELECT id, name, email, company, attributes
FROM leads
WHERE id = ANY($1::uuid[])
`

const queryGetEmailAccount = `
SELECT id, name, email, password, smtp_host, smtp_port, use_tls,
       daily_limit, sent_today
FROM email_accounts
WHERE id = $1
`

const queryGetEmailAccountsByIDs = `
SELECT id, name, email, password, smtp_host, smtp_port, use_tls,
       daily_limit, sent_today
FROM email_accounts
WHERE id = ANY($1::uuid[])
`

const queryUpdateCampaignStatus = `
UPDATE campaigns
SET status = $1, updated_at = NOW()
WHERE id = $2
`

const queryIncrementMetrics = `
UPDATE campaigns
SET sent_count = sent_count + 1,
    successful_count = successful_count + CASE WHEN $2 THEN 1 ELSE 0 END,
    failed_count = failed_count + CASE WHEN $2 THEN 0 ELSE 1 END,
    updated_at = NOW()
WHERE id = $1
`

// Reserve is a single atomic check-and-increment: the WHERE clause rejects
// the update once the quota is spent, so concurrent workers can never push
// sent_today past daily_limit.
const queryReserveSend = `
UPDATE email_accounts
SET sent_today = sent_today + 1, updated_at = NOW()
WHERE id = $1
  AND sent_today < daily_limit
`

const queryReleaseSend = `
UPDATE email_accounts
SET sent_today = GREATEST(sent_today - 1, 0), updated_at = NOW()
WHERE id = $1
`

const queryResetDailyCounters = `
UPDATE email_accounts
SET sent_today = 0, updated_at = NOW()
WHERE sent_today > 0
`

// Enqueue is an upsert keyed on the live (campaign_id, lead_id) pair: a
// pending duplicate is replaced with the new due time, a running one is
// left alone so an in-flight send is never rescheduled underneath a worker.
const queryEnqueueJob = `
INSERT INTO delivery_jobs
    (id, campaign_id, lead_id, template_id, email_account_id,
     due_at, attempt, state, last_error, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending', '', NOW(), NOW())
ON CONFLICT (campaign_id, lead_id) WHERE state IN ('pending', 'running')
DO UPDATE SET
    template_id = EXCLUDED.template_id,
    email_account_id = EXCLUDED.email_account_id,
    due_at = EXCLUDED.due_at,
    attempt = 0,
    last_error = '',
    updated_at = NOW()
WHERE delivery_jobs.state = 'pending'
`

const queryCancelJobsByCampaign = `
UPDATE delivery_jobs
SET state = 'cancelled', updated_at = NOW()
WHERE campaign_id = $1
  AND state = 'pending'
`

// Claim the earliest due pending job. SKIP LOCKED lets concurrent workers
// claim distinct rows without blocking each other.
const queryPopDueJob = `
WITH due AS (
    SELECT id FROM delivery_jobs
    WHERE state = 'pending'
      AND due_at <= $1
    ORDER BY due_at ASC, seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
UPDATE delivery_jobs
SET state = 'running', updated_at = NOW()
FROM due
WHERE delivery_jobs.id = due.id
RETURNING delivery_jobs.id, campaign_id, lead_id, template_id, email_account_id,
          due_at, attempt, state, last_error,
          delivery_jobs.created_at, delivery_jobs.updated_at
`

const queryCompleteJob = `
UPDATE delivery_jobs
SET state = $2, attempt = $3, last_error = $4, updated_at = NOW()
WHERE id = $1
  AND state = 'running'
`

const queryRetryJob = `
UPDATE delivery_jobs
SET state = 'pending', attempt = $2, due_at = $3, last_error = $4, updated_at = NOW()
WHERE id = $1
  AND state = 'running'
`

const queryRequeueStaleJobs = `
WITH stale AS (
    SELECT id FROM delivery_jobs
    WHERE state = 'running'
      AND updated_at < $1
    ORDER BY updated_at ASC
    LIMIT $2
    FOR UPDATE SKIP LOCKED
)
UPDATE delivery_jobs
SET state = 'pending', updated_at = NOW()
FROM stale
WHERE delivery_jobs.id = stale.id
`

const queryListJobsByCampaign = `
SELECT id, campaign_id, lead_id, template_id, email_account_id,
       due_at, attempt, state, last_error, created_at, updated_at
FROM delivery_jobs
WHERE campaign_id = $1
ORDER BY seq ASC
LIMIT $2 OFFSET $3
`
