package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/studiocloud/Mailerv4/internal/domain"
	"github.com/studiocloud/Mailerv4/internal/queue"
	"github.com/studiocloud/Mailerv4/internal/store"
	"github.com/studiocloud/Mailerv4/internal/template"
	"github.com/studiocloud/Mailerv4/internal/testutil"
)

type mockStore struct {
	mu       sync.Mutex
	accounts map[uuid.UUID]domain.EmailAccount
	tmpls    map[uuid.UUID]domain.Template
	leads    map[uuid.UUID]domain.Lead

	sent     map[uuid.UUID]int // successful IncrementMetrics calls per campaign
	failed   map[uuid.UUID]int
	released map[uuid.UUID]int
}

func newMockStore() *mockStore {
	return &mockStore{
		accounts: make(map[uuid.UUID]domain.EmailAccount),
		tmpls:    make(map[uuid.UUID]domain.Template),
		leads:    make(map[uuid.UUID]domain.Lead),
		sent:     make(map[uuid.UUID]int),
		failed:   make(map[uuid.UUID]int),
		released: make(map[uuid.UUID]int),
	}
}

func (m *mockStore) GetEmailAccount(_ context.Context, id uuid.UUID) (domain.EmailAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return domain.EmailAccount{}, store.ErrNotFound
	}
	return a, nil
}

func (m *mockStore) GetTemplate(_ context.Context, id uuid.UUID) (domain.Template, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tmpls[id]
	if !ok {
		return domain.Template{}, store.ErrNotFound
	}
	return t, nil
}

func (m *mockStore) GetLead(_ context.Context, id uuid.UUID) (domain.Lead, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.leads[id]
	if !ok {
		return domain.Lead{}, store.ErrNotFound
	}
	return l, nil
}

func (m *mockStore) IncrementMetrics(_ context.Context, campaignID uuid.UUID, successful bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if successful {
		m.sent[campaignID]++
	} else {
		m.failed[campaignID]++
	}
	return nil
}

func (m *mockStore) ReserveSend(_ context.Context, accountID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[accountID]
	if !ok {
		return false, store.ErrNotFound
	}
	if a.SentToday >= a.DailyLimit {
		return false, nil
	}
	a.SentToday++
	m.accounts[accountID] = a
	return true, nil
}

func (m *mockStore) ReleaseSend(_ context.Context, accountID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a := m.accounts[accountID]
	if a.SentToday > 0 {
		a.SentToday--
	}
	m.accounts[accountID] = a
	m.released[accountID]++
	return nil
}

type sentMail struct {
	account domain.EmailAccount
	msg     Message
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentMail
	errs []error // consumed per send; nil past the end
}

func (s *mockSender) Send(_ context.Context, account domain.EmailAccount, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if len(s.errs) > 0 {
		err = s.errs[0]
		s.errs = s.errs[1:]
	}
	if err != nil {
		return err
	}
	s.sent = append(s.sent, sentMail{account: account, msg: msg})
	return nil
}

func (s *mockSender) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type failure struct {
	job    domain.DeliveryJob
	reason string
}

type mockNotifier struct {
	mu       sync.Mutex
	failures []failure
}

func (n *mockNotifier) JobFailed(_ context.Context, job domain.DeliveryJob, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, failure{job: job, reason: reason})
}

type fixture struct {
	st       *mockStore
	jobs     *queue.Memory
	sender   *mockSender
	notifier *mockNotifier
	disp     *Dispatcher

	campaignID uuid.UUID
	job        domain.DeliveryJob

	clock *testutil.FakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		st:       newMockStore(),
		jobs:     queue.NewMemory(),
		sender:   &mockSender{},
		notifier: &mockNotifier{},
		clock:    testutil.NewFakeClock(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}

	account := domain.EmailAccount{
		ID:         uuid.New(),
		Email:      "sender@studiocloud.dev",
		SMTPHost:   "smtp.studiocloud.dev",
		SMTPPort:   587,
		DailyLimit: 100,
	}
	lead := domain.Lead{
		ID:      uuid.New(),
		Name:    "Ada",
		Email:   "ada@example.com",
		Company: "Analytical Engines",
	}
	tmpl := domain.Template{
		ID:      uuid.New(),
		Subject: "Hello {{ name }}",
		Body:    "<p>Greetings from {{ company }}</p>",
	}
	f.st.accounts[account.ID] = account
	f.st.leads[lead.ID] = lead
	f.st.tmpls[tmpl.ID] = tmpl

	f.campaignID = uuid.New()
	f.job = domain.DeliveryJob{
		ID:             uuid.New(),
		CampaignID:     f.campaignID,
		LeadID:         lead.ID,
		TemplateID:     tmpl.ID,
		EmailAccountID: account.ID,
		DueAt:          f.clock.Now(),
		State:          domain.JobStatePending,
	}
	if err := f.jobs.Enqueue(context.Background(), f.job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	f.disp = New(f.jobs, f.st, f.sender, template.New(), 10*time.Millisecond).
		WithNotifier(f.notifier)
	f.disp.clock = f.clock.NowFunc()
	return f
}

func TestProcessNext_Success(t *testing.T) {
	f := newFixture(t)

	processed, err := f.disp.ProcessNext(context.Background())
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if !processed {
		t.Fatal("expected a job to be claimed")
	}

	if got := f.sender.count(); got != 1 {
		t.Fatalf("sent %d mails, want 1", got)
	}
	mail := f.sender.sent[0]
	if mail.msg.To != "ada@example.com" {
		t.Errorf("to = %q", mail.msg.To)
	}
	if mail.msg.Subject != "Hello Ada" {
		t.Errorf("subject = %q", mail.msg.Subject)
	}
	if want := "<p>Greetings from Analytical Engines</p>"; mail.msg.HTML != want {
		t.Errorf("body = %q, want %q", mail.msg.HTML, want)
	}

	job, ok := f.jobs.Job(f.job.ID)
	if !ok || job.State != domain.JobStateSucceeded {
		t.Fatalf("job state = %v, want succeeded", job.State)
	}
	if f.st.sent[f.campaignID] != 1 || f.st.failed[f.campaignID] != 0 {
		t.Errorf("metrics sent=%d failed=%d, want 1/0", f.st.sent[f.campaignID], f.st.failed[f.campaignID])
	}
	if got := f.st.accounts[f.job.EmailAccountID].SentToday; got != 1 {
		t.Errorf("sent_today = %d, want 1", got)
	}
}

func TestProcessNext_TransportFailureRetries(t *testing.T) {
	f := newFixture(t)
	f.sender.errs = []error{errors.New("451 temporary failure")}

	if _, err := f.disp.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStatePending {
		t.Fatalf("job state = %v, want pending", job.State)
	}
	if job.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", job.Attempt)
	}
	if want := f.clock.Now().Add(2 * time.Second); !job.DueAt.Equal(want) {
		t.Errorf("due_at = %v, want %v", job.DueAt, want)
	}

	// The failed attempt counts against campaign metrics and the
	// reservation is credited back.
	if f.st.failed[f.campaignID] != 1 {
		t.Errorf("failed metric = %d, want 1", f.st.failed[f.campaignID])
	}
	if got := f.st.accounts[f.job.EmailAccountID].SentToday; got != 0 {
		t.Errorf("sent_today = %d, want 0 after release", got)
	}
	if f.st.released[f.job.EmailAccountID] != 1 {
		t.Errorf("release count = %d, want 1", f.st.released[f.job.EmailAccountID])
	}
}

func TestProcessNext_ExhaustsRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	f.sender.errs = []error{
		errors.New("550 mailbox unavailable"),
		errors.New("550 mailbox unavailable"),
		errors.New("550 mailbox unavailable"),
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		processed, err := f.disp.ProcessNext(ctx)
		if err != nil {
			t.Fatalf("attempt %d: %v", i+1, err)
		}
		if !processed {
			t.Fatalf("attempt %d: no job claimed", i+1)
		}
		// Advance past the backoff so the retried job is due again.
		f.clock.Advance(time.Minute)
	}

	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStateFailed {
		t.Fatalf("job state = %v, want failed", job.State)
	}
	// The stored row carries the exhausted attempt count, not the count
	// at claim time.
	if job.Attempt != 3 {
		t.Errorf("persisted attempt = %d, want 3", job.Attempt)
	}
	if f.st.failed[f.campaignID] != 3 {
		t.Errorf("failed metric = %d, want 3", f.st.failed[f.campaignID])
	}
	if f.st.sent[f.campaignID] != 0 {
		t.Errorf("sent metric = %d, want 0", f.st.sent[f.campaignID])
	}

	if len(f.notifier.failures) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.failures))
	}
	if got := f.notifier.failures[0].job.Attempt; got != 3 {
		t.Errorf("notified attempt = %d, want 3", got)
	}
}

func TestProcessNext_MissingLeadFailsPermanently(t *testing.T) {
	f := newFixture(t)
	f.st.mu.Lock()
	delete(f.st.leads, f.job.LeadID)
	f.st.mu.Unlock()

	if _, err := f.disp.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStateFailed {
		t.Fatalf("job state = %v, want failed", job.State)
	}
	if f.sender.count() != 0 {
		t.Error("no mail should be sent for a missing lead")
	}
	// No send attempt happened, so campaign metrics stay untouched.
	if f.st.sent[f.campaignID] != 0 || f.st.failed[f.campaignID] != 0 {
		t.Errorf("metrics sent=%d failed=%d, want 0/0", f.st.sent[f.campaignID], f.st.failed[f.campaignID])
	}
	if len(f.notifier.failures) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.failures))
	}
}

func TestProcessNext_CapacityExceededRetriesWithoutMetrics(t *testing.T) {
	f := newFixture(t)
	account := f.st.accounts[f.job.EmailAccountID]
	account.SentToday = account.DailyLimit
	f.st.accounts[f.job.EmailAccountID] = account

	if _, err := f.disp.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStatePending || job.Attempt != 1 {
		t.Fatalf("job state=%v attempt=%d, want pending/1", job.State, job.Attempt)
	}
	if f.sender.count() != 0 {
		t.Error("no mail should be sent without capacity")
	}
	if f.st.sent[f.campaignID] != 0 || f.st.failed[f.campaignID] != 0 {
		t.Errorf("metrics sent=%d failed=%d, want 0/0", f.st.sent[f.campaignID], f.st.failed[f.campaignID])
	}
	if f.st.released[f.job.EmailAccountID] != 0 {
		t.Error("nothing was reserved, nothing should be released")
	}
}

func TestProcessNext_StoreErrorLeavesJobRunning(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("connection refused")
	f.disp.store = &erroringStore{Store: f.st, err: boom}

	_, err := f.disp.ProcessNext(context.Background())
	if err == nil || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}

	// The job stays running so the reconciler can recover it later.
	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStateRunning {
		t.Fatalf("job state = %v, want running", job.State)
	}
}

type erroringStore struct {
	Store
	err error
}

func (s *erroringStore) GetTemplate(context.Context, uuid.UUID) (domain.Template, error) {
	return domain.Template{}, fmt.Errorf("query template: %w", s.err)
}

type stubBreaker struct {
	mu       sync.Mutex
	open     bool
	failures int
}

func (b *stubBreaker) Allow(string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.open {
		return errors.New("circuit open")
	}
	return nil
}

func (b *stubBreaker) RecordSuccess(string) {}

func (b *stubBreaker) RecordFailure(string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

func TestProcessNext_OpenCircuitRetriesWithoutSending(t *testing.T) {
	f := newFixture(t)
	f.disp.WithBreaker(&stubBreaker{open: true})

	if _, err := f.disp.ProcessNext(context.Background()); err != nil {
		t.Fatalf("process: %v", err)
	}

	if f.sender.count() != 0 {
		t.Error("no mail should be sent while the circuit is open")
	}
	job, _ := f.jobs.Job(f.job.ID)
	if job.State != domain.JobStatePending || job.Attempt != 1 {
		t.Fatalf("job state=%v attempt=%d, want pending/1", job.State, job.Attempt)
	}
	if got := f.st.accounts[f.job.EmailAccountID].SentToday; got != 0 {
		t.Errorf("sent_today = %d, want 0", got)
	}
}

func TestConcurrentWorkers_CapacityNeverOversold(t *testing.T) {
	f := newFixture(t)

	account := f.st.accounts[f.job.EmailAccountID]
	account.DailyLimit = 5
	f.st.accounts[f.job.EmailAccountID] = account

	// 20 due jobs against a limit of 5.
	ctx := context.Background()
	for i := 0; i < 19; i++ {
		job := f.job
		job.ID = uuid.New()
		job.LeadID = f.job.LeadID
		job.CampaignID = uuid.New()
		if err := f.jobs.Enqueue(ctx, job); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				processed, err := f.disp.ProcessNext(ctx)
				if err != nil {
					t.Errorf("process: %v", err)
					return
				}
				if !processed {
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := f.sender.count(); got != 5 {
		t.Fatalf("sent %d mails, want exactly the daily limit of 5", got)
	}
	if got := f.st.accounts[f.job.EmailAccountID].SentToday; got != 5 {
		t.Fatalf("sent_today = %d, want 5", got)
	}
}

func TestClassifySendError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{errors.New("450 mailbox busy"), "smtp_transient"},
		{errors.New("550 no such user"), "smtp_permanent"},
		{context.DeadlineExceeded, "timeout"},
		{errors.New("something odd"), "error"},
	}
	for _, tc := range cases {
		if got := classifySendError(tc.err); got != tc.want {
			t.Errorf("classifySendError(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}
