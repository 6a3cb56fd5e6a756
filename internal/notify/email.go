package notify

import (
	"context"
	"fmt"
	"log"
	"net/smtp"

	"github.com/jordan-wright/email"

	"github.com/studiocloud/Mailerv4/internal/domain"
)

// EmailNotifier mails a short failure report to an operator address. It uses
// its own SMTP credentials rather than a campaign's sending accounts, so
// operator mail never competes with campaign quota.
type EmailNotifier struct {
	addr string // host:port
	auth smtp.Auth
	from string
	to   string

	// send is swappable in tests.
	send func(e *email.Email, addr string, a smtp.Auth) error
}

func NewEmailNotifier(host string, port int, username, password, from, to string) *EmailNotifier {
	var auth smtp.Auth
	if username != "" {
		auth = smtp.PlainAuth("", username, password, host)
	}
	return &EmailNotifier{
		addr: fmt.Sprintf("%s:%d", host, port),
		auth: auth,
		from: from,
		to:   to,
		send: func(e *email.Email, addr string, a smtp.Auth) error { return e.Send(addr, a) },
	}
}

func (n *EmailNotifier) JobFailed(_ context.Context, job domain.DeliveryJob, reason string) {
	e := email.NewEmail()
	e.From = n.from
	e.To = []string{n.to}
	e.Subject = fmt.Sprintf("Delivery failed: campaign %s", job.CampaignID)
	e.Text = []byte(fmt.Sprintf(
		"Delivery job %s failed permanently.\n\nCampaign: %s\nLead: %s\nAttempts: %d\nReason: %s\n",
		job.ID, job.CampaignID, job.LeadID, job.Attempt, reason,
	))

	if err := n.send(e, n.addr, n.auth); err != nil {
		log.Printf("notify: failure report mail for job %s: %v", job.ID, err)
	}
}
