package domain

import "github.com/google/uuid"

// EmailAccount is a shared sender resource with a daily quota.
// SentToday is only ever mutated through the store's atomic
// reserve/release operations; reading it elsewhere is informational.
type EmailAccount struct {
	ID       uuid.UUID
	Name     string
	Email    string
	Password string

	SMTPHost string
	SMTPPort int
	UseTLS   bool

	DailyLimit int
	SentToday  int
}

// Remaining returns the account's unreserved capacity for the current day.
func (a EmailAccount) Remaining() int {
	if r := a.DailyLimit - a.SentToday; r > 0 {
		return r
	}
	return 0
}
