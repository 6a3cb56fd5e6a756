// Package smtp sends rendered mail through per-account SMTP connection
// pools. Pools are created lazily on first use and reused for the life of
// the process; each email account maps to exactly one pool.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/smtp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/smtppool"

	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/domain"
)

const (
	defaultMaxConns    = 4
	defaultIdleTimeout = 30 * time.Second
	defaultWaitTimeout = 10 * time.Second
)

type Sender struct {
	mu    sync.Mutex
	pools map[uuid.UUID]*smtppool.Pool
}

func NewSender() *Sender {
	return &Sender{pools: make(map[uuid.UUID]*smtppool.Pool)}
}

// Send delivers msg through the account's SMTP pool.
func (s *Sender) Send(ctx context.Context, account domain.EmailAccount, msg dispatcher.Message) error {
	pool, err := s.pool(account)
	if err != nil {
		return fmt.Errorf("smtp pool for %s: %w", account.SMTPHost, err)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	e := smtppool.Email{
		From:    msg.From,
		To:      []string{msg.To},
		Subject: msg.Subject,
		HTML:    []byte(msg.HTML),
	}
	if err := pool.Send(e); err != nil {
		return fmt.Errorf("send via %s: %w", account.SMTPHost, err)
	}
	return nil
}

func (s *Sender) pool(account domain.EmailAccount) (*smtppool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if pool, ok := s.pools[account.ID]; ok {
		return pool, nil
	}

	var auth smtp.Auth
	if account.Email != "" && account.Password != "" {
		auth = smtp.PlainAuth("", account.Email, account.Password, account.SMTPHost)
	}

	opt := smtppool.Opt{
		Host:            account.SMTPHost,
		Port:            account.SMTPPort,
		MaxConns:        defaultMaxConns,
		IdleTimeout:     defaultIdleTimeout,
		PoolWaitTimeout: defaultWaitTimeout,
		Auth:            auth,
	}
	if account.UseTLS {
		opt.TLSConfig = &tls.Config{ServerName: account.SMTPHost}
	}

	pool, err := smtppool.New(opt)
	if err != nil {
		return nil, err
	}
	s.pools[account.ID] = pool
	return pool, nil
}

// Close shuts down every open pool.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pool := range s.pools {
		pool.Close()
	}
	s.pools = make(map[uuid.UUID]*smtppool.Pool)
}

var _ dispatcher.Sender = (*Sender)(nil)
