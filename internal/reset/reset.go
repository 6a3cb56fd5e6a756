// Package reset zeroes every email account's sent_today counter at the
// daily boundary, opening up fresh send capacity. Runs on a cron schedule,
// midnight in a configurable timezone by default.
package reset

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

const defaultSpec = "0 0 * * *"

// Store zeroes the per-account daily counters.
type Store interface {
	ResetDailyCounters(ctx context.Context) (int, error)
}

// MetricsSink records reset outcomes.
type MetricsSink interface {
	DailyCountersReset(accounts int)
}

// Resetter runs the daily counter reset on a cron schedule.
type Resetter struct {
	store    Store
	schedule cron.Schedule
	metrics  MetricsSink // optional, nil = disabled
	clock    func() time.Time
}

// New creates a Resetter firing per spec (standard 5-field cron syntax,
// empty = midnight) in the given timezone (empty = UTC).
func New(store Store, spec, timezone string) (*Resetter, error) {
	if spec == "" {
		spec = defaultSpec
	}
	if timezone == "" {
		timezone = "UTC"
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse reset schedule: %w", err)
	}

	return &Resetter{
		store:    store,
		schedule: wrapped{sched: sched, loc: loc},
		clock:    time.Now,
	}, nil
}

func (r *Resetter) WithMetrics(sink MetricsSink) *Resetter {
	r.metrics = sink
	return r
}

// Run fires the reset at each scheduled boundary until ctx is cancelled.
func (r *Resetter) Run(ctx context.Context) {
	for {
		next := r.schedule.Next(r.clock())
		log.Printf("reset: next daily reset at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(next.Sub(r.clock()))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("reset: stopped")
			return
		case <-timer.C:
			r.runOnce(ctx)
		}
	}
}

// runOnce performs a single reset cycle.
func (r *Resetter) runOnce(ctx context.Context) {
	accounts, err := r.store.ResetDailyCounters(ctx)
	if err != nil {
		// Next boundary retries; capacity stays conservative meanwhile.
		log.Printf("reset: failed to reset daily counters: %v", err)
		return
	}
	if r.metrics != nil {
		r.metrics.DailyCountersReset(accounts)
	}
	log.Printf("reset: cleared daily counters for %d accounts", accounts)
}

// wrapped evaluates a cron schedule in a fixed location.
type wrapped struct {
	sched cron.Schedule
	loc   *time.Location
}

func (w wrapped) Next(after time.Time) time.Time {
	return w.sched.Next(after.In(w.loc))
}
