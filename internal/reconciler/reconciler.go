// Package reconciler recovers delivery jobs stranded in the running state.
//
// A job is stranded when a worker claimed it and then crashed before
// recording an outcome. The reconciler periodically flips running jobs whose
// claim is older than a threshold back to pending, where any worker can
// claim them again. The dispatcher's state-guarded updates make a late
// completion from the original worker a harmless no-op.
package reconciler

import (
	"context"
	"log"
	"time"
)

// JobStore defines the interface for requeueing stale running jobs.
type JobStore interface {
	RequeueStale(ctx context.Context, olderThan time.Time, limit int) (int, error)
}

// MetricsSink records reconciliation outcomes.
type MetricsSink interface {
	StaleJobsRequeued(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Interval is how often the reconciler runs.
	// Default: 1 minute.
	Interval time.Duration

	// Threshold is the claim age after which a running job is considered
	// stranded. Must comfortably exceed the slowest plausible SMTP send.
	// Default: 10 minutes.
	Threshold time.Duration

	// BatchSize is the maximum number of jobs to requeue per cycle.
	// Default: 100.
	BatchSize int
}

// DefaultConfig returns the default reconciler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// Reconciler returns stranded running jobs to the pending queue.
type Reconciler struct {
	config  Config
	jobs    JobStore
	metrics MetricsSink // optional, nil = disabled
	clock   func() time.Time
}

// New creates a new Reconciler.
func New(config Config, jobs JobStore) *Reconciler {
	return &Reconciler{
		config: config,
		jobs:   jobs,
		clock:  time.Now,
	}
}

func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run starts the reconciliation loop. It blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	log.Printf("reconciler: started (interval=%s, threshold=%s, batch=%d)",
		r.config.Interval, r.config.Threshold, r.config.BatchSize)

	// Run immediately on startup, then on ticker
	r.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			log.Println("reconciler: stopped")
			return
		case <-ticker.C:
			r.runCycle(ctx)
		}
	}
}

// runCycle executes one reconciliation cycle.
func (r *Reconciler) runCycle(ctx context.Context) {
	olderThan := r.clock().UTC().Add(-r.config.Threshold)

	requeued, err := r.jobs.RequeueStale(ctx, olderThan, r.config.BatchSize)
	if err != nil {
		// DB error: log and abort cycle. Will retry next interval.
		log.Printf("reconciler: failed to requeue stale jobs: %v", err)
		return
	}

	if requeued == 0 {
		// Nothing to do. Silent success.
		return
	}

	if r.metrics != nil {
		r.metrics.StaleJobsRequeued(requeued)
	}
	log.Printf("reconciler: requeued %d stale jobs", requeued)
}
