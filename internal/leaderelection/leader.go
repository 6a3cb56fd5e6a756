// Package leaderelection decides which worker process runs the singleton
// duties: the reconciler and the daily counter reset. Dispatch workers run
// everywhere; only the leader runs the loops that must not execute twice.
//
// Election uses a single Postgres session-scoped advisory lock. The lock is
// held for the lifetime of a dedicated database connection; there is no
// renewal or TTL. If the connection dies, Postgres releases the lock
// server-side. The heartbeat ping exists solely to detect local connection
// death so a demoted leader stops its duties promptly.
package leaderelection

import (
	"context"
	"database/sql"
	"log"
	"time"
)

// Elector competes for a Postgres advisory lock and runs leader duties
// while holding it.
type Elector struct {
	db      *sql.DB
	lockKey int64

	// RetryInterval is how often a follower re-attempts the lock.
	RetryInterval time.Duration
	// HeartbeatInterval is how often the leader pings its dedicated
	// connection to detect loss.
	HeartbeatInterval time.Duration

	// OnElected is called in a new goroutine on acquiring the lock. The
	// context is cancelled when leadership ends; it should start the
	// singleton duties and return quickly.
	OnElected func(ctx context.Context)
	// OnDemoted is called synchronously when leadership is lost. It must
	// be idempotent and block until duties are fully stopped.
	OnDemoted func()
}

func New(db *sql.DB, lockKey int64) *Elector {
	return &Elector{
		db:                db,
		lockKey:           lockKey,
		RetryInterval:     5 * time.Second,
		HeartbeatInterval: 10 * time.Second,
	}
}

// Run blocks until ctx is cancelled, alternating between competing for the
// lock and holding it.
func (e *Elector) Run(ctx context.Context) {
	log.Printf("leader: election loop started (lock_key=%d, retry=%s, heartbeat=%s)",
		e.lockKey, e.RetryInterval, e.HeartbeatInterval)

	for {
		if ctx.Err() != nil {
			log.Println("leader: election loop stopped")
			return
		}

		if reason := e.tryLead(ctx); reason != "" && ctx.Err() == nil {
			log.Printf("leader: lost leadership (reason=%s), retrying in %s", reason, e.RetryInterval)
		}

		select {
		case <-ctx.Done():
			log.Println("leader: election loop stopped")
			return
		case <-time.After(e.RetryInterval):
		}
	}
}

// tryLead makes one non-blocking lock attempt and, on success, holds the
// lock until it is lost. Returns the loss reason, "" if never acquired.
func (e *Elector) tryLead(ctx context.Context) string {
	// Advisory locks are session-scoped: a dedicated connection is required.
	conn, err := e.db.Conn(ctx)
	if err != nil {
		log.Printf("leader: failed to acquire dedicated connection: %v", err)
		return ""
	}
	defer conn.Close()

	var acquired bool
	err = conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", e.lockKey).Scan(&acquired)
	if err != nil {
		log.Printf("leader: advisory lock query failed: %v", err)
		return ""
	}
	if !acquired {
		return ""
	}

	log.Printf("leader: acquired advisory lock %d", e.lockKey)

	leaderCtx, cancel := context.WithCancel(ctx)
	if e.OnElected != nil {
		go e.OnElected(leaderCtx)
	}

	reason := e.hold(ctx, conn)

	cancel()
	if e.OnDemoted != nil {
		e.OnDemoted()
	}

	log.Printf("leader: released advisory lock %d", e.lockKey)
	return reason
}

// hold pings the dedicated connection until shutdown or connection loss.
func (e *Elector) hold(ctx context.Context, conn *sql.Conn) string {
	ticker := time.NewTicker(e.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return "shutdown"
		case <-ticker.C:
			if err := conn.PingContext(ctx); err != nil {
				if ctx.Err() != nil {
					return "shutdown"
				}
				log.Printf("leader: dedicated connection ping failed: %v", err)
				return "conn_lost"
			}
		}
	}
}
