// The worker runs the delivery pipeline: a pool of dispatch workers that
// claim due jobs, render content, and send through the account's SMTP
// server. Every instance dispatches; one instance at a time is elected
// leader and additionally runs the reconciler and the daily counter reset.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/studiocloud/Mailerv4/internal/analytics"
	"github.com/studiocloud/Mailerv4/internal/circuitbreaker"
	"github.com/studiocloud/Mailerv4/internal/config"
	"github.com/studiocloud/Mailerv4/internal/dispatcher"
	"github.com/studiocloud/Mailerv4/internal/leaderelection"
	"github.com/studiocloud/Mailerv4/internal/metrics"
	"github.com/studiocloud/Mailerv4/internal/notify"
	"github.com/studiocloud/Mailerv4/internal/reconciler"
	"github.com/studiocloud/Mailerv4/internal/reset"
	"github.com/studiocloud/Mailerv4/internal/store/postgres"
	"github.com/studiocloud/Mailerv4/internal/template"
	smtptransport "github.com/studiocloud/Mailerv4/internal/transport/smtp"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("worker: invalid configuration: %v", err)
	}
	logConfigWarnings(cfg)

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("worker: database: %v", err)
	}
	defer db.Close()

	st := postgres.New(db)
	sender := smtptransport.NewSender()
	defer sender.Close()

	var sink metrics.Sink = metrics.NewNoopSink()
	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		go serveMetrics(cfg)
	}

	disp := dispatcher.New(st, st, sender, template.New(), cfg.PollInterval).
		WithMetrics(sink)

	if cfg.CircuitBreakerThreshold > 0 {
		disp = disp.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
	}

	if cfg.SendRatePerSecond > 0 {
		burst := int(cfg.SendRatePerSecond)
		if burst < 1 {
			burst = 1
		}
		disp = disp.WithThrottle(rate.NewLimiter(rate.Limit(cfg.SendRatePerSecond), burst))
		log.Printf("worker: send throttling enabled (%.2f/s)", cfg.SendRatePerSecond)
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		disp = disp.WithAnalytics(analytics.NewRedisSink(client, cfg.AnalyticsWindow, cfg.AnalyticsRetention))
		log.Printf("worker: analytics enabled (redis=%s)", cfg.RedisAddr)
	}

	notifiers, cleanup := buildNotifiers(cfg)
	defer cleanup()
	if len(notifiers) > 0 {
		disp = disp.WithNotifier(notifiers)
	}

	resetter, err := reset.New(st, cfg.ResetSchedule, cfg.ResetTimezone)
	if err != nil {
		log.Fatalf("worker: reset schedule: %v", err)
	}
	resetter = resetter.WithMetrics(sink)

	ctx, cancel := context.WithCancel(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < cfg.DispatcherWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			disp.Run(ctx)
		}()
	}
	log.Printf("worker: %d dispatch workers started", cfg.DispatcherWorkers)

	// Singleton duties run only while this instance holds the leader lock.
	var leaderWg sync.WaitGroup
	elector := leaderelection.New(db, cfg.LeaderLockKey)
	elector.RetryInterval = cfg.LeaderRetryInterval
	elector.HeartbeatInterval = cfg.LeaderHeartbeatInterval
	elector.OnElected = func(leaderCtx context.Context) {
		if cfg.ReconcileEnabled {
			rec := reconciler.New(reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			}, st).WithMetrics(sink)
			leaderWg.Add(1)
			go func() {
				defer leaderWg.Done()
				rec.Run(leaderCtx)
			}()
		}
		leaderWg.Add(1)
		go func() {
			defer leaderWg.Done()
			resetter.Run(leaderCtx)
		}()
	}
	elector.OnDemoted = leaderWg.Wait

	wg.Add(1)
	go func() {
		defer wg.Done()
		elector.Run(ctx)
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("worker: received signal %v, shutting down", received)
	cancel()
	wg.Wait()
	log.Println("worker: stopped")
}

// logConfigWarnings flags configurations that run but degrade the pipeline's
// delivery guarantees or visibility.
func logConfigWarnings(cfg config.Config) {
	if !cfg.ReconcileEnabled {
		log.Println("worker: WARNING [P0]: RECONCILE_ENABLED=false - jobs claimed by a crashed worker stay running forever and their leads are never mailed")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("worker: WARNING [P1]: CIRCUIT_BREAKER_THRESHOLD=0 - a dead SMTP host will consume every job's retry budget")
	}
	if !cfg.MetricsEnabled {
		log.Println("worker: WARNING [P1]: METRICS_ENABLED=false - delivery outcomes will not be observable")
	}
	if cfg.SendRatePerSecond == 0 {
		log.Println("worker: INFO: SEND_RATE_PER_SECOND not set - sends are throttled only by account daily limits")
	}
}

func openDB(cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	ctx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPing()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildNotifiers assembles the configured failure channels. The returned
// cleanup closes any connections it opened.
func buildNotifiers(cfg config.Config) (notify.Multi, func()) {
	var notifiers notify.Multi
	cleanup := func() {}

	if cfg.AMQPURL != "" {
		conn, err := amqp.Dial(cfg.AMQPURL)
		if err != nil {
			log.Fatalf("worker: amqp: %v", err)
		}
		n, err := notify.NewAMQPNotifier(conn, cfg.NotifyQueue)
		if err != nil {
			log.Fatalf("worker: amqp queue declare: %v", err)
		}
		notifiers = append(notifiers, n)
		cleanup = func() {
			n.Close()
			conn.Close()
		}
		log.Printf("worker: amqp failure notifications enabled (queue=%s)", cfg.NotifyQueue)
	}

	if cfg.NotifySMTPHost != "" && cfg.NotifyTo != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(
			cfg.NotifySMTPHost, cfg.NotifySMTPPort,
			cfg.NotifySMTPUsername, cfg.NotifySMTPPassword,
			cfg.NotifyFrom, cfg.NotifyTo,
		))
		log.Printf("worker: email failure notifications enabled (to=%s)", cfg.NotifyTo)
	}

	return notifiers, cleanup
}

func serveMetrics(cfg config.Config) {
	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.Handler())
	log.Printf("worker: metrics listening on %s%s", cfg.HTTPAddr, cfg.MetricsPath)
	if err := http.ListenAndServe(cfg.HTTPAddr, mux); err != nil {
		log.Printf("worker: metrics server: %v", err)
	}
}
