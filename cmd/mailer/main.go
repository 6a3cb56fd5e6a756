// The mailer binary serves the HTTP control surface: campaign scheduling
// and pausing, job inspection, and template validation and preview.
package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studiocloud/Mailerv4/internal/api"
	"github.com/studiocloud/Mailerv4/internal/config"
	"github.com/studiocloud/Mailerv4/internal/metrics"
	"github.com/studiocloud/Mailerv4/internal/scheduler"
	"github.com/studiocloud/Mailerv4/internal/store/postgres"
	"github.com/studiocloud/Mailerv4/internal/template"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("mailer: invalid configuration: %v", err)
	}

	db, err := openDB(cfg)
	if err != nil {
		log.Fatalf("mailer: database: %v", err)
	}
	defer db.Close()

	st := postgres.New(db)
	sched := scheduler.New(st, st)
	if cfg.MetricsEnabled {
		sched = sched.WithMetrics(metrics.NewPrometheusSink(prometheus.DefaultRegisterer))
	}

	handler := api.NewHandler(sched, st, template.New()).WithHealthChecker(db)

	root := chi.NewRouter()
	if cfg.MetricsEnabled {
		root.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	root.Mount("/", handler.Router())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           root,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("mailer: listening on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("mailer: server: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("mailer: received signal %v, shutting down", received)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("mailer: forced shutdown: %v", err)
	}
	log.Println("mailer: stopped")
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
