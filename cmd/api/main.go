package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"archiveflow/approval"
	"archiveflow/db"
	"archiveflow/department"
	"archiveflow/distribution"
	"archiveflow/document"
	"archiveflow/event"
	"archiveflow/identity"
	"archiveflow/sla"
	"archiveflow/workflow"
)

type config struct {
	databaseURL    string
	jwtSecret      string
	httpAddr       string
	slaInterval    time.Duration
	outboxInterval time.Duration
	outboxAttempts int
}

func loadConfig() config {
	cfg := config{
		databaseURL:    os.Getenv("DATABASE_URL"),
		jwtSecret:      os.Getenv("JWT_SECRET"),
		httpAddr:       envOr("HTTP_ADDR", ":8080"),
		slaInterval:    envDuration("SLA_SCAN_INTERVAL", time.Hour),
		outboxInterval: envDuration("OUTBOX_POLL_INTERVAL", time.Second),
		outboxAttempts: 10,
	}
	if cfg.databaseURL == "" {
		log.Fatal("DATABASE_URL is required")
	}
	if cfg.jwtSecret == "" {
		log.Fatal("JWT_SECRET is required")
	}
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Fatalf("parse %s: %v", key, err)
	}
	return d
}

// logNotifier is the default event sink: it logs deliveries. A real
// deployment swaps in a broker- or mail-backed Notifier.
type logNotifier struct{}

func (logNotifier) Publish(_ context.Context, msg event.Message) error {
	log.Printf("event: %s %s", msg.Topic, msg.Payload)
	return nil
}

func main() {
	cfg := loadConfig()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.databaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	server := &Server{
		identityService: identity.NewService(identity.NewRepository(pool), cfg.jwtSecret),
		documents:       document.NewRepository(pool),
		registry:        workflow.NewRegistry(pool),
		transitions:     workflow.NewTransitionService(pool, workflow.NewTransitionStore()),
		approvals:       approval.NewCoordinator(pool, approval.NewStore()),
		approvalReads:   approval.NewReader(pool),
		distributions:   distribution.NewTracker(pool, distribution.NewStore()),
		distReads:       distribution.NewReader(pool),
		departments:     department.NewService(department.NewRepository(pool)),
	}

	httpServer := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	relay := event.NewRelay(event.NewRelayStore(pool), logNotifier{}, cfg.outboxInterval, cfg.outboxAttempts)
	monitor := sla.NewMonitor(sla.NewStore(pool), cfg.slaInterval)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("api listening on %s", cfg.httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := monitor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
	log.Print("shutdown complete")
}
