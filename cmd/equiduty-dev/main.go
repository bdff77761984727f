// Command equiduty-dev runs the API against the in-memory reference backend
// with a seeded demo stable. It exists for local development and for the
// smoke tooling; it keeps no state across restarts.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"equiduty.org/internal/audit"
	"equiduty.org/internal/config"
	"equiduty.org/internal/httpapi"
	"equiduty.org/internal/obs"
	"equiduty.org/internal/routine"
	"equiduty.org/internal/selection"
	"equiduty.org/internal/stream"
)

var (
	version = "0.3.0-dev"
	commit  = "none"
)

func main() {
	configPath := flag.String("config", "", "path to equiduty.yaml")
	flag.Parse()

	// .env is optional; real deployments configure the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if os.Getenv("EQUIDUTY_AUTH_SECRET") == "" {
		log.Fatal("EQUIDUTY_AUTH_SECRET is required")
	}

	obs.Init()
	obs.InitBuildInfo(version, commit)
	logger, err := obs.NewLogger(cfg.Debug)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	procs := selection.NewInMemory(selection.WithMaxWindowDays(cfg.MaxWindowDays))
	routines := routine.NewInMemory(procs)
	seedDemoData(procs, routines)

	events := stream.New()
	api := httpapi.New(procs, routines, version,
		httpapi.WithEvents(events),
		httpapi.WithAudit(audit.NewRecorder(logger)),
		httpapi.WithLogger(logger),
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		// Long write timeout so /v1/events subscribers are not cut off.
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("starting equiduty-dev",
		zap.String("version", version),
		zap.String("addr", cfg.ListenAddr))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}

// seedDemoData registers one demo stable with three members and the current
// week's routine instances.
func seedDemoData(procs *selection.InMemory, routines *routine.InMemory) {
	members := []selection.Member{
		{UserID: "user-anna", Name: "Anna Lind", Email: "anna@example.com"},
		{UserID: "user-bjorn", Name: "Bjorn Dahl", Email: "bjorn@example.com"},
		{UserID: "user-clara", Name: "Clara Berg", Email: "clara@example.com"},
	}
	procs.SeedStable("stable-aspen", "org-demo", members)

	week := routine.WeekOf(selection.Today())
	names := []string{"Morning feed", "Evening feed", "Paddock check"}
	for _, day := range week.Days() {
		for j, name := range names {
			routines.SeedInstance(routine.Instance{
				ID:       "inst-" + day.String() + "-" + string(rune('a'+j)),
				StableID: "stable-aspen",
				Name:     name,
				Date:     day,
			})
		}
	}
}
