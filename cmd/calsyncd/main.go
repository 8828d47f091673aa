package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/syncwell/calsync/internal/calsync"
	"github.com/syncwell/calsync/internal/config"
	"github.com/syncwell/calsync/internal/googlecal"
	"github.com/syncwell/calsync/internal/httpapi"
)

func main() {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	configPath := flag.String("config", envOrDefault("CALSYNC_CONFIG", "calsync.yaml"), "path to the config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	stores, err := calsync.BuildStoresFromDSN(cfg.StoreDSN)
	if err != nil {
		log.Fatalf("initialize stores: %v", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			log.Printf("close stores: %v", err)
		}
	}()

	broker := calsync.NewTokenBroker(stores.Credentials, calsync.TokenBrokerOptions{
		ClientID:     cfg.Google.ClientID,
		ClientSecret: cfg.Google.ClientSecret,
		RedirectURL:  cfg.Google.RedirectURL,
		Scopes:       cfg.Google.Scopes,
	})
	provider := googlecal.NewClient(googlecal.ClientOptions{})

	window := func(now time.Time) calsync.TimeWindow {
		return calsync.TimeWindow{
			Start: now.AddDate(0, 0, -cfg.Sync.WindowPastDays),
			End:   now.AddDate(0, 0, cfg.Sync.WindowFutureDays),
		}
	}
	// One lease table for the whole process so a full run and a pull for the
	// same user never overlap.
	leases := calsync.NewRunLeases(0)

	orchestrator := calsync.NewOrchestrator(calsync.OrchestratorOptions{
		Local:      stores.Local,
		Provider:   provider,
		Broker:     broker,
		Conflicts:  stores.Conflicts,
		Runs:       stores.Runs,
		Leases:     leases,
		CalendarID: cfg.Sync.CalendarID,
		Window:     window,
	})
	incremental := calsync.NewIncrementalSync(calsync.IncrementalSyncOptions{
		Local:      stores.Local,
		Provider:   provider,
		Broker:     broker,
		Runs:       stores.Runs,
		Leases:     leases,
		CalendarID: cfg.Sync.CalendarID,
	})
	channels := calsync.NewChannelManager(calsync.ChannelManagerOptions{
		Channels:   stores.Channels,
		Provider:   provider,
		Broker:     broker,
		Puller:     incremental,
		Address:    cfg.WebhookAddress,
		ChannelTTL: time.Duration(cfg.Sync.ChannelTTLHours) * time.Hour,
		Window:     window,
	})

	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Orchestrator: orchestrator,
		Incremental:  incremental,
		Channels:     channels,
		Broker:       broker,
		Stores:       stores,
	})
	if err != nil {
		log.Fatalf("initialize server: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sync.CleanupCron, func() {
		ctx, cancel := context.WithTimeout(rootCtx, time.Minute)
		defer cancel()
		stopped, err := channels.CleanupExpiredChannels(ctx)
		if err != nil {
			log.Printf("channel cleanup sweep: %v", err)
			return
		}
		if stopped > 0 {
			log.Printf("channel cleanup sweep stopped %d expired channels", stopped)
		}
	}); err != nil {
		log.Fatalf("schedule channel cleanup (%q): %v", cfg.Sync.CleanupCron, err)
	}
	sweeper.Start()
	defer sweeper.Stop()

	httpServer := &http.Server{
		Addr:              cfg.Listen,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("calsyncd listening on %s (store %s)", cfg.Listen, redactDSN(cfg.StoreDSN))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-rootCtx.Done():
		log.Printf("calsyncd shutting down: %v", rootCtx.Err())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

// redactDSN strips credentials from a DSN before it reaches the log.
func redactDSN(dsn string) string {
	at := strings.LastIndex(dsn, "@")
	if at < 0 {
		return dsn
	}
	scheme := ""
	if idx := strings.Index(dsn, "://"); idx >= 0 {
		scheme = dsn[:idx+3]
	}
	return scheme + "***" + dsn[at:]
}
