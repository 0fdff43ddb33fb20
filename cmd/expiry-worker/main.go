package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/bootstrap"
	"github.com/hackgods/center-slot-booking/internal/config"
	"github.com/hackgods/center-slot-booking/internal/events"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := bootstrap.Logger(cfg, "expiry-worker")
	if err != nil {
		os.Stderr.WriteString("logger setup error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Info("expiry worker starting up", "env", cfg.Env, "interval", cfg.WorkerInterval, "placeholder_ttl", cfg.PlaceholderTTL)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", "err", err)
	}
	defer store.Close()

	catalog, err := bootstrap.Catalog(cfg)
	if err != nil {
		logger.Fatal("slot catalog", "err", err)
	}

	// Expiry never assigns slots; no lock.
	svc := appointment.NewService(store.Repo, nil, catalog, cfg, logger)
	if cfg.AMQPURL != "" {
		pub := events.NewPublisher(cfg.AMQPURL, cfg.EventsQueue, logger)
		defer pub.Close()
		svc.WithPublisher(pub)
	}

	runOnce(rootCtx, svc, logger)

	ticker := time.NewTicker(cfg.WorkerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rootCtx.Done():
			logger.Info("shutdown signal received, stopping expiry worker")
			return
		case <-ticker.C:
			runOnce(rootCtx, svc, logger)
		}
	}
}

func runOnce(ctx context.Context, svc *appointment.Service, logger *log.Logger) {
	runCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	start := time.Now()
	n, err := svc.ExpireStalePlaceholders(runCtx)
	if err != nil {
		logger.Error("expiry run error", "err", err)
		return
	}
	logger.Info("expiry run complete", "expired", n, "took", time.Since(start))
}
