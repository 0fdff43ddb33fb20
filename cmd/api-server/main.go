package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/center-slot-booking/internal/api"
	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/auth"
	"github.com/hackgods/center-slot-booking/internal/bootstrap"
	"github.com/hackgods/center-slot-booking/internal/config"
	"github.com/hackgods/center-slot-booking/internal/events"
	redisclient "github.com/hackgods/center-slot-booking/internal/redis"
)

const version = "1.0.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString("config load error: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := bootstrap.Logger(cfg, "api-server")
	if err != nil {
		os.Stderr.WriteString("logger setup error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort, "store", cfg.StoreDriver)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := bootstrap.OpenStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("store setup failed", "err", err)
	}
	defer store.Close()

	rdb, err := bootstrap.OpenRedis(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("redis setup failed", "err", err)
	}
	optional := map[string]api.Pinger{}
	var limiter *redisclient.TokenBucket
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("error closing redis", "err", err)
			}
		}()
		optional["redis"] = api.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		if cfg.RateLimit.Enabled {
			limiter = redisclient.NewTokenBucket(rdb, cfg.RateLimit.Capacity, cfg.RateLimit.RefillInterval, cfg.RateLimit.TTL)
		}
	}

	catalog, err := bootstrap.Catalog(cfg)
	if err != nil {
		logger.Fatal("slot catalog", "err", err)
	}
	logger.Info("slot catalog ready", "labels", len(catalog.Labels()), "tracks", len(catalog.Tracks()))

	svc := appointment.NewService(store.Repo, bootstrap.Locker(rdb, cfg), catalog, cfg, logger)

	if cfg.AMQPURL != "" {
		pub := events.NewPublisher(cfg.AMQPURL, cfg.EventsQueue, logger)
		defer pub.Close()
		svc.WithPublisher(pub)
		logger.Info("publishing booking events", "queue", cfg.EventsQueue)
	}

	router := api.NewRouter(api.RouterConfig{
		Service:     svc,
		Store:       store.Repo,
		Optional:    optional,
		Verifier:    auth.NewVerifier(cfg.JWTSecret),
		RateLimiter: limiter,
		RatePrefix:  cfg.RateLimit.Prefix,
		Logger:      logger,
		Env:         cfg.Env,
		Version:     version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "err", err)
	}
	logger.Info("api-server stopped")
}
