// Package bootstrap opens the shared dependencies of the binaries.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/config"
	"github.com/hackgods/center-slot-booking/internal/db"
	"github.com/hackgods/center-slot-booking/internal/logger"
	redisclient "github.com/hackgods/center-slot-booking/internal/redis"
	"github.com/hackgods/center-slot-booking/internal/slots"
)

const connectTimeout = 10 * time.Second

// Logger builds the process logger from config.
func Logger(cfg config.Config, prefix string) (*log.Logger, error) {
	return logger.New(logger.Config{
		Level:  cfg.LogLevel,
		File:   cfg.LogFile,
		Prefix: prefix,
		JSON:   cfg.Env == "prod",
	})
}

func Catalog(cfg config.Config) (*slots.Catalog, error) {
	return slots.NewCatalog(cfg.Slots.StartHour, cfg.Slots.EndHour, cfg.Slots.IntervalMinutes, cfg.Slots.Tracks)
}

// Store is an opened appointment store and its release func.
type Store struct {
	Repo  appointment.Repository
	Close func()
}

// OpenStore connects the configured driver and prepares its schema or indexes.
func OpenStore(ctx context.Context, cfg config.Config, logger *log.Logger) (*Store, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("postgres connection: %w", err)
		}
		if err := db.MigratePostgres(ctx, pool); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres migration: %w", err)
		}
		logger.Info("connected to Postgres")
		return &Store{Repo: appointment.NewPgRepository(pool), Close: pool.Close}, nil

	case config.StoreMongo:
		client, err := db.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return nil, fmt.Errorf("mongo connection: %w", err)
		}
		repo := appointment.NewMongoRepository(client.Database(cfg.MongoDatabase))
		if err := repo.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("mongo indexes: %w", err)
		}
		logger.Info("connected to MongoDB", "database", cfg.MongoDatabase)
		return &Store{
			Repo: repo,
			Close: func() {
				if err := client.Disconnect(context.Background()); err != nil {
					logger.Error("error closing mongo", "err", err)
				}
			},
		}, nil

	case config.StoreMemory:
		logger.Warn("using in-memory store, data is lost on restart")
		return &Store{Repo: appointment.NewMemoryRepository(), Close: func() {}}, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

// OpenRedis returns nil when Redis is disabled.
func OpenRedis(ctx context.Context, cfg config.Config, logger *log.Logger) (*redis.Client, error) {
	if !cfg.RedisEnabled {
		logger.Warn("redis disabled, slot locks and rate limiting are off")
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	rdb, err := redisclient.NewRedisClient(ctx, redisclient.ClientOptions{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connection: %w", err)
	}
	logger.Info("connected to Redis", "addr", cfg.RedisAddr)
	return rdb, nil
}

// Locker falls back to a no-op locker when Redis is off.
func Locker(rdb *redis.Client, cfg config.Config) redisclient.Locker {
	if rdb == nil {
		return redisclient.NoopLocker{}
	}
	return redisclient.NewRedisLocker(rdb, cfg.LockTTL)
}
