package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"gopkg.in/natefinch/lumberjack.v2"

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

	logger, err := bootstrap.Logger(cfg, "booking-notifier")
	if err != nil {
		os.Stderr.WriteString("logger setup error: " + err.Error() + "\n")
		os.Exit(1)
	}
	if cfg.AMQPURL == "" {
		logger.Fatal("AMQP_URL is required")
	}

	path := os.Getenv("EVENTS_LOG_FILE")
	if path == "" {
		path = filepath.Join("logs", "booking-events.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		logger.Fatal("create log dir", "err", err)
	}
	sink := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	}
	defer sink.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("booking notifier starting", "queue", cfg.EventsQueue, "file", path)

	consumer := events.NewConsumer(cfg.AMQPURL, cfg.EventsQueue, appendLine(sink), logger)
	if err := consumer.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("consumer stopped", "err", err)
	}
	logger.Info("booking notifier stopped")
}

// appendLine writes one formatted line per event.
func appendLine(w io.Writer) events.Handler {
	var mu sync.Mutex
	return func(_ context.Context, ev appointment.EventLog) error {
		mu.Lock()
		defer mu.Unlock()
		_, err := fmt.Fprintln(w, events.FormatLine(ev))
		return err
	}
}
