package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/habitrace/server/internal/config"
	"github.com/habitrace/server/internal/mailer"
	"github.com/habitrace/server/internal/redis"
	"github.com/habitrace/server/internal/worker"
)

// Standalone notification worker. Run this instead of the embedded
// worker (worker.enabled: false on the server) to scale job
// processing independently of the HTTP tier.
func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	notifier, err := redis.NewNotifier(&cfg.Redis, cfg.Worker.QueueKey, logger)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer notifier.Close()

	mailClient := mailer.NewClient(&cfg.Mailer, logger)

	notifyWorker := worker.NewNotifyWorker(notifier, notifier, mailClient, &cfg.Worker, logger)
	if err := notifyWorker.Start(ctx); err != nil {
		logger.Error("failed to start notification worker", "error", err)
		os.Exit(1)
	}
	logger.Info("notification worker started", "queue", cfg.Worker.QueueKey)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down worker...")
	if err := notifyWorker.Stop(); err != nil {
		logger.Error("failed to stop notification worker", "error", err)
	}
	logger.Info("worker stopped")
}
