package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"zenbudget/internal/amqp"
	"zenbudget/internal/config"
	applog "zenbudget/internal/log"
	"zenbudget/internal/queue"
	"zenbudget/internal/services"
	"zenbudget/internal/session"
	"zenbudget/internal/storage"
	"zenbudget/internal/zenmoney"
)

func main() {
	// Load .env for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := applog.New(applog.Config{Level: level, Component: applog.ComponentScheduler})
	applog.SetDefault(logger)

	logger.Info("Starting zenbudget-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	provider := zenmoney.NewClient(
		cfg.ZenMoneyAPIBaseURL,
		cfg.ZenMoneyClientID,
		cfg.ZenMoneyClientSecret,
		cfg.ZenMoneyRedirectURI,
	)
	sessions := session.NewManager(cfg.SessionSecret, cfg.SessionTTL)
	tokens := services.NewTokenService(repo, provider, sessions)
	engine := services.NewSyncEngine(repo, tokens, provider)

	// A crash mid-sync leaves sync_status='syncing' behind with nobody to
	// release it; clear any leftovers before the first trigger can fire.
	if err := engine.RecoverStaleLocks(context.Background()); err != nil {
		logger.Error("Failed to recover stale sync locks", "error", err)
		os.Exit(1)
	}

	// The bus is optional; without it the worker still runs its periodic
	// sync and drain loops, just without externally published triggers.
	var amqpClient *amqp.Client
	if cfg.AMQPURL != "" {
		amqpClient, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, running timers only", "error", err)
			amqpClient = nil
		} else {
			defer amqpClient.Close()
		}
	}

	var notifier queue.DrainNotifier
	if amqpClient != nil {
		notifier = amqpClient
	}
	drainer := queue.NewDrainer(repo, notifier)

	scheduler := queue.NewScheduler(engine, drainer, repo, queue.SchedulerConfig{
		SyncInterval:  cfg.SyncInterval,
		DrainInterval: cfg.DrainInterval,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)

	if amqpClient != nil {
		g.Go(func() error {
			return amqpClient.ConsumeSyncRequests(gctx, func(msg *amqp.SyncRequestMessage) error {
				logger.Info("Sync requested over the bus",
					"user_id", msg.UserID, "reason", msg.Reason)
				scheduler.RequestSync(msg.UserID)
				return nil
			})
		})
	}

	g.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := scheduler.Stop(shutdownCtx); err != nil {
		logger.Error("Scheduler shutdown error", "error", err)
	}

	logger.Info("Worker stopped gracefully")
}
