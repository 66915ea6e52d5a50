package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"zenbudget/internal/amqp"
	"zenbudget/internal/config"
	apphttp "zenbudget/internal/http"
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
	logger := applog.New(applog.Config{Level: level, Component: applog.ComponentHTTP})
	applog.SetDefault(logger)

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

	// Clear sync locks a crashed process left held before serving any
	// trigger; single-binary deployments have no worker to do it for them.
	if err := engine.RecoverStaleLocks(context.Background()); err != nil {
		logger.Error("Failed to recover stale sync locks", "error", err)
		os.Exit(1)
	}

	reconciler := services.NewReconciler(repo)
	pendingQueue := queue.New(repo)

	deps := apphttp.Deps{
		Sessions:   sessions,
		BotToken:   cfg.TelegramBotToken,
		Tokens:     tokens,
		Engine:     engine,
		Reconciler: reconciler,
		Queue:      pendingQueue,
	}

	// The bus is optional: without it, sync triggers run in-process and
	// drain reports stay local.
	if cfg.AMQPURL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, sync triggers will run in-process", "error", err)
		} else {
			defer amqpClient.Close()
			deps.SyncRequester = amqpClient
			deps.Drainer = queue.NewDrainer(repo, amqpClient)
		}
	}
	if deps.Drainer == nil {
		deps.Drainer = queue.NewDrainer(repo, nil)
	}

	srv := apphttp.NewServer(":"+cfg.Port, deps)
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting zenbudget server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
