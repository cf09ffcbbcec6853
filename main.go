package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/owdub1/cleaninbox-sub002/config"
	"github.com/owdub1/cleaninbox-sub002/internal/bootstrap"
	"github.com/owdub1/cleaninbox-sub002/pkg/logger"
)

const (
	shutdownTimeout = 30 * time.Second // Maximum time to wait for graceful shutdown
)

func main() {
	// Load .env file if exists (for local development)
	envErr := godotenv.Load()

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	logger.Init(logger.Config{
		Level:   logger.ParseLevel(cfg.LogLevel),
		Service: "mailsync",
		Pretty:  cfg.IsDevelopment(),
	})
	if envErr != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch *mode {
	case "api":
		runAPI(sigCtx, cfg)
	case "worker":
		runWorker(sigCtx, cfg)
	case "all":
		done := make(chan struct{})
		go func() {
			defer close(done)
			runWorker(sigCtx, cfg)
		}()
		runAPI(sigCtx, cfg)
		<-done
	default:
		logger.Fatal("Unknown mode: %s", *mode)
	}
}

func runAPI(sigCtx context.Context, cfg *config.Config) {
	app, cleanup, err := bootstrap.NewAPI(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize API: %v", err)
	}
	defer cleanup()

	go func() {
		<-sigCtx.Done()
		logger.Info("Shutting down API server (timeout: %v)...", shutdownTimeout)
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error("Error shutting down: %v", err)
			return
		}
		logger.Info("API server shut down gracefully")
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Error("Server stopped: %v", err)
	}
}

func runWorker(sigCtx context.Context, cfg *config.Config) {
	w, cleanup, err := bootstrap.NewWorker(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize worker: %v", err)
	}
	defer cleanup()

	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		<-sigCtx.Done()
		logger.Info("Shutting down worker (timeout: %v)...", shutdownTimeout)

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		w.Stop(ctx)
	}()

	logger.Info("Starting worker...")
	w.Start()
	if sigCtx.Err() == nil {
		logger.Fatal("Worker exited before shutdown was requested")
	}
	<-stopped
}
