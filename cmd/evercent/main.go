package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"evercent/internal/cli"
	apphttp "evercent/internal/http"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Stdout, os.Getenv("LOG_LEVEL"))

	cfg, err := cli.LoadConfig()
	if err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	logger = cli.SetupLogger(os.Stdout, cfg.LogLevel)

	app, err := cli.BuildApp(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize application", "error", err)
		os.Exit(1)
	}
	defer app.Close()

	srv, err := apphttp.NewServer(":"+cfg.Port, app.Service, apphttp.ServerConfig{
		RateLimitRPM:  cfg.RateLimitRPM,
		ClientBaseURL: cfg.ClientBaseURL,
		Ready:         app.Ready,
	})
	if err != nil {
		logger.Error("Failed to configure server", "error", err)
		os.Exit(1)
	}

	// Executing due runs from the API waits between postings, so writes get
	// a generous timeout.
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 5 * time.Minute
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
	})

	logger.Info("Starting evercent server", "port", cfg.Port, "backend", cfg.DataBackend)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
