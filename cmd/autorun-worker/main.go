package main

import (
	"context"
	"errors"
	"os"
	"time"

	"evercent/internal/cli"
	"evercent/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(os.Stdout, os.Getenv("LOG_LEVEL"))

	logger.Info("Starting autorun-worker")

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

	// Without a broker the scheduler executes due runs itself.
	var publisher worker.JobPublisher
	if app.AMQP != nil {
		publisher = app.AMQP
	}
	scheduler := worker.NewScheduler(app.Service, publisher, worker.SchedulerConfig{
		LockInterval: cfg.LockInterval,
		RunInterval:  cfg.RunInterval,
	})

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		logger.Info("Shutting down worker...")
		if err := scheduler.Stop(ctx); err != nil {
			logger.Warn("Scheduler stop failed", "error", err)
		}
	})

	if err := scheduler.Start(ctx); err != nil {
		logger.Error("Failed to start scheduler", "error", err)
		os.Exit(1)
	}

	if app.AMQP != nil {
		runWorker := worker.NewRunWorker(app.Service)
		go func() {
			err := app.AMQP.ConsumeRunJobs(ctx, runWorker.HandleRunJob)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Message consumption failed", "error", err)
			}
		}()
	} else {
		logger.Info("AMQP disabled - running due runs in-process")
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
