// Package cli provides common initialization for cmd/evercent,
// cmd/autorun-worker and cmd/evercentctl.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"evercent/internal/amqp"
	"evercent/internal/autorun"
	"evercent/internal/backend"
	"evercent/internal/cache"
	"evercent/internal/config"
	"evercent/internal/ledger"
	"evercent/internal/log"
	"evercent/internal/notify"
	"evercent/internal/sheets"
	"evercent/internal/storage"
)

// SetupLogger installs a text logger on w at the given level as the default
// logger and returns it.
func SetupLogger(w io.Writer, level string) *slog.Logger {
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: log.ParseLevel(level),
	}))
	slog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads the .env file for local development.
// Errors are ignored silently as this is optional in production.
func LoadEnvFile() {
	_ = godotenv.Load()
}

// LoadConfig loads and validates the configuration.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// App is the wired automation service with everything that must be released
// on exit.
type App struct {
	Service *autorun.Service
	Store   storage.Store
	Ledger  *ledger.Client
	AMQP    *amqp.Client
	Ready   func(ctx context.Context) error

	caches  *cache.Manager
	cleanup []func() error
}

// BuildApp opens the store, the ledger client and the optional broker and
// Sheets mirror, and assembles the automation service.
func BuildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{}

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return nil, err
	}
	app.Store = res.Store
	if res.Cleanup != nil {
		app.cleanup = append(app.cleanup, res.Cleanup)
	}
	if p, ok := res.Store.(interface{ Ping(context.Context) error }); ok {
		app.Ready = p.Ping
	}

	app.Ledger = ledger.NewClient(ledger.Config{
		APIURL:          cfg.LedgerAPIURL,
		AuthURL:         cfg.LedgerAuthURL,
		ClientID:        cfg.LedgerClientID,
		ClientSecret:    cfg.LedgerClientSecret,
		RedirectURI:     cfg.LedgerRedirectURI,
		RateLimitMargin: cfg.LedgerRateLimitMargin,
		HTTPTimeout:     cfg.LedgerHTTPTimeout,
	}, res.Store)
	app.cleanup = append(app.cleanup, func() error {
		app.Ledger.Wait()
		return nil
	})

	app.caches = cache.NewManager()
	app.caches.Register(app.Ledger.BudgetCache())
	app.caches.StartCleanup(time.Minute)

	var notifier autorun.Notifier
	if cfg.AMQPEnabled() {
		app.AMQP, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue, cfg.AMQPNotifyQueue)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("amqp client: %w", err)
		}
		app.cleanup = append(app.cleanup, app.AMQP.Close)
		notifier = notify.NewAMQPNotifier(app.AMQP)
	}

	app.Service = autorun.NewService(res.Store, app.Ledger, notifier, autorun.Config{
		PostingDelay:   cfg.PostingDelay,
		LockLead:       cfg.LockLead,
		RunConcurrency: cfg.RunConcurrency,
	})

	if cfg.SheetsEnabled() {
		exporter, err := sheets.NewAuditExporter(ctx, cfg.GoogleSpreadsheetID, cfg.GoogleAuditSheetName, SheetsCredentials(cfg))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("sheets exporter: %w", err)
		}
		app.Service.WithExporter(exporter)
		logger.Info("Sheets audit mirror enabled", "sheet", cfg.GoogleAuditSheetName)
	}

	return app, nil
}

// Close releases everything BuildApp opened, in reverse order.
func (a *App) Close() {
	if a.caches != nil {
		a.caches.Stop()
		a.caches = nil
	}
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		if err := a.cleanup[i](); err != nil {
			slog.Warn("Cleanup failed", "error", err)
		}
	}
	a.cleanup = nil
}

// SheetsCredentials collects the Google OAuth settings.
func SheetsCredentials(cfg *config.Config) sheets.Credentials {
	return sheets.Credentials{
		ClientFile: cfg.GoogleOAuthClientFile,
		ClientJSON: cfg.GoogleOAuthClientJSON,
		TokenFile:  cfg.GoogleOAuthTokenFile,
		TokenJSON:  cfg.GoogleOAuthTokenJSON,
	}
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *slog.Logger, timeout time.Duration, cleanup func(ctx context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup ran.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
