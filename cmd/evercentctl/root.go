package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"evercent/internal/cli"
	"evercent/internal/config"
)

var (
	flagTimeout time.Duration
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:          "evercentctl",
	Short:        "Operate evercent automation runs",
	Long:         "Lock and execute scheduled budget runs, preview upcoming postings and manage users.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Minute, "Give up after this long")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Log at debug level")
}

// withApp loads configuration, wires the application and calls fn with a
// context bounded by --timeout.
func withApp(fn func(ctx context.Context, cfg *config.Config, app *cli.App) error) error {
	cli.LoadEnvFile()
	cfg, err := cli.LoadConfig()
	if err != nil {
		return err
	}
	level := cfg.LogLevel
	if flagVerbose {
		level = "debug"
	}
	logger := cli.SetupLogger(os.Stderr, level)

	ctx, cancel := context.WithTimeout(context.Background(), flagTimeout)
	defer cancel()

	app, err := cli.BuildApp(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer app.Close()

	return fn(ctx, cfg, app)
}
