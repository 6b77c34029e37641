package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"evercent/internal/cli"
	"evercent/internal/config"
	"evercent/internal/core"
)

var (
	flagUserID   string
	flagBudgetID string
	flagRunID    string
	flagLimit    int
)

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock every run due within the lock lead time",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			n, err := app.Service.LockDue(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Locked %d run(s)\n", n)
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute locked runs whose time has come",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			if flagRunID != "" {
				s, err := app.Service.ExecuteRun(ctx, flagRunID)
				if err != nil {
					if errors.Is(err, core.ErrNotFound) {
						return fmt.Errorf("run %s is not locked or not due yet", flagRunID)
					}
					return err
				}
				fmt.Println(renderSummary(s))
				return nil
			}

			summaries, err := app.Service.ExecuteDue(ctx)
			for _, s := range summaries {
				fmt.Println(renderSummary(s))
			}
			if len(summaries) == 0 && err == nil {
				fmt.Println("No runs due")
			}
			return err
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a user's pending runs for a budget",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			if err := app.Service.CancelAutoRuns(ctx, flagUserID, flagBudgetID); err != nil {
				return err
			}
			fmt.Printf("Cancelled pending runs of %s\n", flagUserID)
			return nil
		})
	},
}

var previewCmd = &cobra.Command{
	Use:   "preview",
	Short: "Show a user's upcoming runs and what they will post",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			data, err := app.Service.GetAllData(ctx, flagUserID)
			if err != nil {
				return err
			}
			fmt.Println(renderTitle(fmt.Sprintf("%s · %s", data.User.Username, data.BudgetName)))
			if len(data.AutoRuns) == 0 {
				fmt.Println("No upcoming runs")
				return nil
			}
			for _, run := range data.AutoRuns {
				fmt.Println(renderAutoRun(run))
			}
			return nil
		})
	},
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Show a user's recent lifecycle actions",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			entries, err := app.Service.AuditLog(ctx, flagUserID, flagLimit)
			if err != nil {
				return err
			}
			fmt.Println(renderAudit(entries))
			return nil
		})
	},
}

func init() {
	runCmd.Flags().StringVar(&flagRunID, "id", "", "Execute only this run")

	for _, c := range []*cobra.Command{cancelCmd, previewCmd, auditCmd} {
		c.Flags().StringVarP(&flagUserID, "user", "u", "", "User ID")
		_ = c.MarkFlagRequired("user")
	}
	cancelCmd.Flags().StringVarP(&flagBudgetID, "budget", "b", "", "Budget ID")
	_ = cancelCmd.MarkFlagRequired("budget")
	auditCmd.Flags().IntVarP(&flagLimit, "limit", "l", 20, "Number of entries")

	rootCmd.AddCommand(lockCmd, runCmd, cancelCmd, previewCmd, auditCmd)
}
