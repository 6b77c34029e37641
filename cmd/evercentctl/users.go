package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"evercent/internal/cli"
	"evercent/internal/config"
	"evercent/internal/core"
)

var (
	flagEmail        string
	flagUsername     string
	flagIncome       string
	flagPayFrequency string
	flagNextPaydate  string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a user with the placeholder budget",
	RunE: func(_ *cobra.Command, _ []string) error {
		income, err := core.ParseAmount(flagIncome)
		if err != nil {
			return fmt.Errorf("--income: %w", err)
		}
		paydate, err := time.Parse(core.MonthLayout, strings.TrimSpace(flagNextPaydate))
		if err != nil {
			return fmt.Errorf("--next-paydate must be YYYY-MM-DD")
		}

		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			u := core.UserData{
				UserID:        uuid.NewString(),
				Email:         strings.TrimSpace(flagEmail),
				Username:      strings.TrimSpace(flagUsername),
				MonthlyIncome: income,
				PayFrequency:  core.PayFrequency(flagPayFrequency),
				NextPaydate:   paydate,
			}
			if err := app.Store.CreateUser(ctx, u); err != nil {
				return err
			}
			fmt.Printf("Created user %s\n", core.NormalizeID(u.UserID))
			return nil
		})
	},
}

var userShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's settings",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(ctx context.Context, _ *config.Config, app *cli.App) error {
			u, err := app.Store.GetUserData(ctx, flagEmail)
			if err != nil {
				return err
			}
			t := newTable("Field", "Value").
				Row("User ID", u.UserID).
				Row("Email", u.Email).
				Row("Budget", u.BudgetID).
				Row("Monthly income", u.MonthlyIncome.StringFixed(2)).
				Row("Pay frequency", string(u.PayFrequency)).
				Row("Next paydate", u.NextPaydate.Format(core.MonthLayout)).
				Row("Months ahead target", fmt.Sprint(u.MonthsAheadTarget))
			fmt.Println(t.Render())
			return nil
		})
	},
}

func init() {
	userCreateCmd.Flags().StringVar(&flagEmail, "email", "", "Email address")
	userCreateCmd.Flags().StringVar(&flagUsername, "name", "", "Display name")
	userCreateCmd.Flags().StringVar(&flagIncome, "income", "0", "Monthly income")
	userCreateCmd.Flags().StringVar(&flagPayFrequency, "pay-frequency", string(core.PayMonthly), `"Weekly", "Every 2 Weeks" or "Monthly"`)
	userCreateCmd.Flags().StringVar(&flagNextPaydate, "next-paydate", "", "Next paydate, YYYY-MM-DD")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("next-paydate")

	userShowCmd.Flags().StringVar(&flagEmail, "email", "", "Email address")
	_ = userShowCmd.MarkFlagRequired("email")

	userCmd.AddCommand(userCreateCmd, userShowCmd)
	rootCmd.AddCommand(userCmd)
}
