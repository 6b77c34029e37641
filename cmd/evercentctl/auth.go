package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"evercent/internal/cli"
	"evercent/internal/config"
	"evercent/internal/storage"
)

var (
	flagRedirectPort string
	flagTokenOut     string
)

var authorizeCmd = &cobra.Command{
	Use:   "authorize",
	Short: "Print the ledger consent URL for a user",
	RunE: func(_ *cobra.Command, _ []string) error {
		return withApp(func(_ context.Context, _ *config.Config, app *cli.App) error {
			url, err := app.Service.AuthorizeURL(flagUserID)
			if err != nil {
				return err
			}
			fmt.Printf("Open this URL to authorize:\n%s\n", url)
			return nil
		})
	},
}

var sheetsAuthCmd = &cobra.Command{
	Use:   "sheets-auth",
	Short: "Obtain the Google token used by the Sheets audit mirror",
	Long: "Runs the OAuth consent flow for the Sheets audit mirror. The OAuth client must list\n" +
		"http://localhost:<port>/callback as an authorized redirect URI.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cli.LoadEnvFile()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		oauthCfg, err := cli.SheetsCredentials(cfg).OAuthConfig()
		if err != nil {
			return err
		}
		out := flagTokenOut
		if out == "" {
			out = cfg.GoogleOAuthTokenFile
		}
		if out == "" {
			out = "token.json"
		}
		return sheetsConsent(cmd.Context(), oauthCfg, flagRedirectPort, out)
	},
}

// sheetsConsent serves the redirect on localhost, exchanges the code and
// writes the token to out.
func sheetsConsent(ctx context.Context, cfg *oauth2.Config, port, out string) error {
	cfg.RedirectURL = "http://localhost:" + port + "/callback"

	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)
	mux := http.NewServeMux()
	srv := &http.Server{Addr: ":" + port, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		if errStr := r.URL.Query().Get("error"); errStr != "" {
			http.Error(w, "OAuth error: "+errStr, http.StatusBadRequest)
			errCh <- fmt.Errorf("consent denied: %s", errStr)
			return
		}
		fmt.Fprintln(w, "You may close this window and return to the terminal.")
		codeCh <- r.URL.Query().Get("code")
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	fmt.Printf("Open this URL to authorize:\n%s\n", cfg.AuthCodeURL("sheets", oauth2.AccessTypeOffline))

	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Minute):
		return errors.New("authorization timed out")
	case <-ctx.Done():
		return ctx.Err()
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("token exchange: %w", err)
	}
	f, err := os.OpenFile(out, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	fmt.Printf("Saved token to %s\n", out)
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations to the SQLite store",
	RunE: func(_ *cobra.Command, _ []string) error {
		cli.LoadEnvFile()
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := storage.RunMigrations(cfg.SQLiteDBPath); err != nil {
			return err
		}
		fmt.Printf("Migrated %s\n", cfg.SQLiteDBPath)
		return nil
	},
}

func init() {
	authorizeCmd.Flags().StringVarP(&flagUserID, "user", "u", "", "User ID")
	_ = authorizeCmd.MarkFlagRequired("user")

	sheetsAuthCmd.Flags().StringVar(&flagRedirectPort, "port", "8085", "Local port for the OAuth redirect")
	sheetsAuthCmd.Flags().StringVar(&flagTokenOut, "out", "", "Token file (default GOOGLE_OAUTH_TOKEN_FILE or token.json)")

	rootCmd.AddCommand(authorizeCmd, sheetsAuthCmd, migrateCmd)
}
