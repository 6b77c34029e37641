package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// FileEnvVar names the optional TOML file whose values become defaults for
// every setting. Environment variables still win.
const FileEnvVar = "EVERCENT_CONFIG"

type Config struct {
	// HTTP Server
	Port          string
	ClientBaseURL string
	RateLimitRPM  int

	// Storage
	DataBackend  string
	SQLiteDBPath string

	// Ledger API
	LedgerAPIURL          string
	LedgerAuthURL         string
	LedgerClientID        string
	LedgerClientSecret    string
	LedgerRedirectURI     string
	LedgerRateLimitMargin int
	LedgerHTTPTimeout     time.Duration

	// Automation
	PostingDelay   time.Duration
	LockInterval   time.Duration
	RunInterval    time.Duration
	LockLead       time.Duration
	RunConcurrency int

	// AMQP
	AMQPURL         string
	AMQPExchange    string
	AMQPQueue       string
	AMQPNotifyQueue string

	// Google Sheets audit mirror
	GoogleSpreadsheetID   string
	GoogleAuditSheetName  string
	GoogleOAuthClientFile string
	GoogleOAuthTokenFile  string
	GoogleOAuthClientJSON string
	GoogleOAuthTokenJSON  string

	LogLevel string
}

// fileConfig is the layout of the TOML file.
type fileConfig struct {
	Server struct {
		Port          string `toml:"port"`
		ClientBaseURL string `toml:"client_base_url"`
		RateLimitRPM  int    `toml:"rate_limit_rpm"`
	} `toml:"server"`
	Storage struct {
		Backend    string `toml:"backend"`
		SQLitePath string `toml:"sqlite_path"`
	} `toml:"storage"`
	Ledger struct {
		APIURL          string `toml:"api_url"`
		AuthURL         string `toml:"auth_url"`
		ClientID        string `toml:"client_id"`
		ClientSecret    string `toml:"client_secret"`
		RedirectURI     string `toml:"redirect_uri"`
		RateLimitMargin int    `toml:"rate_limit_margin"`
		HTTPTimeout     string `toml:"http_timeout"`
	} `toml:"ledger"`
	AutoRun struct {
		PostingDelay   string `toml:"posting_delay"`
		LockInterval   string `toml:"lock_interval"`
		RunInterval    string `toml:"run_interval"`
		LockLead       string `toml:"lock_lead"`
		RunConcurrency int    `toml:"run_concurrency"`
	} `toml:"autorun"`
	AMQP struct {
		URL         string `toml:"url"`
		Exchange    string `toml:"exchange"`
		Queue       string `toml:"queue"`
		NotifyQueue string `toml:"notify_queue"`
	} `toml:"amqp"`
	Sheets struct {
		SpreadsheetID   string `toml:"spreadsheet_id"`
		AuditSheetName  string `toml:"audit_sheet_name"`
		OAuthClientFile string `toml:"oauth_client_file"`
		OAuthTokenFile  string `toml:"oauth_token_file"`
	} `toml:"sheets"`
	Log struct {
		Level string `toml:"level"`
	} `toml:"log"`
}

// Load builds the configuration from the environment, on top of the TOML
// file named by EVERCENT_CONFIG when set.
func Load() (*Config, error) {
	var fc fileConfig
	if path := os.Getenv(FileEnvVar); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, &fc); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	cfg := &Config{
		Port:          getEnv("PORT", or(fc.Server.Port, "8080")),
		ClientBaseURL: getEnv("CLIENT_BASE_URL", or(fc.Server.ClientBaseURL, "http://localhost:3000")),
		RateLimitRPM:  getEnvInt("RATE_LIMIT_RPM", orInt(fc.Server.RateLimitRPM, 120)),

		DataBackend:  getEnv("DATA_BACKEND", or(fc.Storage.Backend, "sqlite")),
		SQLiteDBPath: getEnv("SQLITE_DB_PATH", or(fc.Storage.SQLitePath, "./data/evercent.db")),

		LedgerAPIURL:          getEnv("LEDGER_API_URL", or(fc.Ledger.APIURL, "https://api.ynab.com/v1")),
		LedgerAuthURL:         getEnv("LEDGER_AUTH_URL", or(fc.Ledger.AuthURL, "https://app.ynab.com")),
		LedgerClientID:        getEnv("LEDGER_CLIENT_ID", fc.Ledger.ClientID),
		LedgerClientSecret:    getEnv("LEDGER_CLIENT_SECRET", fc.Ledger.ClientSecret),
		LedgerRedirectURI:     getEnv("LEDGER_REDIRECT_URI", fc.Ledger.RedirectURI),
		LedgerRateLimitMargin: getEnvInt("LEDGER_RATE_LIMIT_MARGIN", orInt(fc.Ledger.RateLimitMargin, 20)),
		LedgerHTTPTimeout:     getEnvDuration("LEDGER_HTTP_TIMEOUT", orDuration(fc.Ledger.HTTPTimeout, 30*time.Second)),

		PostingDelay:   getEnvDuration("POSTING_DELAY", orDuration(fc.AutoRun.PostingDelay, 2*time.Second)),
		LockInterval:   getEnvDuration("LOCK_INTERVAL", orDuration(fc.AutoRun.LockInterval, time.Hour)),
		RunInterval:    getEnvDuration("RUN_INTERVAL", orDuration(fc.AutoRun.RunInterval, time.Hour)),
		LockLead:       getEnvDuration("LOCK_LEAD", orDuration(fc.AutoRun.LockLead, time.Hour)),
		RunConcurrency: getEnvInt("RUN_CONCURRENCY", orInt(fc.AutoRun.RunConcurrency, 4)),

		AMQPURL:         getEnv("AMQP_URL", fc.AMQP.URL),
		AMQPExchange:    getEnv("AMQP_EXCHANGE", or(fc.AMQP.Exchange, "evercent")),
		AMQPQueue:       getEnv("AMQP_QUEUE", or(fc.AMQP.Queue, "autorun_jobs")),
		AMQPNotifyQueue: getEnv("AMQP_NOTIFY_QUEUE", or(fc.AMQP.NotifyQueue, "autorun_failures")),

		GoogleSpreadsheetID:   getEnv("GOOGLE_SPREADSHEET_ID", fc.Sheets.SpreadsheetID),
		GoogleAuditSheetName:  getEnv("GOOGLE_AUDIT_SHEET_NAME", or(fc.Sheets.AuditSheetName, "AutoRuns")),
		GoogleOAuthClientFile: getEnv("GOOGLE_OAUTH_CLIENT_FILE", fc.Sheets.OAuthClientFile),
		GoogleOAuthTokenFile:  getEnv("GOOGLE_OAUTH_TOKEN_FILE", fc.Sheets.OAuthTokenFile),
		GoogleOAuthClientJSON: getEnv("GOOGLE_OAUTH_CLIENT_JSON", ""),
		GoogleOAuthTokenJSON:  getEnv("GOOGLE_OAUTH_TOKEN_JSON", ""),

		LogLevel: getEnv("LOG_LEVEL", or(fc.Log.Level, "info")),
	}

	return cfg, nil
}

// SheetsEnabled reports whether executed runs are mirrored to a spreadsheet.
func (c *Config) SheetsEnabled() bool {
	return c.GoogleSpreadsheetID != ""
}

// AMQPEnabled reports whether run jobs and notifications go through a broker.
func (c *Config) AMQPEnabled() bool {
	return c.AMQPURL != ""
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	// Validate data backend
	validBackends := []string{"memory", "sqlite"}
	isValidBackend := false
	for _, backend := range validBackends {
		if c.DataBackend == backend {
			isValidBackend = true
			break
		}
	}
	if !isValidBackend {
		errors = append(errors, fmt.Sprintf("invalid data backend '%s': must be one of %v", c.DataBackend, validBackends))
	}

	// Validate SQLite configuration if backend is sqlite
	if c.DataBackend == "sqlite" {
		if c.SQLiteDBPath == "" {
			errors = append(errors, "SQLite database path cannot be empty when using sqlite backend")
		} else {
			dir := filepath.Dir(c.SQLiteDBPath)
			if dir != "." && dir != "" {
				if _, err := os.Stat(dir); os.IsNotExist(err) {
					if err := os.MkdirAll(dir, 0755); err != nil {
						errors = append(errors, fmt.Sprintf("cannot create SQLite database directory '%s': %v", dir, err))
					}
				}
			}
		}
	}

	// Validate ledger endpoints
	for name, raw := range map[string]string{"ledger API URL": c.LedgerAPIURL, "ledger auth URL": c.LedgerAuthURL} {
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errors = append(errors, fmt.Sprintf("invalid %s '%s': must be an absolute URL", name, raw))
		}
	}
	if c.LedgerRateLimitMargin < 1 {
		errors = append(errors, fmt.Sprintf("invalid ledger rate limit margin %d: must be at least 1", c.LedgerRateLimitMargin))
	}
	if c.LedgerHTTPTimeout < time.Second {
		errors = append(errors, fmt.Sprintf("invalid ledger HTTP timeout %v: must be at least 1 second", c.LedgerHTTPTimeout))
	}

	// Validate AMQP URL if provided
	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPNotifyQueue == "" {
			errors = append(errors, "AMQP notify queue name cannot be empty when AMQP URL is provided")
		}
	}

	// Validate Google Sheets configuration if the audit mirror is enabled
	if c.SheetsEnabled() {
		if c.GoogleAuditSheetName == "" {
			errors = append(errors, "Google audit sheet name is required when a spreadsheet ID is set")
		}
		if c.GoogleOAuthClientFile == "" && c.GoogleOAuthClientJSON == "" {
			errors = append(errors, "either GOOGLE_OAUTH_CLIENT_FILE or GOOGLE_OAUTH_CLIENT_JSON must be provided for the sheets audit mirror")
		}
		if c.GoogleOAuthTokenFile == "" && c.GoogleOAuthTokenJSON == "" {
			errors = append(errors, "either GOOGLE_OAUTH_TOKEN_FILE or GOOGLE_OAUTH_TOKEN_JSON must be provided for the sheets audit mirror")
		}
		if c.GoogleOAuthClientFile != "" {
			if _, err := os.Stat(c.GoogleOAuthClientFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google OAuth client file does not exist: %s", c.GoogleOAuthClientFile))
			}
		}
		if c.GoogleOAuthTokenFile != "" {
			if _, err := os.Stat(c.GoogleOAuthTokenFile); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Google OAuth token file does not exist: %s", c.GoogleOAuthTokenFile))
			}
		}
	}

	// Validate automation configuration
	if c.PostingDelay < 0 {
		errors = append(errors, fmt.Sprintf("invalid posting delay %v: must not be negative", c.PostingDelay))
	}
	for name, d := range map[string]time.Duration{"lock interval": c.LockInterval, "run interval": c.RunInterval} {
		if d < time.Second {
			errors = append(errors, fmt.Sprintf("invalid %s %v: must be at least 1 second", name, d))
		} else if d > 24*time.Hour {
			errors = append(errors, fmt.Sprintf("invalid %s %v: must be at most 24 hours", name, d))
		}
	}
	if c.LockLead <= 0 {
		errors = append(errors, fmt.Sprintf("invalid lock lead %v: must be positive", c.LockLead))
	}
	if c.RunConcurrency < 1 || c.RunConcurrency > 64 {
		errors = append(errors, fmt.Sprintf("invalid run concurrency %d: must be between 1 and 64", c.RunConcurrency))
	}
	if c.RateLimitRPM < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit %d: must be at least 1 request per minute", c.RateLimitRPM))
	}

	// Return combined errors
	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// or, orInt and orDuration pick the file value over the built-in default.
func or(fileValue, defaultValue string) string {
	if fileValue != "" {
		return fileValue
	}
	return defaultValue
}

func orInt(fileValue, defaultValue int) int {
	if fileValue != 0 {
		return fileValue
	}
	return defaultValue
}

func orDuration(fileValue string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(fileValue); err == nil {
		return d
	}
	return defaultValue
}
