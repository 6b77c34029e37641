// Package ledger is the client for the external budgeting service. It owns
// per-user OAuth tokens, refreshing them when they expire or when the API
// reports the rate-limit window nearly used up.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"evercent/internal/cache"
	"evercent/internal/core"
)

const (
	rateLimitHeader   = "X-Rate-Limit"
	defaultBudgetPath = "default"
)

// TokenStore persists OAuth tokens per user.
type TokenStore interface {
	GetTokenDetails(ctx context.Context, userID string) (core.TokenDetails, error)
	SaveTokenDetails(ctx context.Context, userID string, t core.TokenDetails) error
}

// Config holds ledger client configuration
type Config struct {
	// APIURL is the REST base, e.g. https://api.ynab.com/v1
	APIURL string

	// AuthURL is the OAuth host serving /oauth/authorize and /oauth/token
	AuthURL string

	ClientID     string
	ClientSecret string
	RedirectURI  string

	// RateLimitMargin triggers a proactive token refresh once fewer requests
	// than this remain in the current window (default: 20)
	RateLimitMargin int

	// HTTPTimeout bounds every request (default: 30s)
	HTTPTimeout time.Duration

	// BudgetListTTL caches ListBudgets per user (default: 5m)
	BudgetListTTL time.Duration

	// PadMonths is how many empty months are appended past the ledger horizon (default: 25)
	PadMonths int

	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		APIURL:          "https://api.ynab.com/v1",
		AuthURL:         "https://app.ynab.com",
		RateLimitMargin: 20,
		HTTPTimeout:     30 * time.Second,
		BudgetListTTL:   5 * time.Minute,
		PadMonths:       25,
	}
}

type Client struct {
	cfg     Config
	http    *http.Client
	oauth   *oauth2.Config
	tokens  TokenStore
	budgets *cache.LRUCache[[]core.BudgetSummary]
	now     func() time.Time

	refreshes  singleflight.Group
	background sync.WaitGroup
}

// NewClient builds a ledger client. Zero config fields fall back to defaults.
func NewClient(cfg Config, tokens TokenStore) *Client {
	def := DefaultConfig()
	if cfg.APIURL == "" {
		cfg.APIURL = def.APIURL
	}
	if cfg.AuthURL == "" {
		cfg.AuthURL = def.AuthURL
	}
	if cfg.RateLimitMargin <= 0 {
		cfg.RateLimitMargin = def.RateLimitMargin
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = def.HTTPTimeout
	}
	if cfg.BudgetListTTL <= 0 {
		cfg.BudgetListTTL = def.BudgetListTTL
	}
	if cfg.PadMonths <= 0 {
		cfg.PadMonths = def.PadMonths
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	authURL := strings.TrimRight(cfg.AuthURL, "/")
	return &Client{
		cfg:  cfg,
		http: newHTTPClient(cfg.HTTPTimeout),
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Endpoint: oauth2.Endpoint{
				AuthURL:   authURL + "/oauth/authorize",
				TokenURL:  authURL + "/oauth/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		tokens:  tokens,
		budgets: cache.NewLRUCache[[]core.BudgetSummary](1000, cfg.BudgetListTTL),
		now:     now,
	}
}

// BudgetCache exposes the budget list cache for periodic cleanup.
func (c *Client) BudgetCache() cache.Cleaner {
	return c.budgets
}

// Wait blocks until background token refreshes have finished.
func (c *Client) Wait() {
	c.background.Wait()
}

// GetBudget reads a budget and maps it into ascending months starting at the
// current calendar month, padded past the ledger horizon.
func (c *Client) GetBudget(ctx context.Context, userID, budgetID string) (core.Budget, error) {
	var resp budgetResponse
	if err := c.do(ctx, "get budget", userID, http.MethodGet, "/budgets/"+budgetPath(budgetID), nil, &resp); err != nil {
		return core.Budget{}, err
	}
	b, err := toBudget(resp.Data.Budget, c.now(), c.cfg.PadMonths)
	if err != nil {
		return core.Budget{}, &LedgerError{Op: "get budget", Err: err}
	}
	return b, nil
}

// ListBudgets returns the user's budgets, cached per user.
func (c *Client) ListBudgets(ctx context.Context, userID string) ([]core.BudgetSummary, error) {
	if cached, ok := c.budgets.Get(userID); ok {
		return cached, nil
	}

	var resp budgetsResponse
	if err := c.do(ctx, "list budgets", userID, http.MethodGet, "/budgets", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]core.BudgetSummary, 0, len(resp.Data.Budgets))
	for _, b := range resp.Data.Budgets {
		out = append(out, core.BudgetSummary{ID: core.NormalizeID(b.ID), Name: b.Name})
	}
	c.budgets.Set(userID, out)
	return out, nil
}

// PostCategoryAmount sets the budgeted amount of a category for one month.
func (c *Client) PostCategoryAmount(ctx context.Context, userID, budgetID string, month time.Time, categoryID string, budgeted decimal.Decimal) (core.BudgetMonthCategory, error) {
	body := patchCategoryRequest{}
	body.Category.Budgeted = core.ToMilliunits(budgeted)

	path := fmt.Sprintf("/budgets/%s/months/%s/categories/%s", budgetPath(budgetID), core.FormatMonth(month), categoryID)
	var resp categoryResponse
	if err := c.do(ctx, "post category amount", userID, http.MethodPatch, path, body, &resp); err != nil {
		return core.BudgetMonthCategory{}, err
	}

	slog.InfoContext(ctx, "Posted category amount",
		"user_id", userID,
		"budget_id", budgetID,
		"category_id", categoryID,
		"posting_month", core.FormatMonth(month),
		"budgeted", core.Round2(budgeted).String())

	return toCategory(resp.Data.Category, ""), nil
}

func (c *Client) do(ctx context.Context, op, userID, method, path string, body, out any) error {
	tok, err := c.WithValidToken(ctx, userID)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &LedgerError{Op: op, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.cfg.APIURL, "/")+path, reader)
	if err != nil {
		return &LedgerError{Op: op, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &LedgerError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if c.nearRateLimit(resp.Header.Get(rateLimitHeader)) {
		slog.InfoContext(ctx, "Ledger rate limit nearly reached, refreshing token",
			"user_id", userID,
			"rate_limit", resp.Header.Get(rateLimitHeader))
		c.refreshInBackground(ctx, userID)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &LedgerError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if resp.StatusCode >= 300 {
		return &LedgerError{Op: op, StatusCode: resp.StatusCode, Message: upstreamMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &LedgerError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

// nearRateLimit parses "used/limit" and reports whether fewer than the
// configured margin of requests remain.
func (c *Client) nearRateLimit(header string) bool {
	used, limit, ok := parseRateLimit(header)
	if !ok {
		return false
	}
	return limit-used < c.cfg.RateLimitMargin
}

func parseRateLimit(header string) (used, limit int, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(header), "/", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	used, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, false
	}
	limit, err = strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, false
	}
	return used, limit, true
}

func upstreamMessage(data []byte, status string) string {
	var er errorResponse
	if err := json.Unmarshal(data, &er); err == nil {
		if er.Error.Detail != "" {
			return er.Error.Detail
		}
		if er.Error.Name != "" {
			return er.Error.Name
		}
	}
	return status
}

func budgetPath(budgetID string) string {
	id := core.NormalizeID(budgetID)
	if id == "" || id == core.PlaceholderBudgetID {
		return defaultBudgetPath
	}
	return id
}
