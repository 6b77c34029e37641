package ledger

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/oauth2"

	"evercent/internal/core"
)

// AuthorizeURL is the consent page the user is sent to. state carries the
// user id back to the callback.
func (c *Client) AuthorizeURL(state string) string {
	return c.oauth.AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for tokens and stores them.
func (c *Client) ExchangeCode(ctx context.Context, userID, code string) (core.TokenDetails, error) {
	tok, err := c.oauth.Exchange(c.oauthContext(ctx), code)
	if err != nil {
		return core.TokenDetails{}, &LedgerError{Op: "exchange code", Err: err}
	}
	details := fromOAuthToken(tok, "")
	if err := c.tokens.SaveTokenDetails(ctx, userID, details); err != nil {
		return core.TokenDetails{}, fmt.Errorf("save token details: %w", err)
	}
	slog.InfoContext(ctx, "Stored ledger tokens", "user_id", userID, "expires_at", details.ExpirationDate)
	return details, nil
}

// WithValidToken returns the user's tokens, refreshing them first when the
// stored access token has expired.
func (c *Client) WithValidToken(ctx context.Context, userID string) (core.TokenDetails, error) {
	if userID == "" {
		return core.TokenDetails{}, &core.ValidationError{Field: "user_id", Reason: "is required"}
	}
	tok, err := c.tokens.GetTokenDetails(ctx, userID)
	if err != nil {
		return core.TokenDetails{}, fmt.Errorf("get token details: %w", err)
	}
	if !tok.Expired(c.now()) {
		return tok, nil
	}
	slog.InfoContext(ctx, "Ledger token expired, refreshing", "user_id", userID)
	return c.refresh(ctx, userID, tok.RefreshToken)
}

// refresh runs at most one refresh per user at a time; concurrent callers
// share its result. The shared refresh is detached from the first caller's
// cancellation and bounded by the client timeout.
func (c *Client) refresh(ctx context.Context, userID, refreshToken string) (core.TokenDetails, error) {
	v, err, _ := c.refreshes.Do(userID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HTTPTimeout)
		defer cancel()
		if refreshToken == "" {
			return core.TokenDetails{}, &LedgerError{Op: "refresh token", Message: "no refresh token stored"}
		}
		src := c.oauth.TokenSource(c.oauthContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
		tok, err := src.Token()
		if err != nil {
			return core.TokenDetails{}, &LedgerError{Op: "refresh token", Err: err}
		}
		details := fromOAuthToken(tok, refreshToken)
		if err := c.tokens.SaveTokenDetails(ctx, userID, details); err != nil {
			return core.TokenDetails{}, fmt.Errorf("save token details: %w", err)
		}
		return details, nil
	})
	if err != nil {
		return core.TokenDetails{}, err
	}
	return v.(core.TokenDetails), nil
}

// refreshInBackground refreshes without blocking the caller. The refresh
// outlives ctx cancellation but not the client timeout.
func (c *Client) refreshInBackground(ctx context.Context, userID string) {
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		bgCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.HTTPTimeout)
		defer cancel()

		tok, err := c.tokens.GetTokenDetails(bgCtx, userID)
		if err == nil {
			_, err = c.refresh(bgCtx, userID, tok.RefreshToken)
		}
		if err != nil {
			slog.WarnContext(bgCtx, "Proactive token refresh failed", "user_id", userID, "error", err)
		}
	}()
}

func (c *Client) oauthContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.http)
}

func fromOAuthToken(tok *oauth2.Token, fallbackRefresh string) core.TokenDetails {
	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}
	return core.TokenDetails{
		AccessToken:    tok.AccessToken,
		RefreshToken:   refresh,
		ExpirationDate: tok.Expiry,
	}
}
