package broker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
)

// UserSession is the payload returned by the token exchange. AccessToken is
// valid until the broker's daily expiry; everything else is profile metadata
// kept for the admin surface.
type UserSession struct {
	UserID      string `json:"user_id"`
	UserName    string `json:"user_name"`
	Email       string `json:"email"`
	AccessToken string `json:"access_token"`
	PublicToken string `json:"public_token"`
	LoginTime   string `json:"login_time"`
}

// LoginURL builds the hosted login page for an api key. The broker redirects
// back to the app's registered URL with a short-lived request_token after
// the user authenticates.
func LoginURL(base, apiKey string) string {
	return fmt.Sprintf("%s?v=3&api_key=%s", base, url.QueryEscape(apiKey))
}

// sessionChecksum is the broker's token-exchange proof of secret possession:
// hex(sha256(api_key + request_token + api_secret)).
func sessionChecksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// GenerateSession exchanges a login request token for a daily access token.
// The returned session is not retained by the client; callers persist the
// token and construct fresh clients with it.
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (*UserSession, error) {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return nil, err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"api_key":       c.apiKey,
			"request_token": requestToken,
			"checksum":      sessionChecksum(c.apiKey, requestToken, c.apiSecret),
		}).
		SetResult(&env).
		SetError(&env).
		Post("/session/token")
	if err != nil {
		return nil, fmt.Errorf("generate session: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || env.Status != "success" {
		return nil, &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
	}

	var session UserSession
	if err := decodeData(env.Data, &session); err != nil {
		return nil, fmt.Errorf("generate session: %w", err)
	}
	c.logger.Info("session generated", "user_id", session.UserID)
	return &session, nil
}

// InvalidateSession logs the session out at the broker, voiding the access
// token. Callers treat failure as advisory; the token dies on its own at
// the daily expiry anyway.
func (c *Client) InvalidateSession(ctx context.Context) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"api_key":      c.apiKey,
			"access_token": c.accessToken,
		}).
		SetResult(&env).
		SetError(&env).
		Delete("/session/token")
	if err != nil {
		return fmt.Errorf("invalidate session: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || env.Status != "success" {
		return &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
	}
	return nil
}
