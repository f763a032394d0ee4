// Package broker implements the REST client for the Kite-style broker API.
//
// One Client is bound to one account session (api key + daily access token):
//   - GenerateSession:   POST   /session/token        — checksum token exchange
//   - InvalidateSession: DELETE /session/token        — logout
//   - Margins:           GET    /user/margins         — funds and blocked margin
//   - Orders:            GET    /orders               — full-day order book
//   - Positions:         GET    /portfolio/positions  — net and day positions
//   - PlaceOrder:        POST   /orders/{variety}     — form-encoded placement
//   - Instruments:       GET    /instruments          — CSV lot-size catalogue
//
// Every request waits on its rate-limit class, is retried on 5xx, and is
// authenticated with "token api_key:access_token". Responses arrive in the
// broker's {status, data} envelope and are decoded into pkg/types records
// once, here; nothing past this boundary touches raw JSON.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"copytrader/internal/config"
	"copytrader/pkg/types"
)

// Client is a session-bound broker REST client.
type Client struct {
	http        *resty.Client // HTTP client with retry + base URL
	rl          *RateLimiter  // per-endpoint-class rate limiting
	apiKey      string
	apiSecret   string
	accessToken string
	loginBase   string
	dryRun      bool // when true, PlaceOrder returns a simulated id without an HTTP call
	logger      *slog.Logger
}

// envelope is the broker's uniform response wrapper.
type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

func decodeData(raw json.RawMessage, out any) error {
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}

// NewClient creates a client for one account. Reads hit the API even in
// dry-run mode; only order placement is short-circuited.
func NewClient(cfg config.BrokerConfig, acct types.Account, dryRun bool, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("X-Kite-Version", "3")

	if acct.AccessToken != "" {
		httpClient.SetHeader("Authorization", "token "+acct.APIKey+":"+acct.AccessToken)
	}

	return &Client{
		http:        httpClient,
		rl:          NewRateLimiter(),
		apiKey:      acct.APIKey,
		apiSecret:   acct.APISecret,
		accessToken: acct.AccessToken,
		loginBase:   cfg.LoginURL,
		dryRun:      dryRun,
		logger:      logger.With("account", acct.ID),
	}
}

// LoginURL returns the hosted login page for this client's api key.
func (c *Client) LoginURL() string {
	return LoginURL(c.loginBase, c.apiKey)
}

// get runs an envelope-wrapped GET and decodes data into out.
func (c *Client) get(ctx context.Context, path string, out any) error {
	if err := c.rl.Read.Wait(ctx); err != nil {
		return err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&env).
		SetError(&env).
		Get(path)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	if resp.StatusCode() != http.StatusOK || env.Status != "success" {
		return &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
	}
	return decodeData(env.Data, out)
}

// Margins fetches the account's funds report.
func (c *Client) Margins(ctx context.Context) (*types.Margins, error) {
	var m types.Margins
	if err := c.get(ctx, "/user/margins", &m); err != nil {
		return nil, fmt.Errorf("get margins: %w", err)
	}
	return &m, nil
}

// Orders fetches the account's full-day order list.
func (c *Client) Orders(ctx context.Context) ([]types.Order, error) {
	var orders []types.Order
	if err := c.get(ctx, "/orders", &orders); err != nil {
		return nil, fmt.Errorf("get orders: %w", err)
	}
	return orders, nil
}

// Positions fetches the account's position book.
func (c *Client) Positions(ctx context.Context) (*types.Positions, error) {
	var p types.Positions
	if err := c.get(ctx, "/portfolio/positions", &p); err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}
	return &p, nil
}

// PlaceOrder submits one order and returns the broker order id. In dry-run
// mode it returns a synthetic sim- id so the order log stays coherent.
func (c *Client) PlaceOrder(ctx context.Context, p types.OrderParams) (string, error) {
	variety := p.Variety
	if variety == "" {
		variety = types.VarietyRegular
	}
	if c.dryRun {
		id := "sim-" + uuid.NewString()
		c.logger.Info("DRY-RUN: would place order",
			"symbol", p.Tradingsymbol,
			"exchange", p.Exchange,
			"type", p.TransactionType,
			"qty", p.Quantity,
			"product", p.Product,
			"order_id", id)
		return id, nil
	}
	if err := c.rl.Order.Wait(ctx); err != nil {
		return "", err
	}

	var env envelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"tradingsymbol":    p.Tradingsymbol,
			"exchange":         string(p.Exchange),
			"transaction_type": string(p.TransactionType),
			"quantity":         strconv.FormatInt(p.Quantity, 10),
			"order_type":       string(p.OrderType),
			"product":          string(p.Product),
		}).
		SetResult(&env).
		SetError(&env).
		Post("/orders/" + variety)
	if err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	if resp.StatusCode() != http.StatusOK || env.Status != "success" {
		return "", &APIError{Status: resp.StatusCode(), ErrorType: env.ErrorType, Message: env.Message}
	}

	var result struct {
		OrderID string `json:"order_id"`
	}
	if err := decodeData(env.Data, &result); err != nil {
		return "", fmt.Errorf("place order: %w", err)
	}
	c.logger.Info("order placed",
		"symbol", p.Tradingsymbol,
		"type", p.TransactionType,
		"qty", p.Quantity,
		"order_id", result.OrderID)
	return result.OrderID, nil
}
