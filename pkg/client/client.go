// Package client is the Go SDK for a conduit router: envelope submission
// with body signing, plus the dead-letter admin surface.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"conduit/pkg/deadletter"
	"conduit/pkg/envelope"
	"conduit/pkg/httpx"
	"conduit/pkg/route"
	"conduit/pkg/sign"
)

const (
	adminRetries    = 2
	adminRetryDelay = 200 * time.Millisecond
)

type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	// Secret signs route bodies when set. Admin endpoints use AdminToken.
	Secret     []byte
	AdminToken string
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		BaseURL:    strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: timeout},
	}
}

// Route submits one raw envelope body. Every HTTP answer decodes into a
// Result, rejections included; err is reserved for transport and decode
// failures. The status return lets callers tell 4xx from 5xx. No client
// retry here: duplicate-safety belongs to the idempotency key, retry policy
// to the caller.
func (c *Client) Route(ctx context.Context, body []byte) (envelope.Result, int, error) {
	headers := map[string]string{}
	if sign.Enabled(c.Secret) {
		headers[sign.Header] = sign.Compute(c.Secret, body)
	}
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost,
		c.BaseURL+"/route", body, headers, 0, 0)
	if err != nil {
		return envelope.Result{}, 0, err
	}
	var res envelope.Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return envelope.Result{}, status, fmt.Errorf("route status=%d: decode result: %w", status, err)
	}
	return res, status, nil
}

// DeadLetters lists pending dead-letter entries, oldest first.
func (c *Client) DeadLetters(ctx context.Context) ([]deadletter.Entry, error) {
	var out struct {
		Entries []deadletter.Entry `json:"entries"`
	}
	if err := c.adminGet(ctx, "/v1/deadletters", &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

// DeadLetter fetches one entry by id.
func (c *Client) DeadLetter(ctx context.Context, id string) (deadletter.Entry, error) {
	var out deadletter.Entry
	if err := c.adminGet(ctx, "/v1/deadletters/"+url.PathEscape(id), &out); err != nil {
		return deadletter.Entry{}, err
	}
	return out, nil
}

// RetryDeadLetter re-drives one entry through the router and returns the
// outcome.
func (c *Client) RetryDeadLetter(ctx context.Context, id string) (envelope.Result, error) {
	status, respBody, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodPost,
		c.BaseURL+"/v1/deadletters/"+url.PathEscape(id)+"/retry", nil, c.adminHeaders(), 0, 0)
	if err != nil {
		return envelope.Result{}, err
	}
	if status >= 300 {
		return envelope.Result{}, fmt.Errorf("retry failed status=%d body=%s", status, respBody)
	}
	var res envelope.Result
	if err := json.Unmarshal(respBody, &res); err != nil {
		return envelope.Result{}, fmt.Errorf("decode retry result: %w", err)
	}
	return res, nil
}

// Actions fetches the allowlist.
func (c *Client) Actions(ctx context.Context) ([]route.Rule, error) {
	var out struct {
		Actions []route.Rule `json:"actions"`
	}
	if err := c.adminGet(ctx, "/v1/actions", &out); err != nil {
		return nil, err
	}
	return out.Actions, nil
}

// Healthy reports whether the router answers its health endpoint.
func (c *Client) Healthy(ctx context.Context) error {
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodGet,
		c.BaseURL+"/healthz", nil, nil, 0, 0)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("health status=%d body=%s", status, body)
	}
	return nil
}

func (c *Client) adminGet(ctx context.Context, path string, out interface{}) error {
	status, body, err := httpx.RequestJSON(ctx, c.HTTPClient, http.MethodGet,
		c.BaseURL+path, nil, c.adminHeaders(), adminRetries, adminRetryDelay)
	if err != nil {
		return err
	}
	if status >= 300 {
		return fmt.Errorf("%s failed status=%d body=%s", path, status, body)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (c *Client) adminHeaders() map[string]string {
	if strings.TrimSpace(c.AdminToken) == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + strings.TrimSpace(c.AdminToken)}
}
