// Package zenmoney is the HTTP client for the ZenMoney API: OAuth token
// exchange/refresh and the cursor-based diff endpoint.
package zenmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	tokenPath = "/oauth2/token/"
	diffPath  = "/v8/diff/"

	requestTimeout = 30 * time.Second
)

type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
	now          func() time.Time
}

// Option customizes a Client. Tests inject an httptest server URL and a
// fixed clock this way.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

func NewClient(baseURL, clientID, clientSecret, redirectURI string, opts ...Option) *Client {
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		httpClient:   &http.Client{Timeout: requestTimeout},
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AuthCodeURL returns the browser URL that starts the authorization flow.
func (c *Client) AuthCodeURL() string {
	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", c.redirectURI)
	return c.baseURL + "/oauth2/authorize/?" + q.Encode()
}

// ExchangeCode trades an authorization code for a token pair.
// A non-success response comes back as *ProviderError with the provider's
// body intact.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("code", code)
	form.Set("redirect_uri", c.redirectURI)
	return c.postToken(ctx, form)
}

// RefreshToken trades a refresh token for a fresh token pair.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)
	form.Set("refresh_token", refreshToken)
	return c.postToken(ctx, form)
}

func (c *Client) postToken(ctx context.Context, form url.Values) (*TokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+tokenPath,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: body}
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if token.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	return &token, nil
}

// Diff pulls every record changed since serverTimestamp. A cursor of 0
// asks the provider for a fresh baseline from now, not the full history.
func (c *Client) Diff(ctx context.Context, accessToken string, serverTimestamp int64) (*DiffResponse, error) {
	payload, err := json.Marshal(diffRequest{
		CurrentClientTimestamp: c.now().Unix(),
		ServerTimestamp:        serverTimestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal diff request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+diffPath,
		bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build diff request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("diff request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read diff response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: body}
	}

	var diff DiffResponse
	if err := json.Unmarshal(body, &diff); err != nil {
		return nil, fmt.Errorf("decode diff response: %w", err)
	}
	if diff.ServerTimestamp < serverTimestamp {
		return nil, fmt.Errorf("provider cursor went backwards: %d < %d", diff.ServerTimestamp, serverTimestamp)
	}
	return &diff, nil
}
