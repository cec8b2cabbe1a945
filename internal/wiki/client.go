// Package wiki is a small client for the MediaWiki action API covering what the
// signing bot reads and writes.
package wiki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Sentinel errors callers branch on.
var (
	ErrEditConflict = errors.New("edit conflict")
	ErrPermission   = errors.New("permission denied")
	ErrAuth         = errors.New("authentication failed")
	ErrNotFound     = errors.New("not found")
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// APIError is an error reported by the API in its response body.
type APIError struct {
	Code string `json:"code"`
	Info string `json:"info"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %s: %s", e.Code, e.Info)
}

// Unwrap maps API error codes onto the package sentinels.
func (e *APIError) Unwrap() error {
	switch e.Code {
	case "editconflict":
		return ErrEditConflict
	case "permissiondenied", "protectedpage", "cascadeprotected", "blocked", "autoblocked", "readonly":
		return ErrPermission
	case "badtoken", "notloggedin", "assertuserfailed", "assertbotfailed":
		return ErrAuth
	case "missingtitle", "nosuchrevid":
		return ErrNotFound
	}
	return nil
}

// Client talks to a single wiki's api.php.
type Client struct {
	api       string
	client    HTTPClient
	userAgent string
	limiter   *rate.Limiter

	mu   sync.Mutex
	csrf string
}

// Option configures a Client.
type Option func(*Client)

// WithUserAgent sets the User-Agent header sent with every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// WithEditInterval spaces out edits by at least d. Zero disables pacing.
func WithEditInterval(d time.Duration) Option {
	return func(c *Client) {
		if d <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		c.limiter = rate.NewLimiter(rate.Every(d), 1)
	}
}

// New creates a Client for the api.php endpoint at apiURL. The HTTP client
// should carry a cookie jar so the login session persists.
func New(apiURL string, client HTTPClient, opts ...Option) *Client {
	c := &Client{
		api:       apiURL,
		client:    client,
		userAgent: "SignBot/1.0",
		limiter:   rate.NewLimiter(rate.Inf, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Login authenticates with a bot password.
func (c *Client) Login(ctx context.Context, username, password string) error {
	var tok struct {
		Query struct {
			Tokens struct {
				LoginToken string `json:"logintoken"`
			} `json:"tokens"`
		} `json:"query"`
	}
	if err := c.call(ctx, url.Values{"action": {"query"}, "meta": {"tokens"}, "type": {"login"}}, &tok); err != nil {
		return fmt.Errorf("fetch login token: %w", err)
	}

	var res struct {
		Login struct {
			Result string `json:"result"`
			Reason string `json:"reason"`
		} `json:"login"`
	}
	err := c.call(ctx, url.Values{
		"action":     {"login"},
		"lgname":     {username},
		"lgpassword": {password},
		"lgtoken":    {tok.Query.Tokens.LoginToken},
	}, &res)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if res.Login.Result != "Success" {
		return fmt.Errorf("%w: %s %s", ErrAuth, res.Login.Result, res.Login.Reason)
	}

	c.mu.Lock()
	c.csrf = ""
	c.mu.Unlock()
	return nil
}

// call posts params to the API and decodes the response into out.
func (c *Client) call(ctx context.Context, params url.Values, out any) error {
	params.Set("format", "json")
	params.Set("formatversion", "2")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.api, strings.NewReader(params.Encode()))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32*1024*1024))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}

	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if envelope.Error != nil {
		return envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
