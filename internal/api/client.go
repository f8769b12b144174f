// Package api is a typed client for the remote authentication endpoints.
// It carries no session state; callers pass tokens explicitly.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/authsession/internal/models"
	"github.com/tidwall/gjson"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultTimeout bounds every request made by a client built without
	// an explicit http.Client. A hung refresh would otherwise stall every
	// request waiting on it.
	DefaultTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the authentication API.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host so bearer credentials never leak to
// third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewHTTPClient returns an http.Client with a finite timeout and the
// same-host redirect policy. A nil transport uses http.DefaultTransport.
func NewHTTPClient(transport http.RoundTripper, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client rooted at baseURL. If httpClient is
// nil, NewHTTPClient(nil, DefaultTimeout) is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(nil, DefaultTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

// BaseURL returns the root every endpoint is resolved against.
func (c *Client) BaseURL() string { return c.baseURL }

// Do sends a request with an optional JSON body and decodes a JSON
// response into result. Any credentials come from the client's transport.
func (c *Client) Do(ctx context.Context, method, endpoint string, body, result any) error {
	return c.do(ctx, method, endpoint, "", body, result)
}

func (c *Client) do(ctx context.Context, method, endpoint, bearer string, body, result any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature. Caller cancellation is not.
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		if ctx.Err() != nil {
			return wrapped
		}

		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Endpoint: endpoint,
			Code:     resp.StatusCode,
			Message:  extractMessage(respBody),
		}
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: se}
		}

		return se
	}

	if result != nil && len(bytes.TrimSpace(respBody)) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response from %s: %w", endpoint, err)
		}
	}

	return nil
}

// Login exchanges credentials for a token pair and user profile.
func (c *Client) Login(ctx context.Context, creds Credentials) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/login", "", creds, &resp); err != nil {
		return nil, fmt.Errorf("logging in: %w", err)
	}

	if resp.AccessToken == "" {
		return nil, fmt.Errorf("logging in: %w", errMissingAccessToken)
	}

	return &resp, nil
}

// Register creates an account. The response carries tokens only when the
// server signs the new user in immediately.
func (c *Client) Register(ctx context.Context, reg Registration) (*AuthResponse, error) {
	var resp AuthResponse
	if err := c.do(ctx, http.MethodPost, "/auth/register", "", reg, &resp); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}

	return &resp, nil
}

// Logout invalidates the session server-side.
func (c *Client) Logout(ctx context.Context, accessToken string) error {
	if err := c.do(ctx, http.MethodPost, "/auth/logout", accessToken, nil, nil); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}

	return nil
}

// Refresh mints a new access token. RefreshToken in the result is empty
// when the server did not rotate it.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*models.TokenPair, error) {
	var pair models.TokenPair
	if err := c.do(ctx, http.MethodPost, "/auth/refresh", "", RefreshRequest{RefreshToken: refreshToken}, &pair); err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	if pair.AccessToken == "" {
		return nil, fmt.Errorf("refreshing token: %w", errMissingAccessToken)
	}

	return &pair, nil
}

// Me fetches the profile of the token's owner. Both {"user": {...}} and a
// bare user object are accepted.
func (c *Client) Me(ctx context.Context, accessToken string) (*models.User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/auth/me", accessToken, nil, &raw); err != nil {
		return nil, fmt.Errorf("fetching profile: %w", err)
	}

	doc := []byte(raw)
	if u := gjson.GetBytes(doc, "user"); u.IsObject() {
		doc = []byte(u.Raw)
	}

	var user models.User
	if err := json.Unmarshal(doc, &user); err != nil || user.ID == "" {
		return nil, fmt.Errorf("fetching profile: %w", errMissingUser)
	}

	return &user, nil
}
