// Package transport is the single outbound gateway to the API host. Every
// request picks up the current bearer credential on the way out, and every
// 401 on the way back tears the session down globally, so callers never
// repeat either check.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAuthExpired marks a request that failed with 401. By the time the
	// caller sees it the session has already been cleared and the auth
	// failure hook has run.
	ErrAuthExpired = errors.New("authentication expired")

	// ErrNotJSON marks a response whose body was expected to be structured
	// data but carried another content type, usually a misrouted error page.
	ErrNotJSON = errors.New("response is not json")
)

const requestIDHeader = "X-Request-Id"

// APIError is a non-401 error status with the server-provided message when
// the body carried one.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// CredentialSource supplies the current bearer credential; empty means the
// request goes out unauthenticated.
type CredentialSource interface {
	Credential() string
}

type Client struct {
	baseURL   string
	http      *http.Client
	creds     CredentialSource
	userAgent string
	// onAuthExpired is the global 401 policy, invoked once per failing
	// response before the error is returned to the caller.
	onAuthExpired func()
	log           zerolog.Logger
}

func New(baseURL string, creds CredentialSource, httpClient *http.Client, log zerolog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		creds:   creds,
		log:     log.With().Str("component", "transport").Logger(),
	}
}

// SetAuthExpiredHandler registers the session teardown invoked on any 401.
func (c *Client) SetAuthExpiredHandler(fn func()) {
	c.onAuthExpired = fn
}

func (c *Client) SetUserAgent(ua string) {
	c.userAgent = ua
}

// Do issues one API request. A non-nil body is sent as JSON; a non-nil out
// receives the decoded JSON response and requires the response content type
// to actually be JSON. The returned status is valid whenever err did not
// come from the request itself failing.
func (c *Client) Do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set(requestIDHeader, requestID)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if cred := c.creds.Credential(); cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		c.log.Info().
			Str("request_id", requestID).
			Str("path", path).
			Msg("request rejected with 401")
		if c.onAuthExpired != nil {
			c.onAuthExpired()
		}
		return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, ErrAuthExpired)
	}

	if resp.StatusCode >= 300 {
		return resp.StatusCode, &APIError{
			Status:  resp.StatusCode,
			Message: errorMessage(raw, resp.StatusCode),
		}
	}

	if out != nil {
		if !isJSON(resp.Header.Get("Content-Type")) {
			return resp.StatusCode, fmt.Errorf("%s %s: %w", method, path, ErrNotJSON)
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}

	return resp.StatusCode, nil
}

func (c *Client) Get(ctx context.Context, path string, out any) (int, error) {
	return c.Do(ctx, http.MethodGet, path, nil, out)
}

func (c *Client) Post(ctx context.Context, path string, body, out any) (int, error) {
	return c.Do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) Delete(ctx context.Context, path string, out any) (int, error) {
	return c.Do(ctx, http.MethodDelete, path, nil, out)
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// errorMessage pulls the server's {"error": ...} message out of an error
// body, falling back to the status text.
func errorMessage(raw []byte, status int) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return http.StatusText(status)
}
