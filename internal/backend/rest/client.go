package rest

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
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/nhle/tutornotify/internal/backend"
)

// Client is a thin HTTP client for the marketplace REST API.
// It handles Bearer token authentication, JSON marshaling, request
// pacing, and automatic retry with exponential backoff on HTTP 429.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	logger     *slog.Logger
}

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	Timeout         time.Duration
	RateLimitPerSec float64
	MaxRetries      int
	Logger          *slog.Logger
}

// NewClient creates a new REST client. The baseURL should be the root URL
// of the backend (e.g., https://api.tutors.example.com). The token is the
// session bearer credential.
func NewClient(baseURL, token string, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	burst := 1
	if opts.RateLimitPerSec > 0 {
		limit = rate.Limit(opts.RateLimitPerSec)
		burst = max(1, int(opts.RateLimitPerSec))
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter:    rate.NewLimiter(limit, burst),
		maxRetries: opts.MaxRetries,
		logger:     opts.Logger,
	}
}

// Get performs an HTTP GET request and unmarshals the JSON response.
func (c *Client) Get(ctx context.Context, path string, result any) error {
	return c.do(ctx, http.MethodGet, path, nil, result)
}

// Patch performs an HTTP PATCH request with an optional JSON body and
// unmarshals the JSON response.
func (c *Client) Patch(ctx context.Context, path string, body any, result any) error {
	return c.do(ctx, http.MethodPatch, path, body, result)
}

// do is the core HTTP method that builds the request, handles auth,
// rate limiting with exponential backoff, and JSON (de)serialization.
func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	body any,
	result any,
) error {
	url := c.baseURL + path

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshaling request body: %w", err)
		}
		payload = data
	}

	requestID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("waiting for rate limiter: %w", err)
		}

		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, bodyReader)
		if err != nil {
			return fmt.Errorf("creating request: %w", err)
		}

		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Request-ID", requestID)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("executing request %s %s: %w", method, path, err)
		}

		respBody, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return fmt.Errorf("reading response body: %w", readErr)
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			waitDuration := retryAfterDuration(resp, attempt)
			lastErr = &backend.HTTPError{
				StatusCode: resp.StatusCode,
				Method:     method,
				Path:       path,
				Message:    "rate limited",
			}
			c.logger.Debug("rate limited, retrying",
				"method", method, "path", path,
				"attempt", attempt+1, "wait", waitDuration,
				"request_id", requestID)

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(waitDuration):
				continue
			}
		}

		if resp.StatusCode == http.StatusUnauthorized {
			return &backend.AuthError{
				Message: fmt.Sprintf("authentication failed (401) for %s: %s",
					c.baseURL, errorMessage(respBody)),
			}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &backend.HTTPError{
				StatusCode: resp.StatusCode,
				Method:     method,
				Path:       path,
				Message:    errorMessage(respBody),
			}
		}

		// No content to parse (e.g. 204).
		if result == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}

		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf(
				"unmarshaling response from %s %s: %w",
				method, path, err,
			)
		}

		return nil
	}

	return fmt.Errorf(
		"max retries (%d) exceeded: %w", c.maxRetries, lastErr,
	)
}

// errorMessage extracts the backend's message from an error body,
// falling back to the raw text.
func errorMessage(body []byte) string {
	var er ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		switch {
		case er.Message != "":
			return er.Message
		case er.Error != "":
			return er.Error
		}
	}
	return strings.TrimSpace(string(body))
}

// retryAfterDuration reads the Retry-After header and computes a wait
// duration. Falls back to exponential backoff if the header is missing.
func retryAfterDuration(resp *http.Response, attempt int) time.Duration {
	if header := resp.Header.Get("Retry-After"); header != "" {
		if seconds, err := strconv.Atoi(header); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}

	// Exponential backoff: 1s, 2s, 4s, ...
	backoff := time.Duration(1<<uint(attempt)) * time.Second
	if backoff > 30*time.Second {
		backoff = 30 * time.Second
	}
	return backoff
}
