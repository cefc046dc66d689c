package lisclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const transportAttempts = 2

// ApiError reports a failed LIS call. Code carries the remote status for
// rejections, or 503 for exhausted transport retries.
type ApiError struct {
	Code    int
	Message string
	Body    string
}

func (e *ApiError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("LIS error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("LIS error %d: %s", e.Code, e.Body)
}

// Response is a successful (2xx) LIS response.
type Response struct {
	StatusCode int
	Body       []byte
}

// TokenProvider supplies and invalidates bearer tokens.
type TokenProvider interface {
	Acquire(ctx context.Context) (string, error)
	Invalidate(ctx context.Context) error
}

// Client issues authenticated requests to the LIS with retry on transient
// failure and a one-shot re-authentication after an observed 401.
type Client struct {
	httpClient  *http.Client
	tokens      TokenProvider
	maxAttempts int
	retryDelay  time.Duration
}

// Option adjusts client construction.
type Option func(*Client)

// WithTransport overrides the underlying round tripper.
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) { c.httpClient.Transport = rt }
}

// WithRetryDelay overrides the fixed backoff between attempts.
func WithRetryDelay(d time.Duration) Option {
	return func(c *Client) { c.retryDelay = d }
}

// NewClient builds a resilient client. Timeout bounds every individual
// HTTP call; maxAttempts bounds the outer retry loop.
func NewClient(tokens TokenProvider, timeout time.Duration, maxAttempts int, retryDelay time.Duration, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: timeout},
		tokens:      tokens,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get issues an authenticated GET.
func (c *Client) Get(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodGet, url, "", nil)
}

// Post issues an authenticated POST.
func (c *Client) Post(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPost, url, contentType, body)
}

// Put issues an authenticated PUT.
func (c *Client) Put(ctx context.Context, url, contentType string, body []byte) (*Response, error) {
	return c.do(ctx, http.MethodPut, url, contentType, body)
}

// Delete issues an authenticated DELETE.
func (c *Client) Delete(ctx context.Context, url string) (*Response, error) {
	return c.do(ctx, http.MethodDelete, url, "", nil)
}

// do runs the outer retry loop. Three failure classes, three policies:
// a 401 earns one free re-auth retry, transport failures retry with fixed
// backoff up to maxAttempts, any other non-2xx is terminal.
func (c *Client) do(ctx context.Context, method, url, contentType string, body []byte) (*Response, error) {
	attempts := 0
	reauthenticated := false

	for {
		token, err := c.tokens.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		resp, err := c.doOnce(ctx, method, url, contentType, body, token)
		if err != nil {
			attempts++
			if attempts >= c.maxAttempts {
				return nil, &ApiError{
					Code:    http.StatusServiceUnavailable,
					Message: fmt.Sprintf("connection failed after %d attempts", attempts),
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !reauthenticated {
			if err := c.tokens.Invalidate(ctx); err != nil {
				return nil, err
			}
			reauthenticated = true
			continue
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return resp, nil
		}

		return nil, &ApiError{Code: resp.StatusCode, Body: string(resp.Body)}
	}
}

// doOnce performs one logical HTTP call with a transport-level retry. The
// request body is rebuilt per try so retries never send a drained reader.
func (c *Client) doOnce(ctx context.Context, method, url, contentType string, body []byte, token string) (*Response, error) {
	var lastErr error
	for try := 1; try <= transportAttempts; try++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if try < transportAttempts {
				select {
				case <-ctx.Done():
					return nil, ctx.Err()
				case <-time.After(c.retryDelay):
				}
			}
			continue
		}

		respBody, err := io.ReadAll(httpResp.Body)
		httpResp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return &Response{StatusCode: httpResp.StatusCode, Body: respBody}, nil
	}
	return nil, lastErr
}
