// Package httpclient provides the HTTP client used to reach the business registry.
package httpclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"
)

const (
	// DefaultTimeout is the default timeout for buffered requests
	DefaultTimeout = 30 * time.Second

	// DefaultMaxRetries is the default number of retries after the first attempt
	DefaultMaxRetries = 3

	// MaxResponseSize is the maximum allowed buffered response size (100MB)
	MaxResponseSize = 100 * 1024 * 1024

	// UserAgent is the default user agent string for HTTP requests
	UserAgent = "erproxy-sync/1.0"

	// AcceptJSON is sent by the buffered requests
	AcceptJSON = "application/json"

	// AcceptStream is sent by Stream, bulk exports are compressed files
	AcceptStream = "application/gzip, application/octet-stream;q=0.9, */*;q=0.8"
)

// Client is an interface for HTTP operations
type Client interface {
	// Get performs a GET request and returns the body of a 200 response.
	// Any other status is returned as an *HTTPError.
	Get(ctx context.Context, url string) ([]byte, error)

	// Fetch performs a GET request and returns the final status and body whatever
	// the status is. Only transport failures are returned as errors.
	Fetch(ctx context.Context, url string) (*Response, error)

	// Stream performs a GET request and returns the body as soon as the response
	// headers are in. The caller must close the body. Non-200 responses are
	// returned as an *HTTPError.
	Stream(ctx context.Context, url string) (io.ReadCloser, error)
}

// Response is a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Option configures a DefaultClient
type Option func(*DefaultClient)

// WithTimeout sets the timeout of buffered requests and the response header
// timeout of streamed requests. Zero keeps DefaultTimeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *DefaultClient) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithMaxRetries sets the number of retries after the first attempt.
// Transport errors, 429 and 5xx responses are retried. Negative disables retries.
func WithMaxRetries(n int) Option {
	return func(c *DefaultClient) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithRetryInterval sets the initial and maximum retry backoff
func WithRetryInterval(initial, maxInterval time.Duration) Option {
	return func(c *DefaultClient) {
		c.initialInterval = initial
		c.maxInterval = maxInterval
	}
}

// WithRateLimit limits outgoing requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(c *DefaultClient) {
		if rps <= 0 {
			c.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent overrides the User-Agent header
func WithUserAgent(userAgent string) Option {
	return func(c *DefaultClient) {
		if userAgent != "" {
			c.userAgent = userAgent
		}
	}
}

// WithTransport replaces the HTTP transport of both the buffered and the streaming client
func WithTransport(rt http.RoundTripper) Option {
	return func(c *DefaultClient) {
		c.transport = rt
	}
}

// DefaultClient is the default HTTP client implementation
type DefaultClient struct {
	client          *http.Client
	streamClient    *http.Client
	transport       http.RoundTripper
	timeout         time.Duration
	maxRetries      int
	initialInterval time.Duration
	maxInterval     time.Duration
	limiter         *rate.Limiter
	userAgent       string
}

// NewDefaultClient creates a new HTTP client
func NewDefaultClient(opts ...Option) *DefaultClient {
	c := &DefaultClient{
		timeout:         DefaultTimeout,
		maxRetries:      DefaultMaxRetries,
		initialInterval: 500 * time.Millisecond,
		maxInterval:     30 * time.Second,
		limiter:         rate.NewLimiter(rate.Inf, 0),
		userAgent:       UserAgent,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.transport == nil {
		base := http.DefaultTransport.(*http.Transport).Clone()
		base.ResponseHeaderTimeout = c.timeout
		c.transport = base
	}

	c.client = &http.Client{
		Transport: c.transport,
		Timeout:   c.timeout,
	}
	// Bulk exports run for many minutes, only the headers are bounded
	c.streamClient = &http.Client{
		Transport: c.transport,
	}
	return c
}

// Get performs an HTTP GET request
func (c *DefaultClient) Get(ctx context.Context, url string) ([]byte, error) {
	resp, err := c.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, NewHTTPError(resp.StatusCode, url, http.StatusText(resp.StatusCode))
	}
	return resp.Body, nil
}

// Fetch performs an HTTP GET request and returns the response whatever its status
func (c *DefaultClient) Fetch(ctx context.Context, url string) (*Response, error) {
	resp, err := c.do(ctx, c.client, url, AcceptJSON)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}, nil
}

// Stream performs an HTTP GET request and hands over the open body
func (c *DefaultClient) Stream(ctx context.Context, url string) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.streamClient, url, AcceptStream)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp.Body)
		return nil, NewHTTPError(resp.StatusCode, url, resp.Status)
	}
	return resp.Body, nil
}

func (c *DefaultClient) do(ctx context.Context, client *http.Client, url, accept string) (*http.Response, error) {
	attempt := 0
	operation := func() (*http.Response, error) {
		attempt++

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to wait for rate limiter: %w", err))
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", accept)

		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(fmt.Errorf("failed to execute request: %w", err))
			}
			return nil, fmt.Errorf("failed to execute request: %w", err)
		}

		// The last attempt hands the response back so callers see the real status
		if isRetryableStatus(resp.StatusCode) && attempt <= c.maxRetries {
			retryErr := NewHTTPError(resp.StatusCode, url, resp.Status)
			wait := retryAfter(resp)
			drain(resp.Body)
			if wait > 0 {
				return nil, backoff.RetryAfter(wait)
			}
			return nil, retryErr
		}

		return resp, nil
	}

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(&backoff.ExponentialBackOff{
			InitialInterval:     c.initialInterval,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         c.maxInterval,
		}),
		backoff.WithMaxTries(uint(c.maxRetries+1)),
	)
}

func readBody(resp *http.Response) ([]byte, error) {
	if resp.ContentLength > MaxResponseSize {
		return nil, fmt.Errorf("response size %d bytes exceeds maximum allowed size of %d bytes (%.2f MB)",
			resp.ContentLength, MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	// +1 to detect if the limit was exceeded
	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if int64(len(body)) > MaxResponseSize {
		return nil, fmt.Errorf("response size exceeds maximum allowed size of %d bytes (%.2f MB)",
			MaxResponseSize, float64(MaxResponseSize)/(1024*1024))
	}

	return body, nil
}

func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= http.StatusInternalServerError
}

// retryAfter returns the Retry-After delay in seconds, or 0 when absent
func retryAfter(resp *http.Response) int {
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	seconds, err := strconv.Atoi(raw)
	if err != nil || seconds <= 0 {
		return 0
	}
	return seconds
}

func drain(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 64*1024))
	_ = body.Close()
}

// IsNotFound reports whether err is an HTTP 404 or 410 from the server
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusNotFound || httpErr.StatusCode == http.StatusGone
}
