// Package upstream provides the HTTP client for the external financial data
// source. One GET per ticker returns the full raw JSON payload that the fetch
// worker uploads verbatim.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

const (
	// DefaultTimeout bounds one upstream request end to end.
	DefaultTimeout = 30 * time.Second

	// DefaultRateLimit is requests per second against the upstream.
	DefaultRateLimit = 5

	// maxPayloadBytes caps how much of a response we are willing to buffer.
	maxPayloadBytes = 64 << 20 // 64 MiB
)

// ErrBaseURLEmpty indicates no upstream URL was configured.
var ErrBaseURLEmpty = errors.New("upstream base URL cannot be empty")

// Client fetches raw ticker payloads from the upstream data source.
type Client struct {
	baseURL     string
	bearerToken string
	httpClient  *http.Client
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithTimeout sets the HTTP timeout.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithRateLimit sets the request rate limit.
func WithRateLimit(requestsPerSecond int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), requestsPerSecond)
	}
}

// WithBearerToken sets the Authorization header token.
func WithBearerToken(token string) ClientOption {
	return func(c *Client) {
		c.bearerToken = token
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// NewClient creates an upstream client for the given base URL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	if baseURL == "" {
		return nil, ErrBaseURLEmpty
	}

	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		limiter: rate.NewLimiter(rate.Limit(DefaultRateLimit), DefaultRateLimit),
		logger: slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
		})).With("component", "upstream"),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// NewClientFromEnv builds the client from TICKERFLOW_UPSTREAM_* variables.
func NewClientFromEnv() (*Client, error) {
	opts := []ClientOption{
		WithTimeout(config.GetEnvDuration("TICKERFLOW_UPSTREAM_TIMEOUT", DefaultTimeout)),
		WithRateLimit(config.GetEnvInt("TICKERFLOW_UPSTREAM_RATE_LIMIT", DefaultRateLimit)),
	}

	if token := config.GetEnvStr("TICKERFLOW_UPSTREAM_TOKEN", ""); token != "" {
		opts = append(opts, WithBearerToken(token))
	}

	return NewClient(config.GetEnvStr("TICKERFLOW_UPSTREAM_URL", ""), opts...)
}

// Fetch performs one rate-limited GET for a ticker and returns the raw JSON
// payload. Responses that are not valid, non-empty JSON raise
// INVALID_DATA_FORMAT so the run fails without retries.
func (c *Client) Fetch(ctx context.Context, ticker string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	params := url.Values{}
	params.Set("ticker", ticker)

	reqURL := fmt.Sprintf("%s?%s", c.baseURL, params.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	c.logger.Debug("upstream request", "ticker", ticker)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error message, then classify.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

		return nil, classifyStatus(resp.StatusCode, ticker, string(snippet))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayloadBytes))
	if err != nil {
		return nil, classifyTransportError(err)
	}

	if err := validatePayload(body); err != nil {
		return nil, err
	}

	c.logger.Debug("upstream response", "ticker", ticker, "bytes", len(body))

	return body, nil
}

// classifyStatus maps an upstream HTTP status onto the pipeline taxonomy.
// 429 and 5xx are worth retrying; 401 and other 4xx are not.
func classifyStatus(status int, ticker, snippet string) error {
	msg := fmt.Sprintf("upstream returned %d for %s", status, ticker)
	cause := errors.New(snippet)

	switch {
	case status == http.StatusUnauthorized:
		return ingestion.Fatal(ingestion.CodeAPIAuthentication, msg, cause)
	case status == http.StatusTooManyRequests:
		return ingestion.Retryable(ingestion.CodeAPIRateLimit, msg, cause)
	case status >= 500:
		return ingestion.Retryable(ingestion.CodeAPIFetchError, msg, cause)
	default:
		// 404 and any other 4xx.
		return ingestion.Fatal(ingestion.CodeAPIError, msg, cause)
	}
}

// classifyTransportError maps timeouts and connection failures onto the
// retryable side of the taxonomy.
func classifyTransportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ingestion.Retryable(ingestion.CodeAPITimeout, "upstream request timed out", err)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ingestion.Retryable(ingestion.CodeAPITimeout, "upstream request timed out", err)
	}

	return ingestion.Retryable(ingestion.CodeAPIFetchError, "upstream request failed", err)
}

// validatePayload requires a parseable, non-empty JSON document.
func validatePayload(body []byte) error {
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return ingestion.Fatal(ingestion.CodeInvalidDataFormat, "upstream payload is not valid JSON", err)
	}

	switch v := payload.(type) {
	case nil:
		return ingestion.Fatal(ingestion.CodeInvalidDataFormat, "upstream payload is null", nil)
	case map[string]any:
		if len(v) == 0 {
			return ingestion.Fatal(ingestion.CodeInvalidDataFormat, "upstream payload is empty", nil)
		}
	case []any:
		if len(v) == 0 {
			return ingestion.Fatal(ingestion.CodeInvalidDataFormat, "upstream payload is empty", nil)
		}
	}

	return nil
}
