package clickhouse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkaflik/histsync/internal/metrics"
	"github.com/jkaflik/histsync/pkg/retry"
)

// Client is an HTTP client for ClickHouse
type Client struct {
	url        url.URL
	username   string
	password   string
	httpClient *http.Client
	retryConf  retry.Config
}

// ClientOption is a function that configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client for the ClickHouse client
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithRetryConfig sets a custom retry configuration for the ClickHouse client
func WithRetryConfig(retryConf retry.Config) ClientOption {
	return func(c *Client) {
		c.retryConf = retryConf
	}
}

func NewClient(serverURL, username, password string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ClickHouse URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported ClickHouse URL scheme: %s", u.Scheme)
	}

	queryParams := u.Query()
	queryParams.Set("date_time_input_format", "best_effort")
	queryParams.Set("date_time_output_format", "iso")
	queryParams.Set("input_format_skip_unknown_fields", "1")
	queryParams.Set("output_format_json_quote_64bit_integers", "0")
	u.RawQuery = queryParams.Encode()

	client := &Client{
		url:        *u,
		username:   username,
		password:   password,
		httpClient: http.DefaultClient,
		retryConf:  retry.DefaultConfig(),
	}

	for _, option := range options {
		option(client)
	}

	return client, nil
}

// isRetryableError determines if an error from ClickHouse should be retried
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if retry.IsNetworkError(err) {
		return true
	}

	errMsg := err.Error()

	// ClickHouse errors that are recoverable
	if strings.Contains(errMsg, "Too many parts") ||
		strings.Contains(errMsg, "Memory limit") ||
		strings.Contains(errMsg, "DB::Exception: Timeout") ||
		strings.Contains(errMsg, "No space left on device") {
		return true
	}

	return false
}

// Execute runs a statement on ClickHouse with retries for transient failures.
// r, if not nil, is sent as the request body.
func (c *Client) Execute(ctx context.Context, query string, r io.Reader) error {
	var body []byte
	if r != nil {
		var err error
		body, err = io.ReadAll(r)
		if err != nil {
			return fmt.Errorf("failed to read request body: %w", err)
		}
	}

	_, err := c.do(ctx, "execute", query, body)
	return err
}

// Query runs a query on ClickHouse and returns the raw response body.
func (c *Client) Query(ctx context.Context, query string) ([]byte, error) {
	return c.do(ctx, "query", query, nil)
}

func (c *Client) do(ctx context.Context, queryType, query string, body []byte) ([]byte, error) {
	start := time.Now()
	defer func() {
		metrics.CHQueryDuration.WithLabelValues(queryType).Observe(time.Since(start).Seconds())
	}()

	callbacks := retry.Callbacks{
		OnRetryAttempt: func(attempt int, err error, nextBackoff time.Duration) {
			metrics.CHRetryAttempts.Inc()
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Dur("next_backoff", nextBackoff).
				Msg("Retrying ClickHouse operation")
		},
		OnRetrySuccess: func(attempt int) {
			metrics.CHRetrySuccess.Inc()
			log.Info().
				Int("attempt", attempt).
				Msg("ClickHouse operation succeeded after retry")
		},
		OnRetryFailure: func(attempt int, err error) {
			log.Error().
				Err(err).
				Int("attempt", attempt).
				Msg("ClickHouse operation failed after all retries")
		},
	}

	var result []byte
	err := retry.DoWithCallbacks(ctx, func(ctx context.Context) error {
		var bodyReader io.Reader
		if body != nil {
			bodyReader = bytes.NewReader(body)
		}

		uri := c.url
		queryParams := uri.Query()
		queryParams.Set("query", query)
		uri.RawQuery = queryParams.Encode()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri.String(), bodyReader)
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		req.Header.Set("User-Agent", "histsync")
		req.SetBasicAuth(c.username, c.password)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			metrics.CHConnectionStatus.Set(0)
			return fmt.Errorf("failed to execute query: %w", err)
		}
		defer resp.Body.Close()
		metrics.CHConnectionStatus.Set(1)

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response: %w", err)
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("query execution failed with status %d: %s", resp.StatusCode, string(payload))
		}

		result = payload
		return nil
	}, isRetryableError, c.retryConf, callbacks)

	return result, err
}
