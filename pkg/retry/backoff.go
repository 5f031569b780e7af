package retry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net"
	"strings"
	"syscall"
	"time"
)

// Config defines the configuration for backoff-retry mechanism
type Config struct {
	// MaxRetries is the maximum number of retries after the first attempt
	MaxRetries int
	// InitialInterval is the wait before the first retry
	InitialInterval time.Duration
	// MaxInterval caps the wait between retries
	MaxInterval time.Duration
	// Multiplier is the factor by which the retry interval increases
	Multiplier float64
	// RandomizationFactor is the randomization factor (0.0-1.0)
	RandomizationFactor float64
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxRetries:          5,
		InitialInterval:     500 * time.Millisecond,
		MaxInterval:         30 * time.Second,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// nextBackoff calculates the next backoff interval
func (c *Config) nextBackoff(retry int) time.Duration {
	if retry >= c.MaxRetries {
		return 0
	}

	multiplier := c.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	backoff := float64(c.InitialInterval) * math.Pow(multiplier, float64(retry))
	if c.MaxInterval > 0 && backoff > float64(c.MaxInterval) {
		backoff = float64(c.MaxInterval)
	}

	delta := c.RandomizationFactor * backoff
	minn := backoff - delta
	maxx := backoff + delta
	backoff = minn + (rand.Float64() * (maxx - minn)) //nolint:gosec

	return time.Duration(backoff)
}

// RetryableFunc represents a function that can be retried
type RetryableFunc func(ctx context.Context) error

// IsRetryable is a function that determines if an error should be retried
type IsRetryable func(error) bool

// Callbacks are invoked around retries for metrics and logging
type Callbacks struct {
	OnRetryAttempt func(attempt int, err error, nextBackoff time.Duration)
	OnRetrySuccess func(attempt int)
	OnRetryFailure func(attempt int, err error)
}

// Do executes the given function with retries based on the provided config
func Do(ctx context.Context, fn RetryableFunc, isRetryable IsRetryable, cfg Config) error {
	return DoWithCallbacks(ctx, fn, isRetryable, cfg, Callbacks{})
}

// DoWithCallbacks executes the given function with retries and callbacks
func DoWithCallbacks(ctx context.Context, fn RetryableFunc, isRetryable IsRetryable, cfg Config, callbacks Callbacks) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		isRetry := attempt > 0

		err := fn(ctx)
		if err == nil {
			if isRetry && callbacks.OnRetrySuccess != nil {
				callbacks.OnRetrySuccess(attempt)
			}
			return nil
		}

		lastErr = err

		if !isRetryable(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}

		if attempt == cfg.MaxRetries {
			if callbacks.OnRetryFailure != nil {
				callbacks.OnRetryFailure(attempt, err)
			}
			break
		}

		backoffTime := cfg.nextBackoff(attempt)

		if callbacks.OnRetryAttempt != nil {
			callbacks.OnRetryAttempt(attempt+1, err, backoffTime)
		}

		timer := time.NewTimer(backoffTime)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("context canceled during retry: %w", errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return fmt.Errorf("operation failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

// IsNetworkError checks if the error is likely a transient network or server error
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	errMsg := err.Error()
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"no such host",
		"i/o timeout",
		"broken pipe",
	} {
		if strings.Contains(errMsg, fragment) {
			return true
		}
	}

	for _, statusCode := range []string{"500", "502", "503", "504"} {
		if strings.Contains(errMsg, "status "+statusCode) {
			return true
		}
	}

	return false
}
