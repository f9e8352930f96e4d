package retry

import (
	"context"
	"math"
	"math/rand"
	"net/http"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseWait    = 1 * time.Second
)

// RetryableFunc represents a function that can be retried
type RetryableFunc func() error

// Option configures retry behavior
type Option func(*options)

type options struct {
	maxAttempts int
	baseWait    time.Duration
}

// WithMaxAttempts sets the total number of attempts (including the first).
func WithMaxAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxAttempts = n
		}
	}
}

// WithBaseWait sets the wait before the first retry. Subsequent waits grow
// exponentially with jitter.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.baseWait = d
		}
	}
}

// Do executes the given function with retry logic. Transient infrastructure
// errors from executors, notifiers and trackers are retried with exponential
// backoff and jitter; errors implementing APIError short-circuit when the
// status code is not retryable.
func Do(ctx context.Context, f RetryableFunc, opts ...Option) error {
	o := options{maxAttempts: DefaultMaxAttempts, baseWait: DefaultBaseWait}
	for _, opt := range opts {
		opt(&o)
	}

	var lastError error
	for attempt := 0; attempt < o.maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(float64(o.baseWait) * math.Pow(2, float64(attempt-1)))
			jitter := time.Duration(rand.Float64() * float64(backoff) * 0.1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		if err := f(); err != nil {
			lastError = err
			if apiErr, ok := err.(APIError); ok && !ShouldRetry(apiErr.StatusCode()) {
				return err
			}
			continue
		}
		return nil
	}
	return lastError
}

// ShouldRetry determines if the given status code should trigger a retry
func ShouldRetry(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests || // 429
		statusCode == http.StatusServiceUnavailable || // 503
		statusCode == http.StatusGatewayTimeout // 504
}

// APIError interface for errors that contain HTTP status codes
type APIError interface {
	error
	StatusCode() int
}
