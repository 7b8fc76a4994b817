package providers

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strconv"
	"time"

	"github.com/clocksmith/reploid/internal/errdefs"
)

// RetryConfig bounds the retry loop around provider requests.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig matches the gateway contract: five attempts with
// exponential backoff and jitter.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
	}
}

// HTTPError carries a non-200 provider response.
type HTTPError struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *HTTPError) Error() string {
	return "http " + strconv.Itoa(e.Status) + ": " + e.Body
}

// ParseRetryAfter converts a Retry-After header value to a duration.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// retryable reports whether an error is an idempotent failure worth another
// attempt: network errors, 5xx, and provider-declared throttling. Auth and
// policy errors (4xx other than 429) raise immediately.
func retryable(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == 429 || httpErr.Status >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, errdefs.ErrTransient)
}

type retryHookKey struct{}

// RetryHook observes retry attempts (attempt, maxAttempts, err).
type RetryHook func(attempt, maxAttempts int, err error)

// WithRetryHook attaches a retry observer to the context.
func WithRetryHook(ctx context.Context, hook RetryHook) context.Context {
	return context.WithValue(ctx, retryHookKey{}, hook)
}

// RetryDo runs fn with exponential backoff and jitter. Only idempotent
// failures retry; exhaustion surfaces ErrRateLimited for throttling and
// ErrProvider otherwise. Context cancellation surfaces ErrCancelled.
func RetryDo[T any](ctx context.Context, cfg RetryConfig, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, errdefs.Wrap(errdefs.ErrCancelled, "provider request")
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}
		lastErr = err

		if errors.Is(err, context.Canceled) || errors.Is(err, errdefs.ErrCancelled) {
			return zero, errdefs.Wrap(errdefs.ErrCancelled, "provider request")
		}
		if !retryable(err) {
			return zero, errdefs.Wrap(errdefs.ErrProvider, "%v", err)
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		if hook, ok := ctx.Value(retryHookKey{}).(RetryHook); ok && hook != nil {
			hook(attempt, cfg.MaxAttempts, err)
		}

		delay := cfg.BaseDelay * time.Duration(1<<(attempt-1))
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
		// Provider-directed backoff wins over our schedule.
		var httpErr *HTTPError
		if errors.As(err, &httpErr) && httpErr.RetryAfter > delay {
			delay = httpErr.RetryAfter
		}
		// Full jitter.
		delay = time.Duration(rand.Int63n(int64(delay) + 1))

		select {
		case <-ctx.Done():
			return zero, errdefs.Wrap(errdefs.ErrCancelled, "provider request")
		case <-time.After(delay):
		}
	}

	var httpErr *HTTPError
	if errors.As(lastErr, &httpErr) && httpErr.Status == 429 {
		return zero, errdefs.Wrap(errdefs.ErrRateLimited, "%v", lastErr)
	}
	return zero, errdefs.Wrap(errdefs.ErrProvider, "retries exhausted: %v", lastErr)
}
