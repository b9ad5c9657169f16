package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"net"
	"slices"
	"strings"
	"syscall"
	"time"
)

// ErrRetriesExhausted is matched by errors.Is on any error returned once every attempt has failed.
var ErrRetriesExhausted = errors.New("retries exhausted")

// RetryConfig defines configuration for retry logic
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first one
	MaxAttempts int

	// InitialDelay is the delay before the second attempt
	InitialDelay time.Duration

	// MaxDelay caps the computed delay before jitter is added
	MaxDelay time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64

	// RetryableStatuses lists the HTTP status codes that are worth retrying
	RetryableStatuses []int

	// Timeout bounds a single attempt
	Timeout time.Duration
}

// DefaultRetryableStatuses are the HTTP statuses retried by default.
var DefaultRetryableStatuses = []int{408, 429, 500, 502, 503, 504}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		RetryableStatuses: slices.Clone(DefaultRetryableStatuses),
		Timeout:           30 * time.Second,
	}
}

// Merge returns a copy of c with every non-zero field of override applied on top.
func (c RetryConfig) Merge(override RetryConfig) RetryConfig {
	out := c
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.InitialDelay > 0 {
		out.InitialDelay = override.InitialDelay
	}
	if override.MaxDelay > 0 {
		out.MaxDelay = override.MaxDelay
	}
	if override.BackoffMultiplier > 0 {
		out.BackoffMultiplier = override.BackoffMultiplier
	}
	if override.Timeout > 0 {
		out.Timeout = override.Timeout
	}
	if override.RetryableStatuses != nil {
		out.RetryableStatuses = slices.Clone(override.RetryableStatuses)
	} else {
		out.RetryableStatuses = slices.Clone(c.RetryableStatuses)
	}
	if out.MaxAttempts < 1 {
		out.MaxAttempts = 1
	}
	return out
}

// StatusCoder is implemented by errors that carry an HTTP status code.
type StatusCoder interface {
	StatusCode() int
}

// RetryError is returned once every attempt failed with a retryable error.
type RetryError struct {
	Attempts int
	LastErr  error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *RetryError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.LastErr}
}

var networkErrorVocabulary = []string{
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"dns",
	"abort",
	"fetch failed",
	"failed to fetch",
	"network",
	"eof",
}

// IsNetworkError reports whether err looks like a transient transport failure.
// Classification is heuristic: known errno values and net.Error timeouts first,
// then a case-insensitive match over a fixed vocabulary.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, word := range networkErrorVocabulary {
		if strings.Contains(msg, word) {
			return true
		}
	}
	return false
}

// Retryable reports whether err is worth another attempt, ignoring attempt counts.
func Retryable(err error, cfg RetryConfig) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrCircuitOpen) || errors.Is(err, context.Canceled) {
		return false
	}
	var sc StatusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		return slices.Contains(cfg.RetryableStatuses, sc.StatusCode())
	}
	return IsNetworkError(err)
}

// ShouldRetry decides whether a failed attempt (1-based) should be followed by another.
func ShouldRetry(err error, attempt int, cfg RetryConfig) bool {
	if attempt >= cfg.MaxAttempts {
		return false
	}
	return Retryable(err, cfg)
}

// BaseDelay is the exponential delay for attempt without jitter, capped at MaxDelay.
func BaseDelay(attempt int, cfg RetryConfig) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := cfg.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Delay is BaseDelay plus up to 30% random jitter to avoid synchronized retries.
func Delay(attempt int, cfg RetryConfig) time.Duration {
	base := BaseDelay(attempt, cfg)
	jitter := rand.Float64() * 0.3 * float64(base)
	return base + time.Duration(jitter)
}

// RetryableFunc is a function that can be retried. attempt starts at 1.
type RetryableFunc func(ctx context.Context, attempt int) error

type retryOptions struct {
	onRetry   func(attempt int, err error)
	retryable func(err error, cfg RetryConfig) bool
}

// RetryOption customizes a single Retry call.
type RetryOption func(*retryOptions)

// WithOnRetry registers a callback invoked with the failed attempt number and
// its error before sleeping.
func WithOnRetry(fn func(attempt int, err error)) RetryOption {
	return func(o *retryOptions) {
		o.onRetry = fn
	}
}

// WithClassifier replaces the default Retryable classification.
func WithClassifier(fn func(err error, cfg RetryConfig) bool) RetryOption {
	return func(o *retryOptions) {
		o.retryable = fn
	}
}

// Retry executes fn until it succeeds, fails with a non-retryable error, or
// MaxAttempts is reached. Exhaustion returns a *RetryError.
func Retry(ctx context.Context, cfg RetryConfig, fn RetryableFunc, opts ...RetryOption) error {
	o := retryOptions{retryable: Retryable}
	for _, opt := range opts {
		opt(&o)
	}
	maxAttempts := max(cfg.MaxAttempts, 1)

	for attempt := 1; ; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		if !o.retryable(err, cfg) {
			return err
		}
		if attempt >= maxAttempts {
			return &RetryError{Attempts: attempt, LastErr: err}
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err)
		}

		timer := time.NewTimer(Delay(attempt, cfg))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-timer.C:
		}
	}
}

// RetryWithCircuitBreaker combines retry logic with circuit breaker. An open
// circuit is never retried.
func RetryWithCircuitBreaker(ctx context.Context, cfg RetryConfig, cb *CircuitBreaker, fn RetryableFunc, opts ...RetryOption) error {
	return Retry(ctx, cfg, func(ctx context.Context, attempt int) error {
		return cb.Execute(ctx, func(ctx context.Context) error {
			return fn(ctx, attempt)
		})
	}, opts...)
}
