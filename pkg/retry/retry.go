// Package retry provides retry logic with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math"
	"net"
	"strings"
	"time"

	"github.com/fruitsalade/dashboard/internal/clock"
)

// Policy holds retry configuration. A Policy is a value: call sites copy a
// template and adjust fields as needed.
type Policy struct {
	MaxRetries   int           // Retries after the first attempt (0 = no retries)
	InitialDelay time.Duration // Delay before the first retry
	MaxDelay     time.Duration // Upper bound for any single delay (0 = no cap)
	Multiplier   float64       // Backoff multiplier

	// ShouldRetry decides whether the failure at the given 0-indexed
	// attempt is worth retrying. Nil means IsTransient.
	ShouldRetry func(err error, attempt int) bool

	// OnRetry observes each retry before the wait starts. attempt is the
	// 1-based number of the retry about to happen.
	OnRetry func(attempt int, err error, delay time.Duration)

	// Clock drives the backoff waits. Nil means the real clock.
	Clock clock.Clock
}

// DefaultPolicy returns the policy used by network call sites.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

// Delay returns the wait that follows a failure at the 0-indexed attempt:
// min(InitialDelay * Multiplier^attempt, MaxDelay).
func (p Policy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2.0
	}
	wait := float64(p.InitialDelay) * math.Pow(mult, float64(attempt))
	if p.MaxDelay > 0 && wait > float64(p.MaxDelay) {
		wait = float64(p.MaxDelay)
	}
	return time.Duration(wait)
}

func (p Policy) shouldRetry(err error, attempt int) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err, attempt)
	}
	return IsTransient(err)
}

// RetryableError wraps an error that should be retried.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable returns true if the error was explicitly marked retryable.
func IsRetryable(err error) bool {
	var retryable RetryableError
	return errors.As(err, &retryable)
}

// Retryable wraps an error to mark it as retryable.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return RetryableError{Err: err}
}

// StatusCoder is implemented by errors that carry an HTTP status.
type StatusCoder interface {
	StatusCode() int
}

// Substrings of error messages that indicate a network, timeout or DNS
// failure. Matched case-insensitively.
var transientMarkers = []string{
	"network",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"server misbehaving",
	"dns lookup",
	"name resolution",
	"failed to fetch",
}

// IsTransient reports whether err looks like a temporary failure: an error
// marked Retryable, a network or timeout error, or an error carrying a 5xx
// status. Client errors (4xx), validation and decode errors are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var sc StatusCoder
	if errors.As(err, &sc) {
		code := sc.StatusCode()
		return code >= 500 && code < 600
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// Do executes op, retrying failures the policy accepts. When retries are
// exhausted or the failure is permanent, the last error is returned as-is.
// Cancelling ctx interrupts a pending wait and returns ctx.Err().
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	clk := p.Clock
	if clk == nil {
		clk = clock.Real()
	}

	for attempt := 0; ; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if attempt >= p.MaxRetries || !p.shouldRetry(err, attempt) {
			return zero, err
		}

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, err, delay)
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-clk.After(delay):
		}
	}
}

// Run is Do for operations without a result.
func Run(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
