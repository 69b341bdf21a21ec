package reliability

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// RetryPolicy decides how long to wait between attempts and when to give up.
type RetryPolicy interface {
	// NextDelay returns the wait before the next attempt, given the number
	// of attempts already made. It returns false once the policy is
	// exhausted and no further attempt should be made.
	NextDelay(attempt int) (time.Duration, bool)

	// MaxAttempts returns the attempt cap, or zero or less when unbounded.
	MaxAttempts() int
}

// ExponentialBackoff grows the delay by Multiplier per attempt, capped at
// MaxDelay, with a random perturbation of up to ±JitterFraction around the
// computed delay. A policy with Attempts <= 0 never exhausts.
type ExponentialBackoff struct {
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	Attempts       int
	JitterFraction float64

	mu  sync.Mutex
	rnd *rand.Rand
}

// NewExponentialBackoff creates an exponential backoff policy with ±25% jitter.
func NewExponentialBackoff(base, max time.Duration, multiplier float64, maxAttempts int) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:      base,
		MaxDelay:       max,
		Multiplier:     multiplier,
		Attempts:       maxAttempts,
		JitterFraction: 0.25,
		rnd:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Reseed replaces the jitter source. With a fixed seed the delay sequence is
// fully deterministic, which the tests rely on.
func (e *ExponentialBackoff) Reseed(seed int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rnd = rand.New(rand.NewSource(seed))
}

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) (time.Duration, bool) {
	if e.Attempts > 0 && attempt >= e.Attempts {
		return 0, false
	}
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt))
	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	if e.JitterFraction > 0 {
		e.mu.Lock()
		perturbation := (2*e.rnd.Float64() - 1) * e.JitterFraction * delay
		e.mu.Unlock()
		delay += perturbation
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay), true
}

// MaxAttempts implements RetryPolicy.
func (e *ExponentialBackoff) MaxAttempts() int {
	return e.Attempts
}

// FixedDelay waits the same duration between every attempt.
type FixedDelay struct {
	Delay    time.Duration
	Attempts int
}

// NewFixedDelay creates a fixed delay policy. maxAttempts <= 0 means unbounded.
func NewFixedDelay(delay time.Duration, maxAttempts int) *FixedDelay {
	return &FixedDelay{
		Delay:    delay,
		Attempts: maxAttempts,
	}
}

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) (time.Duration, bool) {
	if f.Attempts > 0 && attempt >= f.Attempts {
		return 0, false
	}
	return f.Delay, true
}

// MaxAttempts implements RetryPolicy.
func (f *FixedDelay) MaxAttempts() int {
	return f.Attempts
}

// Retry runs fn until it succeeds, the policy is exhausted, a non-retryable
// error occurs, or ctx is done. It returns the last error observed.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 1; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableError(err) {
			return lastErr
		}

		delay, ok := policy.NextDelay(attempt)
		if !ok {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryableError honors an error's own retryability claim when it makes one.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}

	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error with an explicit retryability claim.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable reports the wrapped claim.
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

// Unwrap returns the wrapped error.
func (r RetryableError) Unwrap() error {
	return r.Err
}
