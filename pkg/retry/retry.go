// Package retry wraps failure-prone operations with bounded, jittered
// exponential backoff. Whether an error is worth another attempt is decided
// by a classifier, so permanent failures surface immediately.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Defaults applied by Do for zero Config fields.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
	DefaultMultiplier  = 2.0
	DefaultMaxDelay    = 60 * time.Second
)

// ErrNonRetryable marks errors that must never be retried. Wrap a cause with
// fmt.Errorf("%w: ...", retry.ErrNonRetryable) to short-circuit Do.
var ErrNonRetryable = errors.New("non-retryable error")

// Config controls how Do spaces and bounds its attempts.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	// Jitter scales each delay by a uniform factor in [0.5, 1.0) so
	// concurrent retriers spread out.
	Jitter bool
	// Classify reports whether an error is worth retrying. Nil means
	// Retryable.
	Classify func(error) bool
	// OnRetry is invoked after each failed attempt that will be retried.
	OnRetry func(err error, attempt int)
}

// Network is the profile for ordinary network hiccups.
func Network() Config {
	return Config{MaxAttempts: 3, BaseDelay: time.Second, Multiplier: 2.0, MaxDelay: 60 * time.Second, Jitter: true}
}

// API is the profile for slow upstream APIs: more attempts, longer base
// delay, tighter cap.
func API() Config {
	return Config{MaxAttempts: 5, BaseDelay: 2 * time.Second, Multiplier: 2.0, MaxDelay: 30 * time.Second, Jitter: true}
}

// Quick is the profile for cheap local operations.
func Quick() Config {
	return Config{MaxAttempts: 2, BaseDelay: 500 * time.Millisecond, Multiplier: 1.5, MaxDelay: 60 * time.Second, Jitter: true}
}

// Error reports that every attempt failed. Unwrap yields the last cause.
type Error struct {
	Attempts int
	Last     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *Error) Unwrap() error { return e.Last }

// nonRetryableMarkers are substrings of upstream error strings that indicate
// a request that will fail identically on every attempt.
var nonRetryableMarkers = []string{
	"invalid_api_key",
	"invalid_request",
	"unauthorized",
	"401",
	"403",
}

// Retryable is the default classifier: authentication and invalid-request
// failures are treated as permanent, everything else as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNonRetryable) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range nonRetryableMarkers {
		if strings.Contains(msg, marker) {
			return false
		}
	}
	return true
}

// Delay returns the backoff before retry number attempt (counting from 1),
// without jitter: min(BaseDelay * Multiplier^(attempt-1), MaxDelay).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(cfg.BaseDelay) * math.Pow(cfg.Multiplier, float64(attempt-1))
	if cfg.MaxDelay > 0 && d > float64(cfg.MaxDelay) {
		d = float64(cfg.MaxDelay)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, the classifier rules the error permanent, the
// context ends a backoff wait, or MaxAttempts are exhausted. A permanent
// error is returned unchanged; exhaustion returns an *Error wrapping the
// last cause.
func Do[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultMaxDelay
	}
	classify := cfg.Classify
	if classify == nil {
		classify = Retryable
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		if !classify(err) {
			return zero, err
		}
		lastErr = err
		if attempt == cfg.MaxAttempts {
			break
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(err, attempt)
		}
		wait := Delay(cfg, attempt)
		if cfg.Jitter {
			wait = time.Duration(float64(wait) * (0.5 + rand.Float64()*0.5))
		}
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, &Error{Attempts: cfg.MaxAttempts, Last: lastErr}
}
