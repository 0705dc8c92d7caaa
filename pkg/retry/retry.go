// Package retry provides composable retry policies with exponential backoff for storage operations.
//
// The storage lifecycle never retries on its own. Callers and backends wrap the
// operations they consider safe to repeat with a Policy.
package retry

import (
	"context"
	stderr "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
)

// Policy defines retry behavior
type Policy struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	// Jitter adds ±20% randomness to each delay
	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableCodes lists error codes that trigger a retry in addition to the
	// Retryable flag carried by the error itself
	RetryableCodes []errors.ErrorCode `yaml:"retryable_codes" json:"retryable_codes"`

	// Retryable overrides the default classification when set
	Retryable func(err error) bool `yaml:"-" json:"-"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultPolicy returns the policy used for transient network failures
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableCodes: []errors.ErrorCode{
			errors.ErrCodeNetworkError,
			errors.ErrCodeInternalError,
		},
	}
}

// NoRetry returns a policy that runs the operation exactly once
func NoRetry() Policy {
	return Policy{MaxAttempts: 1}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.Multiplier <= 0 {
		p.Multiplier = 2.0
	}
	return p
}

// Do executes fn until it succeeds, fails with a non-retryable error, the
// attempts are exhausted or ctx is done.
func (p Policy) Do(ctx context.Context, fn func(context.Context) error) error {
	_, err := Do(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Do executes fn under policy p and returns its value.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	p = p.normalized()

	var zero T
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return zero, fmt.Errorf("operation canceled after %d attempts: %w", attempt-1, lastErr)
			}
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.shouldRetry(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.Delay(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("operation canceled after %d attempts: %w", attempt, lastErr)
		case <-timer.C:
		}
	}

	if p.MaxAttempts == 1 {
		return zero, lastErr
	}
	return zero, errors.NewError(errors.ErrCodeRetryExhausted,
		fmt.Sprintf("max retry attempts (%d) exceeded", p.MaxAttempts)).
		WithCause(lastErr).
		WithDetail("attempts", p.MaxAttempts)
}

// shouldRetry determines if an error is retryable
func (p Policy) shouldRetry(err error) bool {
	if stderr.Is(err, context.Canceled) || stderr.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable != nil {
		return p.Retryable(err)
	}

	var se *errors.StorageError
	if stderr.As(err, &se) {
		if se.Retryable {
			return true
		}
		for _, code := range p.RetryableCodes {
			if errors.IsCode(err, code) {
				return true
			}
		}
	}
	return false
}

// Delay returns the backoff before retry number attempt (1-based)
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()

	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}
	return time.Duration(delay)
}

// WithMaxAttempts returns a copy with modified max attempts
func (p Policy) WithMaxAttempts(attempts int) Policy {
	p.MaxAttempts = attempts
	return p
}

// WithInitialDelay returns a copy with modified initial delay
func (p Policy) WithInitialDelay(delay time.Duration) Policy {
	p.InitialDelay = delay
	return p
}

// WithRetryable returns a copy with a custom classifier
func (p Policy) WithRetryable(fn func(error) bool) Policy {
	p.Retryable = fn
	return p
}

// WithOnRetry returns a copy with a retry callback
func (p Policy) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) Policy {
	p.OnRetry = callback
	return p
}
