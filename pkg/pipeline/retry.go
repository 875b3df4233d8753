package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy defaults.
const (
	DefaultInitialDelay = 100 * time.Millisecond
	DefaultMaxDelay     = 5 * time.Second
	DefaultMultiplier   = 2.0
)

// RetryPolicy controls orchestrator-level retries around a pipeline
// execution. The zero value disables retries.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// ShouldRetry decides per error. Nil uses the default predicate,
	// which retries everything except [ErrPermanent].
	ShouldRetry func(error) bool
}

// DefaultRetryPolicy returns the standard three-attempt exponential policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: DefaultInitialDelay,
		MaxDelay:     DefaultMaxDelay,
		Multiplier:   DefaultMultiplier,
	}
}

func (p RetryPolicy) shouldRetry(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}

	return !errors.Is(err, ErrPermanent)
}

// run executes op under the policy. Non-retryable errors abort
// immediately; otherwise the delay backs off exponentially between
// InitialDelay and MaxDelay for up to MaxRetries additional attempts.
func (p RetryPolicy) run(ctx context.Context, op func() error) error {
	if p.MaxRetries <= 0 {
		return op()
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialDelay
	expo.MaxInterval = p.MaxDelay
	expo.Multiplier = p.Multiplier
	expo.RandomizationFactor = 0
	expo.Reset()

	wrapped := func() error {
		err := op()
		if err != nil && !p.shouldRetry(err) {
			return backoff.Permanent(err)
		}

		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(expo, uint64(p.MaxRetries)), ctx)

	err := backoff.Retry(wrapped, policy)
	if err != nil {
		return err
	}

	return nil
}
