// Package retry implements the bounded exponential-backoff policy used by
// every network call in the core.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	dErrors "credanchor/pkg/domain-errors"
)

// NoJitter disables delay randomization. A zero JitterFraction takes the
// default instead.
const NoJitter = -1

// Policy tunes a retry loop. Zero values fall back to the defaults below.
type Policy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	JitterFraction float64

	// Classify reports whether an error is worth another attempt.
	// Defaults to domainerrors.Retryable. Fatal errors short-circuit
	// without consuming remaining attempts.
	Classify func(error) bool
}

const (
	defaultMaxAttempts = 3
	defaultBaseDelay   = 500 * time.Millisecond
	defaultMaxDelay    = 10 * time.Second
	defaultJitter      = 0.2
)

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = defaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = defaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.JitterFraction == 0 {
		p.JitterFraction = defaultJitter
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.Classify == nil {
		p.Classify = dErrors.Retryable
	}
	return p
}

// ExhaustedError wraps the last error after the attempt budget ran out.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

// DoValue runs op under the policy and returns its result. The backoff
// schedule comes from cenkalti/backoff (base*2^(n-1) capped at MaxDelay,
// randomized by JitterFraction); the loop itself is explicit so attempt
// accounting stays flat under many retries.
func DoValue[T any](ctx context.Context, p Policy, op func(context.Context) (T, error)) (T, error) {
	p = p.withDefaults()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.MaxInterval = p.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = p.JitterFraction
	bo.MaxElapsedTime = 0
	bo.Reset()

	var zero T
	for attempt := 1; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		if !p.Classify(err) {
			return zero, err
		}
		if attempt >= p.MaxAttempts {
			return zero, &ExhaustedError{Attempts: attempt, Last: err}
		}

		timer := time.NewTimer(bo.NextBackOff())
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}

// Do runs op under the policy.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
