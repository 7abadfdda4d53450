package graph

import (
	"errors"
	"math/rand"
	"time"
)

// StepPolicy configures how a step is invoked.
//
// Example:
//
//	g.Register("extract", extract, graph.WithPolicy(graph.StepPolicy{
//	    Timeout: 30 * time.Second,
//	    Retry: &graph.RetryPolicy{
//	        MaxAttempts: 3,
//	        BaseDelay:   200 * time.Millisecond,
//	        MaxDelay:    2 * time.Second,
//	    },
//	}))
type StepPolicy struct {
	// Timeout bounds a single attempt. Zero means no timeout. An attempt
	// that runs past it fails with ErrStepTimeout.
	Timeout time.Duration

	// Retry re-invokes the step after retryable failures. Nil disables
	// retries.
	Retry *RetryPolicy
}

// RetryPolicy defines automatic retries for transient step failures.
//
// Delays grow exponentially with jitter: min(BaseDelay * 2^attempt,
// MaxDelay) + jitter(0, BaseDelay).
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts including the first.
	// Must be >= 1. A value of 1 means no retries.
	MaxAttempts int

	// BaseDelay is the base delay for exponential backoff between retries.
	BaseDelay time.Duration

	// MaxDelay caps the exponential component. Zero means no cap.
	MaxDelay time.Duration

	// Retryable decides whether an error is worth another attempt. If nil,
	// errors marked with Retryable(err) and step timeouts are retried.
	Retryable func(error) bool
}

// Validate checks if the RetryPolicy configuration is valid.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

func (p StepPolicy) retryable(err error) bool {
	if p.Retry == nil {
		return false
	}
	if p.Retry.Retryable != nil {
		return p.Retry.Retryable(err)
	}
	return IsRetryable(err) || errors.Is(err, ErrStepTimeout)
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks err as transient so the default retry predicate retries
// it. A nil err stays nil.
//
// Example:
//
//	out, err := client.Chat(ctx, msgs)
//	if err != nil {
//	    return graph.StepResult{}, graph.Retryable(err)
//	}
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// computeBackoff returns the delay before retry number attempt (0 for the
// first retry).
//
// Example delays with base=1s, maxDelay=30s:
//   - attempt 0: 1-2s
//   - attempt 1: 2-3s
//   - attempt 2: 4-5s
//   - attempt 10: 30-31s (capped)
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	if base <= 0 {
		return 0
	}
	exponentialDelay := base * (1 << attempt)
	if maxDelay > 0 && (exponentialDelay > maxDelay || exponentialDelay <= 0) {
		exponentialDelay = maxDelay
	}

	var jitter time.Duration
	if rng != nil {
		jitter = time.Duration(rng.Int63n(int64(base)))
	} else {
		jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- jitter for retry timing, not security
	}
	return exponentialDelay + jitter
}
