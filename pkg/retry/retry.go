// Package retry is the single retry policy shared by the chain client and the
// relay dispatcher. It wraps avast/retry-go with exponential backoff.
package retry

import (
	"context"
	"time"

	"github.com/avast/retry-go"

	apperrors "github.com/chainsafe/bridge-warden/pkg/app/errors"
)

// Policy describes how often and how fast an operation is retried.
type Policy struct {
	MaxAttempts    uint
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// RetryIf decides whether an error is worth another attempt.
	// Defaults to apperrors.Retryable.
	RetryIf func(error) bool
	// OnRetry is invoked after every failed, retryable attempt (attempt is zero based).
	OnRetry func(attempt uint, err error)
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		InitialBackoff: time.Second,
		MaxBackoff:     30 * time.Second,
	}
}

// WithOnRetry returns a copy of p with the given retry hook.
func (p Policy) WithOnRetry(fn func(attempt uint, err error)) Policy {
	p.OnRetry = fn
	return p
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts are
// exhausted or ctx is done. The last error fn returned is passed through as is,
// so callers can still classify it.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}
	retryIf := p.RetryIf
	if retryIf == nil {
		retryIf = apperrors.Retryable
	}
	onRetry := p.OnRetry
	if onRetry == nil {
		onRetry = func(uint, error) {}
	}

	opts := []retry.Option{
		retry.Attempts(attempts),
		retry.Delay(p.InitialBackoff),
		retry.DelayType(retry.BackOffDelay),
		retry.RetryIf(retryIf),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.OnRetry(onRetry),
	}
	if p.MaxBackoff > 0 {
		opts = append(opts, retry.MaxDelay(p.MaxBackoff))
	}

	return retry.Do(func() error {
		return fn(ctx)
	}, opts...)
}
