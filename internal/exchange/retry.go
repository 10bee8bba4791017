package exchange

import (
	"context"
	"time"

	"github.com/ksred/klear-exec/internal/types"
	"github.com/rs/zerolog/log"
)

// RetryPolicy bounds how transient exchange failures are retried.
type RetryPolicy struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// DefaultRetryPolicy makes up to 3 attempts with backoff capped at 5s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   250 * time.Millisecond,
		MaxDelay:    5 * time.Second,
	}
}

// Backoff returns BaseDelay * 2^attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		return p.BaseDelay
	}
	if attempt > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<attempt)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-transient error, the
// attempts are exhausted, or ctx is done. The last error is returned.
func Retry(ctx context.Context, policy RetryPolicy, op string, fn func(ctx context.Context) error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		err = fn(ctx)
		if err == nil || !types.IsTransient(err) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.Backoff(attempt)
		log.Warn().
			Err(err).
			Str("op", op).
			Int("attempt", attempt+1).
			Dur("backoff", delay).
			Msg("transient exchange error, retrying")

		select {
		case <-ctx.Done():
			return types.NewTransientError(op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return err
}
