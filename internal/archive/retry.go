package archive

import (
	"context"
	"time"
)

// RetryPolicy bounds retries for provider and store calls. Only throttling
// and timeouts are retried; everything else fails on the first attempt.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// DefaultRetryPolicy matches the per-call bounds used by the coordinator.
var DefaultRetryPolicy = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second}

// Do runs fn up to MaxAttempts times, backing off between attempts. A rate
// limit retry hint from the provider takes precedence over the computed
// backoff. The last error is returned when attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}

		again, hint := retryable(err)
		if !again || i == attempts-1 {
			return err
		}

		delay := p.BaseDelay << uint(i)
		if hint > delay {
			delay = hint
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
