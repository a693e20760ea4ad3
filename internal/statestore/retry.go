package statestore

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is the exponential backoff schedule shared by both sinks:
// base 100ms, doubling, capped at 30s, with 20% jitter to avoid thundering
// herds across many entities retrying in lockstep.
type RetryPolicy struct {
	Base       time.Duration
	Cap        time.Duration
	JitterFrac float64
	MaxAttempts int // 0 means retry indefinitely until ctx is done
}

// DefaultRetryPolicy is the daemon-wide default per the persistence
// retry schedule.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Base:       100 * time.Millisecond,
		Cap:        30 * time.Second,
		JitterFrac: 0.2,
	}
}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.Base << attempt
	if d <= 0 || d > p.Cap {
		d = p.Cap
	}
	jitter := float64(d) * p.JitterFrac
	offset := (rand.Float64()*2 - 1) * jitter
	d = d + time.Duration(offset)
	if d < 0 {
		d = p.Base
	}
	return d
}

// retryWithBackoff calls fn until it succeeds, ctx is done, or (when set)
// MaxAttempts is exhausted.
func retryWithBackoff(ctx context.Context, policy RetryPolicy, fn func() error) error {
	attempt := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}

		attempt++
		if policy.MaxAttempts > 0 && attempt >= policy.MaxAttempts {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.delay(attempt - 1)):
		}
	}
}
