package notify

import (
	"context"
	"math"
	"time"
)

const (
	DefaultAttempts   = 3
	DefaultBackoff    = 2 * time.Second
	defaultMultiplier = 2.0
)

// RetryPolicy bounds delivery attempts. Attempts counts every try, the
// first one included; the wait before retry n (n >= 1) is
// Backoff * Multiplier^(n-1), capped at MaxBackoff when set.
type RetryPolicy struct {
	Attempts   int
	Backoff    time.Duration
	Multiplier float64
	MaxBackoff time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:   DefaultAttempts,
		Backoff:    DefaultBackoff,
		Multiplier: defaultMultiplier,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Attempts <= 0 {
		p.Attempts = DefaultAttempts
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = defaultMultiplier
	}
	return p
}

// Delay returns the wait before retry n.
func (p RetryPolicy) Delay(n int) time.Duration {
	p = p.normalized()
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(p.Backoff) * math.Pow(p.Multiplier, float64(n-1)))
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		d = p.MaxBackoff
	}
	return d
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
