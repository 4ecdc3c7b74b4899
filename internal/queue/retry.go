package queue

import "time"

const (
	DefaultRetryBase = 5 * time.Second
	DefaultRetryMax  = 5 * time.Minute
)

// RetryPolicy computes the delay before a failed job becomes eligible again.
type RetryPolicy struct {
	Base time.Duration
	Max  time.Duration
}

// DefaultRetryPolicy returns the 5s base / 5m cap policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Base: DefaultRetryBase, Max: DefaultRetryMax}
}

// Backoff returns min(Max, Base*2^(attempt-1)). Base is at least 1ms and Max
// is at least Base.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	base := p.Base
	if base < time.Millisecond {
		base = time.Millisecond
	}
	maxDelay := p.Max
	if maxDelay < base {
		maxDelay = base
	}
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay >= maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
