package ledger

import "time"

// RetryPolicy bounds append retries for transient store failures. Logical
// failures (duplicate sequence) are not retried by policy; they cannot occur
// under the serialized append point and indicate corruption if they do.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
}

// DefaultRetryPolicy is tuned for short storage blips: 4 attempts over
// roughly two seconds.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  100 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		Multiplier: 2.0,
	}
}

// Delay computes the backoff before retry attempt i (0-indexed).
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.Multiplier
	}
	d := time.Duration(delay)
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
