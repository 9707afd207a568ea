package errorclass

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// BackoffPolicy computes retry delays: min(base * mult^(n-1), cap) with
// optional ±25% jitter.
type BackoffPolicy struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	Jitter     bool
}

// DefaultBackoff returns the documented default policy.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Base:       5 * time.Second,
		Multiplier: 2,
		Cap:        300 * time.Second,
		Jitter:     true,
	}
}

// New builds the underlying exponential backoff for a retry sequence.
func (p BackoffPolicy) New() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Base
	b.Multiplier = p.Multiplier
	b.MaxInterval = p.Cap
	b.MaxElapsedTime = 0 // retries are bounded by attempt count, not wall clock
	if p.Jitter {
		b.RandomizationFactor = 0.25
	} else {
		b.RandomizationFactor = 0
	}
	b.Reset()
	return b
}

// Delay returns the delay before attempt n (1-based) without jitter applied;
// the jittered sequence comes from New. Useful for tests and logging.
func (p BackoffPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(p.Base)
	for i := 1; i < n; i++ {
		d *= p.Multiplier
		if time.Duration(d) >= p.Cap {
			return p.Cap
		}
	}
	if time.Duration(d) > p.Cap {
		return p.Cap
	}
	return time.Duration(d)
}
