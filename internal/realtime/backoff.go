package realtime

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultRetryDelay    = 5 * time.Second
	DefaultMaxRetryDelay = 60 * time.Second
	DefaultRetryJitter   = 0.2
)

// Backoff yields the delay before retry number attempt (0-based).
type Backoff interface {
	Next(attempt int) time.Duration
}

// FixedBackoff waits the same delay before every retry.
type FixedBackoff time.Duration

func (b FixedBackoff) Next(int) time.Duration {
	return time.Duration(b)
}

// ExponentialBackoff doubles Base per attempt up to Max and spreads each
// delay by ±Jitter so clients dropped by one outage do not return in step.
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultBackoff() *ExponentialBackoff {
	return &ExponentialBackoff{
		Base:   DefaultRetryDelay,
		Max:    DefaultMaxRetryDelay,
		Jitter: DefaultRetryJitter,
	}
}

func (b *ExponentialBackoff) Next(attempt int) time.Duration {
	d := b.Base
	for i := 0; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}

	if b.Jitter > 0 {
		r := rand.Float64
		if b.Rand != nil {
			r = b.Rand
		}
		spread := (r()*2 - 1) * b.Jitter
		d = time.Duration(float64(d) * (1 + spread))
	}
	return d
}
