package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultBackoffBase   = time.Second
	DefaultBackoffMax    = 30 * time.Second
	DefaultBackoffJitter = 0.2
)

// Backoff is exponential with a cap and proportional jitter.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
	// Jitter spreads each delay uniformly over ±Jitter of itself.
	Jitter float64
	// Rand returns values in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBackoffBase
	}
	if b.Max <= 0 {
		b.Max = DefaultBackoffMax
	}
	if b.Max < b.Base {
		b.Max = b.Base
	}
	if b.Jitter < 0 {
		b.Jitter = 0
	}
	if b.Jitter > 1 {
		b.Jitter = 1
	}
	if b.Rand == nil {
		b.Rand = rand.Float64
	}
	return b
}

// Delay returns the wait before retry attempt (1-based). The result never
// exceeds Max.
func (b Backoff) Delay(attempt int) time.Duration {
	b = b.withDefaults()
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter > 0 {
		delay *= 1 + b.Jitter*(2*b.Rand()-1)
	}
	if delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
