package session

import (
	"math"
	"math/rand/v2"
	"time"
)

// Policy is a capped exponential backoff with jitter.
type Policy struct {
	// MaxAttempts is the number of consecutive failed attempts tolerated
	// before the supervisor gives up. Zero retries forever.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter spreads each delay uniformly over +/- Jitter of its value.
	Jitter float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  10,
		InitialDelay: time.Second,
		MaxDelay:     2 * time.Minute,
		Multiplier:   2,
		Jitter:       0.2,
	}
}

// Exhausted reports whether attempt exceeds the allowed count.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt > p.MaxAttempts
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}

	base := float64(p.InitialDelay) * math.Pow(mult, float64(attempt-1))
	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}

	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		base *= 1 + p.Jitter*(2*r()-1)
	}

	if p.MaxDelay > 0 && base > float64(p.MaxDelay) {
		base = float64(p.MaxDelay)
	}
	if base < 0 {
		base = 0
	}
	return time.Duration(base)
}
