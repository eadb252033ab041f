package backoff

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before a retry attempt. Implementations must
// return a value in [0, cap*(1+jitter)] and never block.
type Strategy interface {
	Delay(attempt int, base, cap time.Duration, jitter float64) time.Duration
}

// ExponentialJitter grows the delay as base*2^attempt, capped, with a
// uniform jitter band of +/- jitter around the computed value.
type ExponentialJitter struct{}

// Delay implements Strategy.
func (ExponentialJitter) Delay(attempt int, base, cap time.Duration, jitter float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Shifting past 62 bits overflows time.Duration.
	if attempt > 30 {
		attempt = 30
	}

	delay := base << uint(attempt)
	if delay <= 0 || delay > cap {
		delay = cap
	}

	jitter = clampJitter(jitter)
	if jitter > 0 {
		// Uniform in [1-jitter, 1+jitter].
		factor := 1 + jitter*(2*rand.Float64()-1)
		delay = time.Duration(float64(delay) * factor)
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// DecorrelatedJitter implements AWS-style decorrelated jitter: each delay
// is drawn between base and three times the previous tier, which smooths
// retry storms better than pure exponential growth.
type DecorrelatedJitter struct{}

// Delay implements Strategy.
func (DecorrelatedJitter) Delay(attempt int, base, cap time.Duration, jitter float64) time.Duration {
	if attempt <= 0 {
		return base
	}
	if attempt > 10 {
		attempt = 10
	}

	lower := float64(base)
	upper := lower
	for i := 0; i < attempt; i++ {
		upper *= 3
		if upper > float64(cap) {
			upper = float64(cap)
			break
		}
	}
	if upper < lower {
		upper = lower
	}

	delay := time.Duration(lower + rand.Float64()*(upper-lower))
	if delay < 0 || delay > cap {
		delay = cap
	}
	return delay
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}
