package backoff

import "time"

// Calculator binds a Strategy to fixed base/cap/jitter parameters so call
// sites only supply the attempt number.
type Calculator struct {
	strategy Strategy
	base     time.Duration
	cap      time.Duration
	jitter   float64
}

// NewCalculator creates a calculator with the given strategy and bounds.
func NewCalculator(strategy Strategy, base, cap time.Duration, jitter float64) *Calculator {
	if strategy == nil {
		strategy = ExponentialJitter{}
	}
	return &Calculator{
		strategy: strategy,
		base:     base,
		cap:      cap,
		jitter:   jitter,
	}
}

// Delay returns the backoff delay for the given attempt (0-based).
func (c *Calculator) Delay(attempt int) time.Duration {
	return c.strategy.Delay(attempt, c.base, c.cap, c.jitter)
}

// Max returns the largest delay the calculator can produce.
func (c *Calculator) Max() time.Duration {
	return time.Duration(float64(c.cap) * (1 + clampJitter(c.jitter)))
}
