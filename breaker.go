package relayq

import (
	"sync"
	"time"
)

// CircuitBreakerConfig holds circuit breaker configuration. Zero values
// take the package defaults.
type CircuitBreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxCooldown      time.Duration
}

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
	defaultMaxCooldown      = 5 * time.Minute
)

// CircuitBreaker tracks consecutive failures for one action. Open rejects
// until the cooldown elapses, then HalfOpen admits exactly one probe;
// probe success closes the breaker, probe failure reopens it with the
// cooldown doubled (capped at MaxCooldown).
type CircuitBreaker struct {
	mu       sync.Mutex
	config   CircuitBreakerConfig
	state    CircuitState
	failures int
	openedAt time.Time
	cooldown time.Duration
}

// NewCircuitBreaker creates a breaker in the Closed state.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaultCooldown
	}
	if config.MaxCooldown <= 0 {
		config.MaxCooldown = defaultMaxCooldown
	}

	return &CircuitBreaker{
		config:   config,
		state:    StateCircuitClosed,
		cooldown: config.Cooldown,
	}
}

// Allow reports whether a call may proceed. The call that observes the
// cooldown expiry becomes the HalfOpen probe; concurrent calls stay
// rejected until the probe resolves.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateCircuitClosed:
		return true
	case StateCircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.state = StateCircuitHalfOpen
			return true
		}
		return false
	default: // half-open, probe already in flight
		return false
	}
}

// RecordFailure notes a failed call. At FailureThreshold consecutive
// failures the breaker opens; a failed probe reopens with doubled cooldown.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateCircuitClosed:
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.state = StateCircuitOpen
			cb.openedAt = time.Now()
		}
	case StateCircuitHalfOpen:
		cb.cooldown *= 2
		if cb.cooldown > cb.config.MaxCooldown {
			cb.cooldown = cb.config.MaxCooldown
		}
		cb.state = StateCircuitOpen
		cb.openedAt = time.Now()
	}
}

// RecordSuccess notes a successful call, resetting the failure count and,
// after a successful probe, closing the breaker and restoring the base
// cooldown.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateCircuitClosed:
		cb.failures = 0
	case StateCircuitHalfOpen:
		cb.state = StateCircuitClosed
		cb.failures = 0
		cb.cooldown = cb.config.Cooldown
	}
}

// State returns the breaker's current state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// BreakerRegistry holds one CircuitBreaker per action, created lazily from
// a shared config.
type BreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewBreakerRegistry creates an empty registry using config for every
// breaker it creates.
func NewBreakerRegistry(config CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for action, creating it on first use.
func (r *BreakerRegistry) Get(action string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[action]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[action]; ok {
		return cb
	}
	cb = NewCircuitBreaker(r.config)
	r.breakers[action] = cb
	return cb
}

// States returns a snapshot of every known action's breaker state.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for action, cb := range r.breakers {
		states[action] = cb.State()
	}
	return states
}
