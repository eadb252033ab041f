package relayq

import (
	"fmt"
	"time"

	"github.com/m3n3sx/relayq/internal/backoff"
)

// WithTransport sets the network transport. Required.
func WithTransport(t Transport) Option {
	return func(o *Orchestrator) {
		o.transport = t
	}
}

// WithTokenSource sets the collaborator refreshing expired session tokens.
func WithTokenSource(tokens TokenSource) Option {
	return func(o *Orchestrator) {
		o.tokens = tokens
	}
}

// WithBacklogStore sets the durable store for the unexecuted backlog.
func WithBacklogStore(store BacklogStore) Option {
	return func(o *Orchestrator) {
		if store != nil {
			o.store = store
		}
	}
}

// WithMaxConcurrentRequests bounds simultaneous executing requests.
func WithMaxConcurrentRequests(n int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrent = n
	}
}

// WithMaxRetries sets the default retry budget per request.
func WithMaxRetries(n int) Option {
	return func(o *Orchestrator) {
		o.maxRetries = n
	}
}

// WithBaseDelay sets the initial backoff delay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.baseDelay = d
	}
}

// WithMaxDelay caps the backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.maxDelay = d
	}
}

// WithJitterFactor sets the jitter band around computed delays (0.0–1.0).
func WithJitterFactor(f float64) Option {
	return func(o *Orchestrator) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		o.jitterFactor = f
	}
}

// WithBackoffStrategy swaps the delay algorithm; the default is
// exponential growth with uniform jitter.
func WithBackoffStrategy(s backoff.Strategy) Option {
	return func(o *Orchestrator) {
		o.backoffStrategy = s
	}
}

// WithCircuitFailureThreshold sets the consecutive-failure count that
// opens an action's breaker.
func WithCircuitFailureThreshold(n int) Option {
	return func(o *Orchestrator) {
		o.circuitThreshold = n
	}
}

// WithCircuitCooldown sets the initial open-state cooldown; it doubles on
// repeated opens.
func WithCircuitCooldown(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.circuitCooldown = d
	}
}

// WithDefaultTimeout sets the per-call timeout applied to requests that do
// not override it.
func WithDefaultTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.defaultTimeout = d
	}
}

// WithMaxHistorySize bounds the diagnostics ring buffer.
func WithMaxHistorySize(n int) Option {
	return func(o *Orchestrator) {
		o.maxHistorySize = n
	}
}

// WithMetrics enables Prometheus metrics on the default registerer.
func WithMetrics() Option {
	return func(o *Orchestrator) {
		o.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector.
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(o *Orchestrator) {
		o.metrics = collector
	}
}

// WithLogger sets the logger for debug output.
func WithLogger(logger Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithDebug enables debug logging with the default area config.
func WithDebug() Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
	}
}

// WithDebugConfig sets a custom debug configuration.
func WithDebugConfig(config *DebugConfig) Option {
	return func(o *Orchestrator) {
		if config != nil {
			o.debug = config
		}
	}
}

// WithSimpleLogger enables debug logging to stderr.
func WithSimpleLogger() Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.Enabled = true
		o.logger = NewSimpleLogger()
	}
}

// WithRequestIDGenerator sets the function generating request ids.
func WithRequestIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if o.debug == nil {
			o.debug = DefaultDebugConfig()
		}
		o.debug.RequestIDGen = gen
	}
}

// ValidateConfiguration checks the orchestrator configuration and returns
// an aggregate error when any knob is out of range.
func (o *Orchestrator) ValidateConfiguration() error {
	var problems []string

	if o.transport == nil {
		problems = append(problems, "transport is required")
	}
	if o.maxConcurrent <= 0 {
		problems = append(problems, "maxConcurrentRequests must be positive")
	}
	if o.maxRetries < 0 {
		problems = append(problems, "maxRetries must be non-negative")
	}
	if o.baseDelay <= 0 {
		problems = append(problems, "baseDelayMs must be positive")
	}
	if o.maxDelay < o.baseDelay {
		problems = append(problems, "maxDelayMs must be greater than or equal to baseDelayMs")
	}
	if o.jitterFactor < 0 || o.jitterFactor > 1 {
		problems = append(problems, "jitterFactor must be between 0 and 1")
	}
	if o.circuitThreshold < 0 {
		problems = append(problems, "circuitFailureThreshold must be non-negative")
	}
	if o.circuitCooldown < 0 {
		problems = append(problems, "circuitCooldownMs must be non-negative")
	}
	if o.defaultTimeout <= 0 {
		problems = append(problems, "defaultTimeoutMs must be positive")
	}
	if o.maxHistorySize <= 0 {
		problems = append(problems, "maxHistorySize must be positive")
	}

	if len(problems) > 0 {
		return &Error{
			Type:    ErrorTypeValidation,
			Message: "configuration validation failed",
			Cause:   fmt.Errorf("validation errors: %v", problems),
		}
	}
	return nil
}
